package rovagent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/rovpilot/internal/rovagent/connection"
	"github.com/autopeer-io/rovpilot/internal/rovagent/dispatch"
	"github.com/autopeer-io/rovpilot/internal/rovagent/movement"
	"github.com/autopeer-io/rovpilot/internal/rovagent/notifier"
	"github.com/autopeer-io/rovpilot/internal/rovagent/server/http"
	"github.com/autopeer-io/rovpilot/internal/rovagent/telemetry"
	"github.com/autopeer-io/rovpilot/pkg/log"
)

const shutdownTimeout = 5 * time.Second

// Agent owns the vehicle session and runs its background loops.
type Agent struct {
	manager    *connection.Manager
	mover      *movement.Controller
	cache      *telemetry.Cache
	dispatcher *dispatch.Dispatcher

	// optional
	notifier *notifier.Notifier
	server   *http.Server

	connectOnStart bool
}

// Dispatcher is the operator command surface of the running agent.
func (a *Agent) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Run starts the telemetry poller, the notifier and the ops server, and
// blocks until ctx is done. The vehicle session is always closed on return,
// halting any motion first.
func (a *Agent) Run(ctx context.Context) error {
	log.Info("Starting rovpilot agent", "connectOnStart", a.connectOnStart)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.cache.Run(gctx) })
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Run(gctx) })
	}
	if a.server != nil {
		g.Go(func() error { return a.server.Start(gctx) })
	}
	if a.connectOnStart {
		g.Go(func() error {
			a.connect(gctx)
			return nil
		})
	}

	<-gctx.Done()
	log.Info("Agent shutting down...")

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.dispatcher.Disconnect(dctx); err != nil {
		log.Error(err, "Failed to close vehicle session")
	}

	return g.Wait()
}

// connect opens the link and waits for the vehicle. Failures are only logged;
// the operator can retry through the dispatcher.
func (a *Agent) connect(ctx context.Context) {
	if err := a.dispatcher.Connect(ctx); err != nil {
		log.Error(err, "Failed to open vehicle link")
		return
	}
	if err := a.dispatcher.WaitHeartbeat(ctx, 0); err != nil {
		if ctx.Err() == nil {
			log.Error(err, "Vehicle did not answer")
		}
		return
	}
	st := a.dispatcher.Status()
	log.Info("Vehicle connected", "session", st.SessionID, "system", st.SystemID, "mode", st.Mode)
}
