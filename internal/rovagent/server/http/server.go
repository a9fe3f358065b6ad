package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/movement"
	"github.com/autopeer-io/rovpilot/internal/rovagent/telemetry"
	"github.com/autopeer-io/rovpilot/pkg/log"
	"github.com/autopeer-io/rovpilot/pkg/options"
)

// StatusSource is what the debug and readiness endpoints report on.
type StatusSource interface {
	Status() core.Status
	TelemetrySnapshot() telemetry.View
	ActiveMovements() []movement.JobInfo
}

// DebugStatus is the /debug/status document.
type DebugStatus struct {
	Session   core.Status        `json:"session"`
	Telemetry TelemetryStatus    `json:"telemetry"`
	Movements []movement.JobInfo `json:"movements"`
}

type TelemetryStatus struct {
	Snapshot            *telemetry.Snapshot `json:"snapshot,omitempty"`
	Age                 string              `json:"age,omitempty"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Valid               bool                `json:"valid"`
}

type Server struct {
	server  *http.Server
	options *options.HttpOptions
	logger  log.Logger
}

func NewServer(opts *options.HttpOptions, src StatusSource) *Server {
	return &Server{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(src),
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
		},
		options: opts,
		logger:  log.WithName("http"),
	}
}

// NewRouter builds the operations routes.
func NewRouter(src StatusSource) *mux.Router {
	r := mux.NewRouter()

	// Liveness: the process is serving.
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		st := src.Status()
		if !st.State.Operational() {
			writeText(w, http.StatusServiceUnavailable, string(st.State))
			return
		}
		writeText(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/debug/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, collect(src))
	}).Methods(http.MethodGet)

	return r
}

func collect(src StatusSource) DebugStatus {
	view := src.TelemetrySnapshot()
	out := DebugStatus{
		Session: src.Status(),
		Telemetry: TelemetryStatus{
			Snapshot:            view.Snapshot,
			ConsecutiveFailures: view.ConsecutiveFailures,
			Valid:               view.Valid,
		},
		Movements: src.ActiveMovements(),
	}
	if view.Snapshot != nil {
		out.Telemetry.Age = view.Age.Round(time.Millisecond).String()
	}
	if out.Movements == nil {
		out.Movements = []movement.JobInfo{}
	}
	return out
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting HTTP Server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err, "Failed to encode response")
	}
}
