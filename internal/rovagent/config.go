package rovagent

import (
	"context"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/rovpilot/internal/rovagent/connection"
	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/dispatch"
	"github.com/autopeer-io/rovpilot/internal/rovagent/link"
	"github.com/autopeer-io/rovpilot/internal/rovagent/movement"
	"github.com/autopeer-io/rovpilot/internal/rovagent/notifier"
	"github.com/autopeer-io/rovpilot/internal/rovagent/server/http"
	"github.com/autopeer-io/rovpilot/internal/rovagent/telemetry"
	"github.com/autopeer-io/rovpilot/pkg/mqtt"
	"github.com/autopeer-io/rovpilot/pkg/mqtt/topic"
	"github.com/autopeer-io/rovpilot/pkg/options"
)

type Config struct {
	LinkOptions      *options.LinkOptions
	TelemetryOptions *options.TelemetryOptions
	MqttOptions      *options.MqttOptions
	HttpOptions      *options.HttpOptions

	// ConnectOnStart opens the link and waits for the vehicle when the agent starts.
	ConnectOnStart bool
}

// NewAgent builds an agent talking MAVLink over UDP.
func (cfg *Config) NewAgent() (*Agent, error) {
	opener := &link.NodeOpener{
		SystemID:        uint8(cfg.LinkOptions.SystemID),
		HeartbeatPeriod: cfg.LinkOptions.GCSHeartbeatPeriod,
	}
	return cfg.newAgent(opener, clock.RealClock{})
}

func (cfg *Config) newAgent(opener link.Opener, clk clock.WithTicker) (*Agent, error) {
	sess := core.NewSession(cfg.LinkOptions.Endpoint())
	manager := connection.NewManager(sess, opener, clk, connection.NewOptions(cfg.LinkOptions))

	mover := movement.New(manager, clk, movement.WithSendErrorHandler(manager.ReportFault))
	manager.AddHook(mover.HandleTransition)

	a := &Agent{
		manager:        manager,
		mover:          mover,
		connectOnStart: cfg.ConnectOnStart,
	}

	var cacheOpts []telemetry.Option
	if cfg.MqttOptions.Enabled() {
		n, err := cfg.newNotifier(clk)
		if err != nil {
			return nil, fmt.Errorf("failed to init status notifier: %w", err)
		}
		manager.AddStatusHook(n.HandleTransition)
		cacheOpts = append(cacheOpts, telemetry.WithUpdateHook(n.HandleSnapshot))
		a.notifier = n
	}
	if after := cfg.TelemetryOptions.EscalateAfter; after > 0 {
		var onStale func(context.Context, int, error)
		if cfg.TelemetryOptions.EscalateLinkLost {
			onStale = linkLost(manager)
		}
		cacheOpts = append(cacheOpts, telemetry.WithEscalation(after, onStale))
	}
	a.cache = telemetry.NewCache(telemetry.NewFeed(cfg.TelemetryOptions), clk, cfg.TelemetryOptions.Interval, cacheOpts...)

	a.dispatcher = dispatch.New(manager, mover, a.cache)

	if cfg.HttpOptions.Enabled() {
		a.server = http.NewServer(cfg.HttpOptions, a.dispatcher)
	}
	return a, nil
}

func (cfg *Config) newNotifier(clk clock.PassiveClock) (*notifier.Notifier, error) {
	vid := cfg.MqttOptions.VehicleID
	topics := topic.NewTopicBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	mqttConfig.WillTopic = topics.State(vid)
	mqttConfig.WillPayload = notifier.OfflinePayload(vid)
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	pub, err := mqtt.NewPublisher(mqttConfig)
	if err != nil {
		return nil, err
	}
	return notifier.New(pub, topics, vid, clk), nil
}

// linkLost demotes the session when the telemetry feed goes stale.
func linkLost(manager *connection.Manager) func(ctx context.Context, failures int, err error) {
	return func(ctx context.Context, failures int, err error) {
		manager.ReportFault(ctx, core.Errorf(core.KindLinkLost, "telemetry feed stale after %d failed polls: %w", failures, err))
	}
}
