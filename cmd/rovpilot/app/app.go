package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/rovpilot/cmd/rovpilot/app/options"
	"github.com/autopeer-io/rovpilot/pkg/app"
)

const (
	commandName = "rovpilot"
	commandDesc = `rovpilot runs next to an ArduSub vehicle's companion computer. It holds the
MAVLink session with the autopilot, gates operator commands on the session
state, stops timed motion on its own and polls mavlink2rest for telemetry.`
)

func NewApp() *app.App {
	opts := options.NewAgentOptions()
	application := app.NewApp(
		commandName,
		"Launch the rovpilot vehicle agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
		app.WithSubCommands(newStatusCommand()),
	)
	return application
}

func run(opts *options.AgentOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}
