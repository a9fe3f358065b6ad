package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/rovpilot/internal/rovagent"
	"github.com/autopeer-io/rovpilot/pkg/app"
	"github.com/autopeer-io/rovpilot/pkg/log"
	"github.com/autopeer-io/rovpilot/pkg/options"
)

type AgentOptions struct {
	LinkOptions      *options.LinkOptions      `json:"link" mapstructure:"link"`
	TelemetryOptions *options.TelemetryOptions `json:"telemetry" mapstructure:"telemetry"`
	MqttOptions      *options.MqttOptions      `json:"mqtt" mapstructure:"mqtt"`
	HttpOptions      *options.HttpOptions      `json:"http" mapstructure:"http"`
	Log              *log.Options              `json:"log" mapstructure:"log"`

	// ConnectOnStart opens the vehicle link as soon as the agent runs.
	ConnectOnStart bool `json:"connect-on-start" mapstructure:"connect-on-start"`
}

var (
	_ app.NamedFlagSetOptions = (*AgentOptions)(nil)
	_ app.LogOptionsProvider  = (*AgentOptions)(nil)
)

func NewAgentOptions() *AgentOptions {
	return &AgentOptions{
		LinkOptions:      options.NewLinkOptions(),
		TelemetryOptions: options.NewTelemetryOptions(),
		MqttOptions:      options.NewMqttOptions(),
		HttpOptions:      options.NewHttpOptions(),
		Log:              log.NewOptions(),
		ConnectOnStart:   true,
	}
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.LinkOptions.AddFlags(fss.FlagSet("link"))
	o.TelemetryOptions.AddFlags(fss.FlagSet("telemetry"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.Log.AddFlags(fss.FlagSet("log"))

	fss.FlagSet("global").BoolVar(&o.ConnectOnStart, "connect-on-start", o.ConnectOnStart, "Open the vehicle link and wait for its heartbeat at startup.")
	return fss
}

func (o *AgentOptions) Complete() error {
	if o.Log.Name == "" {
		o.Log.Name = "rovpilot"
	}
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.LinkOptions.Validate()...)
	errs = append(errs, o.TelemetryOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *AgentOptions) Config() (*rovagent.Config, error) {
	return &rovagent.Config{
		LinkOptions:      o.LinkOptions,
		TelemetryOptions: o.TelemetryOptions,
		MqttOptions:      o.MqttOptions,
		HttpOptions:      o.HttpOptions,
		ConnectOnStart:   o.ConnectOnStart,
	}, nil
}
