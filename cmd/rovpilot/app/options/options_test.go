package options

import (
	"testing"
)

func TestAgentOptions(t *testing.T) {
	o := NewAgentOptions()
	if err := o.Complete(); err != nil {
		t.Fatal(err)
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	fss := o.Flags()
	for _, name := range []string{"link", "telemetry", "mqtt", "http", "log", "global"} {
		if _, ok := fss.FlagSets[name]; !ok {
			t.Errorf("flag set %q missing", name)
		}
	}

	cfg, err := o.Config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LinkOptions != o.LinkOptions || !cfg.ConnectOnStart {
		t.Errorf("Config() = %+v", cfg)
	}
}

func TestAgentOptionsAggregatesErrors(t *testing.T) {
	o := NewAgentOptions()
	fss := o.Flags()
	if err := fss.FlagSet("link").Parse([]string{"--link.port=70000"}); err != nil {
		t.Fatal(err)
	}
	o.TelemetryOptions.Interval = 0
	o.MqttOptions.Broker = "udp://broker"

	err := o.Validate()
	if err == nil {
		t.Fatal("Validate() accepted invalid options")
	}
	if n := len(err.(interface{ Errors() []error }).Errors()); n != 3 {
		t.Errorf("Validate() = %v, want 3 errors", err)
	}
}
