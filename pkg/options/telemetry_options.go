package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*TelemetryOptions)(nil)

// TelemetryOptions configures the mavlink2rest poller.
type TelemetryOptions struct {
	// URL is the mavlink2rest base, e.g. http://blueos.local/mavlink2rest/mavlink.
	URL string `json:"url" mapstructure:"url"`

	VehicleID   int `json:"vehicle-id" mapstructure:"vehicle-id"`
	ComponentID int `json:"component-id" mapstructure:"component-id"`

	Interval       time.Duration `json:"interval" mapstructure:"interval"`
	RequestTimeout time.Duration `json:"request-timeout" mapstructure:"request-timeout"`

	// EscalateAfter is the number of consecutive failed polls after which the
	// cache reports the feed as stale. Zero disables escalation.
	EscalateAfter int `json:"escalate-after" mapstructure:"escalate-after"`

	// EscalateLinkLost demotes the vehicle session with LinkLost on escalation
	// instead of only reporting staleness.
	EscalateLinkLost bool `json:"escalate-link-lost" mapstructure:"escalate-link-lost"`
}

func NewTelemetryOptions() *TelemetryOptions {
	return &TelemetryOptions{
		URL:            "http://host.docker.internal/mavlink2rest/mavlink",
		VehicleID:      1,
		ComponentID:    1,
		Interval:       500 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		EscalateAfter:  0,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *TelemetryOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	if u, err := url.Parse(o.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("--telemetry.url must be an absolute URL, got %q", o.URL))
	}
	if o.Interval <= 0 {
		errs = append(errs, fmt.Errorf("--telemetry.interval must be positive, got %s", o.Interval))
	}
	if o.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--telemetry.request-timeout must be positive, got %s", o.RequestTimeout))
	}
	if o.EscalateAfter < 0 {
		errs = append(errs, fmt.Errorf("--telemetry.escalate-after must not be negative, got %d", o.EscalateAfter))
	}
	if o.EscalateLinkLost && o.EscalateAfter == 0 {
		errs = append(errs, fmt.Errorf("--telemetry.escalate-link-lost requires --telemetry.escalate-after > 0"))
	}

	return errs
}

// AddFlags adds flags for TelemetryOptions to the specified FlagSet.
func (o *TelemetryOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.URL, "telemetry.url", o.URL, "Base URL of the mavlink2rest service.")
	fs.IntVar(&o.VehicleID, "telemetry.vehicle-id", o.VehicleID, "Vehicle (system) id queried on mavlink2rest.")
	fs.IntVar(&o.ComponentID, "telemetry.component-id", o.ComponentID, "Component id queried on mavlink2rest.")
	fs.DurationVar(&o.Interval, "telemetry.interval", o.Interval, "Telemetry poll interval.")
	fs.DurationVar(&o.RequestTimeout, "telemetry.request-timeout", o.RequestTimeout, "Timeout of a single mavlink2rest request.")
	fs.IntVar(&o.EscalateAfter, "telemetry.escalate-after", o.EscalateAfter, "Consecutive poll failures before the feed is reported stale (0 disables).")
	fs.BoolVar(&o.EscalateLinkLost, "telemetry.escalate-link-lost", o.EscalateLinkLost, "Demote the vehicle session with LinkLost when the feed goes stale.")
}
