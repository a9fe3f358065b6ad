package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/rovpilot/pkg/mqtt"
)

var _ IOptions = (*MqttOptions)(nil)

// MqttOptions contains configuration for the status publisher.
type MqttOptions struct {
	// Broker is the broker URL. Empty disables publishing.
	Broker   string `json:"broker" mapstructure:"broker"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	ClientID string `json:"client-id" mapstructure:"client-id"`

	// Client behavior
	KeepAlive      time.Duration `json:"keep-alive" mapstructure:"keep-alive"`
	ConnectTimeout time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`
	SessionExpiry  uint32        `json:"session-expiry" mapstructure:"session-expiry"`
	CleanStart     bool          `json:"clean-start" mapstructure:"clean-start"`

	// InsecureSkipVerify controls whether a client verifies the server's certificate chain and host name.
	// This should be used only for testing.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`

	// TopicRoot prefixes every topic: {TopicRoot}/state/{VehicleID}.
	TopicRoot string `json:"topic-root" mapstructure:"topic-root"`

	// VehicleID names this vehicle in topics and payloads.
	VehicleID string `json:"vehicle-id" mapstructure:"vehicle-id"`
}

// NewMqttOptions creates a new MqttOptions with default values.
func NewMqttOptions() *MqttOptions {
	return &MqttOptions{
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 5 * time.Second,
		SessionExpiry:  60,
		CleanStart:     true,
		TopicRoot:      "rovpilot/v1",
		VehicleID:      "rov-1",
	}
}

// Enabled reports whether a broker is configured.
func (o *MqttOptions) Enabled() bool {
	return o != nil && o.Broker != ""
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *MqttOptions) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	errs := []error{}

	if err := o.ToClientConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("--mqtt.broker: %w", err))
	}
	if o.VehicleID == "" {
		errs = append(errs, fmt.Errorf("--mqtt.vehicle-id is required when a broker is set"))
	}
	if o.KeepAlive < time.Second || o.KeepAlive.Seconds() > 65535 {
		errs = append(errs, fmt.Errorf("--mqtt.keep-alive must be between 1s and 65535s, got %s", o.KeepAlive))
	}
	if o.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--mqtt.connect-timeout must be positive, got %s", o.ConnectTimeout))
	}

	return errs
}

// AddFlags adds flags for MqttOptions to the specified FlagSet.
func (o *MqttOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Broker, "mqtt.broker", o.Broker, "The URL of the MQTT broker. Empty disables status publishing.")
	fs.StringVar(&o.Username, "mqtt.username", o.Username, "The username for MQTT authentication.")
	fs.StringVar(&o.Password, "mqtt.password", o.Password, "The password for MQTT authentication.")
	fs.StringVar(&o.ClientID, "mqtt.client-id", o.ClientID, "Explicit Client ID (optional, derived from the vehicle id).")

	fs.DurationVar(&o.KeepAlive, "mqtt.keep-alive", o.KeepAlive, "MQTT Keep Alive interval.")
	fs.DurationVar(&o.ConnectTimeout, "mqtt.connect-timeout", o.ConnectTimeout, "Timeout for establishing MQTT connection.")
	fs.Uint32Var(&o.SessionExpiry, "mqtt.session-expiry", o.SessionExpiry, "MQTT Session Expiry Interval in seconds.")
	fs.BoolVar(&o.CleanStart, "mqtt.clean-start", o.CleanStart, "Start a clean MQTT session on connect.")
	fs.BoolVar(&o.InsecureSkipVerify, "mqtt.insecure-skip-verify", o.InsecureSkipVerify, "If true, skips the TLS certificate verification.")

	fs.StringVar(&o.TopicRoot, "mqtt.topic-root", o.TopicRoot, "Topic prefix for published vehicle status.")
	fs.StringVar(&o.VehicleID, "mqtt.vehicle-id", o.VehicleID, "Vehicle identifier used in topics and payloads.")
}

func (o *MqttOptions) ToClientConfig() *mqtt.ClientConfig {
	clientID := o.ClientID
	if clientID == "" {
		clientID = "rovpilot-" + o.VehicleID
	}
	return &mqtt.ClientConfig{
		BrokerURL:          o.Broker,
		Username:           o.Username,
		Password:           o.Password,
		ClientID:           clientID,
		KeepAlive:          uint16(o.KeepAlive.Seconds()),
		SessionExpiry:      o.SessionExpiry,
		ConnectTimeout:     o.ConnectTimeout,
		CleanStart:         o.CleanStart,
		InsecureSkipVerify: o.InsecureSkipVerify,
	}
}
