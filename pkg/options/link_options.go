package options

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*LinkOptions)(nil)

// DefaultMAVLinkPort is the well-known UDP port ground stations listen on.
const DefaultMAVLinkPort = 14550

// LinkOptions configures the MAVLink session with the vehicle.
type LinkOptions struct {
	// Address is the local interface the UDP endpoint binds to.
	Address string `json:"address" mapstructure:"address"`
	Port    int    `json:"port" mapstructure:"port"`

	// SystemID is the MAVLink system id rovpilot sends from.
	SystemID int `json:"system-id" mapstructure:"system-id"`

	// GCSHeartbeatPeriod is how often rovpilot announces itself to the vehicle.
	GCSHeartbeatPeriod time.Duration `json:"gcs-heartbeat-period" mapstructure:"gcs-heartbeat-period"`

	// HeartbeatWaitTimeout bounds WaitHeartbeat when the caller gives no timeout.
	HeartbeatWaitTimeout time.Duration `json:"heartbeat-wait-timeout" mapstructure:"heartbeat-wait-timeout"`

	// HeartbeatStaleAfter is the watchdog window; no vehicle heartbeat for this
	// long demotes a ready session to error.
	HeartbeatStaleAfter time.Duration `json:"heartbeat-stale-after" mapstructure:"heartbeat-stale-after"`

	ArmConfirmTimeout  time.Duration `json:"arm-confirm-timeout" mapstructure:"arm-confirm-timeout"`
	ModeConfirmTimeout time.Duration `json:"mode-confirm-timeout" mapstructure:"mode-confirm-timeout"`
}

// NewLinkOptions creates LinkOptions with the defaults used on a BlueOS companion.
func NewLinkOptions() *LinkOptions {
	return &LinkOptions{
		Address:              "0.0.0.0",
		Port:                 DefaultMAVLinkPort,
		SystemID:             255,
		GCSHeartbeatPeriod:   time.Second,
		HeartbeatWaitTimeout: 30 * time.Second,
		HeartbeatStaleAfter:  3 * time.Second,
		ArmConfirmTimeout:    3 * time.Second,
		ModeConfirmTimeout:   3 * time.Second,
	}
}

// Endpoint returns the "host:port" the UDP endpoint binds to.
func (o *LinkOptions) Endpoint() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(o.Port))
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *LinkOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	if err := ValidateAddress(o.Endpoint()); err != nil {
		errs = append(errs, fmt.Errorf("link endpoint: %w", err))
	}
	if o.SystemID < 1 || o.SystemID > 255 {
		errs = append(errs, fmt.Errorf("--link.system-id must be in [1, 255], got %d", o.SystemID))
	}
	durations := map[string]time.Duration{
		"--link.gcs-heartbeat-period":   o.GCSHeartbeatPeriod,
		"--link.heartbeat-wait-timeout": o.HeartbeatWaitTimeout,
		"--link.heartbeat-stale-after":  o.HeartbeatStaleAfter,
		"--link.arm-confirm-timeout":    o.ArmConfirmTimeout,
		"--link.mode-confirm-timeout":   o.ModeConfirmTimeout,
	}
	for flag, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", flag, d))
		}
	}

	return errs
}

// AddFlags adds flags for LinkOptions to the specified FlagSet.
func (o *LinkOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Address, "link.address", o.Address, "Local address the MAVLink UDP endpoint binds to.")
	fs.IntVar(&o.Port, "link.port", o.Port, "UDP port the vehicle sends MAVLink traffic to.")
	fs.IntVar(&o.SystemID, "link.system-id", o.SystemID, "MAVLink system id used for outgoing messages.")
	fs.DurationVar(&o.GCSHeartbeatPeriod, "link.gcs-heartbeat-period", o.GCSHeartbeatPeriod, "Period of the ground station heartbeat sent to the vehicle.")
	fs.DurationVar(&o.HeartbeatWaitTimeout, "link.heartbeat-wait-timeout", o.HeartbeatWaitTimeout, "Default bound for waiting on the first vehicle heartbeat.")
	fs.DurationVar(&o.HeartbeatStaleAfter, "link.heartbeat-stale-after", o.HeartbeatStaleAfter, "Missing-heartbeat window after which the link is considered lost.")
	fs.DurationVar(&o.ArmConfirmTimeout, "link.arm-confirm-timeout", o.ArmConfirmTimeout, "How long to wait for the vehicle to report a new arm state.")
	fs.DurationVar(&o.ModeConfirmTimeout, "link.mode-confirm-timeout", o.ModeConfirmTimeout, "How long a requested mode stays authoritative before the reported mode wins.")
}
