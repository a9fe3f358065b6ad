package connection

import (
	"time"

	"github.com/autopeer-io/rovpilot/pkg/options"
)

// Options tunes the manager's timing.
type Options struct {
	// Endpoint is the local "host:port" the transport binds to.
	Endpoint string

	HeartbeatWaitTimeout time.Duration
	HeartbeatStaleAfter  time.Duration
	ArmConfirmTimeout    time.Duration
	ModeConfirmTimeout   time.Duration
}

// NewOptions derives manager options from the command line link options.
func NewOptions(o *options.LinkOptions) Options {
	return Options{
		Endpoint:             o.Endpoint(),
		HeartbeatWaitTimeout: o.HeartbeatWaitTimeout,
		HeartbeatStaleAfter:  o.HeartbeatStaleAfter,
		ArmConfirmTimeout:    o.ArmConfirmTimeout,
		ModeConfirmTimeout:   o.ModeConfirmTimeout,
	}
}

// DefaultOptions mirrors the command line defaults.
func DefaultOptions() Options {
	return NewOptions(options.NewLinkOptions())
}
