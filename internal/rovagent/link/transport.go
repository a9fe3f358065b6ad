package link

import (
	"context"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Frame is a message received from a remote MAVLink system.
type Frame struct {
	SystemID    uint8
	ComponentID uint8
	Message     message.Message
}

// Transport is an open MAVLink endpoint.
type Transport interface {
	// Frames delivers inbound frames. It is closed when the transport closes.
	Frames() <-chan Frame

	// Send writes msg to every connected channel.
	Send(msg message.Message) error

	// Close releases the endpoint. It is safe to call more than once.
	Close() error
}

// Opener opens a Transport bound to a local endpoint.
type Opener interface {
	Open(ctx context.Context, endpoint string) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, endpoint string) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, endpoint string) (Transport, error) {
	return f(ctx, endpoint)
}
