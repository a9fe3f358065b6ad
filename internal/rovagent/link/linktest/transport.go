// Package linktest provides an in-memory MAVLink transport for tests.
package linktest

import (
	"context"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/autopeer-io/rovpilot/internal/rovagent/link"
)

// VehicleSystemID and VehicleComponentID address the simulated autopilot.
const (
	VehicleSystemID    uint8 = 1
	VehicleComponentID uint8 = 1
)

// Transport records sent messages and delivers injected frames.
type Transport struct {
	mu      sync.Mutex
	sent    []message.Message
	sendErr error
	onSend  func(message.Message)
	closed  bool

	frames chan link.Frame
	done   chan struct{}
	notify chan message.Message
}

var _ link.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		frames: make(chan link.Frame, 64),
		done:   make(chan struct{}),
		notify: make(chan message.Message, 256),
	}
}

func (t *Transport) Frames() <-chan link.Frame { return t.frames }

func (t *Transport) Send(msg message.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return link.ErrClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, msg)
	hook := t.onSend
	t.mu.Unlock()

	select {
	case t.notify <- msg:
	default:
	}
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SetSendError makes every following Send fail with err. Nil restores sending.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// OnSend registers fn to run after every successful Send, outside the lock.
func (t *Transport) OnSend(fn func(message.Message)) {
	t.mu.Lock()
	t.onSend = fn
	t.mu.Unlock()
}

// Sent returns a copy of every message sent so far.
func (t *Transport) Sent() []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]message.Message(nil), t.sent...)
}

// Notify receives every sent message, dropping them when nobody listens.
func (t *Transport) Notify() <-chan message.Message { return t.notify }

// Inject delivers a frame as if the vehicle sent it. It is a no-op once closed.
func (t *Transport) Inject(f link.Frame) {
	select {
	case t.frames <- f:
	case <-t.done:
	}
}

// Heartbeat injects an ArduSub heartbeat from the simulated vehicle.
func (t *Transport) Heartbeat(armed bool, customMode uint32) {
	t.Inject(link.Frame{
		SystemID:    VehicleSystemID,
		ComponentID: VehicleComponentID,
		Message:     VehicleHeartbeat(armed, customMode),
	})
}

// Ack injects a COMMAND_ACK for cmd.
func (t *Transport) Ack(cmd common.MAV_CMD, result common.MAV_RESULT) {
	t.Inject(link.Frame{
		SystemID:    VehicleSystemID,
		ComponentID: VehicleComponentID,
		Message:     &common.MessageCommandAck{Command: cmd, Result: result},
	})
}

// VehicleHeartbeat builds the heartbeat an ArduSub autopilot sends.
func VehicleHeartbeat(armed bool, customMode uint32) *common.MessageHeartbeat {
	base := common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
	if armed {
		base |= common.MAV_MODE_FLAG_SAFETY_ARMED
	}
	return &common.MessageHeartbeat{
		Type:           common.MAV_TYPE_SUBMARINE,
		Autopilot:      common.MAV_AUTOPILOT_ARDUPILOTMEGA,
		BaseMode:       base,
		CustomMode:     customMode,
		SystemStatus:   common.MAV_STATE_ACTIVE,
		MavlinkVersion: 3,
	}
}

// Opener hands out one Transport per Open call, or fails with Err.
type Opener struct {
	mu     sync.Mutex
	Err    error
	opened []*Transport
}

var _ link.Opener = (*Opener)(nil)

func (o *Opener) Open(ctx context.Context, endpoint string) (link.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	t := New()
	o.opened = append(o.opened, t)
	return t, nil
}

// Last returns the most recently opened transport, or nil.
func (o *Opener) Last() *Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opened) == 0 {
		return nil
	}
	return o.opened[len(o.opened)-1]
}

// SetErr makes following Open calls fail.
func (o *Opener) SetErr(err error) {
	o.mu.Lock()
	o.Err = err
	o.mu.Unlock()
}
