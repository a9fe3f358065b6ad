package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/rovpilot/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/rovpilot/internal/pkg/util/fsm"
	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/link"
	"github.com/autopeer-io/rovpilot/pkg/log"
)

// Hook observes session transitions. It runs synchronously while the manager
// holds its lock, before the destination state is entered, and must not call
// back into the manager.
type Hook func(ctx context.Context, from, to core.State)

// StatusHook observes a transition once the destination state is entered,
// together with the session as it stands in that state. The same locking
// rules as Hook apply.
type StatusHook func(ctx context.Context, from, to core.State, st core.Status)

var errWaitTimeout = errors.New("wait timed out")

type ack struct {
	result common.MAV_RESULT
	seq    uint64
}

// Manager owns the vehicle session and the MAVLink transport.
type Manager struct {
	opts   Options
	opener link.Opener
	clock  clock.WithTicker
	logger log.Logger

	mu      sync.Mutex
	sess    *core.Session
	machine *fsm.FSM
	hooks   []Hook
	entered []StatusHook
	changed chan struct{}
	// gen is bumped whenever the transport is torn down so stale loops and
	// waiters can tell their session is gone.
	gen        uint64
	cancelLoop context.CancelFunc
	acks       map[common.MAV_CMD]ack
	ackSeq     uint64

	linkMu    sync.RWMutex
	transport link.Transport
}

// NewManager returns a manager for sess, which must be disconnected.
func NewManager(sess *core.Session, opener link.Opener, clk clock.WithTicker, opts Options) *Manager {
	if opts.Endpoint != "" {
		sess.Endpoint = opts.Endpoint
	}

	m := &Manager{
		opts:    opts,
		opener:  opener,
		clock:   clk,
		logger:  log.WithName("connection"),
		sess:    sess,
		changed: make(chan struct{}),
		acks:    make(map[common.MAV_CMD]ack),
	}

	m.machine = newStateMachine(fsm.Callbacks{
		"leave_state": fsmutil.WrapEvent(m.onLeave),
		"enter_state": fsmutil.WrapEvent(m.onEnter),
	})
	metrics.SetSessionState(string(core.StateDisconnected), core.StateNames())

	return m
}

// AddHook registers h for every following transition.
func (m *Manager) AddHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// AddStatusHook registers h for every following transition.
func (m *Manager) AddStatusHook(h StatusHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entered = append(m.entered, h)
}

func (m *Manager) onLeave(ctx context.Context, e *fsm.Event) error {
	from, to := core.State(e.Src), core.State(e.Dst)
	for _, h := range m.hooks {
		h(ctx, from, to)
	}
	return nil
}

func (m *Manager) onEnter(ctx context.Context, e *fsm.Event) error {
	m.sess.State = core.State(e.Dst)
	metrics.SetSessionState(e.Dst, core.StateNames())
	m.logger.Info("Session state changed", "session", m.sess.ID, "event", e.Event, "from", e.Src, "to", e.Dst)
	if len(m.entered) > 0 {
		m.expireModeLocked(m.clock.Now())
		st := m.sess.Status()
		for _, h := range m.entered {
			h(ctx, core.State(e.Src), st.State, st)
		}
	}
	m.broadcastLocked()
	return nil
}

// fireLocked triggers event. Callers hold mu.
func (m *Manager) fireLocked(ctx context.Context, event string) error {
	if err := m.machine.Event(ctx, event); fsmutil.IsRealError(err) {
		return core.Errorf(core.KindInternal, "session transition %q from %s: %w", event, m.sess.State, err)
	}
	return nil
}

func (m *Manager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Connect opens the endpoint and starts listening for the vehicle.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.machine.Can(EventConnect) {
		err := core.Errorf(core.KindPrecondition, "cannot connect while %s", m.sess.State)
		m.mu.Unlock()
		return err
	}
	m.sess.Reset()
	m.sess.ConnectedAt = m.clock.Now()
	m.acks = make(map[common.MAV_CMD]ack)
	m.gen++
	gen := m.gen
	if err := m.fireLocked(ctx, EventConnect); err != nil {
		m.mu.Unlock()
		return err
	}
	endpoint := m.sess.Endpoint
	m.mu.Unlock()

	tr, openErr := m.opener.Open(ctx, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || m.sess.State != core.StateConnecting {
		if tr != nil {
			_ = tr.Close()
		}
		return core.Errorf(core.KindAborted, "session closed while opening %s", endpoint)
	}
	if openErr != nil {
		err := core.Errorf(core.KindLinkError, "open %s: %w", endpoint, openErr)
		m.faultLocked(ctx, err)
		return err
	}

	m.linkMu.Lock()
	m.transport = tr
	m.linkMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancelLoop = cancel
	go m.receiveLoop(loopCtx, tr, gen)

	return m.fireLocked(ctx, EventOpened)
}

// Disconnect tears the session down from any state. Leaving armed halts
// motion through the registered hooks before the transport closes.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.State == core.StateDisconnected {
		return nil
	}

	err := m.fireLocked(ctx, EventDisconnect)
	m.teardownLocked()
	m.sess.Reset()
	m.broadcastLocked()
	return err
}

// ReportFault demotes the session to error with err as the recorded fault.
// It is a no-op when there is nothing to demote.
func (m *Manager) ReportFault(ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultLocked(ctx, err)
}

func (m *Manager) faultLocked(ctx context.Context, err error) {
	if err == nil || !m.machine.Can(EventFault) {
		return
	}

	var ce *core.Error
	if !errors.As(err, &ce) {
		ce = &core.Error{Kind: core.KindLinkError, Err: err}
	}
	m.sess.LastFault = ce
	metrics.LinkFaults.WithLabelValues(string(ce.Kind)).Inc()
	m.logger.Error(err, "Vehicle session faulted", "session", m.sess.ID, "state", m.sess.State)

	if ferr := m.fireLocked(ctx, EventFault); ferr != nil {
		m.logger.Error(ferr, "Failed to record fault")
	}
	m.teardownLocked()
}

// teardownLocked stops the receive loop and closes the transport.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}

	m.linkMu.Lock()
	tr := m.transport
	m.transport = nil
	m.linkMu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			m.logger.Error(err, "Failed to close MAVLink transport")
		}
	}
}

// Send writes msg to the current transport.
func (m *Manager) Send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return core.Errorf(core.KindAborted, "send %T: %w", msg, err)
	}

	m.linkMu.RLock()
	defer m.linkMu.RUnlock()

	if m.transport == nil {
		return core.Errorf(core.KindLinkError, "send %T: no open link", msg)
	}
	if err := m.transport.Send(msg); err != nil {
		return core.Errorf(core.KindLinkError, "send %T: %w", msg, err)
	}
	return nil
}

// Status returns a copy of the session.
func (m *Manager) Status() core.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireModeLocked(m.clock.Now())
	return m.sess.Status()
}

// Require returns the session status when its state is one of allowed. In
// error it returns the recorded fault, otherwise a PreconditionError.
func (m *Manager) Require(op string, allowed ...core.State) (core.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireModeLocked(m.clock.Now())

	for _, s := range allowed {
		if m.sess.State == s {
			return m.sess.Status(), nil
		}
	}
	return m.sess.Status(), m.stateErrLocked(op)
}

func (m *Manager) stateErrLocked(op string) error {
	if m.sess.State == core.StateError && m.sess.LastFault != nil {
		f := *m.sess.LastFault
		return &f
	}
	return core.Errorf(core.KindPrecondition, "%s not allowed while %s", op, m.sess.State)
}

// Target addresses the vehicle autopilot.
func (m *Manager) Target() link.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetLocked()
}

func (m *Manager) targetLocked() link.Target {
	return link.Target{SystemID: m.sess.SystemID, ComponentID: m.sess.ComponentID}
}

// BootMillis is the time since the session connected, for time_boot_ms fields.
func (m *Manager) BootMillis() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.ConnectedAt.IsZero() {
		return 0
	}
	return uint32(m.clock.Since(m.sess.ConnectedAt).Milliseconds())
}

// WaitHeartbeat blocks until the session is ready. A non-positive timeout uses
// the configured default.
func (m *Manager) WaitHeartbeat(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.opts.HeartbeatWaitTimeout
	}

	m.mu.Lock()
	switch m.sess.State {
	case core.StateReady, core.StateArmed:
		m.mu.Unlock()
		return nil
	case core.StateDisconnected, core.StateError:
		err := m.stateErrLocked("waiting for heartbeat")
		m.mu.Unlock()
		return err
	}
	gen := m.gen
	m.mu.Unlock()

	err := m.await(ctx, timeout, func() (bool, error) {
		if m.gen != gen && m.sess.State != core.StateError {
			return true, core.Errorf(core.KindAborted, "disconnected while waiting for heartbeat")
		}
		switch m.sess.State {
		case core.StateReady, core.StateArmed:
			return true, nil
		case core.StateError:
			return true, m.stateErrLocked("waiting for heartbeat")
		case core.StateDisconnected:
			return true, core.Errorf(core.KindAborted, "disconnected while waiting for heartbeat")
		}
		return false, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return core.Errorf(core.KindHeartbeatTimeout, "no vehicle heartbeat within %s", timeout)
	}
	return err
}

// Arm arms or disarms the vehicle and waits until a heartbeat confirms it.
func (m *Manager) Arm(ctx context.Context, arm bool) error {
	op := "disarm"
	want := core.StateReady
	if arm {
		op = "arm"
		want = core.StateArmed
	}

	m.mu.Lock()
	switch m.sess.State {
	case want:
		m.mu.Unlock()
		return nil
	case core.StateReady, core.StateArmed:
	default:
		err := m.stateErrLocked(op)
		m.mu.Unlock()
		return err
	}
	if arm && !m.sess.ModeKnown {
		m.mu.Unlock()
		return core.Errorf(core.KindPrecondition, "cannot arm before a flight mode is known")
	}
	target := m.targetLocked()
	baseline := m.ackSeq
	gen := m.gen
	m.mu.Unlock()

	if err := m.Send(ctx, link.ArmDisarm(target, arm)); err != nil {
		return err
	}
	m.logger.Info("Requested arm state change", "arm", arm)

	err := m.await(ctx, m.opts.ArmConfirmTimeout, func() (bool, error) {
		if m.gen != gen {
			if m.sess.State == core.StateError {
				return true, m.stateErrLocked(op)
			}
			return true, core.Errorf(core.KindAborted, "disconnected before %s was confirmed", op)
		}
		if a, ok := m.acks[common.MAV_CMD_COMPONENT_ARM_DISARM]; ok && a.seq > baseline && rejected(a.result) {
			return true, core.Errorf(core.KindRejected, "vehicle rejected %s: %v", op, a.result)
		}
		return m.sess.State == want, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return core.Errorf(core.KindUnconfirmed, "vehicle did not confirm %s within %s", op, m.opts.ArmConfirmTimeout)
	}
	return err
}

func rejected(r common.MAV_RESULT) bool {
	return r != common.MAV_RESULT_ACCEPTED && r != common.MAV_RESULT_IN_PROGRESS
}

// SetMode requests a flight mode. The request stays authoritative until a
// heartbeat confirms it or ModeConfirmTimeout passes.
func (m *Manager) SetMode(ctx context.Context, name string) error {
	number, ok := core.LookupMode(name)
	if !ok {
		return core.SetMode{Mode: name}.Validate()
	}
	mode := core.ModeName(number)

	m.mu.Lock()
	if !m.sess.State.Operational() {
		err := m.stateErrLocked("set_mode")
		m.mu.Unlock()
		return err
	}
	target := m.targetLocked()
	gen := m.gen
	m.mu.Unlock()

	if err := m.Send(ctx, link.SetMode(target, number)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return core.Errorf(core.KindAborted, "session closed while setting mode %s", mode)
	}
	m.sess.RequestedMode = mode
	m.sess.ModeRequestedAt = m.clock.Now()
	m.sess.ModeKnown = true
	m.broadcastLocked()
	m.logger.Info("Requested flight mode", "mode", mode, "confirmed", m.sess.ConfirmedMode)
	return nil
}

// expireModeLocked drops a requested mode the vehicle never confirmed.
func (m *Manager) expireModeLocked(now time.Time) {
	if m.sess.RequestedMode == "" || now.Sub(m.sess.ModeRequestedAt) < m.opts.ModeConfirmTimeout {
		return
	}
	m.logger.Warn("Requested mode was not confirmed, using reported mode",
		"requested", m.sess.RequestedMode, "confirmed", m.sess.ConfirmedMode, "after", m.opts.ModeConfirmTimeout)
	m.sess.RequestedMode = ""
	m.sess.ModeRequestedAt = time.Time{}
}

// await re-evaluates cond on every session change until it reports done, the
// timeout passes or ctx ends. cond runs with mu held.
func (m *Manager) await(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	deadline := m.clock.After(timeout)
	for {
		m.mu.Lock()
		done, err := cond()
		changed := m.changed
		m.mu.Unlock()
		if done {
			return err
		}

		select {
		case <-changed:
		case <-deadline:
			return errWaitTimeout
		case <-ctx.Done():
			return core.Errorf(core.KindAborted, "wait canceled: %w", ctx.Err())
		}
	}
}
