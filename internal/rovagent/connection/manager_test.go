package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/link"
	"github.com/autopeer-io/rovpilot/internal/rovagent/link/linktest"
)

const (
	modeManual  = 19
	modeAltHold = 2
)

func testOptions() Options {
	return Options{
		Endpoint:             "127.0.0.1:14550",
		HeartbeatWaitTimeout: 30 * time.Second,
		HeartbeatStaleAfter:  3 * time.Second,
		ArmConfirmTimeout:    time.Second,
		ModeConfirmTimeout:   time.Second,
	}
}

func newTestManager(t *testing.T) (*Manager, *linktest.Opener, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	opener := &linktest.Opener{}
	m := NewManager(core.NewSession(""), opener, clk, testOptions())
	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })
	return m, opener, clk
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, m *Manager, want core.State) {
	t.Helper()
	eventually(t, "state "+string(want), func() bool { return m.Status().State == want })
}

// connectReady connects and feeds one heartbeat.
func connectReady(t *testing.T, m *Manager, opener *linktest.Opener, armed bool, mode uint32) *linktest.Transport {
	t.Helper()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr := opener.Last()
	tr.Heartbeat(armed, mode)
	if armed {
		waitState(t, m, core.StateArmed)
	} else {
		waitState(t, m, core.StateReady)
	}
	return tr
}

func sentCommands(tr *linktest.Transport, cmd common.MAV_CMD) []*common.MessageCommandLong {
	var out []*common.MessageCommandLong
	for _, msg := range tr.Sent() {
		if c, ok := msg.(*common.MessageCommandLong); ok && c.Command == cmd {
			out = append(out, c)
		}
	}
	return out
}

func TestConnectLifecycle(t *testing.T) {
	m, opener, _ := newTestManager(t)

	var mu sync.Mutex
	var seen []string
	m.AddHook(func(ctx context.Context, from, to core.State) {
		mu.Lock()
		seen = append(seen, string(from)+"->"+string(to))
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := m.Status().State; got != core.StateAwaitingHeartbeat {
		t.Fatalf("state after Connect = %s", got)
	}

	opener.Last().Heartbeat(false, modeManual)
	waitState(t, m, core.StateReady)

	st := m.Status()
	if st.SystemID != linktest.VehicleSystemID || st.ConfirmedMode != "MANUAL" || !st.ModeKnown || st.LastHeartbeat == nil {
		t.Errorf("Status() = %+v", st)
	}

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !opener.Last().Closed() {
		t.Error("transport not closed on disconnect")
	}
	if err := m.Disconnect(context.Background()); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"disconnected->connecting",
		"connecting->awaiting_heartbeat",
		"awaiting_heartbeat->ready",
		"ready->disconnected",
	}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestStatusHookSeesEnteredState(t *testing.T) {
	m, opener, _ := newTestManager(t)

	var mu sync.Mutex
	var seen []core.Status
	m.AddStatusHook(func(ctx context.Context, from, to core.State, st core.Status) {
		if st.State != to {
			t.Errorf("hook for %s->%s got status in %s", from, to, st.State)
		}
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	opener.Last().Heartbeat(false, modeManual)
	waitState(t, m, core.StateReady)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("status hook calls = %d, want 3", len(seen))
	}
	if last := seen[2]; last.ConfirmedMode != "MANUAL" || last.SystemID != linktest.VehicleSystemID {
		t.Errorf("ready status = %+v", last)
	}
}

func TestConnectTwice(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Connect(context.Background()); !core.IsKind(err, core.KindPrecondition) {
		t.Errorf("second Connect() error = %v, want PreconditionError", err)
	}
}

func TestConnectOpenFailure(t *testing.T) {
	m, opener, _ := newTestManager(t)
	opener.SetErr(errors.New("address already in use"))

	err := m.Connect(context.Background())
	if !core.IsKind(err, core.KindLinkError) {
		t.Fatalf("Connect() error = %v, want LinkError", err)
	}
	if st := m.Status(); st.State != core.StateError || st.FaultKind != core.KindLinkError {
		t.Fatalf("Status() = %+v", st)
	}
	if err := m.WaitHeartbeat(context.Background(), time.Second); !core.IsKind(err, core.KindLinkError) {
		t.Errorf("WaitHeartbeat() in error = %v, want LinkError", err)
	}

	opener.SetErr(nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if st := m.Status(); st.State != core.StateAwaitingHeartbeat || st.FaultKind != "" {
		t.Errorf("Status() after reconnect = %+v", st)
	}
}

func TestWaitHeartbeatTimeoutThenSuccess(t *testing.T) {
	m, opener, clk := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr := opener.Last()

	// t=0: the first wait expires at t=2s.
	done := make(chan error, 1)
	go func() { done <- m.WaitHeartbeat(context.Background(), 2*time.Second) }()
	eventually(t, "first waiter", clk.HasWaiters)
	clk.Step(2 * time.Second)
	if err := <-done; !core.IsKind(err, core.KindHeartbeatTimeout) {
		t.Fatalf("first WaitHeartbeat() error = %v, want HeartbeatTimeout", err)
	}
	if got := m.Status().State; got != core.StateAwaitingHeartbeat {
		t.Fatalf("state after timeout = %s", got)
	}

	// t=2.4s: the second wait would expire at t=4.4s.
	clk.Step(400 * time.Millisecond)
	go func() { done <- m.WaitHeartbeat(context.Background(), 2*time.Second) }()
	eventually(t, "second waiter", clk.HasWaiters)

	// t=2.5s: the heartbeat arrives.
	clk.Step(100 * time.Millisecond)
	tr.Heartbeat(false, modeManual)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second WaitHeartbeat() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second WaitHeartbeat() did not return")
	}
	if got := m.Status().State; got != core.StateReady {
		t.Errorf("state = %s, want ready", got)
	}
	if err := m.WaitHeartbeat(context.Background(), time.Second); err != nil {
		t.Errorf("WaitHeartbeat() when ready = %v", err)
	}
}

func TestWaitHeartbeatPreconditions(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.WaitHeartbeat(context.Background(), time.Second); !core.IsKind(err, core.KindPrecondition) {
		t.Errorf("WaitHeartbeat() while disconnected = %v, want PreconditionError", err)
	}
}

func TestWaitHeartbeatAbortedByDisconnect(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.WaitHeartbeat(context.Background(), 0) }()
	time.Sleep(10 * time.Millisecond)

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	select {
	case err := <-done:
		if !core.IsKind(err, core.KindAborted) {
			t.Errorf("WaitHeartbeat() error = %v, want Aborted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitHeartbeat() not woken by disconnect")
	}
}

func TestIgnoresNonVehicleHeartbeats(t *testing.T) {
	m, opener, _ := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr := opener.Last()

	tr.Inject(link.Frame{SystemID: 255, ComponentID: 190, Message: &common.MessageHeartbeat{
		Type:      common.MAV_TYPE_GCS,
		Autopilot: common.MAV_AUTOPILOT_INVALID,
	}})
	tr.Inject(link.Frame{SystemID: 1, ComponentID: 100, Message: &common.MessageHeartbeat{
		Type:      common.MAV_TYPE_CAMERA,
		Autopilot: common.MAV_AUTOPILOT_INVALID,
	}})
	// An unrelated message flushes the frames above through the loop.
	tr.Inject(link.Frame{SystemID: 1, ComponentID: 1, Message: &common.MessageSystemTime{}})
	tr.Heartbeat(false, modeManual)
	waitState(t, m, core.StateReady)

	if st := m.Status(); st.SystemID != linktest.VehicleSystemID || st.ComponentID != linktest.VehicleComponentID {
		t.Errorf("locked onto %d/%d", st.SystemID, st.ComponentID)
	}
}

func TestWatchdogDemotesToLinkLost(t *testing.T) {
	m, opener, clk := newTestManager(t)
	tr := connectReady(t, m, opener, false, modeManual)
	eventually(t, "watchdog timer", clk.HasWaiters)

	clk.Step(3 * time.Second)
	waitState(t, m, core.StateError)

	if st := m.Status(); st.FaultKind != core.KindLinkLost {
		t.Errorf("fault = %q, want LinkLost", st.FaultKind)
	}
	if !tr.Closed() {
		t.Error("transport left open after link loss")
	}
	if _, err := m.Require("move", core.StateArmed); !core.IsKind(err, core.KindLinkLost) {
		t.Errorf("Require() in error = %v, want LinkLost", err)
	}
	if err := m.SetMode(context.Background(), "MANUAL"); !core.IsKind(err, core.KindLinkLost) {
		t.Errorf("SetMode() in error = %v, want LinkLost", err)
	}
}

func TestVehicleReportedArmState(t *testing.T) {
	m, opener, _ := newTestManager(t)
	tr := connectReady(t, m, opener, true, modeManual)

	tr.Heartbeat(false, modeManual)
	waitState(t, m, core.StateReady)

	tr.Heartbeat(true, modeManual)
	waitState(t, m, core.StateArmed)
}

// confirmArm answers arm/disarm commands with matching heartbeats.
func confirmArm(tr *linktest.Transport, mode uint32) {
	tr.OnSend(func(msg message.Message) {
		if c, ok := msg.(*common.MessageCommandLong); ok && c.Command == common.MAV_CMD_COMPONENT_ARM_DISARM {
			tr.Ack(c.Command, common.MAV_RESULT_ACCEPTED)
			tr.Heartbeat(c.Param1 == 1, mode)
		}
	})
}

func TestArmAndDisarm(t *testing.T) {
	m, opener, _ := newTestManager(t)
	tr := connectReady(t, m, opener, false, modeManual)
	confirmArm(tr, modeManual)

	if err := m.Arm(context.Background(), true); err != nil {
		t.Fatalf("Arm(true) error = %v", err)
	}
	if st := m.Status(); st.State != core.StateArmed || !st.Armed {
		t.Fatalf("Status() after arm = %+v", st)
	}
	if err := m.Arm(context.Background(), true); err != nil {
		t.Errorf("Arm(true) while armed = %v", err)
	}

	if err := m.Arm(context.Background(), false); err != nil {
		t.Fatalf("Arm(false) error = %v", err)
	}
	if got := m.Status().State; got != core.StateReady {
		t.Fatalf("state after disarm = %s", got)
	}
	if err := m.Arm(context.Background(), false); err != nil {
		t.Errorf("Arm(false) while ready = %v", err)
	}

	cmds := sentCommands(tr, common.MAV_CMD_COMPONENT_ARM_DISARM)
	if len(cmds) != 2 || cmds[0].Param1 != 1 || cmds[1].Param1 != 0 {
		t.Errorf("arm commands = %+v", cmds)
	}
}

func TestArmRejected(t *testing.T) {
	m, opener, _ := newTestManager(t)
	tr := connectReady(t, m, opener, false, modeManual)
	tr.OnSend(func(msg message.Message) {
		if c, ok := msg.(*common.MessageCommandLong); ok {
			tr.Ack(c.Command, common.MAV_RESULT_DENIED)
		}
	})

	if err := m.Arm(context.Background(), true); !core.IsKind(err, core.KindRejected) {
		t.Fatalf("Arm() error = %v, want Rejected", err)
	}
	if got := m.Status().State; got != core.StateReady {
		t.Errorf("state = %s, want ready", got)
	}
}

func TestArmUnconfirmed(t *testing.T) {
	m, opener, clk := newTestManager(t)
	tr := connectReady(t, m, opener, false, modeManual)

	done := make(chan error, 1)
	go func() { done <- m.Arm(context.Background(), true) }()
	eventually(t, "arm command", func() bool {
		return len(sentCommands(tr, common.MAV_CMD_COMPONENT_ARM_DISARM)) == 1
	})

	for {
		select {
		case err := <-done:
			if !core.IsKind(err, core.KindUnconfirmed) {
				t.Fatalf("Arm() error = %v, want Unconfirmed", err)
			}
			if got := m.Status().State; got != core.StateReady {
				t.Errorf("state = %s, want ready", got)
			}
			return
		default:
			// Keep the link alive while the confirmation window runs out.
			tr.Heartbeat(false, modeManual)
			clk.Step(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestArmAbortedByDisconnect(t *testing.T) {
	m, opener, _ := newTestManager(t)
	tr := connectReady(t, m, opener, false, modeManual)

	done := make(chan error, 1)
	go func() { done <- m.Arm(context.Background(), true) }()
	eventually(t, "arm command", func() bool {
		return len(sentCommands(tr, common.MAV_CMD_COMPONENT_ARM_DISARM)) == 1
	})

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := <-done; !core.IsKind(err, core.KindAborted) {
		t.Errorf("Arm() error = %v, want Aborted", err)
	}
}

func TestArmPreconditions(t *testing.T) {
	m, opener, _ := newTestManager(t)
	if err := m.Arm(context.Background(), true); !core.IsKind(err, core.KindPrecondition) {
		t.Errorf("Arm() while disconnected = %v, want PreconditionError", err)
	}

	connectReady(t, m, opener, false, modeManual)
	m.mu.Lock()
	m.sess.ModeKnown = false
	m.mu.Unlock()
	if err := m.Arm(context.Background(), true); !core.IsKind(err, core.KindPrecondition) {
		t.Errorf("Arm() without a known mode = %v, want PreconditionError", err)
	}
}

func TestSetModeReconciliation(t *testing.T) {
	m, opener, clk := newTestManager(t)
	tr := connectReady(t, m, opener, false, modeManual)

	if err := m.SetMode(context.Background(), "alt_hold"); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	st := m.Status()
	if st.Mode != core.ModeAltHold || st.RequestedMode != core.ModeAltHold || st.ConfirmedMode != "MANUAL" {
		t.Fatalf("Status() after SetMode = %+v", st)
	}
	if cmds := sentCommands(tr, common.MAV_CMD_DO_SET_MODE); len(cmds) != 1 || cmds[0].Param2 != modeAltHold {
		t.Fatalf("set mode commands = %+v", cmds)
	}

	// A heartbeat still reporting the old mode inside the window keeps the request.
	tr.Heartbeat(false, modeManual)
	eventually(t, "heartbeat", func() bool { return m.Status().ConfirmedMode == "MANUAL" })
	if got := m.Status().Mode; got != core.ModeAltHold {
		t.Errorf("effective mode inside the window = %s", got)
	}

	tr.Heartbeat(false, modeAltHold)
	eventually(t, "mode confirmation", func() bool {
		st := m.Status()
		return st.ConfirmedMode == core.ModeAltHold && st.RequestedMode == ""
	})

	// An unconfirmed request expires and the reported mode wins again.
	if err := m.SetMode(context.Background(), "STABILIZE"); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	clk.Step(time.Second)
	tr.Heartbeat(false, modeAltHold)
	eventually(t, "mode expiry", func() bool {
		st := m.Status()
		return st.RequestedMode == "" && st.Mode == core.ModeAltHold
	})
}

func TestSetModeErrors(t *testing.T) {
	m, opener, _ := newTestManager(t)
	if err := m.SetMode(context.Background(), "MANUAL"); !core.IsKind(err, core.KindPrecondition) {
		t.Errorf("SetMode() while disconnected = %v, want PreconditionError", err)
	}

	tr := connectReady(t, m, opener, false, modeManual)
	if err := m.SetMode(context.Background(), "LOITER"); !core.IsKind(err, core.KindValidation) {
		t.Errorf("SetMode(LOITER) = %v, want ValidationError", err)
	}

	tr.SetSendError(errors.New("network is unreachable"))
	if err := m.SetMode(context.Background(), "MANUAL"); !core.IsKind(err, core.KindLinkError) {
		t.Errorf("SetMode() with a broken link = %v, want LinkError", err)
	}
	if st := m.Status(); st.RequestedMode != "" {
		t.Errorf("failed SetMode recorded a request: %+v", st)
	}
}

func TestReportFault(t *testing.T) {
	m, opener, _ := newTestManager(t)
	connectReady(t, m, opener, false, modeManual)

	m.ReportFault(context.Background(), errors.New("stop failed"))
	if st := m.Status(); st.State != core.StateError || st.FaultKind != core.KindLinkError {
		t.Fatalf("Status() = %+v", st)
	}

	// Faulting twice keeps the first fault.
	m.ReportFault(context.Background(), core.Errorf(core.KindLinkLost, "late"))
	if st := m.Status(); st.FaultKind != core.KindLinkError {
		t.Errorf("fault overwritten: %+v", st)
	}

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if st := m.Status(); st.State != core.StateDisconnected || st.FaultKind != "" {
		t.Errorf("Status() after disconnect = %+v", st)
	}
}

func TestSendWithoutLink(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Send(context.Background(), link.ArmDisarm(link.Target{}, true))
	if !core.IsKind(err, core.KindLinkError) {
		t.Errorf("Send() without link = %v, want LinkError", err)
	}
}
