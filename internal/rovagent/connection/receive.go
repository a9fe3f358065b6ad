package connection

import (
	"context"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/rovpilot/internal/pkg/metrics"
	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/link"
)

// receiveLoop consumes inbound frames for one transport and runs the
// heartbeat watchdog. The watchdog starts with the first vehicle heartbeat.
func (m *Manager) receiveLoop(ctx context.Context, tr link.Transport, gen uint64) {
	var (
		watchdog  clock.Timer
		watchdogC <-chan time.Time
	)
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-tr.Frames():
			if !ok {
				m.faultIfCurrent(ctx, gen, core.Errorf(core.KindLinkError, "mavlink endpoint closed"))
				return
			}
			if !m.handleFrame(ctx, gen, f) {
				continue
			}
			if watchdog == nil {
				watchdog = m.clock.NewTimer(m.opts.HeartbeatStaleAfter)
				watchdogC = watchdog.C()
				continue
			}
			if !watchdog.Stop() {
				select {
				case <-watchdogC:
				default:
				}
			}
			watchdog.Reset(m.opts.HeartbeatStaleAfter)

		case <-watchdogC:
			next, lost := m.checkWatchdog(ctx, gen)
			if lost {
				return
			}
			watchdog.Reset(next)
		}
	}
}

// handleFrame applies one inbound frame. It reports whether the frame was an
// accepted vehicle heartbeat.
func (m *Manager) handleFrame(ctx context.Context, gen uint64, f link.Frame) bool {
	switch msg := f.Message.(type) {
	case *common.MessageHeartbeat:
		return m.handleHeartbeat(ctx, gen, f, msg)
	case *common.MessageCommandAck:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return false
		}
		m.ackSeq++
		m.acks[msg.Command] = ack{result: msg.Result, seq: m.ackSeq}
		m.logger.Debug("Command acknowledged", "command", msg.Command, "result", msg.Result)
		m.broadcastLocked()
	}
	return false
}

func (m *Manager) handleHeartbeat(ctx context.Context, gen uint64, f link.Frame, hb *common.MessageHeartbeat) bool {
	// Other ground stations and non-autopilot components also send heartbeats.
	if hb.Type == common.MAV_TYPE_GCS || hb.Autopilot == common.MAV_AUTOPILOT_INVALID {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return false
	}
	if m.sess.SystemID != 0 && f.SystemID != m.sess.SystemID {
		m.logger.Debug("Ignoring heartbeat from another vehicle", "system", f.SystemID, "locked", m.sess.SystemID)
		return false
	}
	if m.sess.SystemID == 0 {
		m.sess.SystemID = f.SystemID
		m.sess.ComponentID = f.ComponentID
		m.logger.Info("Locked onto vehicle", "system", f.SystemID, "component", f.ComponentID)
	}

	now := m.clock.Now()
	armed := hb.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
	mode := core.ModeName(hb.CustomMode)

	m.sess.LastHeartbeat = now
	m.sess.Armed = armed
	m.sess.ConfirmedMode = mode
	m.sess.ModeKnown = true
	metrics.HeartbeatsReceived.Inc()

	if m.sess.RequestedMode == mode {
		m.sess.RequestedMode = ""
		m.sess.ModeRequestedAt = time.Time{}
		m.logger.Info("Flight mode confirmed", "mode", mode)
	} else {
		m.expireModeLocked(now)
	}

	m.reconcileLocked(ctx, armed)
	m.broadcastLocked()
	return true
}

// reconcileLocked moves the state machine to match the reported arm state.
func (m *Manager) reconcileLocked(ctx context.Context, armed bool) {
	var events []string
	switch m.sess.State {
	case core.StateAwaitingHeartbeat:
		events = append(events, EventHeartbeat)
		if armed {
			events = append(events, EventArmed)
		}
	case core.StateReady:
		if armed {
			events = append(events, EventArmed)
		}
	case core.StateArmed:
		if !armed {
			events = append(events, EventDisarmed)
		}
	}

	for _, event := range events {
		if err := m.fireLocked(ctx, event); err != nil {
			m.logger.Error(err, "Failed to reconcile session state")
			return
		}
	}
}

// checkWatchdog demotes a ready session whose heartbeats went stale. It
// returns the delay until the next check, or lost when the loop should stop.
func (m *Manager) checkWatchdog(ctx context.Context, gen uint64) (next time.Duration, lost bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return 0, true
	}
	if !m.sess.State.Operational() {
		return m.opts.HeartbeatStaleAfter, false
	}

	elapsed := m.clock.Since(m.sess.LastHeartbeat)
	if elapsed < m.opts.HeartbeatStaleAfter {
		return m.opts.HeartbeatStaleAfter - elapsed, false
	}

	m.faultLocked(ctx, core.Errorf(core.KindLinkLost, "no vehicle heartbeat for %s", elapsed.Round(time.Millisecond)))
	return 0, true
}

func (m *Manager) faultIfCurrent(ctx context.Context, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.faultLocked(ctx, err)
	}
}
