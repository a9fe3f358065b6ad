package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/autopeer-io/rovpilot/internal/pkg/metrics"
	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/link"
	"github.com/autopeer-io/rovpilot/internal/rovagent/movement"
	"github.com/autopeer-io/rovpilot/internal/rovagent/telemetry"
	"github.com/autopeer-io/rovpilot/pkg/log"
)

// Session is the connection manager surface the dispatcher drives.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	WaitHeartbeat(ctx context.Context, timeout time.Duration) error
	Arm(ctx context.Context, arm bool) error
	SetMode(ctx context.Context, name string) error
	Send(ctx context.Context, msg message.Message) error
	Require(op string, allowed ...core.State) (core.Status, error)
	BootMillis() uint32
	Status() core.Status
}

// Mover runs timed motion.
type Mover interface {
	Move(ctx context.Context, target uint8, cmd core.Move) (*movement.Job, error)
	StopAll(ctx context.Context, reason string) error
	Active() []movement.JobInfo
}

// Telemetry serves cached vehicle telemetry.
type Telemetry interface {
	Snapshot() telemetry.View
}

// Dispatcher is the operator command surface. It checks preconditions and
// arguments before anything reaches the vehicle.
type Dispatcher struct {
	session   Session
	mover     Mover
	telemetry Telemetry
	logger    log.Logger
}

func New(session Session, mover Mover, tel Telemetry) *Dispatcher {
	return &Dispatcher{
		session:   session,
		mover:     mover,
		telemetry: tel,
		logger:    log.WithName("dispatch"),
	}
}

// run wraps every command with panic recovery, metrics and logging. Untyped
// errors are reported as Internal.
func (d *Dispatcher) run(name string, fn func() error) (err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues(name).Inc()
			err = core.Errorf(core.KindInternal, "%s panicked: %v", name, r)
			d.logger.Error(err, "Recovered from panic", "command", name, "stack", string(debug.Stack()))
		}
		if err != nil && core.KindOf(err) == "" {
			err = core.Wrap(core.KindInternal, err, name)
		}

		result := "ok"
		if err != nil {
			result = string(core.KindOf(err))
			d.logger.Warn("Command failed", "command", name, "kind", result, "error", err.Error())
		} else {
			d.logger.Debug("Command succeeded", "command", name)
		}
		metrics.CommandsTotal.WithLabelValues(name, result).Inc()
		metrics.CommandLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	return fn()
}

func (d *Dispatcher) Connect(ctx context.Context) error {
	return d.run("connect", func() error { return d.session.Connect(ctx) })
}

// WaitHeartbeat waits for the first vehicle heartbeat. A non-positive timeout
// uses the configured default.
func (d *Dispatcher) WaitHeartbeat(ctx context.Context, timeout time.Duration) error {
	return d.run("wait_heartbeat", func() error { return d.session.WaitHeartbeat(ctx, timeout) })
}

func (d *Dispatcher) Disconnect(ctx context.Context) error {
	return d.run("disconnect", func() error { return d.session.Disconnect(ctx) })
}

func (d *Dispatcher) Arm(ctx context.Context, arm bool) error {
	cmd := core.Arm{Arm: arm}
	return d.run(cmd.Name(), func() error {
		if _, err := d.session.Require(cmd.Name(), core.StateReady, core.StateArmed); err != nil {
			return err
		}
		return d.session.Arm(ctx, arm)
	})
}

func (d *Dispatcher) SetMode(ctx context.Context, mode string) error {
	cmd := core.SetMode{Mode: mode}
	return d.run(cmd.Name(), func() error {
		if _, err := d.session.Require(cmd.Name(), core.StateReady, core.StateArmed); err != nil {
			return err
		}
		if err := cmd.Validate(); err != nil {
			return err
		}
		return d.session.SetMode(ctx, mode)
	})
}

// Move starts a timed motion. The returned job ends when the motion stops.
func (d *Dispatcher) Move(ctx context.Context, direction core.Direction, throttle float64, duration time.Duration) (*movement.Job, error) {
	cmd := core.Move{Direction: direction, Throttle: throttle, Duration: duration}
	var job *movement.Job
	err := d.run(cmd.Name(), func() error {
		st, err := d.session.Require(cmd.Name(), core.StateArmed)
		if err != nil {
			return err
		}
		if err := cmd.Validate(); err != nil {
			return err
		}
		job, err = d.mover.Move(ctx, st.SystemID, cmd)
		return err
	})
	return job, err
}

func (d *Dispatcher) SetDepth(ctx context.Context, meters float64) error {
	cmd := core.SetDepth{Meters: meters}
	return d.run(cmd.Name(), func() error {
		st, err := d.session.Require(cmd.Name(), core.StateArmed)
		if err != nil {
			return err
		}
		if err := cmd.Validate(); err != nil {
			return err
		}
		return d.session.Send(ctx, link.DepthTarget(target(st), d.session.BootMillis(), meters))
	})
}

func (d *Dispatcher) SetHeading(ctx context.Context, degrees float64) error {
	cmd := core.SetHeading{Degrees: degrees}
	return d.run(cmd.Name(), func() error {
		st, err := d.requireAltHold(cmd.Name())
		if err != nil {
			return err
		}
		if err := cmd.Validate(); err != nil {
			return err
		}
		return d.session.Send(ctx, link.HeadingTarget(target(st), d.session.BootMillis(), degrees))
	})
}

func (d *Dispatcher) SetAttitude(ctx context.Context, roll, pitch, yaw float64) error {
	cmd := core.SetAttitude{Roll: roll, Pitch: pitch, Yaw: yaw}
	return d.run(cmd.Name(), func() error {
		st, err := d.requireAltHold(cmd.Name())
		if err != nil {
			return err
		}
		if err := cmd.Validate(); err != nil {
			return err
		}
		return d.session.Send(ctx, link.AttitudeTarget(target(st), d.session.BootMillis(), roll, pitch, yaw))
	})
}

// Stop halts every running motion immediately.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.run("stop", func() error {
		if _, err := d.session.Require("stop", core.StateArmed); err != nil {
			return err
		}
		return d.mover.StopAll(ctx, "operator")
	})
}

func (d *Dispatcher) Status() core.Status {
	return d.session.Status()
}

func (d *Dispatcher) TelemetrySnapshot() telemetry.View {
	return d.telemetry.Snapshot()
}

// ActiveMovements lists the running movement jobs.
func (d *Dispatcher) ActiveMovements() []movement.JobInfo {
	return d.mover.Active()
}

// requireAltHold admits heading and attitude control: armed and holding depth.
func (d *Dispatcher) requireAltHold(op string) (core.Status, error) {
	st, err := d.session.Require(op, core.StateArmed)
	if err != nil {
		return st, err
	}
	if st.Mode != core.ModeAltHold {
		return st, core.Errorf(core.KindPrecondition, "%s requires %s mode, vehicle is in %s", op, core.ModeAltHold, modeOrUnknown(st.Mode))
	}
	return st, nil
}

func modeOrUnknown(mode string) string {
	if mode == "" {
		return "an unknown mode"
	}
	return fmt.Sprintf("%s mode", mode)
}

func target(st core.Status) link.Target {
	return link.Target{SystemID: st.SystemID, ComponentID: st.ComponentID}
}
