package movement

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/rovpilot/internal/pkg/metrics"
	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/link"
	"github.com/autopeer-io/rovpilot/pkg/log"
)

// Sender writes messages to the vehicle.
type Sender interface {
	Send(ctx context.Context, msg message.Message) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithSendErrorHandler is called with stop messages that failed to send
// outside a session transition.
func WithSendErrorHandler(fn func(ctx context.Context, err error)) Option {
	return func(c *Controller) {
		c.onSendError = fn
	}
}

// slot holds the single active job of one axis.
type slot struct {
	axis   core.Axis
	mu     sync.Mutex
	job    *Job
	timer  clock.Timer
	cancel chan struct{}
}

// Controller runs self-stopping timed motion, one job per axis.
type Controller struct {
	sender      Sender
	clock       clock.WithTicker
	logger      log.Logger
	onSendError func(ctx context.Context, err error)

	enabled atomic.Bool
	slots   map[core.Axis]*slot
}

func New(sender Sender, clk clock.WithTicker, opts ...Option) *Controller {
	c := &Controller{
		sender: sender,
		clock:  clk,
		logger: log.WithName("movement"),
		slots:  make(map[core.Axis]*slot, len(core.Axes)),
	}
	for _, axis := range core.Axes {
		c.slots[axis] = &slot{axis: axis}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Move drives one axis for cmd.Duration and then sends a neutral stop. A
// running job on the same axis is superseded; its pending stop is dropped.
func (c *Controller) Move(ctx context.Context, target uint8, cmd core.Move) (*Job, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	axis, sign, _ := cmd.Direction.Axis()
	s := c.slots[axis]

	s.mu.Lock()
	defer s.mu.Unlock()

	if !c.enabled.Load() {
		return nil, core.Errorf(core.KindPrecondition, "motion is disabled while the vehicle is not armed")
	}

	if err := c.sender.Send(ctx, manualControl(target, axis, axisValue(axis, sign, cmd.Throttle))); err != nil {
		return nil, err
	}

	if prev := s.job; prev != nil {
		s.stopTimerLocked()
		prev.finish(core.Errorf(core.KindAborted, "%s job superseded", axis))
		c.logger.Debug("Superseded movement", "axis", axis, "job", prev.ID)
	}

	job := &Job{
		JobInfo: JobInfo{
			ID:        uuid.NewString(),
			Direction: cmd.Direction,
			Axis:      axis,
			Throttle:  cmd.Throttle,
			Duration:  cmd.Duration,
			StartedAt: c.clock.Now(),
		},
		target: target,
		done:   make(chan struct{}),
	}
	timer := c.clock.NewTimer(cmd.Duration)
	cancel := make(chan struct{})
	s.job, s.timer, s.cancel = job, timer, cancel
	go c.expire(s, job, timer, cancel)

	c.logger.Info("Movement started", "direction", cmd.Direction, "throttle", cmd.Throttle, "duration", cmd.Duration, "job", job.ID)
	return job, nil
}

// expire sends the stop for job once its timer fires, unless it was replaced.
func (c *Controller) expire(s *slot, job *Job, timer clock.Timer, cancel <-chan struct{}) {
	select {
	case <-cancel:
		return
	case <-timer.C():
	}

	ctx := context.Background()

	s.mu.Lock()
	if s.job != job {
		s.mu.Unlock()
		return
	}
	err := c.sendStopLocked(ctx, s, "expired")
	s.job, s.timer, s.cancel = nil, nil, nil
	s.mu.Unlock()

	job.finish(err)
	if err != nil {
		c.reportSendError(ctx, err)
	}
}

func (s *slot) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cancel != nil {
		close(s.cancel)
	}
	s.timer, s.cancel = nil, nil
}

func (c *Controller) sendStopLocked(ctx context.Context, s *slot, reason string) error {
	err := c.sender.Send(ctx, manualControl(s.job.target, s.axis, neutral(s.axis)))
	if err != nil {
		metrics.MovementStopFailures.WithLabelValues(string(s.axis)).Inc()
		c.logger.Error(err, "Failed to stop axis", "axis", s.axis, "reason", reason, "job", s.job.ID)
		return err
	}
	metrics.MovementStops.WithLabelValues(string(s.axis), reason).Inc()
	c.logger.Info("Movement stopped", "axis", s.axis, "reason", reason, "job", s.job.ID)
	return nil
}

// stopActive sends a neutral stop for every axis with a running job and
// aborts those jobs.
func (c *Controller) stopActive(ctx context.Context, reason string) error {
	var errs error
	for _, axis := range core.Axes {
		s := c.slots[axis]
		s.mu.Lock()
		if job := s.job; job != nil {
			s.stopTimerLocked()
			errs = multierr.Append(errs, c.sendStopLocked(ctx, s, reason))
			s.job = nil
			job.finish(core.Errorf(core.KindAborted, "%s job stopped: %s", axis, reason))
		}
		s.mu.Unlock()
	}
	return errs
}

// StopAll stops every running job immediately. Motion stays enabled.
func (c *Controller) StopAll(ctx context.Context, reason string) error {
	err := c.stopActive(ctx, reason)
	if err != nil {
		c.reportSendError(ctx, err)
	}
	return err
}

// Halt disables new jobs and stops every running one.
func (c *Controller) Halt(ctx context.Context, reason string) error {
	c.enabled.Store(false)
	return c.stopActive(ctx, reason)
}

// Enable allows new jobs.
func (c *Controller) Enable() {
	c.enabled.Store(true)
}

// Enabled reports whether new jobs are accepted.
func (c *Controller) Enabled() bool {
	return c.enabled.Load()
}

// HandleTransition follows the session: entering armed enables motion and
// leaving it halts every axis before the new state is reached.
func (c *Controller) HandleTransition(ctx context.Context, from, to core.State) {
	switch {
	case to == core.StateArmed:
		c.Enable()
	case from == core.StateArmed:
		if err := c.Halt(ctx, "session "+string(to)); err != nil {
			c.logger.Error(err, "Stops failed while leaving armed", "to", to)
		}
	}
}

// Active describes every running job.
func (c *Controller) Active() []JobInfo {
	var jobs []JobInfo
	for _, axis := range core.Axes {
		s := c.slots[axis]
		s.mu.Lock()
		if s.job != nil {
			jobs = append(jobs, s.job.JobInfo)
		}
		s.mu.Unlock()
	}
	return jobs
}

func (c *Controller) reportSendError(ctx context.Context, err error) {
	if c.onSendError != nil {
		c.onSendError(ctx, err)
	}
}

// wire axis letters of MANUAL_CONTROL
var wireAxes = map[core.Axis]byte{
	core.AxisSurge: 'x',
	core.AxisSway:  'y',
	core.AxisHeave: 'z',
	core.AxisYaw:   'r',
}

func manualControl(target uint8, axis core.Axis, value int16) message.Message {
	return link.ManualControl(target, wireAxes[axis], value)
}

func neutral(axis core.Axis) int16 {
	if axis == core.AxisHeave {
		return link.HeaveNeutral
	}
	return 0
}

// axisValue scales throttle to the MANUAL_CONTROL range of axis.
func axisValue(axis core.Axis, sign int, throttle float64) int16 {
	if axis == core.AxisHeave {
		half := float64(link.ManualMax - link.HeaveNeutral)
		return link.HeaveNeutral + int16(math.Round(float64(sign)*throttle*half))
	}
	return int16(math.Round(float64(sign) * throttle * link.ManualMax))
}
