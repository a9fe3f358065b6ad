package movement

import (
	"context"
	"sync"
	"time"

	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
)

// JobInfo describes a movement job.
type JobInfo struct {
	ID        string         `json:"id"`
	Direction core.Direction `json:"direction"`
	Axis      core.Axis      `json:"axis"`
	Throttle  float64        `json:"throttle"`
	Duration  time.Duration  `json:"duration"`
	StartedAt time.Time      `json:"started_at"`
}

// Job is one timed motion on one axis.
type Job struct {
	JobInfo

	target uint8
	done   chan struct{}
	once   sync.Once
	err    error
}

func (j *Job) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}

// Done is closed when the job completes, is superseded or is halted.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err is the job result once Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job ends. It returns nil when the timer completed the
// job and Aborted when it was superseded or halted.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return core.Errorf(core.KindAborted, "wait for %s job: %w", j.Axis, ctx.Err())
	}
}
