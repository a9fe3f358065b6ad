package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/rovpilot/internal/pkg/metrics"
	"github.com/autopeer-io/rovpilot/pkg/log"
)

// Snapshot is one immutable telemetry sample. Depth is meters below the surface.
type Snapshot struct {
	Depth     float64   `json:"depth"`
	Heading   float64   `json:"heading"`
	Armed     bool      `json:"armed"`
	Mode      string    `json:"mode"`
	FetchedAt time.Time `json:"fetched_at"`
}

// View is what readers get from the cache.
type View struct {
	Snapshot            *Snapshot     `json:"snapshot,omitempty"`
	Age                 time.Duration `json:"age"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	// Valid is false before the first successful poll and while the feed is
	// considered stale.
	Valid bool `json:"valid"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithEscalation calls onStale once per failure streak when it reaches after
// consecutive failures. after == 0 disables escalation.
func WithEscalation(after int, onStale func(ctx context.Context, failures int, err error)) Option {
	return func(c *Cache) {
		c.escalateAfter = after
		c.onStale = onStale
	}
}

// WithUpdateHook is called with every new snapshot from the poll goroutine.
func WithUpdateHook(fn func(Snapshot)) Option {
	return func(c *Cache) {
		c.onUpdate = fn
	}
}

// Cache polls a Fetcher at a fixed interval and serves the latest sample
// without blocking on I/O.
type Cache struct {
	fetcher  Fetcher
	clock    clock.WithTicker
	interval time.Duration
	logger   log.Logger

	escalateAfter int
	onStale       func(ctx context.Context, failures int, err error)
	onUpdate      func(Snapshot)

	snap     atomic.Pointer[Snapshot]
	failures atomic.Int64
}

func NewCache(fetcher Fetcher, clk clock.WithTicker, interval time.Duration, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		clock:    clk,
		interval: interval,
		logger:   log.WithName("telemetry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	c.logger.Info("Starting telemetry poller", "interval", c.interval, "escalateAfter", c.escalateAfter)

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Telemetry poller stopped")
			return nil
		case <-ticker.C():
			c.Poll(ctx)
		}
	}
}

// Poll fetches once and updates the cache.
func (c *Cache) Poll(ctx context.Context) {
	s, err := c.fetcher.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		n := int(c.failures.Add(1))
		metrics.TelemetryPolls.WithLabelValues("failed").Inc()
		metrics.TelemetryConsecutiveFailures.Set(float64(n))
		if n == 1 {
			c.logger.Warn("Telemetry poll failed", "error", err.Error())
		} else {
			c.logger.Debug("Telemetry poll failed", "error", err.Error(), "failures", n)
		}
		if c.escalateAfter > 0 && n == c.escalateAfter {
			c.logger.Warn("Telemetry feed is stale", "failures", n)
			if c.onStale != nil {
				c.onStale(ctx, n, err)
			}
		}
		return
	}

	now := c.clock.Now()
	if prev := c.snap.Load(); prev != nil && now.Before(prev.FetchedAt) {
		now = prev.FetchedAt
	}
	s.FetchedAt = now
	c.snap.Store(&s)

	if n := c.failures.Swap(0); n > 0 {
		c.logger.Info("Telemetry feed recovered", "failures", n)
	}
	metrics.TelemetryPolls.WithLabelValues("success").Inc()
	metrics.TelemetryConsecutiveFailures.Set(0)

	if c.onUpdate != nil {
		c.onUpdate(s)
	}
}

// Snapshot returns the latest sample. It never blocks on I/O.
func (c *Cache) Snapshot() View {
	failures := int(c.failures.Load())
	v := View{ConsecutiveFailures: failures}

	s := c.snap.Load()
	if s == nil {
		return v
	}
	cp := *s
	v.Snapshot = &cp
	v.Age = c.clock.Since(s.FetchedAt)
	v.Valid = c.escalateAfter == 0 || failures < c.escalateAfter
	return v
}
