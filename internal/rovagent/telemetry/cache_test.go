package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	results []error
	calls   int
	sample  Snapshot
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return Snapshot{}, err
		}
	}
	return f.sample, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errFeedDown = errors.New("connection refused")

func TestCacheBeforeFirstPoll(t *testing.T) {
	c := NewCache(&scriptedFetcher{}, clocktesting.NewFakeClock(time.Now()), time.Second)
	v := c.Snapshot()
	if v.Valid || v.Snapshot != nil {
		t.Errorf("Snapshot() = %+v before any poll", v)
	}
}

func TestCacheKeepsLastSnapshotOnFailure(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	f := &scriptedFetcher{
		results: []error{nil, errFeedDown, errFeedDown, nil},
		sample:  Snapshot{Depth: 3, Heading: 90, Mode: "MANUAL"},
	}
	c := NewCache(f, clk, time.Second)

	c.Poll(context.Background())
	first := c.Snapshot()
	if !first.Valid || first.Snapshot.Depth != 3 || first.ConsecutiveFailures != 0 {
		t.Fatalf("Snapshot() = %+v", first)
	}

	clk.Step(time.Second)
	c.Poll(context.Background())
	clk.Step(time.Second)
	c.Poll(context.Background())

	v := c.Snapshot()
	if v.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", v.ConsecutiveFailures)
	}
	if v.Snapshot == nil || !v.Snapshot.FetchedAt.Equal(first.Snapshot.FetchedAt) {
		t.Errorf("failed polls replaced the snapshot: %+v", v.Snapshot)
	}
	if v.Age != 2*time.Second {
		t.Errorf("Age = %s, want 2s", v.Age)
	}
	if !v.Valid {
		t.Error("snapshot invalid without escalation")
	}

	c.Poll(context.Background())
	if v := c.Snapshot(); v.ConsecutiveFailures != 0 || v.Age != 0 {
		t.Errorf("Snapshot() after recovery = %+v", v)
	}
}

func TestCacheEscalatesOncePerStreak(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	f := &scriptedFetcher{
		results: []error{nil, errFeedDown, errFeedDown, errFeedDown, errFeedDown, nil, errFeedDown, errFeedDown},
	}

	var escalations []int
	c := NewCache(f, clk, time.Second, WithEscalation(2, func(ctx context.Context, failures int, err error) {
		escalations = append(escalations, failures)
		if !errors.Is(err, errFeedDown) {
			t.Errorf("escalated with %v", err)
		}
	}))

	for i := 0; i < 5; i++ {
		c.Poll(context.Background())
		if i == 1 && !c.Snapshot().Valid {
			t.Error("invalid after one failure")
		}
	}
	if v := c.Snapshot(); v.Valid || v.ConsecutiveFailures != 4 {
		t.Errorf("Snapshot() while stale = %+v", v)
	}
	if len(escalations) != 1 {
		t.Fatalf("escalations = %v, want one", escalations)
	}

	for i := 0; i < 3; i++ {
		c.Poll(context.Background())
	}
	if len(escalations) != 2 || escalations[1] != 2 {
		t.Errorf("escalations = %v, want a second one after recovery", escalations)
	}
}

func TestCacheFetchedAtIsMonotonic(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	c := NewCache(&scriptedFetcher{}, clk, time.Second)

	c.Poll(context.Background())
	first := c.Snapshot().Snapshot.FetchedAt

	clk.SetTime(first.Add(-time.Minute))
	c.Poll(context.Background())
	if got := c.Snapshot().Snapshot.FetchedAt; got.Before(first) {
		t.Errorf("FetchedAt went backwards: %s < %s", got, first)
	}
}

func TestCacheRun(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	f := &scriptedFetcher{sample: Snapshot{Heading: 10}}

	var mu sync.Mutex
	var updates int
	c := NewCache(f, clk, 500*time.Millisecond, WithUpdateHook(func(Snapshot) {
		mu.Lock()
		updates++
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor := func(n int) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for f.callCount() < n {
			if time.Now().After(deadline) {
				t.Fatalf("fetch calls = %d, want %d", f.callCount(), n)
			}
			time.Sleep(time.Millisecond)
		}
	}

	waitFor(1)
	for i := 2; i <= 3; i++ {
		for !clk.HasWaiters() {
			time.Sleep(time.Millisecond)
		}
		clk.Step(500 * time.Millisecond)
		waitFor(i)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if updates != 3 {
		t.Errorf("updates = %d, want 3", updates)
	}
}
