package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/telemetry"
	"github.com/autopeer-io/rovpilot/pkg/mqtt/topic"
)

type published struct {
	topic   string
	qos     int
	retain  bool
	payload []byte
}

type fakePublisher struct {
	mu           sync.Mutex
	started      bool
	disconnected bool
	connected    bool
	msgs         []published
}

func (p *fakePublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *fakePublisher) Disconnect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, qos, retain, payload})
	return nil
}

func (p *fakePublisher) AwaitConnection(ctx context.Context) error { return nil }

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
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

func TestNotifierPublishes(t *testing.T) {
	pub := &fakePublisher{connected: true}
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	n := New(pub, topic.NewTopicBuilder("rovpilot/v1"), "rov-1", clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	n.HandleTransition(context.Background(), core.StateAwaitingHeartbeat, core.StateReady,
		core.Status{SessionID: "s-1", State: core.StateReady, Mode: "MANUAL"})
	n.HandleSnapshot(telemetry.Snapshot{Depth: 2.5, Heading: 45, Mode: "MANUAL"})
	eventually(t, "two publishes", func() bool { return len(pub.messages()) == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !pub.started || !pub.disconnected {
		t.Errorf("started=%v disconnected=%v", pub.started, pub.disconnected)
	}

	msgs := pub.messages()
	state := msgs[0]
	if state.topic != "rovpilot/v1/state/rov-1" || state.qos != 1 || !state.retain {
		t.Errorf("state publish = %s qos=%d retain=%v", state.topic, state.qos, state.retain)
	}
	var sp map[string]any
	if err := json.Unmarshal(state.payload, &sp); err != nil {
		t.Fatal(err)
	}
	if sp["vehicle_id"] != "rov-1" || sp["from"] != "awaiting_heartbeat" || sp["to"] != "ready" || sp["at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("state payload = %s", state.payload)
	}
	if st, ok := sp["status"].(map[string]any); !ok || st["session_id"] != "s-1" || st["mode"] != "MANUAL" {
		t.Errorf("state payload status = %v", sp["status"])
	}

	tel := msgs[1]
	if tel.topic != "rovpilot/v1/telemetry/rov-1" || tel.qos != 0 || tel.retain {
		t.Errorf("telemetry publish = %s qos=%d retain=%v", tel.topic, tel.qos, tel.retain)
	}
	var tp map[string]any
	if err := json.Unmarshal(tel.payload, &tp); err != nil {
		t.Fatal(err)
	}
	if tp["vehicle_id"] != "rov-1" || tp["depth"] != 2.5 || tp["heading"] != 45.0 {
		t.Errorf("telemetry payload = %s", tel.payload)
	}
}

func TestNotifierSkipsTelemetryWhileOffline(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, topic.NewTopicBuilder("r"), "rov-1", clocktesting.NewFakeClock(time.Now()))

	n.publish(context.Background(), event{snapshot: &telemetry.Snapshot{}})
	if len(pub.messages()) != 0 {
		t.Error("telemetry published while offline")
	}
	n.publish(context.Background(), event{from: core.StateReady, to: core.StateArmed})
	if len(pub.messages()) != 1 {
		t.Error("state not handed to the publisher while offline")
	}
}

func TestNotifierNeverBlocks(t *testing.T) {
	pub := &fakePublisher{connected: true}
	n := New(pub, topic.NewTopicBuilder("r"), "rov-1", clocktesting.NewFakeClock(time.Now()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*3; i++ {
			n.HandleTransition(context.Background(), core.StateReady, core.StateArmed, core.Status{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleTransition blocked on a full queue")
	}
	if len(n.queue) != queueSize {
		t.Errorf("queue length = %d, want %d", len(n.queue), queueSize)
	}
}

func TestNotifierPublishesStatusOfEachTransition(t *testing.T) {
	pub := &fakePublisher{connected: true}
	n := New(pub, topic.NewTopicBuilder("r"), "rov-1", clocktesting.NewFakeClock(time.Now()))

	// Both transitions are queued before anything is published.
	n.HandleTransition(context.Background(), core.StateReady, core.StateArmed,
		core.Status{State: core.StateArmed, Armed: true})
	n.HandleTransition(context.Background(), core.StateArmed, core.StateReady,
		core.Status{State: core.StateReady})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	eventually(t, "two publishes", func() bool { return len(pub.messages()) == 2 })
	cancel()
	<-done

	for i, want := range []core.State{core.StateArmed, core.StateReady} {
		var p StatePayload
		if err := json.Unmarshal(pub.messages()[i].payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.To != want || p.Status.State != want || p.Status.Armed != (want == core.StateArmed) {
			t.Errorf("message %d: to=%s status=%+v", i, p.To, p.Status)
		}
	}
}

func TestOfflinePayload(t *testing.T) {
	var p map[string]string
	if err := json.Unmarshal(OfflinePayload("rov-1"), &p); err != nil {
		t.Fatal(err)
	}
	if p["to"] != "offline" || p["vehicle_id"] != "rov-1" {
		t.Errorf("OfflinePayload() = %v", p)
	}
}
