package notifier

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/rovpilot/internal/pkg/metrics"
	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/internal/rovagent/telemetry"
	"github.com/autopeer-io/rovpilot/pkg/log"
	"github.com/autopeer-io/rovpilot/pkg/mqtt"
	"github.com/autopeer-io/rovpilot/pkg/mqtt/topic"
)

const (
	queueSize      = 64
	publishTimeout = 5 * time.Second

	stateQoS     = 1
	telemetryQoS = 0
)

// StatePayload is published, retained, on every session transition.
type StatePayload struct {
	VehicleID string     `json:"vehicle_id"`
	From      core.State `json:"from"`
	To        core.State `json:"to"`
	At        time.Time  `json:"at"`
	// Status is the session as it stood right after the transition.
	Status core.Status `json:"status"`
}

// TelemetryPayload is published for every telemetry snapshot.
type TelemetryPayload struct {
	VehicleID string `json:"vehicle_id"`
	telemetry.Snapshot
}

type event struct {
	from, to core.State
	at       time.Time
	status   core.Status
	snapshot *telemetry.Snapshot
}

// Notifier publishes session transitions and telemetry to MQTT. Producers
// never block; events are dropped when the queue is full.
type Notifier struct {
	pub       mqtt.Publisher
	topics    *topic.TopicBuilder
	vehicleID string
	clock     clock.PassiveClock
	logger    log.Logger

	queue chan event
}

// New returns a notifier publishing under topics for vehicleID.
func New(pub mqtt.Publisher, topics *topic.TopicBuilder, vehicleID string, clk clock.PassiveClock) *Notifier {
	return &Notifier{
		pub:       pub,
		topics:    topics,
		vehicleID: vehicleID,
		clock:     clk,
		logger:    log.WithName("notifier").WithValues("vehicle", vehicleID),
		queue:     make(chan event, queueSize),
	}
}

// HandleTransition queues a state notification carrying st, the session as
// it stood when the transition happened.
func (n *Notifier) HandleTransition(_ context.Context, from, to core.State, st core.Status) {
	n.enqueue(event{from: from, to: to, at: n.clock.Now(), status: st})
}

// HandleSnapshot queues a telemetry notification.
func (n *Notifier) HandleSnapshot(s telemetry.Snapshot) {
	n.enqueue(event{snapshot: &s})
}

func (n *Notifier) enqueue(e event) {
	select {
	case n.queue <- e:
	default:
		metrics.NotificationsDropped.Inc()
		n.logger.Debug("Notification queue full, dropping event")
	}
}

// Run connects to the broker and publishes queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	if err := n.pub.Start(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		n.pub.Disconnect(dctx)
	}()

	n.logger.Info("Publishing vehicle status", "state", n.topics.State(n.vehicleID), "telemetry", n.topics.Telemetry(n.vehicleID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-n.queue:
			n.publish(ctx, e)
		}
	}
}

func (n *Notifier) publish(ctx context.Context, e event) {
	var (
		topicName string
		qos       int
		retain    bool
		v         any
	)
	if e.snapshot != nil {
		topicName, qos = n.topics.Telemetry(n.vehicleID), telemetryQoS
		v = TelemetryPayload{VehicleID: n.vehicleID, Snapshot: *e.snapshot}
	} else {
		topicName, qos, retain = n.topics.State(n.vehicleID), stateQoS, true
		v = StatePayload{VehicleID: n.vehicleID, From: e.from, To: e.to, At: e.at, Status: e.status}
	}

	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.Error(err, "Failed to encode notification", "topic", topicName)
		return
	}

	// Telemetry is only worth sending live.
	if e.snapshot != nil && !n.pub.IsConnected() {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := n.pub.Publish(pctx, topicName, qos, retain, payload); err != nil {
		n.logger.Error(err, "Failed to publish notification", "topic", topicName)
	}
}

// OfflinePayload is the retained last-will message for the state topic.
func OfflinePayload(vehicleID string) []byte {
	b, _ := json.Marshal(map[string]string{"vehicle_id": vehicleID, "to": "offline"})
	return b
}
