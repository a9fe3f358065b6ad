package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SessionState is 1 for the current connection state of the vehicle session
	// and 0 for every other state.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rovpilot_session_state",
			Help: "Current vehicle session state (1 for the active state).",
		},
		[]string{"state"},
	)

	// HeartbeatsReceived counts vehicle heartbeats accepted by the receive loop.
	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rovpilot_heartbeats_received_total",
			Help: "Total number of vehicle heartbeats received.",
		},
	)

	// LinkFaults counts faults that demoted the session to error.
	LinkFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rovpilot_link_faults_total",
			Help: "Total number of faults that moved the session to error.",
		},
		[]string{"kind"},
	)

	// CommandsTotal counts operator commands by outcome.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rovpilot_commands_total",
			Help: "Total number of operator commands handled.",
		},
		[]string{"command", "result"}, // result: ok or an error kind
	)

	// CommandLatency records how long operator commands take end to end.
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rovpilot_command_latency_seconds",
			Help:    "Latency of operator commands.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// PanicsRecovered counts panics turned into internal errors.
	PanicsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rovpilot_panics_recovered_total",
			Help: "Total number of panics recovered while handling commands.",
		},
		[]string{"command"},
	)

	// MovementStops counts neutral stop messages by the reason they were sent.
	MovementStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rovpilot_movement_stops_total",
			Help: "Total number of movement stop messages sent.",
		},
		[]string{"axis", "reason"},
	)

	// MovementStopFailures counts stop messages that could not be sent.
	MovementStopFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rovpilot_movement_stop_failures_total",
			Help: "Total number of movement stop messages that failed to send.",
		},
		[]string{"axis"},
	)

	// TelemetryPolls counts telemetry polls by result (success/failed).
	TelemetryPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rovpilot_telemetry_polls_total",
			Help: "Total number of telemetry polls.",
		},
		[]string{"result"},
	)

	// TelemetryConsecutiveFailures mirrors the failure streak of the telemetry cache.
	TelemetryConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rovpilot_telemetry_consecutive_failures",
			Help: "Current number of consecutive failed telemetry polls.",
		},
	)

	// NotificationsDropped counts MQTT notifications dropped because the queue was full.
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rovpilot_notifications_dropped_total",
			Help: "Total number of status notifications dropped on a full queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionState,
		HeartbeatsReceived,
		LinkFaults,
		CommandsTotal,
		CommandLatency,
		PanicsRecovered,
		MovementStops,
		MovementStopFailures,
		TelemetryPolls,
		TelemetryConsecutiveFailures,
		NotificationsDropped,
	)
}

// SetSessionState flips the state gauge to the given state.
func SetSessionState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
