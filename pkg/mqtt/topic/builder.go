package topic

import (
	"fmt"
	"strings"
)

// Topic segments published by rovpilot. Subscribers depend on these values.
const (
	// SuffixState carries the retained session state of a vehicle.
	// Structure: {root}/state/{vehicleID}
	SuffixState = "state"

	// SuffixTelemetry carries periodic telemetry snapshots.
	// Structure: {root}/telemetry/{vehicleID}
	SuffixTelemetry = "telemetry"
)

// TopicBuilder constructs MQTT topic strings under a common root.
type TopicBuilder struct {
	// root is the base namespace for all topics (e.g., "rovpilot/v1").
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
// Trailing slashes on root are ignored.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: strings.TrimRight(root, "/")}
}

// State returns the retained state topic of a vehicle.
func (b *TopicBuilder) State(vehicleID string) string {
	return b.build(SuffixState, vehicleID)
}

// Telemetry returns the telemetry topic of a vehicle.
func (b *TopicBuilder) Telemetry(vehicleID string) string {
	return b.build(SuffixTelemetry, vehicleID)
}

// Pattern: {root}/{suffix}/{identifier}
func (b *TopicBuilder) build(suffix, id string) string {
	if b.root == "" {
		return fmt.Sprintf("%s/%s", suffix, id)
	}
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
