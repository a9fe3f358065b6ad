package core

// State is the connection state of the vehicle session.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateAwaitingHeartbeat State = "awaiting_heartbeat"
	StateReady             State = "ready"
	StateArmed             State = "armed"
	StateError             State = "error"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDisconnected,
	StateConnecting,
	StateAwaitingHeartbeat,
	StateReady,
	StateArmed,
	StateError,
}

func (s State) String() string { return string(s) }

// Operational reports whether the vehicle answers and accepts commands.
func (s State) Operational() bool {
	return s == StateReady || s == StateArmed
}

// StateNames returns AllStates as strings.
func StateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}
