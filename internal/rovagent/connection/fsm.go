package connection

import (
	"github.com/looplab/fsm"

	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
)

const (
	// EventConnect starts opening the endpoint.
	EventConnect = "connect"
	// EventOpened means the endpoint is bound and listening.
	EventOpened = "opened"
	// EventHeartbeat is the first vehicle heartbeat of the session.
	EventHeartbeat = "heartbeat"
	// EventArmed and EventDisarmed follow the armed flag the vehicle reports.
	EventArmed    = "armed"
	EventDisarmed = "disarmed"
	// EventFault demotes the session to error.
	EventFault = "fault"
	// EventDisconnect tears the session down from any state.
	EventDisconnect = "disconnect"
)

func states(s ...core.State) []string {
	out := make([]string, len(s))
	for i := range s {
		out[i] = string(s[i])
	}
	return out
}

func newStateMachine(callbacks fsm.Callbacks) *fsm.FSM {
	events := fsm.Events{
		{Name: EventConnect, Src: states(core.StateDisconnected, core.StateError), Dst: string(core.StateConnecting)},
		{Name: EventOpened, Src: states(core.StateConnecting), Dst: string(core.StateAwaitingHeartbeat)},
		{Name: EventHeartbeat, Src: states(core.StateAwaitingHeartbeat), Dst: string(core.StateReady)},
		{Name: EventArmed, Src: states(core.StateReady), Dst: string(core.StateArmed)},
		{Name: EventDisarmed, Src: states(core.StateArmed), Dst: string(core.StateReady)},

		{Name: EventFault, Src: states(core.StateConnecting, core.StateAwaitingHeartbeat, core.StateReady, core.StateArmed), Dst: string(core.StateError)},
		{Name: EventDisconnect, Src: states(core.StateConnecting, core.StateAwaitingHeartbeat, core.StateReady, core.StateArmed, core.StateError), Dst: string(core.StateDisconnected)},
	}

	return fsm.NewFSM(string(core.StateDisconnected), events, callbacks)
}
