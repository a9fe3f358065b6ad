package core

import (
	"time"

	"github.com/google/uuid"
)

// Session is the single logical connection to one vehicle. It is owned by the
// connection manager and only mutated under the manager's lock.
type Session struct {
	ID       string
	State    State
	Endpoint string

	SystemID    uint8
	ComponentID uint8

	ConnectedAt   time.Time
	LastHeartbeat time.Time

	Armed bool

	// ConfirmedMode is the mode the vehicle last reported. Empty until the
	// first heartbeat.
	ConfirmedMode string

	// RequestedMode is pending until a heartbeat confirms it or it expires.
	RequestedMode   string
	ModeRequestedAt time.Time

	// ModeKnown is set once a mode has been requested or confirmed.
	ModeKnown bool

	LastFault *Error
}

// NewSession returns a disconnected session bound to endpoint.
func NewSession(endpoint string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		State:    StateDisconnected,
		Endpoint: endpoint,
	}
}

// EffectiveMode is the requested mode while a request is pending, otherwise
// the confirmed mode.
func (s *Session) EffectiveMode() string {
	if s.RequestedMode != "" {
		return s.RequestedMode
	}
	return s.ConfirmedMode
}

// Reset clears everything learned from the vehicle and starts a new session id.
func (s *Session) Reset() {
	*s = Session{
		ID:       uuid.NewString(),
		State:    StateDisconnected,
		Endpoint: s.Endpoint,
	}
}

// Status returns an immutable copy of the session.
func (s *Session) Status() Status {
	st := Status{
		SessionID:     s.ID,
		State:         s.State,
		Endpoint:      s.Endpoint,
		SystemID:      s.SystemID,
		ComponentID:   s.ComponentID,
		Armed:         s.Armed,
		Mode:          s.EffectiveMode(),
		RequestedMode: s.RequestedMode,
		ConfirmedMode: s.ConfirmedMode,
		ModeKnown:     s.ModeKnown,
	}
	if !s.ConnectedAt.IsZero() {
		t := s.ConnectedAt
		st.ConnectedAt = &t
	}
	if !s.LastHeartbeat.IsZero() {
		t := s.LastHeartbeat
		st.LastHeartbeat = &t
	}
	if s.LastFault != nil {
		st.FaultKind = s.LastFault.Kind
		st.Fault = s.LastFault.Error()
	}
	return st
}

// Status is a point-in-time view of a Session.
type Status struct {
	SessionID     string     `json:"session_id"`
	State         State      `json:"state"`
	Endpoint      string     `json:"endpoint"`
	SystemID      uint8      `json:"system_id,omitempty"`
	ComponentID   uint8      `json:"component_id,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Armed         bool       `json:"armed"`
	Mode          string     `json:"mode,omitempty"`
	RequestedMode string     `json:"requested_mode,omitempty"`
	ConfirmedMode string     `json:"confirmed_mode,omitempty"`
	ModeKnown     bool       `json:"mode_known"`
	FaultKind     Kind       `json:"fault_kind,omitempty"`
	Fault         string     `json:"fault,omitempty"`
}
