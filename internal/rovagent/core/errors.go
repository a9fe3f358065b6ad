package core

import (
	"errors"
	"fmt"
)

// Kind classifies every error rovpilot returns to an operator.
type Kind string

const (
	// KindLinkError means the UDP endpoint could not be opened or written.
	KindLinkError Kind = "LinkError"
	// KindHeartbeatTimeout means no vehicle heartbeat arrived in time.
	KindHeartbeatTimeout Kind = "HeartbeatTimeout"
	// KindLinkLost means heartbeats stopped after the session was ready.
	KindLinkLost Kind = "LinkLost"
	// KindPrecondition means the command is not allowed in the current state or mode.
	KindPrecondition Kind = "PreconditionError"
	// KindValidation means a command argument is out of range.
	KindValidation Kind = "ValidationError"
	// KindAborted means a wait or job was cut short by disconnect or supersession.
	KindAborted Kind = "Aborted"
	// KindRejected means the vehicle answered a command with a negative COMMAND_ACK.
	KindRejected Kind = "Rejected"
	// KindUnconfirmed means the vehicle never reported the requested change.
	KindUnconfirmed Kind = "Unconfirmed"
	// KindInternal means a bug; the panic was recovered.
	KindInternal Kind = "Internal"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrLinkError        = &Error{Kind: KindLinkError}
	ErrHeartbeatTimeout = &Error{Kind: KindHeartbeatTimeout}
	ErrLinkLost         = &Error{Kind: KindLinkLost}
	ErrPrecondition     = &Error{Kind: KindPrecondition}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrAborted          = &Error{Kind: KindAborted}
	ErrRejected         = &Error{Kind: KindRejected}
	ErrUnconfirmed      = &Error{Kind: KindUnconfirmed}
	ErrInternal         = &Error{Kind: KindInternal}
)

// Error is the typed error returned by every vehicle operation.
type Error struct {
	Kind   Kind
	Detail string
	Err    error

	// causeInDetail is set when Detail already renders Err.
	causeInDetail bool
}

func (e *Error) Error() string {
	switch {
	case e.Detail == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil, e.causeInDetail:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Detail == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind. A %w verb in format becomes the
// wrapped cause; its text stays where the verb put it in Detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	cause := errors.Unwrap(err)
	return &Error{Kind: kind, Detail: err.Error(), Err: cause, causeInDetail: cause != nil}
}

// Wrap attaches kind and detail to err. It returns nil when err is nil.
func Wrap(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind carried by err, or "" when err is nil or untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
