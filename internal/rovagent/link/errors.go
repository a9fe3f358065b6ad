package link

import "errors"

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("mavlink transport closed")
