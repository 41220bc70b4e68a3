package relay

import "errors"

var (
	ErrUnknownRoom = errors.New("unknown room")
	ErrConnClosed  = errors.New("connection closed")
	// ErrTooManyConnections is returned when accepting a new connection would
	// exceed the configured MAX_CONNECTIONS quota.
	ErrTooManyConnections = errors.New("too many connections")
)
