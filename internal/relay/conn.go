package relay

import "encoding/json"

// EventType identifies an outbound notification produced by the engine.
type EventType string

const (
	EventRoomJoined EventType = "room-joined"
	EventRoomLeft   EventType = "room-left"
	EventMessage    EventType = "message"
)

// Event is an outbound notification delivered to a connection. The transport
// layer decides how it is encoded on the wire.
type Event struct {
	Type    EventType
	Channel string
	Sender  string
	Reason  string
	Data    json.RawMessage
}

// Conn is one client's transport session as seen by the relay core.
//
// Send must be safe for concurrent use and must fail (rather than block
// indefinitely) when the peer's transport is gone; the engine treats every
// send as best-effort. Close must be idempotent.
type Conn interface {
	// ID is an opaque, process-unique handle. Not stable across reconnects.
	ID() string

	// RemoteAddr is for diagnostics only.
	RemoteAddr() string

	Send(ev Event) error

	Close(reason string)
}
