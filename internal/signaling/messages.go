package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type eventType string

const (
	// Inbound.
	eventTypeJoinRoom eventType = "join-room"
	eventTypeMessage  eventType = "message"
	eventTypePresence eventType = "presence"

	// Outbound.
	eventTypeRoomJoined eventType = "room-joined"
	eventTypeRoomLeft   eventType = "room-left"
	eventTypeError      eventType = "error"
)

// clientEvent is an inbound frame. Field requirements are checked by the
// dispatcher, not here: a join-room with a missing channel or sender must be
// a logged no-op rather than a protocol error, so decoding stays permissive
// about absent fields while rejecting unknown ones.
type clientEvent struct {
	Type    eventType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// serverEvent is an outbound frame.
type serverEvent struct {
	Type    eventType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Exists  *bool           `json:"exists,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func parseClientEvent(data []byte) (clientEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev clientEvent
	if err := dec.Decode(&ev); err != nil {
		return clientEvent{}, err
	}
	switch ev.Type {
	case eventTypeJoinRoom, eventTypeMessage, eventTypePresence:
	default:
		return clientEvent{}, fmt.Errorf("unsupported event type %q", ev.Type)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientEvent{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}
