package metrics

import "sync"

// Counter names used across the relay. Rooms and connections account for the
// interesting lifecycle transitions; the drop counters cover every path where
// an inbound event is discarded instead of relayed.
const (
	RoomsCreated   = "rooms_created"
	RoomsDestroyed = "rooms_destroyed"
	RoomJoins      = "room_joins"
	RoomLeaves     = "room_leaves"

	ConnectionsAccepted = "connections_accepted"
	ConnectionsClosed   = "connections_closed"
	ConnectionsRejected = "connections_rejected"

	MessagesRelayed      = "messages_relayed"
	PresenceQueries      = "presence_queries"
	RecipientSendFailure = "recipient_send_failure"

	MalformedEvents       = "malformed_events"
	DropReasonRateLimited = "rate_limited"
	DropReasonOversized   = "oversized_message"
	TransportErrors       = "transport_errors"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay deliberately keeps its metrics in-process and scrape-only; see
// PrometheusHandler for the exposition side.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
