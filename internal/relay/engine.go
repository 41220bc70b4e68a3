package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/webrtcweb/signal-relay/internal/metrics"
)

// connState is the single per-connection record the engine consults on every
// event: the room the connection is tracked in and the sender label it joined
// with. A rejoin overwrites the record instead of stacking per-join state.
type connState struct {
	channel string
	sender  string
}

// Engine translates inbound connection events into registry operations and
// outbound fan-out.
//
// Connections move through Register -> (HandleJoin/HandleMessage)* ->
// HandleDisconnect. A connection the engine does not know about (never
// registered, or already disconnected) can never mutate registry state: every
// handler is a no-op for it.
//
// Event handlers for a single connection must be invoked serially (the
// supervisor's read loop guarantees this); handlers for different connections
// may run concurrently.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry

	mu     sync.Mutex
	states map[Conn]*connState
}

func NewEngine(cfg Config, registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Engine {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		registry: registry,
		states:   make(map[Conn]*connState),
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Register makes c known to the engine.
func (e *Engine) Register(c Conn) {
	e.mu.Lock()
	if _, ok := e.states[c]; !ok {
		e.states[c] = &connState{}
	}
	e.mu.Unlock()
}

// Connections returns the number of registered connections.
func (e *Engine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

// HandleJoin processes a join-room event. A join with a missing channel or
// sender is logged and otherwise ignored: no room is created, no membership
// changes, no notification goes out, and the connection stays open.
//
// A connection tracks at most one room. Joining a second room leaves the
// first (notifying its remaining members) before joining the new one.
func (e *Engine) HandleJoin(c Conn, channel, sender string) {
	if channel == "" || sender == "" {
		e.metrics.Inc(metrics.MalformedEvents)
		e.log.Warn("join-room missing channel or sender", "conn", c.ID(), "remote_addr", c.RemoteAddr())
		return
	}

	e.mu.Lock()
	st, ok := e.states[c]
	if !ok {
		e.mu.Unlock()
		return
	}
	prevChannel, prevSender := st.channel, st.sender
	st.channel, st.sender = channel, sender
	e.mu.Unlock()

	if prevChannel != "" && prevChannel != channel {
		e.leaveRoom(c, prevChannel, prevSender, "switched room")
	}

	// CreateOrGet followed by AddMember is not atomic: the room can be
	// destroyed in between when its last member disconnects concurrently.
	// Join self-heals by recreating the room and retrying.
	for {
		e.registry.CreateOrGet(channel, c, sender)
		if err := e.registry.AddMember(channel, c); err == nil {
			break
		}
	}

	e.metrics.Inc(metrics.RoomJoins)
	e.log.Info("join room", "conn", c.ID(), "remote_addr", c.RemoteAddr(), "room", channel, "sender", sender)

	// Everyone in the room hears about the join, the joiner included; its own
	// room-joined doubles as the join confirmation.
	e.broadcast(e.registry.Members(channel), nil, Event{
		Type:    EventRoomJoined,
		Channel: channel,
		Sender:  sender,
	})
}

// HandleMessage fans an inbound envelope out to the connection's peers:
// same-room members under ScopeScoped, every other registered connection
// under ScopeGlobal. Delivery is best-effort per recipient: a failed send to
// one member never aborts delivery to the others.
func (e *Engine) HandleMessage(c Conn, sender string, data json.RawMessage) {
	e.mu.Lock()
	st, ok := e.states[c]
	if !ok {
		e.mu.Unlock()
		return
	}
	channel := st.channel

	var targets []Conn
	if e.cfg.Scope == ScopeGlobal {
		// Process-wide delivery: every other open connection, joined or not.
		targets = make([]Conn, 0, len(e.states))
		for peer := range e.states {
			if peer != c {
				targets = append(targets, peer)
			}
		}
	}
	e.mu.Unlock()

	if e.cfg.Scope != ScopeGlobal {
		if channel == "" {
			e.log.Warn("message from connection with no room", "conn", c.ID(), "remote_addr", c.RemoteAddr())
			return
		}
		targets = e.registry.Members(channel)
	}

	e.metrics.Inc(metrics.MessagesRelayed)
	e.broadcast(targets, c, Event{
		Type:    EventMessage,
		Channel: channel,
		Sender:  sender,
		Data:    data,
	})
}

// HandleDisconnect deregisters the connection's room membership, notifying
// the remaining members, and terminates the transport session. Idempotent:
// repeated calls only re-close the (already closed) transport.
func (e *Engine) HandleDisconnect(c Conn, reason string) {
	e.mu.Lock()
	st, ok := e.states[c]
	if ok {
		delete(e.states, c)
	}
	e.mu.Unlock()

	if ok {
		if st.channel != "" {
			e.leaveRoom(c, st.channel, st.sender, reason)
		}
		e.metrics.Inc(metrics.ConnectionsClosed)
		e.log.Info("disconnect", "conn", c.ID(), "remote_addr", c.RemoteAddr(), "reason", reason)
	}

	c.Close(reason)
}

// HandleTransportError reports a connection's own channel error. The
// transport layer governs whether the error also tears the connection down.
func (e *Engine) HandleTransportError(c Conn, err error) {
	e.metrics.Inc(metrics.TransportErrors)
	e.log.Warn("transport error", "conn", c.ID(), "remote_addr", c.RemoteAddr(), "err", err)
}

// Presence answers whether a room currently exists.
func (e *Engine) Presence(channel string) bool {
	e.metrics.Inc(metrics.PresenceQueries)
	return e.registry.Exists(channel)
}

func (e *Engine) leaveRoom(c Conn, channel, sender, reason string) {
	remaining := make([]Conn, 0)
	for _, peer := range e.registry.Members(channel) {
		if peer != c {
			remaining = append(remaining, peer)
		}
	}

	e.broadcast(remaining, nil, Event{
		Type:    EventRoomLeft,
		Channel: channel,
		Sender:  sender,
		Reason:  reason,
	})

	e.registry.RemoveMember(channel, c)
	e.metrics.Inc(metrics.RoomLeaves)
	e.log.Info("leave room", "conn", c.ID(), "room", channel, "sender", sender, "reason", reason)
}

func (e *Engine) broadcast(targets []Conn, skip Conn, ev Event) {
	for _, peer := range targets {
		if peer == skip {
			continue
		}
		if err := peer.Send(ev); err != nil {
			e.metrics.Inc(metrics.RecipientSendFailure)
			e.log.Warn("send to recipient failed", "conn", peer.ID(), "event", string(ev.Type), "err", err)
		}
	}
}
