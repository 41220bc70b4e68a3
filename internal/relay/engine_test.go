package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/webrtcweb/signal-relay/internal/metrics"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	logger := testLogger(t)
	reg := NewRegistry(cfg, logger, m)
	return NewEngine(cfg, reg, logger, m), m
}

func join(e *Engine, c Conn, channel, sender string) {
	e.Register(c)
	e.HandleJoin(c, channel, sender)
}

func TestEngine_JoinBroadcastsToEveryMemberIncludingJoiner(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	c1 := newFakeConn("1")
	c2 := newFakeConn("2")

	join(e, c1, "alpha", "x")

	got := c1.eventsOfType(EventRoomJoined)
	if len(got) != 1 || got[0].Channel != "alpha" || got[0].Sender != "x" {
		t.Fatalf("joiner notifications = %+v, want one room-joined{alpha,x}", got)
	}

	join(e, c2, "alpha", "y")

	// Both the existing member and the new joiner hear about the second join.
	if got := c1.eventsOfType(EventRoomJoined); len(got) != 2 || got[1].Sender != "y" {
		t.Fatalf("c1 room-joined events = %+v, want second join from y", got)
	}
	if got := c2.eventsOfType(EventRoomJoined); len(got) != 1 || got[0].Sender != "y" {
		t.Fatalf("c2 room-joined events = %+v, want own join confirmation", got)
	}
}

func TestEngine_MalformedJoinIsIgnored(t *testing.T) {
	e, m := newTestEngine(t, Config{})
	c := newFakeConn("1")
	e.Register(c)

	e.HandleJoin(c, "", "x")
	e.HandleJoin(c, "alpha", "")

	if e.Registry().Count() != 0 {
		t.Fatalf("registry mutated by malformed join")
	}
	if len(c.Events()) != 0 {
		t.Fatalf("outbound notifications sent for malformed join: %+v", c.Events())
	}
	if c.Closed() {
		t.Fatalf("malformed join closed the connection")
	}
	if got := m.Get(metrics.MalformedEvents); got != 2 {
		t.Fatalf("malformed_events=%d, want 2", got)
	}
}

func TestEngine_ScopedMessageReachesRoomOnly(t *testing.T) {
	e, m := newTestEngine(t, Config{Scope: ScopeScoped})
	a1 := newFakeConn("a1")
	a2 := newFakeConn("a2")
	a3 := newFakeConn("a3")
	b1 := newFakeConn("b1")
	loner := newFakeConn("loner")

	join(e, a1, "alpha", "x")
	join(e, a2, "alpha", "y")
	join(e, a3, "alpha", "z")
	join(e, b1, "beta", "w")
	e.Register(loner)

	payload := json.RawMessage(`{"hello":"world"}`)
	e.HandleMessage(a1, "x", payload)

	for _, peer := range []*fakeConn{a2, a3} {
		got := peer.eventsOfType(EventMessage)
		if len(got) != 1 {
			t.Fatalf("%s message events = %+v, want exactly one", peer.ID(), got)
		}
		if got[0].Sender != "x" || string(got[0].Data) != string(payload) {
			t.Fatalf("%s received %+v, want sender x with original payload", peer.ID(), got[0])
		}
	}
	if got := a1.eventsOfType(EventMessage); len(got) != 0 {
		t.Fatalf("sender received its own message: %+v", got)
	}
	if got := b1.eventsOfType(EventMessage); len(got) != 0 {
		t.Fatalf("other room received the message: %+v", got)
	}
	if got := loner.eventsOfType(EventMessage); len(got) != 0 {
		t.Fatalf("room-less connection received a scoped message: %+v", got)
	}
	if got := m.Get(metrics.MessagesRelayed); got != 1 {
		t.Fatalf("messages_relayed=%d, want 1", got)
	}
}

func TestEngine_GlobalMessageReachesAllOtherConnections(t *testing.T) {
	e, _ := newTestEngine(t, Config{Scope: ScopeGlobal})
	a1 := newFakeConn("a1")
	b1 := newFakeConn("b1")
	loner := newFakeConn("loner")

	join(e, a1, "alpha", "x")
	join(e, b1, "beta", "y")
	e.Register(loner)

	e.HandleMessage(a1, "x", json.RawMessage(`"hi"`))

	for _, peer := range []*fakeConn{b1, loner} {
		if got := peer.eventsOfType(EventMessage); len(got) != 1 {
			t.Fatalf("%s message events = %+v, want exactly one", peer.ID(), got)
		}
	}
	if got := a1.eventsOfType(EventMessage); len(got) != 0 {
		t.Fatalf("sender received its own global message: %+v", got)
	}
}

func TestEngine_MessageBeforeJoinIsDroppedUnderScoped(t *testing.T) {
	e, m := newTestEngine(t, Config{Scope: ScopeScoped})
	c := newFakeConn("1")
	e.Register(c)

	e.HandleMessage(c, "x", json.RawMessage(`"hi"`))

	if got := m.Get(metrics.MessagesRelayed); got != 0 {
		t.Fatalf("messages_relayed=%d, want 0", got)
	}
	if c.Closed() {
		t.Fatalf("message before join closed the connection")
	}
}

func TestEngine_DisconnectNotifiesRemainingMembersAndDestroysCreatorRoom(t *testing.T) {
	e, _ := newTestEngine(t, Config{Teardown: TeardownCreator})
	c1 := newFakeConn("1")
	c2 := newFakeConn("2")

	join(e, c1, "alpha", "x")
	join(e, c2, "alpha", "y")

	e.HandleDisconnect(c1, "transport closed")

	got := c2.eventsOfType(EventRoomLeft)
	if len(got) != 1 {
		t.Fatalf("c2 room-left events = %+v, want exactly one", got)
	}
	if got[0].Channel != "alpha" || got[0].Sender != "x" || got[0].Reason != "transport closed" {
		t.Fatalf("room-left = %+v, want {alpha,x,transport closed}", got[0])
	}
	if len(c1.eventsOfType(EventRoomLeft)) != 0 {
		t.Fatalf("departing connection was notified about its own leave")
	}
	if !c1.Closed() {
		t.Fatalf("transport not terminated after disconnect")
	}
	if e.Presence("alpha") {
		t.Fatalf("creator's room survived its disconnect")
	}
}

func TestEngine_DisconnectIsIdempotent(t *testing.T) {
	e, m := newTestEngine(t, Config{})
	c := newFakeConn("1")
	join(e, c, "alpha", "x")

	e.HandleDisconnect(c, "first")
	e.HandleDisconnect(c, "second")

	if got := m.Get(metrics.ConnectionsClosed); got != 1 {
		t.Fatalf("connections_closed=%d, want 1", got)
	}
	if c.reason != "first" {
		t.Fatalf("close reason=%q, want the first disconnect's reason", c.reason)
	}
}

func TestEngine_NoMutationAfterDisconnect(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	c := newFakeConn("1")
	join(e, c, "alpha", "x")
	e.HandleDisconnect(c, "gone")

	e.HandleJoin(c, "beta", "x")
	e.HandleMessage(c, "x", json.RawMessage(`"hi"`))

	if e.Registry().Exists("beta") {
		t.Fatalf("closed connection created a room")
	}
	if e.Connections() != 0 {
		t.Fatalf("connections=%d, want 0", e.Connections())
	}
}

func TestEngine_RejoinSwitchesRooms(t *testing.T) {
	e, _ := newTestEngine(t, Config{Teardown: TeardownLastMember})
	c1 := newFakeConn("1")
	c2 := newFakeConn("2")

	join(e, c1, "alpha", "x")
	join(e, c2, "alpha", "y")

	e.HandleJoin(c2, "beta", "y")

	left := c1.eventsOfType(EventRoomLeft)
	if len(left) != 1 || left[0].Channel != "alpha" || left[0].Sender != "y" {
		t.Fatalf("c1 room-left events = %+v, want y leaving alpha", left)
	}

	// Membership tracking followed the switch: alpha no longer delivers to c2.
	e.HandleMessage(c1, "x", json.RawMessage(`"hi"`))
	if got := c2.eventsOfType(EventMessage); len(got) != 0 {
		t.Fatalf("c2 still receives alpha traffic after switching: %+v", got)
	}
	if !e.Presence("beta") {
		t.Fatalf("beta missing after switch")
	}
}

func TestEngine_FanOutSurvivesDeadRecipients(t *testing.T) {
	e, m := newTestEngine(t, Config{})
	sender := newFakeConn("sender")
	join(e, sender, "big", "s")

	const members = 100
	const dead = 3
	peers := make([]*fakeConn, 0, members)
	for i := 0; i < members; i++ {
		peer := newFakeConn(fmt.Sprintf("peer-%d", i))
		join(e, peer, "big", fmt.Sprintf("m%d", i))
		peers = append(peers, peer)
	}
	for i := 0; i < dead; i++ {
		peers[i].failSends = true
	}

	e.HandleMessage(sender, "s", json.RawMessage(`"ping"`))

	delivered := 0
	for _, peer := range peers {
		if len(peer.eventsOfType(EventMessage)) == 1 {
			delivered++
		}
	}
	if delivered != members-dead {
		t.Fatalf("delivered=%d, want %d", delivered, members-dead)
	}
	if got := m.Get(metrics.RecipientSendFailure); got != dead {
		t.Fatalf("recipient_send_failure=%d, want %d", got, dead)
	}
}

func TestEngine_TransportErrorDoesNotClose(t *testing.T) {
	e, m := newTestEngine(t, Config{})
	c := newFakeConn("1")
	join(e, c, "alpha", "x")

	e.HandleTransportError(c, errors.New("boom"))

	if c.Closed() {
		t.Fatalf("transport error closed the connection")
	}
	if e.Connections() != 1 {
		t.Fatalf("connection deregistered by a transport error")
	}
	if got := m.Get(metrics.TransportErrors); got != 1 {
		t.Fatalf("transport_errors=%d, want 1", got)
	}
}

func TestEngine_TwoPeerSessionLifecycle(t *testing.T) {
	// C1 joins alpha as x; C2 joins alpha as y; C2 sends a message; C1
	// disconnects. Exercises the room-scoped flow end to end.
	e, _ := newTestEngine(t, Config{Scope: ScopeScoped, Teardown: TeardownCreator})
	c1 := newFakeConn("1")
	c2 := newFakeConn("2")

	join(e, c1, "alpha", "x")
	join(e, c2, "alpha", "y")

	if got := c1.eventsOfType(EventRoomJoined); len(got) != 2 || got[1].Sender != "y" {
		t.Fatalf("c1 did not observe y's join: %+v", got)
	}

	e.HandleMessage(c2, "y", json.RawMessage(`"hi"`))
	if got := c1.eventsOfType(EventMessage); len(got) != 1 || got[0].Sender != "y" {
		t.Fatalf("c1 message events = %+v, want hi from y", got)
	}
	if got := c2.eventsOfType(EventMessage); len(got) != 0 {
		t.Fatalf("c2 received its own message: %+v", got)
	}

	e.HandleDisconnect(c1, "gone")
	if got := c2.eventsOfType(EventRoomLeft); len(got) != 1 || got[0].Sender != "x" || got[0].Reason != "gone" {
		t.Fatalf("c2 room-left events = %+v, want x leaving with reason gone", got)
	}
	if e.Presence("alpha") {
		t.Fatalf("alpha survived its creator's disconnect")
	}
}
