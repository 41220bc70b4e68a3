package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/webrtcweb/signal-relay/internal/metrics"
)

// fakeConn implements Conn for engine/registry tests. Sends are recorded;
// setting failSends makes every Send fail as if the transport were gone.
type fakeConn struct {
	id   string
	addr string

	mu        sync.Mutex
	events    []Event
	failSends bool
	closed    bool
	reason    string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, addr: "192.0.2.1:" + id}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends || c.closed {
		return fmt.Errorf("send %s: %w", c.id, ErrConnClosed)
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
}

func (c *fakeConn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) eventsOfType(t EventType) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry(t *testing.T, teardown RoomTeardown) (*Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	reg := NewRegistry(Config{Teardown: teardown}, testLogger(t), m)
	return reg, m
}

func TestRegistry_CreateOrGetIsIdempotent(t *testing.T) {
	reg, m := newTestRegistry(t, TeardownCreator)
	c1 := newFakeConn("1")
	c2 := newFakeConn("2")

	room := reg.CreateOrGet("alpha", c1, "x")
	if room.Name() != "alpha" || room.CreatorLabel() != "x" {
		t.Fatalf("room=%q creator=%q, want alpha/x", room.Name(), room.CreatorLabel())
	}

	again := reg.CreateOrGet("alpha", c2, "y")
	if again != room {
		t.Fatalf("expected the same room handle on repeat CreateOrGet")
	}
	if again.CreatorLabel() != "x" {
		t.Fatalf("creator label overwritten to %q", again.CreatorLabel())
	}
	if got := m.Get(metrics.RoomsCreated); got != 1 {
		t.Fatalf("rooms_created=%d, want exactly 1", got)
	}
}

func TestRegistry_AddMemberUnknownRoom(t *testing.T) {
	reg, _ := newTestRegistry(t, TeardownCreator)

	err := reg.AddMember("nope", newFakeConn("1"))
	if !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("err=%v, want ErrUnknownRoom", err)
	}
}

func TestRegistry_MembersSnapshot(t *testing.T) {
	reg, _ := newTestRegistry(t, TeardownCreator)
	c1 := newFakeConn("1")
	c2 := newFakeConn("2")

	reg.CreateOrGet("alpha", c1, "x")
	if err := reg.AddMember("alpha", c1); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddMember("alpha", c2); err != nil {
		t.Fatal(err)
	}
	// Duplicate add is a no-op.
	if err := reg.AddMember("alpha", c2); err != nil {
		t.Fatal(err)
	}

	if got := len(reg.Members("alpha")); got != 2 {
		t.Fatalf("len(members)=%d, want 2", got)
	}
	if got := reg.Members("absent"); len(got) != 0 {
		t.Fatalf("members of absent room = %v, want empty", got)
	}
}

func TestRegistry_CreatorTeardownDestroysRoom(t *testing.T) {
	reg, m := newTestRegistry(t, TeardownCreator)
	creator := newFakeConn("1")
	other := newFakeConn("2")

	reg.CreateOrGet("alpha", creator, "x")
	_ = reg.AddMember("alpha", creator)
	_ = reg.AddMember("alpha", other)

	if !reg.RemoveMember("alpha", creator) {
		t.Fatalf("expected creator departure to destroy the room")
	}
	if reg.Exists("alpha") {
		t.Fatalf("room still present after creator left")
	}
	if got := m.Get(metrics.RoomsDestroyed); got != 1 {
		t.Fatalf("rooms_destroyed=%d, want 1", got)
	}
}

func TestRegistry_LastMemberTeardownKeepsRoomForOthers(t *testing.T) {
	reg, _ := newTestRegistry(t, TeardownLastMember)
	creator := newFakeConn("1")
	other := newFakeConn("2")

	reg.CreateOrGet("alpha", creator, "x")
	_ = reg.AddMember("alpha", creator)
	_ = reg.AddMember("alpha", other)

	if reg.RemoveMember("alpha", creator) {
		t.Fatalf("room destroyed even though a member remains")
	}
	if !reg.Exists("alpha") {
		t.Fatalf("room should survive the creator under last-member teardown")
	}

	if !reg.RemoveMember("alpha", other) {
		t.Fatalf("expected last member departure to destroy the room")
	}
	if reg.Exists("alpha") {
		t.Fatalf("room still present after last member left")
	}
}

func TestRegistry_EmptyRoomAlwaysDestroyed(t *testing.T) {
	reg, _ := newTestRegistry(t, TeardownCreator)
	creator := newFakeConn("1")
	other := newFakeConn("2")

	// Creator never became a member (e.g. joined a different room since);
	// the room must still die when its member set empties.
	reg.CreateOrGet("alpha", creator, "x")
	_ = reg.AddMember("alpha", other)

	if !reg.RemoveMember("alpha", other) {
		t.Fatalf("expected empty room to be destroyed")
	}
	if reg.Exists("alpha") {
		t.Fatalf("empty room still present")
	}
}

func TestRegistry_RemoveFromAbsentRoomIsBenign(t *testing.T) {
	reg, m := newTestRegistry(t, TeardownCreator)
	if reg.RemoveMember("ghost", newFakeConn("1")) {
		t.Fatalf("removal from absent room reported a destroy")
	}
	if got := m.Get(metrics.RoomsDestroyed); got != 0 {
		t.Fatalf("rooms_destroyed=%d, want 0", got)
	}
}

func TestRegistry_ExistsTracksJoinLeaveSequences(t *testing.T) {
	reg, _ := newTestRegistry(t, TeardownCreator)
	c := newFakeConn("1")

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("room-%d", i)
		if reg.Exists(name) {
			t.Fatalf("%s exists before creation", name)
		}
		reg.CreateOrGet(name, c, "x")
		_ = reg.AddMember(name, c)
		if !reg.Exists(name) {
			t.Fatalf("%s missing after join", name)
		}
		reg.RemoveMember(name, c)
		if reg.Exists(name) {
			t.Fatalf("%s still present after leave", name)
		}
	}
	if reg.Count() != 0 {
		t.Fatalf("count=%d, want 0", reg.Count())
	}
}
