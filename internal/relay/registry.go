package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/webrtcweb/signal-relay/internal/metrics"
)

// Room is a named broadcast group. The registry owns the member set; callers
// only ever see snapshots.
type Room struct {
	name         string
	creator      Conn
	creatorLabel string
	createdAt    time.Time

	members map[Conn]struct{}
}

func (r *Room) Name() string { return r.name }

// CreatorLabel is the human-readable label of the member that triggered
// creation. Logging only, not semantically load-bearing.
func (r *Room) CreatorLabel() string { return r.creatorLabel }

// Registry is the process-wide mapping from room name to member set.
//
// All mutations and membership snapshots go through one RWMutex. Membership
// changes are rare relative to message fan-out, so a single lock domain keeps
// readers cheap without measurable contention.
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	teardown RoomTeardown

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Registry {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		log:      logger,
		metrics:  m,
		teardown: cfg.Teardown,
		rooms:    make(map[string]*Room),
	}
}

// CreateOrGet returns the room named name, creating it if absent. Idempotent
// on already-present rooms: the creator and label recorded at creation time
// are kept, and the "room created" notification fires exactly once per room.
func (reg *Registry) CreateOrGet(name string, creator Conn, creatorLabel string) *Room {
	reg.mu.Lock()
	room, ok := reg.rooms[name]
	if !ok {
		room = &Room{
			name:         name,
			creator:      creator,
			creatorLabel: creatorLabel,
			createdAt:    time.Now(),
			members:      make(map[Conn]struct{}),
		}
		reg.rooms[name] = room
	}
	reg.mu.Unlock()

	if !ok {
		reg.metrics.Inc(metrics.RoomsCreated)
		reg.log.Info("room created", "room", name, "creator", creatorLabel)
	}
	return room
}

// AddMember adds c to the room's member set. Adding an existing member is a
// no-op. Returns ErrUnknownRoom when the room does not exist; callers compose
// a join as CreateOrGet followed by AddMember.
func (reg *Registry) AddMember(name string, c Conn) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[name]
	if !ok {
		return ErrUnknownRoom
	}
	room.members[c] = struct{}{}
	return nil
}

// RemoveMember removes c from the room's member set and destroys the room
// when the set empties, or when c is the room's creator under the creator
// teardown policy. Removing from an absent room is a benign no-op.
//
// Reports whether the room was destroyed.
func (reg *Registry) RemoveMember(name string, c Conn) bool {
	reg.mu.Lock()
	room, ok := reg.rooms[name]
	if !ok {
		reg.mu.Unlock()
		return false
	}

	delete(room.members, c)

	destroy := len(room.members) == 0 || (reg.teardown == TeardownCreator && room.creator == c)
	if destroy {
		delete(reg.rooms, name)
	}
	reg.mu.Unlock()

	if destroy {
		reg.metrics.Inc(metrics.RoomsDestroyed)
		reg.log.Info("room destroyed", "room", name, "creator", room.creatorLabel)
	}
	return destroy
}

// Members returns a snapshot of the room's member set. Absent rooms yield an
// empty snapshot, never an error.
func (reg *Registry) Members(name string) []Conn {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.rooms[name]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(room.members))
	for c := range room.members {
		out = append(out, c)
	}
	return out
}

// Exists reports whether the registry currently holds an entry for name.
// This is the presence query clients use to decide between initiating a new
// session and attaching to an existing one.
func (reg *Registry) Exists(name string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.rooms[name]
	return ok
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
