package relay

// BroadcastScope selects which connections receive a relayed message:
// room-scoped delivery to same-room members minus the sender, or
// process-wide delivery to every other open connection.
type BroadcastScope string

const (
	ScopeScoped BroadcastScope = "scoped"
	ScopeGlobal BroadcastScope = "global"
)

// RoomTeardown selects when a room record is destroyed.
//
// Under TeardownCreator the room dies with the connection that created it,
// even if other members remain. TeardownLastMember keeps the room until its
// member set empties. Under both policies an empty room is always destroyed.
type RoomTeardown string

const (
	TeardownCreator    RoomTeardown = "creator"
	TeardownLastMember RoomTeardown = "last-member"
)

type Config struct {
	Scope    BroadcastScope
	Teardown RoomTeardown
}

func (c Config) WithDefaults() Config {
	if c.Scope == "" {
		c.Scope = ScopeScoped
	}
	if c.Teardown == "" {
		c.Teardown = TeardownCreator
	}
	return c
}
