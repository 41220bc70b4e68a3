// Package relay contains the room and fan-out primitives of the signaling
// relay: the registry that tracks which connections belong to which room, and
// the engine that turns inbound connection events into membership transitions
// and best-effort broadcasts.
//
// The package never owns connection lifetimes. Connections are accepted and
// closed by the signaling supervisor; the relay holds non-owning references
// and treats every per-recipient send as fallible.
package relay
