// Package signaling is the relay's WebSocket surface: it accepts and upgrades
// client connections, enforces per-connection hardening (message size, rate,
// idle timeout, keepalive), decodes the wire events, and dispatches them to
// the relay engine. One read loop per connection preserves the per-connection
// event order the engine relies on.
package signaling
