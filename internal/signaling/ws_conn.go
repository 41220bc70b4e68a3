package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webrtcweb/signal-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// wsConn adapts a gorilla WebSocket connection to relay.Conn.
//
// gorilla permits one concurrent writer, so all frame and control writes are
// serialized behind writeMu. Writes carry a short deadline: a peer that stops
// draining its socket fails sends instead of stalling fan-out.
type wsConn struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newWSConn(id string, conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:         id,
		remoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remoteAddr }

func (c *wsConn) Send(ev relay.Event) error {
	out := serverEvent{
		Channel: ev.Channel,
		Sender:  ev.Sender,
		Reason:  ev.Reason,
		Data:    ev.Data,
	}
	switch ev.Type {
	case relay.EventRoomJoined:
		out.Type = eventTypeRoomJoined
	case relay.EventRoomLeft:
		out.Type = eventTypeRoomLeft
	default:
		out.Type = eventTypeMessage
	}
	return c.sendEvent(out)
}

func (c *wsConn) sendEvent(ev serverEvent) error {
	if c.closed.Load() {
		return relay.ErrConnClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
}

// Close terminates the transport. Idempotent; only the first reason is sent
// to the peer.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeWith(websocket.CloseNormalClosure, reason)
		_ = c.conn.Close()
	})
}
