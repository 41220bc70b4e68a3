package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/webrtcweb/signal-relay/internal/metrics"
	"github.com/webrtcweb/signal-relay/internal/ratelimit"
	"github.com/webrtcweb/signal-relay/internal/relay"
)

// Config wires together the runtime dependencies and hardening knobs for the
// signaling surface. Zero values fall back to the defaults below.
type Config struct {
	// MaxConnections caps concurrently open connections. 0 means unlimited.
	MaxConnections int

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// IdleTimeout closes connections with no inbound traffic (pongs count).
	IdleTimeout time.Duration
	// PingInterval drives keepalive pings so healthy-but-quiet clients are not
	// tripped by IdleTimeout.
	PingInterval time.Duration

	// CheckOrigin overrides the upgrader's origin check. The default accepts
	// every origin.
	CheckOrigin func(r *http.Request) bool
}

// Server is the connection supervisor: it accepts transport sessions, wraps
// each as a relay connection, and routes its events to the relay engine.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	engine   *relay.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	pending int
	closed  bool
}

func NewServer(cfg Config, engine *relay.Engine, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Server{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		engine:  engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Connections returns the number of currently open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every open connection. New upgrades are refused once
// called.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.engine.HandleDisconnect(c, "server shutting down")
	}
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.cfg.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxMessagesPerSecond
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.PingInterval
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.reserve(); err != nil {
		s.metrics.Inc(metrics.ConnectionsRejected)
		s.log.Warn("connection rejected", "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release(nil)
		return
	}

	conn := newWSConn(uuid.NewString(), sock)
	s.commit(conn)
	s.engine.Register(conn)
	s.metrics.Inc(metrics.ConnectionsAccepted)
	s.log.Info("connection accepted", "conn", conn.ID(), "remote_addr", conn.RemoteAddr())

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	s.readLoop(conn)
}

func (s *Server) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("server closed")
	}
	if s.cfg.MaxConnections > 0 && len(s.conns)+s.pending >= s.cfg.MaxConnections {
		return relay.ErrTooManyConnections
	}
	s.pending++
	return nil
}

func (s *Server) commit(c *wsConn) {
	s.mu.Lock()
	s.pending--
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) release(c *wsConn) {
	s.mu.Lock()
	if c == nil {
		s.pending--
	} else {
		delete(s.conns, c)
	}
	s.mu.Unlock()
}

func (s *Server) pingLoop(c *wsConn, done <-chan struct{}) {
	t := time.NewTicker(s.pingInterval())
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop processes the connection's inbound events strictly in order. It
// returns only when the transport is finished; room cleanup happens through
// the engine's disconnect handling.
func (s *Server) readLoop(c *wsConn) {
	defer s.release(c)

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.maxMessagesPerSecond()),
		int64(s.maxMessagesPerSecond()),
	)

	c.conn.SetReadLimit(s.maxMessageBytes())
	resetDeadline := func() {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
	}
	resetDeadline()
	c.conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			s.finish(c, err)
			return
		}
		resetDeadline()

		// The limit applies after the read so bytes already in the TCP receive
		// buffer are consumed; closing with unread data risks an abortive close
		// that hides the close reason from the client.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			s.engine.HandleDisconnect(c, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			s.engine.HandleDisconnect(c, "unsupported message type")
			return
		}

		ev, err := parseClientEvent(data)
		if err != nil {
			// Malformed events are contained: report back, drop, stay open.
			s.metrics.Inc(metrics.MalformedEvents)
			s.log.Warn("malformed event", "conn", c.ID(), "remote_addr", c.RemoteAddr(), "err", err)
			_ = c.sendEvent(serverEvent{Type: eventTypeError, Code: "bad_message", Message: err.Error()})
			continue
		}

		s.dispatch(c, ev)
	}
}

func (s *Server) dispatch(c *wsConn, ev clientEvent) {
	switch ev.Type {
	case eventTypeJoinRoom:
		s.engine.HandleJoin(c, ev.Channel, ev.Sender)

	case eventTypeMessage:
		if ev.Sender == "" || len(ev.Data) == 0 {
			s.metrics.Inc(metrics.MalformedEvents)
			s.log.Warn("message missing sender or data", "conn", c.ID(), "remote_addr", c.RemoteAddr())
			return
		}
		s.engine.HandleMessage(c, ev.Sender, ev.Data)

	case eventTypePresence:
		if ev.Channel == "" {
			s.metrics.Inc(metrics.MalformedEvents)
			s.log.Warn("presence query missing channel", "conn", c.ID(), "remote_addr", c.RemoteAddr())
			return
		}
		exists := s.engine.Presence(ev.Channel)
		if err := c.sendEvent(serverEvent{Type: eventTypePresence, Channel: ev.Channel, Exists: &exists}); err != nil {
			s.metrics.Inc(metrics.RecipientSendFailure)
			s.log.Warn("presence reply failed", "conn", c.ID(), "err", err)
		}
	}
}

// finish classifies the read error that ended the connection and drives the
// engine's disconnect path with a human-readable reason.
func (s *Server) finish(c *wsConn, err error) {
	reason := "transport closed"

	var ce *websocket.CloseError
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.metrics.Inc(metrics.DropReasonOversized)
		reason = "message too large"

	case isTimeout(err):
		reason = "idle timeout"
		c.closeWith(websocket.CloseGoingAway, reason)

	case errors.As(err, &ce):
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			reason = "client left"
			if ce.Text != "" {
				reason = ce.Text
			}
		} else {
			s.engine.HandleTransportError(c, err)
			reason = fmt.Sprintf("abnormal closure (%d)", ce.Code)
		}

	default:
		// The connection's own channel failed. Report it to the connection if
		// the socket can still take a frame, then tear down.
		s.engine.HandleTransportError(c, err)
		_ = c.sendEvent(serverEvent{Type: eventTypeError, Code: "transport_failure", Message: err.Error()})
	}

	s.engine.HandleDisconnect(c, reason)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
