package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messenger/relay/internal/bridge"
	"messenger/relay/internal/config"
	"messenger/relay/internal/dispatch"
	httpapi "messenger/relay/internal/http"
	"messenger/relay/internal/logging"
	"messenger/relay/internal/protocol"
	"messenger/relay/internal/session"
)

// writeWait bounds every individual write to the peer.
const writeWait = 10 * time.Second

// Gateway owns the WebSocket endpoint: it authenticates upgrade requests,
// registers sessions, and runs one read and one write pump per connection.
type Gateway struct {
	registry      *session.Registry
	dispatcher    *dispatch.Dispatcher
	bridge        *bridge.Bridge
	authenticator upgradeAuthenticator
	limiter       *httpapi.SlidingWindowLimiter
	upgrader      websocket.Upgrader
	log           *logging.Logger

	pingInterval    time.Duration
	idleTimeout     time.Duration
	maxPayloadBytes int64
	sendQueueSize   int
	publishTimeout  time.Duration

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
}

// NewGateway wires the connection pipeline together from the loaded
// configuration and the shared collaborators.
func NewGateway(
	cfg *config.Config,
	registry *session.Registry,
	dispatcher *dispatch.Dispatcher,
	br *bridge.Bridge,
	authenticator upgradeAuthenticator,
	limiter *httpapi.SlidingWindowLimiter,
	logger *logging.Logger,
) *Gateway {
	if logger == nil {
		logger = logging.L()
	}
	g := &Gateway{
		registry:        registry,
		dispatcher:      dispatcher,
		bridge:          br,
		authenticator:   authenticator,
		limiter:         limiter,
		log:             logger,
		pingInterval:    cfg.PingInterval,
		idleTimeout:     cfg.IdleTimeout,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		sendQueueSize:   cfg.SendQueueSize,
		publishTimeout:  cfg.PublishTimeout,
		conns:           make(map[string]*connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	permitted := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		permitted[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := permitted[r.Header.Get("Origin")]
		return ok
	}
}

// ServeWS handles one upgrade request. Authentication happens before the
// upgrade: a request without a valid token is refused with 401 and no
// session state is created.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	// The trace middleware stored a request-scoped logger; handshake
	// diagnostics carry its trace id.
	reqLog := logging.LoggerFromContext(r.Context())

	if g.limiter != nil && !g.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	claims, err := g.authenticator.Authenticate(r)
	if err != nil {
		reqLog.Warn("upgrade rejected",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Upgrade writes its own 101 response, so the trace id must travel in
	// the upgrade response header rather than the hijacked ResponseWriter.
	trace := logging.TraceIDFromContext(r.Context())
	var respHeader http.Header
	if trace != "" {
		respHeader = http.Header{logging.TraceIDHeader: []string{trace}}
	}

	conn, err := g.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		reqLog.Warn("upgrade failed",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err))
		return
	}

	c := &connection{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, g.sendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		gw:         g,
	}
	c.log = g.log.With(logging.String("connection_id", c.id))
	if trace != "" {
		// Connection lifetime logs stay correlatable with the handshake.
		c.log = c.log.With(logging.String(logging.TraceIDField, trace))
	}
	c.sess = session.New(c.id, claims.UserID, claims.Username, c)

	if err := g.registry.Add(c.sess); err != nil {
		c.log.Error("session registration failed", logging.Error(err))
		_ = conn.Close()
		return
	}
	if !g.track(c) {
		g.registry.Remove(c.id)
		_ = conn.Close()
		return
	}

	c.log.Info("connection established",
		logging.Int64("user_id", claims.UserID),
		logging.String("username", claims.Username))

	g.reply(c, protocol.NewAuthSuccess(claims.UserID, claims.Username))
	g.publishPresence(claims.UserID, claims.Username, true)

	go c.writePump()
	go c.readPump()
}

// track remembers the connection for shutdown; it refuses new connections
// once the gateway is closing.
func (g *Gateway) track(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c.id] = c
	return true
}

// teardown releases everything tied to the connection exactly once:
// registry entries, chat memberships, the tracked handle, and the socket.
// The socket closes only after the write pump has exited so the peer
// receives a proper close frame on server-initiated teardown.
func (g *Gateway) teardown(c *connection, reason string) {
	c.once.Do(func() {
		g.registry.Remove(c.id)

		g.mu.Lock()
		delete(g.conns, c.id)
		g.mu.Unlock()

		close(c.done)
		select {
		case <-c.writerDone:
		case <-time.After(writeWait):
		}
		_ = c.conn.Close()

		g.publishPresence(c.sess.UserID, c.sess.Username, false)
		c.log.Info("connection closed",
			logging.Int64("user_id", c.sess.UserID),
			logging.String("reason", reason))
	})
}

// Close tears down every tracked connection and stops accepting new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	remaining := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		remaining = append(remaining, c)
	}
	g.mu.Unlock()

	for _, c := range remaining {
		g.teardown(c, "server shutdown")
	}
}

func (g *Gateway) reply(c *connection, envelope *protocol.Envelope) {
	data, err := envelope.Encode()
	if err != nil {
		g.log.Error("encode outbound envelope", logging.Error(err))
		return
	}
	if err := c.Enqueue(data); err != nil {
		g.log.Debug("outbound envelope dropped",
			logging.String("connection_id", c.id),
			logging.Error(err))
	}
}

// publishPresence announces the status change on the shared log so every
// instance holding sessions for the same user observes it.
func (g *Gateway) publishPresence(userID int64, username string, online bool) {
	envelope := protocol.NewPresence(online, userID, username, time.Now())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.publishTimeout)
		defer cancel()
		if err := g.bridge.PublishNotification(ctx, userID, envelope); err != nil {
			g.log.Warn("presence publish failed",
				logging.Int64("user_id", userID),
				logging.Bool("online", online),
				logging.Error(err))
		}
	}()
}

// connection pairs one WebSocket with its session and a bounded outbound
// queue. The write pump is the only goroutine that writes to the socket.
type connection struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	// done signals both pumps to stop; writerDone confirms the write pump
	// exited and the close frame went out.
	done       chan struct{}
	writerDone chan struct{}
	sess       *session.Session
	gw         *Gateway
	log        *logging.Logger
	once       sync.Once
}

// Enqueue hands a payload to the write pump without blocking. A full queue
// means the peer stopped draining, so the connection is torn down instead of
// stalling every other delivery behind it.
func (c *connection) Enqueue(payload []byte) error {
	select {
	case <-c.done:
		return session.ErrQueueFull
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		go c.gw.teardown(c, "outbound queue full")
		return session.ErrQueueFull
	}
}

// readPump consumes inbound frames in arrival order until the peer goes
// away or misses the liveness deadline.
func (c *connection) readPump() {
	defer c.gw.teardown(c, "read loop exited")

	c.conn.SetReadLimit(c.gw.maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug("read loop terminating", logging.Error(err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
		c.gw.dispatcher.HandleFrame(context.Background(), c.sess, raw)
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// periodic pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.gw.teardown(c, "write loop exited")
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
