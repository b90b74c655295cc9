package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"messenger/relay/internal/bridge"
	"messenger/relay/internal/config"
	"messenger/relay/internal/dispatch"
	"messenger/relay/internal/logging"
	"messenger/relay/internal/protocol"
	"messenger/relay/internal/session"
)

const testSecret = "gateway-test-secret"

func mintToken(t *testing.T, userID int64, username string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": username,
		"id":  userID,
		"exp": time.Now().Add(expiresIn).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type testRelay struct {
	server   *httptest.Server
	registry *session.Registry
	gateway  *Gateway
}

func newTestRelay(t *testing.T, overrides ...func(*config.Config)) *testRelay {
	t.Helper()
	logger := logging.NewTestLogger()
	cfg := &config.Config{
		JWTSecret:       testSecret,
		JWTLeeway:       2 * time.Second,
		PublishTimeout:  2 * time.Second,
		PingInterval:    30 * time.Second,
		IdleTimeout:     75 * time.Second,
		MaxPayloadBytes: 1 << 20,
		SendQueueSize:   16,
	}
	for _, override := range overrides {
		override(cfg)
	}

	registry := session.NewRegistry(logger)
	bus := bridge.NewMemoryBus(logger)
	br := bridge.New(bus, registry, cfg.PublishTimeout, logger)
	if err := br.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	authenticator, err := newJWTUpgradeAuthenticator(cfg.JWTSecret, cfg.JWTLeeway)
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}
	dispatcher := dispatch.New(registry, br, logger)
	gateway := NewGateway(cfg, registry, dispatcher, br, authenticator, nil, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWS)
	server := httptest.NewServer(logging.HTTPTraceMiddleware(logger)(mux))

	t.Cleanup(func() {
		gateway.Close()
		br.Stop()
		_ = bus.Close()
		server.Close()
	})
	return &testRelay{server: server, registry: registry, gateway: gateway}
}

func (r *testRelay) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (response %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, envelope *protocol.Envelope) {
	t.Helper()
	data, err := envelope.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// awaitKind reads frames until one of the wanted kind arrives, skipping
// interleaved presence and system traffic.
func awaitKind(t *testing.T, conn *websocket.Conn, kind protocol.Kind) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", kind, err)
		}
		var envelope protocol.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if envelope.Type == kind {
			return &envelope
		}
	}
	t.Fatalf("no %s frame arrived", kind)
	return nil
}

func waitForSessions(t *testing.T, registry *session.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry never reached %d sessions, has %d", want, registry.Len())
}

// trackedConnection returns the single live server-side connection.
func (r *testRelay) trackedConnection(t *testing.T) *connection {
	t.Helper()
	r.gateway.mu.Lock()
	defer r.gateway.mu.Unlock()
	for _, c := range r.gateway.conns {
		return c
	}
	t.Fatal("no tracked connection")
	return nil
}

// readUntilClosed drains the client side until the server closes the
// socket, returning the terminal error.
func readUntilClosed(t *testing.T, conn *websocket.Conn, timeout time.Duration) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never closed")
		}
	}
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	relay := newTestRelay(t)

	url := "ws" + strings.TrimPrefix(relay.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refusal, got %v", resp)
	}
	if relay.registry.Len() != 0 {
		t.Fatalf("refused upgrade must not register a session, got %d", relay.registry.Len())
	}
}

func TestServeWSRejectsExpiredToken(t *testing.T) {
	relay := newTestRelay(t)

	token := mintToken(t, 1, "alice", -time.Hour)
	url := "ws" + strings.TrimPrefix(relay.server.URL, "http") + "/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail with an expired token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refusal, got %v", resp)
	}
	if relay.registry.Len() != 0 {
		t.Fatalf("refused upgrade must not register a session, got %d", relay.registry.Len())
	}
}

func TestConnectConfirmsIdentity(t *testing.T) {
	relay := newTestRelay(t)

	conn := relay.dial(t, mintToken(t, 7, "alice", time.Hour))

	welcome := awaitKind(t, conn, protocol.KindAuthSuccess)
	if welcome.UserID != 7 || welcome.Username != "alice" {
		t.Fatalf("unexpected identity in welcome: %+v", welcome)
	}
	waitForSessions(t, relay.registry, 1)
}

func TestChatMessageRoundTrip(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t, mintToken(t, 1, "alice", time.Hour))
	bob := relay.dial(t, mintToken(t, 2, "bob", time.Hour))
	awaitKind(t, alice, protocol.KindAuthSuccess)
	awaitKind(t, bob, protocol.KindAuthSuccess)

	send(t, alice, &protocol.Envelope{Type: protocol.KindJoinChat, ChatID: 42})
	send(t, bob, &protocol.Envelope{Type: protocol.KindJoinChat, ChatID: 42})
	awaitKind(t, alice, protocol.KindSystemMessage)
	awaitKind(t, bob, protocol.KindSystemMessage)

	send(t, alice, &protocol.Envelope{Type: protocol.KindSendMessage, ChatID: 42, Content: "hello"})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		delivery := awaitKind(t, conn, protocol.KindChatMessage)
		if delivery.ChatID != 42 || delivery.Content != "hello" {
			t.Fatalf("%s received wrong delivery: %+v", name, delivery)
		}
		if delivery.SenderID != 1 || delivery.SenderUsername != "alice" {
			t.Fatalf("%s received wrong sender attribution: %+v", name, delivery)
		}
		if delivery.Timestamp == "" {
			t.Fatalf("%s received delivery without a server timestamp", name)
		}
	}
}

func TestSendWithoutMembershipYieldsError(t *testing.T) {
	relay := newTestRelay(t)

	conn := relay.dial(t, mintToken(t, 3, "carol", time.Hour))
	awaitKind(t, conn, protocol.KindAuthSuccess)

	send(t, conn, &protocol.Envelope{Type: protocol.KindSendMessage, ChatID: 9, Content: "hi"})

	reply := awaitKind(t, conn, protocol.KindError)
	if !strings.Contains(reply.Content, "not a member") {
		t.Fatalf("unexpected error content: %q", reply.Content)
	}

	// The connection survives the protocol fault.
	send(t, conn, &protocol.Envelope{Type: protocol.KindPing})
	awaitKind(t, conn, protocol.KindPong)
}

func TestMalformedFrameYieldsErrorNotDisconnect(t *testing.T) {
	relay := newTestRelay(t)

	conn := relay.dial(t, mintToken(t, 4, "dave", time.Hour))
	awaitKind(t, conn, protocol.KindAuthSuccess)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitKind(t, conn, protocol.KindError)

	send(t, conn, &protocol.Envelope{Type: protocol.KindPing})
	awaitKind(t, conn, protocol.KindPong)
}

func TestDisconnectRemovesSession(t *testing.T) {
	relay := newTestRelay(t)

	conn := relay.dial(t, mintToken(t, 5, "erin", time.Hour))
	awaitKind(t, conn, protocol.KindAuthSuccess)
	waitForSessions(t, relay.registry, 1)

	_ = conn.Close()
	waitForSessions(t, relay.registry, 0)
}

func TestFullSendQueueTearsDownConnection(t *testing.T) {
	relay := newTestRelay(t, func(cfg *config.Config) { cfg.SendQueueSize = 1 })

	conn := relay.dial(t, mintToken(t, 8, "grace", time.Hour))
	awaitKind(t, conn, protocol.KindAuthSuccess)
	waitForSessions(t, relay.registry, 1)
	tracked := relay.trackedConnection(t)

	// The client reads nothing, so the kernel buffers fill, the write pump
	// blocks, and the bounded queue overflows.
	payload := bytes.Repeat([]byte("x"), 64*1024)
	overflowed := false
	for i := 0; i < 1000; i++ {
		if err := tracked.Enqueue(payload); errors.Is(err, session.ErrQueueFull) {
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatal("send queue never reported full")
	}

	// A non-responsive connection is removed, not throttled.
	waitForSessions(t, relay.registry, 0)

	// Reading drains the blocked write and lets teardown close the socket.
	if err := readUntilClosed(t, conn, 5*time.Second); err == nil {
		t.Fatal("expected a terminal read error after teardown")
	}
}

func TestServerTeardownSendsCloseFrame(t *testing.T) {
	relay := newTestRelay(t)

	conn := relay.dial(t, mintToken(t, 9, "heidi", time.Hour))
	awaitKind(t, conn, protocol.KindAuthSuccess)
	waitForSessions(t, relay.registry, 1)

	relay.gateway.Close()

	err := readUntilClosed(t, conn, 2*time.Second)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close frame, got %v", err)
	}
}

func TestUpgradeEchoesTraceID(t *testing.T) {
	relay := newTestRelay(t)

	url := "ws" + strings.TrimPrefix(relay.server.URL, "http") + "/ws?token=" + mintToken(t, 10, "ivan", time.Hour)
	header := http.Header{}
	header.Set(logging.TraceIDHeader, "trace-handshake-1")

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	defer resp.Body.Close()

	if got := resp.Header.Get(logging.TraceIDHeader); got != "trace-handshake-1" {
		t.Fatalf("upgrade response trace id = %q, want trace-handshake-1", got)
	}
}

func TestPresenceReachesOtherDevices(t *testing.T) {
	relay := newTestRelay(t)

	first := relay.dial(t, mintToken(t, 6, "frank", time.Hour))
	awaitKind(t, first, protocol.KindAuthSuccess)
	// Drain the first device's own online event before the second connects.
	awaitKind(t, first, protocol.KindUserOnline)

	second := relay.dial(t, mintToken(t, 6, "frank", time.Hour))
	awaitKind(t, second, protocol.KindAuthSuccess)

	// The first device learns the second came online via the log round-trip.
	online := awaitKind(t, first, protocol.KindUserOnline)
	if online.UserID != 6 || online.IsOnline == nil || !*online.IsOnline {
		t.Fatalf("unexpected online event: %+v", online)
	}

	_ = second.Close()
	offline := awaitKind(t, first, protocol.KindUserOffline)
	if offline.UserID != 6 || offline.LastSeen == "" {
		t.Fatalf("unexpected offline event: %+v", offline)
	}
}
