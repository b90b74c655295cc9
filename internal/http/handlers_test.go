package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"messenger/relay/internal/logging"
	"messenger/relay/internal/session"
)

type stubReadiness struct {
	connected  bool
	startupErr error
	uptime     time.Duration
}

func (s *stubReadiness) BusConnected() bool    { return s.connected }
func (s *stubReadiness) StartupError() error   { return s.startupErr }
func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

func TestLivenessHandlerReportsAlive(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	rr := httptest.NewRecorder()

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "alive" {
		t.Fatalf("unexpected body status: %q", resp.Status)
	}
}

func TestReadinessHandlerReflectsBusState(t *testing.T) {
	ready := &stubReadiness{connected: true, uptime: time.Minute}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: ready})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 while connected, got %d", rr.Code)
	}

	ready.connected = false
	rr = httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while disconnected, got %d", rr.Code)
	}
}

func TestReadinessHandlerSurfacesStartupError(t *testing.T) {
	ready := &stubReadiness{connected: true, startupErr: errors.New("listener bind failed")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: ready})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "listener bind failed") {
		t.Fatalf("startup error missing from body: %s", rr.Body.String())
	}
}

func TestStatsHandlerReturnsJSON(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Stats:     func() session.Stats { return session.Stats{Sessions: 3, Users: 2, Broadcasts: 9} },
		Published: func() int64 { return 4 },
	})

	rr := httptest.NewRecorder()
	handlers.StatsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	var resp struct {
		Sessions  int   `json:"sessions"`
		Users     int   `json:"users"`
		Published int64 `json:"published"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Sessions != 3 || resp.Users != 2 || resp.Published != 4 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
}

func TestMetricsHandlerEmitsCounters(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{connected: true, uptime: 90 * time.Second},
		Stats: func() session.Stats {
			return session.Stats{Sessions: 5, Broadcasts: 11, Deliveries: 30, Dropped: 1}
		},
		Published: func() int64 { return 7 },
	})

	rr := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		"relay_uptime_seconds 90",
		"relay_sessions 5",
		"relay_broadcasts_total 11",
		"relay_deliveries_total 30",
		"relay_dropped_deliveries_total 1",
		"relay_published_total 7",
		"relay_bus_connected 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
