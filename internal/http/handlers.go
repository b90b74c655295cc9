package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"messenger/relay/internal/logging"
	"messenger/relay/internal/session"
)

// ReadinessProvider exposes relay state required for readiness checks.
type ReadinessProvider interface {
	BusConnected() bool
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative registry statistics.
type StatsFunc func() session.Stats

// PublishedFunc returns how many events this instance appended to the shared log.
type PublishedFunc func() int64

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Readiness  ReadinessProvider
	Stats      StatsFunc
	Published  PublishedFunc
	TimeSource func() time.Time
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger    *logging.Logger
	readiness ReadinessProvider
	stats     StatsFunc
	published PublishedFunc
	now       func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:    logger,
		readiness: opts.Readiness,
		stats:     opts.Stats,
		published: opts.Published,
		now:       now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/api/stats", h.StatsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports relay readiness, including shared log connectivity
// and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		BusConnected  bool    `json:"bus_connected"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.BusConnected = h.readiness.BusConnected()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			} else if !resp.BusConnected {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = "shared log unreachable"
			}
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler emits the registry and publish counters as JSON.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type response struct {
		session.Stats
		Published int64 `json:"published"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{}
		if h.stats != nil {
			resp.Stats = h.stats()
		}
		if h.published != nil {
			resp.Published = h.published()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var stats session.Stats
		if h.stats != nil {
			stats = h.stats()
		}
		var published int64
		if h.published != nil {
			published = h.published()
		}
		var uptime float64
		busConnected := 0
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
			if h.readiness.BusConnected() {
				busConnected = 1
			}
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP relay_uptime_seconds Relay uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE relay_uptime_seconds gauge\n")
		fmt.Fprintf(w, "relay_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP relay_sessions Current live WebSocket sessions.\n")
		fmt.Fprintf(w, "# TYPE relay_sessions gauge\n")
		fmt.Fprintf(w, "relay_sessions %d\n", stats.Sessions)

		fmt.Fprintf(w, "# HELP relay_users Current distinct connected users.\n")
		fmt.Fprintf(w, "# TYPE relay_users gauge\n")
		fmt.Fprintf(w, "relay_users %d\n", stats.Users)

		fmt.Fprintf(w, "# HELP relay_chats Chats with at least one local member.\n")
		fmt.Fprintf(w, "# TYPE relay_chats gauge\n")
		fmt.Fprintf(w, "relay_chats %d\n", stats.Chats)

		fmt.Fprintf(w, "# HELP relay_broadcasts_total Total chat broadcasts fanned out locally.\n")
		fmt.Fprintf(w, "# TYPE relay_broadcasts_total counter\n")
		fmt.Fprintf(w, "relay_broadcasts_total %d\n", stats.Broadcasts)

		fmt.Fprintf(w, "# HELP relay_deliveries_total Total per-connection delivery attempts.\n")
		fmt.Fprintf(w, "# TYPE relay_deliveries_total counter\n")
		fmt.Fprintf(w, "relay_deliveries_total %d\n", stats.Deliveries)

		fmt.Fprintf(w, "# HELP relay_dropped_deliveries_total Deliveries dropped on full outbound queues.\n")
		fmt.Fprintf(w, "# TYPE relay_dropped_deliveries_total counter\n")
		fmt.Fprintf(w, "relay_dropped_deliveries_total %d\n", stats.Dropped)

		fmt.Fprintf(w, "# HELP relay_published_total Events appended to the shared log by this instance.\n")
		fmt.Fprintf(w, "# TYPE relay_published_total counter\n")
		fmt.Fprintf(w, "relay_published_total %d\n", published)

		fmt.Fprintf(w, "# HELP relay_bus_connected Whether the shared log is reachable.\n")
		fmt.Fprintf(w, "# TYPE relay_bus_connected gauge\n")
		fmt.Fprintf(w, "relay_bus_connected %d\n", busConnected)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
