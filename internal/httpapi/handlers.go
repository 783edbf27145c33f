// Package httpapi exposes the operational surface around the bus: liveness,
// readiness, a hand-rolled metrics page, and an admin endpoint for inspecting
// demand without mutating it.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
)

// ReadinessProvider exposes bus state required for readiness checks.
type ReadinessProvider interface {
	SessionCounts() (active, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative bus statistics for the metrics page.
type StatsFunc func() Stats

// Stats is a point-in-time snapshot of bus activity, gathered from the
// Registry, Reconciler and Projector without holding any of their locks
// longer than a single read.
type Stats struct {
	// DistinctKeys is the size of the upstream union (Registry.AllKeys).
	DistinctKeys int
	// Subscribers is Registry.SubscriberCount.
	Subscribers int
	// UpstreamNotifications counts update_subscriptions calls issued so far.
	UpstreamNotifications int64
	// UpstreamNotifyFailures counts update_subscriptions calls that returned an error.
	UpstreamNotifyFailures int64
	// ProjectorDrops counts events dropped under latest-wins backpressure.
	ProjectorDrops int64
	// ActiveStreams is the number of connected front-door sessions consuming
	// merged streams.
	ActiveStreams int
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// RegistryInspector exposes read-only demand state for the admin endpoint,
// without giving httpapi a way to mutate subscriptions directly.
type RegistryInspector interface {
	Holdings(subscriber string) marketdata.KeySet
	AllKeys() marketdata.KeySet
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Registry    RegistryInspector
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the bus operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	registry    RegistryInspector
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
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
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		registry:    opts.Registry,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
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
	if h.registry != nil {
		mux.HandleFunc("/admin/holdings", h.HoldingsHandler())
	}
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

// ReadinessHandler reports bus readiness, including session counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		ActiveSessions int     `json:"active_sessions"`
		PendingDials   int     `json:"pending_dials"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			active, pending := h.readiness.SessionCounts()
			resp.ActiveSessions = active
			resp.PendingDials = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus-compatible text metrics, hand-rolled in
// the same text exposition format the bus's own operators expect, without
// pulling in a client library.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := 0.0
		active, pending := 0, 0
		if h.readiness != nil {
			active, pending = h.readiness.SessionCounts()
			uptime = h.readiness.Uptime().Seconds()
		}
		var stats Stats
		if h.stats != nil {
			stats = h.stats()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP marketbus_uptime_seconds Service uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE marketbus_uptime_seconds gauge\n")
		fmt.Fprintf(w, "marketbus_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP marketbus_sessions Current connected front-door sessions.\n")
		fmt.Fprintf(w, "# TYPE marketbus_sessions gauge\n")
		fmt.Fprintf(w, "marketbus_sessions %d\n", active)

		fmt.Fprintf(w, "# HELP marketbus_pending_dials Exchange connections awaiting handshake completion.\n")
		fmt.Fprintf(w, "# TYPE marketbus_pending_dials gauge\n")
		fmt.Fprintf(w, "marketbus_pending_dials %d\n", pending)

		fmt.Fprintf(w, "# HELP marketbus_distinct_keys Distinct subscription keys currently held by at least one subscriber.\n")
		fmt.Fprintf(w, "# TYPE marketbus_distinct_keys gauge\n")
		fmt.Fprintf(w, "marketbus_distinct_keys %d\n", stats.DistinctKeys)

		fmt.Fprintf(w, "# HELP marketbus_subscribers Distinct subscriber identifiers holding at least one key.\n")
		fmt.Fprintf(w, "# TYPE marketbus_subscribers gauge\n")
		fmt.Fprintf(w, "marketbus_subscribers %d\n", stats.Subscribers)

		fmt.Fprintf(w, "# HELP marketbus_active_streams Connected front-door sessions consuming merged streams.\n")
		fmt.Fprintf(w, "# TYPE marketbus_active_streams gauge\n")
		fmt.Fprintf(w, "marketbus_active_streams %d\n", stats.ActiveStreams)

		fmt.Fprintf(w, "# HELP marketbus_upstream_notifications_total Calls to update_subscriptions issued to the Subscription Manager.\n")
		fmt.Fprintf(w, "# TYPE marketbus_upstream_notifications_total counter\n")
		fmt.Fprintf(w, "marketbus_upstream_notifications_total %d\n", stats.UpstreamNotifications)

		fmt.Fprintf(w, "# HELP marketbus_upstream_notify_failures_total update_subscriptions calls that returned an error.\n")
		fmt.Fprintf(w, "# TYPE marketbus_upstream_notify_failures_total counter\n")
		fmt.Fprintf(w, "marketbus_upstream_notify_failures_total %d\n", stats.UpstreamNotifyFailures)

		fmt.Fprintf(w, "# HELP marketbus_projector_drops_total Events dropped under latest-wins backpressure.\n")
		fmt.Fprintf(w, "# TYPE marketbus_projector_drops_total counter\n")
		fmt.Fprintf(w, "marketbus_projector_drops_total %d\n", stats.ProjectorDrops)
	}
}

// HoldingsHandler reports what a given subscriber currently holds, or the
// global union when no subscriber query parameter is given. Read-only and
// admin-gated: it cannot be used to mutate the registry.
func (h *HandlerSet) HoldingsHandler() http.HandlerFunc {
	type response struct {
		Subscriber string   `json:"subscriber,omitempty"`
		Keys       []string `json:"keys"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			logging.String("handler", "admin_holdings"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			logger.Warn("holdings query denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			logger.Warn("holdings query denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			logger.Warn("holdings query denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		subscriber := strings.TrimSpace(r.URL.Query().Get("subscriber"))
		var keys marketdata.KeySet
		if subscriber != "" {
			keys = h.registry.Holdings(subscriber)
		} else {
			keys = h.registry.AllKeys()
		}
		out := make([]string, 0, len(keys))
		for _, k := range keys.Slice() {
			out = append(out, k.String())
		}
		writeJSON(w, http.StatusOK, response{Subscriber: subscriber, Keys: out})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
