// Command marketbusd is the demo front door for the subscription bus: one
// WebSocket connection per subscriber, JSON control frames drive
// change_subscriptions/add_subscription/remove_subscription, and the
// connection's outbound frames are the subscriber's merged event streams.
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orko/marketbus/internal/bus"
	"orko/marketbus/internal/config"
	"orko/marketbus/internal/httpapi"
	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/upstream"
	"orko/marketbus/internal/wire"
)

var upgrader = websocket.Upgrader{}

// Always allow localhost for dev convenience.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// server bundles the wired Bus with front-door session bookkeeping needed
// for readiness and metrics reporting.
type server struct {
	bus          *bus.Bus
	log          *logging.Logger
	audit        *wire.AuditWriter
	startedAt    time.Time
	pingInterval time.Duration
	maxPayload   int64
	maxClients   int

	mu     sync.Mutex
	active int
}

func newServer(b *bus.Bus, log *logging.Logger, audit *wire.AuditWriter, cfg *config.Config) *server {
	return &server{
		bus:          b,
		log:          log,
		audit:        audit,
		startedAt:    time.Now(),
		pingInterval: cfg.PingInterval,
		maxPayload:   cfg.MaxPayloadBytes,
		maxClients:   cfg.MaxClients,
	}
}

// SessionCounts implements httpapi.ReadinessProvider. pending is always
// zero: the server does not track exchange dials.
func (s *server) SessionCounts() (active, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, 0
}

// StartupError implements httpapi.ReadinessProvider.
func (s *server) StartupError() error { return nil }

// Uptime implements httpapi.ReadinessProvider.
func (s *server) Uptime() time.Duration { return time.Since(s.startedAt) }

// Stats implements httpapi.StatsFunc's underlying shape.
func (s *server) Stats() httpapi.Stats {
	busStats := s.bus.Stats()
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	return httpapi.Stats{
		DistinctKeys:           busStats.DistinctKeys,
		Subscribers:            busStats.Subscribers,
		UpstreamNotifications:  busStats.UpstreamNotifications,
		UpstreamNotifyFailures: busStats.UpstreamNotifyFailures,
		ProjectorDrops:         busStats.ProjectorDrops,
		ActiveStreams:          active,
	}
}

func (s *server) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx, reqLogger, _ := logging.WithTrace(r.Context(), logging.LoggerFromContext(r.Context()), logging.TraceIDFromContext(r.Context()))
	reqLogger = reqLogger.With(logging.String("remote_addr", r.RemoteAddr))

	if s.maxClients > 0 {
		s.mu.Lock()
		if s.active >= s.maxClients {
			s.mu.Unlock()
			reqLogger.Warn("refusing websocket connection: client limit reached", logging.Int("max_clients", s.maxClients))
			http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
			return
		}
		s.active++
		s.mu.Unlock()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.maxClients > 0 {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	subscriberID := r.URL.Query().Get("subscriber")
	if strings.TrimSpace(subscriberID) == "" {
		subscriberID = fmt.Sprintf("anon-%s-%d", r.RemoteAddr, time.Now().UnixNano())
	}
	sessLogger := reqLogger.With(logging.Subscriber(subscriberID))
	sess := newSession(subscriberID, conn, sessLogger, s.bus, s.audit)

	sessLogger.Info("session established")
	sess.run(ctx, s.pingInterval, s.maxPayload)
	sessLogger.Info("session ended")

	if s.maxClients > 0 {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}

func buildHandler(s *server, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)

	var limiter httpapi.RateLimiter
	if cfg.AdminToken != "" {
		limiter = httpapi.NewSlidingWindowLimiter(time.Minute, 60, nil)
	}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      s.log,
		Readiness:   s,
		Stats:       func() httpapi.Stats { return s.Stats() },
		Registry:    s.bus.Registry,
		AdminToken:  cfg.AdminToken,
		RateLimiter: limiter,
	})
	opsHandlers.Register(mux)

	return logging.HTTPTraceMiddleware(s.log)(mux)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	originLogger := logger.With(logging.String("component", "origin-check"))
	upgrader.CheckOrigin = buildOriginChecker(originLogger, cfg.AllowedOrigins)
	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing WebSocket origins", logging.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}

	var audit *wire.AuditWriter
	if cfg.AuditPath != "" {
		audit, err = wire.OpenAuditWriter(cfg.AuditPath, cfg.AuditCodec)
		if err != nil {
			logger.Fatal("failed to open audit writer", logging.Error(err))
		}
		defer func() {
			_ = audit.Close()
		}()
		logger.Info("audit logging enabled", logging.String("path", cfg.AuditPath), logging.String("codec", cfg.AuditCodec))
	}

	connector := upstream.NewExchangeConnector(
		upstream.DefaultEndpointResolver(cfg.UpstreamEndpoint),
		upstream.WithPingInterval(cfg.PingInterval),
		upstream.WithReconnectBackoff(cfg.ReconnectBackoff, cfg.ReconnectBackoffMax),
		upstream.WithLogger(logger.With(logging.String("component", "exchange_connector"))),
	)

	b := bus.New(connector, cfg.ProjectorBuffer, logger)
	srv := newServer(b, logger, audit, cfg)

	handler := buildHandler(srv, cfg)
	httpServer := &http.Server{Addr: cfg.Address, Handler: handler}

	logger.Info("marketbusd listening", logging.String("address", cfg.Address))
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Fatal("marketbusd server terminated", logging.Error(err))
	}
}
