// Package gateway serves the HTTP API: the dashboard snapshot over REST,
// SSE, and WebSocket, block detail and history, the alert and demand
// response workflows, push ingest, health, and Prometheus metrics. Auth is
// out of scope; the operator identity is taken from the X-User header as a
// passthrough.
package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/energysense/action"
	"github.com/c360/energysense/alert"
	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/health"
	"github.com/c360/energysense/metric"
	"github.com/c360/energysense/snapshot"
	"github.com/c360/energysense/source"
)

// HealthReporter is any component the /health endpoint aggregates.
type HealthReporter interface {
	Health() health.Status
}

// Config tunes the HTTP server and the ingest guard rails.
type Config struct {
	ListenAddr  string   `json:"listen_addr"`
	CORSOrigins []string `json:"cors_origins"`
	// MaxRequestSize bounds request bodies on mutating endpoints.
	MaxRequestSize int64         `json:"max_request_size"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	// IngestRPS and IngestBurst bound POST /api/ingest.
	IngestRPS   float64 `json:"ingest_rps"`
	IngestBurst int     `json:"ingest_burst"`
	// ActionListLimit caps GET /api/actions.
	ActionListLimit int `json:"action_list_limit"`
	// SSEKeepAlive is the comment-ping interval on idle streams.
	SSEKeepAlive time.Duration `json:"sse_keepalive"`
	// StreamBuffer is the snapshot subscription depth per streaming client.
	StreamBuffer int `json:"stream_buffer"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		CORSOrigins:     []string{"*"},
		MaxRequestSize:  1 << 20,
		ReadTimeout:     10 * time.Second,
		IdleTimeout:     60 * time.Second,
		IngestRPS:       50,
		IngestBurst:     100,
		ActionListLimit: 50,
		SSEKeepAlive:    15 * time.Second,
		StreamBuffer:    8,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "GatewayConfig", "Validate", "listen_addr is required")
	}
	if c.MaxRequestSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GatewayConfig", "Validate", "max_request_size must be positive")
	}
	if c.IngestRPS <= 0 || c.IngestBurst < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GatewayConfig", "Validate", "ingest rate limits must be positive")
	}
	if c.ActionListLimit < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GatewayConfig", "Validate", "action_list_limit must be positive")
	}
	if c.SSEKeepAlive <= 0 || c.StreamBuffer < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GatewayConfig", "Validate", "stream settings must be positive")
	}
	return nil
}

// Deps wires the server. Store, Publisher, Alerts, and Actions are
// required. Ingest may be nil, which turns POST /api/ingest into a 503.
// TLS, when set, switches the listener to HTTPS.
type Deps struct {
	Config          Config
	Store           *snapshot.Store
	Publisher       *snapshot.Publisher
	Alerts          *alert.Engine
	Actions         *action.Manager
	Ingest          *source.Push
	Components      []HealthReporter
	TLS             *tls.Config
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Server owns the HTTP listener and all handlers.
type Server struct {
	cfg       Config
	store     *snapshot.Store
	publisher *snapshot.Publisher
	alerts    *alert.Engine
	actions   *action.Manager
	ingest    *source.Push
	reporters []HealthReporter
	monitor   *health.Monitor
	logger    *slog.Logger
	metrics   *Metrics

	handler      http.Handler
	httpServer   *http.Server
	tls          *tls.Config
	limiter      *rate.Limiter
	ingestSchema *ingestValidator

	shutdown chan struct{}
	running  atomic.Bool
	mu       sync.Mutex

	now func() time.Time
}

// NewServer creates the gateway.
func NewServer(deps Deps) (*Server, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "NewServer", "snapshot store and publisher are required")
	}
	if deps.Alerts == nil || deps.Actions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "NewServer", "alert engine and action manager are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	schema, err := newIngestValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          deps.Config,
		store:        deps.Store,
		publisher:    deps.Publisher,
		alerts:       deps.Alerts,
		actions:      deps.Actions,
		ingest:       deps.Ingest,
		reporters:    deps.Components,
		monitor:      health.NewMonitor(),
		logger:       logger.With("component", "gateway"),
		metrics:      newMetrics(deps.MetricsRegistry),
		tls:          deps.TLS,
		limiter:      rate.NewLimiter(rate.Limit(deps.Config.IngestRPS), deps.Config.IngestBurst),
		ingestSchema: schema,
		shutdown:     make(chan struct{}),
		now:          time.Now,
	}

	router := mux.NewRouter()
	router.Use(s.observe)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/dashboard/current", s.handleDashboardCurrent).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/stream", s.handleDashboardStream).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/ws", s.handleDashboardWS).Methods(http.MethodGet)
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{id}", s.handleBlock).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{id}/history", s.handleBlockHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlertList).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/ack", s.handleAlertAck).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleAlertResolve).Methods(http.MethodPost)
	api.HandleFunc("/actions", s.handleActionList).Methods(http.MethodGet)
	api.HandleFunc("/actions", s.handleActionPropose).Methods(http.MethodPost)
	api.HandleFunc("/actions/{id}/execute", s.handleActionExecute).Methods(http.MethodPost)
	api.HandleFunc("/actions/{id}/verify", s.handleActionVerify).Methods(http.MethodPost)
	api.HandleFunc("/actions/{id}/resolve", s.handleActionResolve).Methods(http.MethodPost)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if deps.MetricsRegistry != nil {
		router.Handle("/metrics", deps.MetricsRegistry.Handler()).Methods(http.MethodGet)
	}

	s.handler = handlers.CORS(
		handlers.AllowedOrigins(deps.Config.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID", "X-User"}),
	)(router)

	return s, nil
}

// Handler exposes the routed handler. Tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start opens the listener. Idempotent.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	// No WriteTimeout: the SSE and WebSocket endpoints hold their
	// responses open for the client's lifetime.
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	scheme := "http"
	if s.tls != nil {
		s.httpServer.TLSConfig = s.tls
		scheme = "https"
	}

	server := s.httpServer
	useTLS := s.tls != nil
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", "error", err)
			s.running.Store(false)
		}
	}()

	s.running.Store(true)
	s.logger.Info("Gateway listening", "addr", s.cfg.ListenAddr, "scheme", scheme)
	return nil
}

// Stop drains in-flight requests and disconnects streaming clients.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	// Streaming handlers watch this and end their responses, otherwise
	// Shutdown would wait for them until the deadline.
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "graceful shutdown")
	}
	s.logger.Info("Gateway stopped")
	return nil
}

// Health reports the listener state.
func (s *Server) Health() health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy("gateway", "not listening")
	}
	return health.NewHealthy("gateway", "serving on "+s.cfg.ListenAddr)
}

// observe is the request middleware: request ID, access log, metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := s.now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		s.metrics.request(r.Method, route, rec.status, s.now().Sub(start))
		s.logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", requestID)
	})
}

// statusRecorder captures the response code while passing the streaming
// interfaces through to the underlying writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// operatorFrom resolves the acting user for workflow endpoints.
func operatorFrom(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-User")); user != "" {
		return user
	}
	return "operator"
}

// Metrics holds Prometheus metrics for the gateway.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      prometheus.Histogram
	streamClients *prometheus.GaugeVec
	ingestOK      prometheus.Counter
	ingestDenied  *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		streamClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "stream_clients",
			Help:      "Connected dashboard stream clients by transport",
		}, []string{"transport"}),
		ingestOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "ingest_events_total",
			Help:      "Events accepted through POST /api/ingest",
		}),
		ingestDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "ingest_rejected_total",
			Help:      "Ingest requests rejected, by reason",
		}, []string{"reason"}),
	}

	registry.RegisterCounterVec("gateway", "requests", m.requests)
	registry.RegisterHistogram("gateway", "request_duration", m.duration)
	registry.RegisterGaugeVec("gateway", "stream_clients", m.streamClients)
	registry.RegisterCounter("gateway", "ingest_events", m.ingestOK)
	registry.RegisterCounterVec("gateway", "ingest_rejected", m.ingestDenied)

	return m
}

func (m *Metrics) request(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) streamOpened(transport string) {
	if m == nil {
		return
	}
	m.streamClients.WithLabelValues(transport).Inc()
}

func (m *Metrics) streamClosed(transport string) {
	if m == nil {
		return
	}
	m.streamClients.WithLabelValues(transport).Dec()
}

func (m *Metrics) ingestAccepted(count int) {
	if m == nil {
		return
	}
	m.ingestOK.Add(float64(count))
}

func (m *Metrics) ingestRejected(reason string) {
	if m == nil {
		return
	}
	m.ingestDenied.WithLabelValues(reason).Inc()
}
