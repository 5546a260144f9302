// Package gateway serves the HTTP and websocket surface of the daemon.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/docsearch/internal/bus"
	"github.com/basket/docsearch/internal/documents"
	"github.com/basket/docsearch/internal/index"
	"github.com/basket/docsearch/internal/operations"
	"github.com/basket/docsearch/internal/otel"
	"github.com/basket/docsearch/internal/shared"
)

const maxRequestBytes = 1 << 20

// Operations is the operation surface the routes need: the status query
// surface plus cancel and cleanup.
type Operations interface {
	operations.Reader
	Events(ctx context.Context, id string) ([]operations.Event, error)
	Cancel(ctx context.Context, id string) (bool, error)
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
	Counts(ctx context.Context) (map[operations.Status]int, error)
	RetentionAge() time.Duration
}

// Tasks is the live-task surface of the orchestrator.
type Tasks interface {
	RequestCancel(id string) bool
	Live() []string
}

// Documents is the document service surface.
type Documents interface {
	Ready() bool
	RefreshIndex(ctx context.Context) (documents.Started, error)
	AddDocuments(ctx context.Context, paths []string) (documents.Started, error)
	Search(query string, topK int) []index.Result
	Stats() index.Stats
	TargetDirectories() []string
	Scan(ctx context.Context) ([]string, error)
	Documents() []string
}

// Telemetry reports the daemon's in-process metric totals.
type Telemetry interface {
	Totals(ctx context.Context) (otel.Totals, error)
}

type Config struct {
	Operations Operations
	Tasks      Tasks
	Documents  Documents
	Bus        *bus.Bus

	// AuthToken enables bearer auth on every route except /healthz.
	AuthToken string
	// AllowOrigins lists origin patterns accepted for browser websocket
	// connections. Same-host requests are always accepted.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
	// Settings is the non-sensitive configuration served on /api/system/config.
	Settings  Settings
	Telemetry Telemetry

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	schemas *requestSchemas
}

func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		schemas: schemas,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /healthz", s.handleHealthz, false)

	s.handle(mux, "GET /api/operations", s.handleListOperations, true)
	s.handle(mux, "POST /api/operations/cleanup", s.handleCleanup, true)
	s.handle(mux, "GET /api/operations/{id}", s.handleGetOperation, true)
	s.handle(mux, "GET /api/operations/{id}/events", s.handleOperationEvents, true)
	s.handle(mux, "POST /api/operations/{id}/cancel", s.handleCancelOperation, true)

	s.handle(mux, "POST /api/documents/refresh", s.handleRefresh, true)
	s.handle(mux, "POST /api/documents/add", s.handleAddDocuments, true)
	s.handle(mux, "POST /api/documents/search", s.handleSearch, true)
	s.handle(mux, "GET /api/documents/stats", s.handleStats, true)
	s.handle(mux, "GET /api/documents/scan", s.handleScan, true)

	s.handle(mux, "GET /api/system/config", s.handleSystemConfig, true)
	s.handle(mux, "GET /api/system/metrics", s.handleSystemMetrics, true)

	mux.Handle("GET /ws/operations", s.requireAuth(http.HandlerFunc(s.handleOperationStream)))

	return NewCORSMiddleware(s.cfg.AllowOrigins)(RequestSizeLimitMiddleware(maxRequestBytes)(mux))
}

// handle registers fn under pattern with tracing, request metrics and,
// when protected, bearer auth.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc, protected bool) {
	var h http.Handler = fn
	if protected {
		h = s.requireAuth(h)
	}
	mux.Handle(pattern, s.instrument(pattern, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, route, otel.AttrHTTPRoute.String(route))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		s.cfg.Metrics.RecordRequest(ctx, route, rec.status, elapsed.Seconds())
		s.logger.Debug("request served",
			"route", route,
			"status", rec.status,
			"elapsed", elapsed.String(),
			"trace_id", traceID,
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Operations.Counts(r.Context())
	dbOK := err == nil
	byStatus := map[string]int{}
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	payload := map[string]any{
		"status":      "healthy",
		"service":     "docsearch",
		"db_ok":       dbOK,
		"ready":       s.cfg.Documents != nil && s.cfg.Documents.Ready(),
		"operations":  byStatus,
		"config_hash": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Tasks != nil {
		payload["live_tasks"] = len(s.cfg.Tasks.Live())
	}
	status := http.StatusOK
	if !dbOK {
		payload["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
		s.logger.Error("health check: store unavailable", "error", err)
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
