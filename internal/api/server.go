// Package api implements the trial-search HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/trialmatch/internal/agent"
	"github.com/nugget/trialmatch/internal/buildinfo"
	"github.com/nugget/trialmatch/internal/events"
	"github.com/nugget/trialmatch/internal/health"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner executes one matching run. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, criteria agent.PatientCriteria) *agent.Outcome
}

// Archive stores finished runs. *outcomes.Store satisfies it.
type Archive interface {
	Save(ctx context.Context, o *agent.Outcome) error
	Get(ctx context.Context, runID string) (*agent.Outcome, error)
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*agent.Outcome, error)
}

// HealthChecker reports whether a dependency is reachable.
// *health.Monitor satisfies it.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// serviceReporter is implemented by checkers that track several
// services. Their reports are included in the health response.
type serviceReporter interface {
	Reports() []health.Report
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  Runner
	archive Archive
	bus     *events.Bus
	health  HealthChecker
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner Runner, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		logger:  logger,
	}
}

// SetArchive configures the outcome store behind the search lookup
// endpoints. Without one, runs are not retained.
func (s *Server) SetArchive(a Archive) {
	s.archive = a
}

// SetEventBus configures the bus the /v1/events stream reads from.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetHealthChecker configures the model provider probe used by /health.
func (s *Server) SetHealthChecker(h HealthChecker) {
	s.health = h
}

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Searches
	mux.HandleFunc("POST /v1/searches", s.handleCreateSearch)
	mux.HandleFunc("GET /v1/searches/{id}", s.handleGetSearch)
	mux.HandleFunc("GET /v1/searches/{id}/report", s.handleSearchReport)
	mux.HandleFunc("GET /v1/patients/{id}/searches", s.handlePatientSearches)

	// Live activity
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // searches run the agent loop in-request
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so websocket upgrades
// work behind the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "trialmatch",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"status": "healthy"}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if sr, ok := s.health.(serviceReporter); ok {
			resp["services"] = sr.Reports()
		}
	}
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
