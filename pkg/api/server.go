// Package api exposes the memory engine over HTTP: a data plane for
// storing and recalling memories, a maintenance plane that triggers
// lifecycle cycles and consistency scans, and the usual health, status
// and metrics endpoints. The server is an optional host layer; embedders
// that drive the engine directly never import it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mnemos/mnemos/internal/engine"
	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/status"
	"github.com/mnemos/mnemos/pkg/utils"
)

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Address       string        `json:"address"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout"`
	EnableCORS    bool          `json:"enable_cors"`
	EnableMetrics bool          `json:"enable_metrics"`

	// Logger overrides the default structured logger.
	Logger *utils.StructuredLogger
}

// DefaultServerConfig returns a server configuration with sensible
// defaults for local operation.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    true,
		EnableMetrics: false,
	}
}

// Server serves the engine's HTTP API.
type Server struct {
	config     ServerConfig
	engine     *engine.Engine
	runs       *status.Tracker
	logger     *utils.StructuredLogger
	httpServer *http.Server
}

// NewServer creates an HTTP server around an assembled engine. The
// caller keeps ownership of the engine; shutting the server down does
// not stop it.
func NewServer(config ServerConfig, eng *engine.Engine) *Server {
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	s := &Server{
		config: config,
		engine: eng,
		runs: status.NewTracker(status.TrackerConfig{
			Backends: eng.Backends(),
		}),
		logger: logger.WithComponent("api"),
	}

	mux := http.NewServeMux()

	// Data plane.
	mux.HandleFunc("/memories", s.handleMemories)
	mux.HandleFunc("/memories/", s.handleMemory)
	mux.HandleFunc("/recall", s.handleRecall)

	// Maintenance plane.
	mux.HandleFunc("/maintenance/cycle", s.handleCycle)
	mux.HandleFunc("/maintenance/scan", s.handleScan)

	// Health endpoints.
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/components", s.handleComponents)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	// Status endpoints.
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/runs", s.handleRuns)
	mux.HandleFunc("/status/runs/", s.handleRun)
	mux.HandleFunc("/status/history", s.handleHistory)

	if config.EnableMetrics {
		mux.Handle("/metrics", eng.MetricsHandler())
	}

	mux.HandleFunc("/info", s.handleInfo)

	var handler http.Handler = mux
	if config.EnableCORS {
		handler = corsMiddleware(handler)
	}
	handler = s.loggingMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Runs exposes the maintenance run tracker, for hosts that trigger
// cycles out of band and still want them in /status.
func (s *Server) Runs() *status.Tracker {
	return s.runs
}

// Handler exposes the assembled handler chain, for hosts that mount the
// API on their own listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", map[string]interface{}{
		"address": s.config.Address,
		"cors":    s.config.EnableCORS,
		"metrics": s.config.EnableMetrics,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.NewError(errors.ErrCodeConnectionFailed,
			fmt.Sprintf("http server failed: %v", err)).
			WithComponent("api").WithCause(err)
	}
	return nil
}

// StartBackground starts the server in a goroutine and returns
// immediately. Listen errors surface through the logger.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("http server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// Shutdown gracefully stops the server, letting in-flight requests
// finish within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down", nil)
	return s.httpServer.Shutdown(ctx)
}

// rememberRequest is the body of POST /memories.
type rememberRequest struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// reweighRequest is the body of PATCH /memories/{id}.
type reweighRequest struct {
	Weight float64 `json:"weight"`
}

// handleMemories stores a new memory.
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req rememberRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	id, err := s.engine.Remember(req.Text, req.Weight)
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"weight": req.Weight,
	})
}

// handleMemory reads, reweighs or forgets one memory by id.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/memories/")
	if id == "" || strings.Contains(id, "/") {
		s.respondError(w, http.StatusNotFound, "memory not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		text, ok := s.engine.Access(id)
		if !ok {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("no memory with id %s", id))
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"id":   id,
			"text": string(text),
		})

	case http.MethodPatch:
		var req reweighRequest
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := s.engine.Reweigh(id, req.Weight); err != nil {
			s.respondError(w, statusForError(err), err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"id":     id,
			"weight": req.Weight,
		})

	case http.MethodDelete:
		if !s.engine.Forget(id) {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("no memory with id %s", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRecall searches memories. Query is required; limit defaults to
// the engine's configured recall size when absent or malformed.
func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}

	results := s.engine.Recall(query, limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

// handleCycle triggers one lifecycle maintenance cycle and records it
// as a tracked run.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	run := s.runs.Begin("lifecycle-cycle", nil)
	report := s.engine.RunCycle()
	_ = s.runs.Complete(run.ID, map[string]interface{}{
		"promoted":           report.Promoted,
		"expired_deleted":    report.ExpiredDeleted,
		"expired_demoted":    report.ExpiredDemoted,
		"rebalanced_demoted": report.RebalancedDemoted,
		"rebalanced_deleted": report.RebalancedDeleted,
		"duration":           report.Duration.String(),
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.ID,
		"report": report,
	})
}

// handleScan triggers a consistency scan and records it as a tracked
// run.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	run := s.runs.Begin("consistency-scan", nil)
	report := s.engine.ValidateConsistency()
	_ = s.runs.Complete(run.ID, map[string]interface{}{
		"checked":          report.Checked,
		"violations":       len(report.Violations),
		"consistency_rate": report.ConsistencyRate,
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.ID,
		"report": report,
	})
}

// handleHealth serves the aggregated engine health snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report := s.engine.Health(r.Context())
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, report)
}

// handleComponents serves per-component health detail.
func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report := s.engine.Health(r.Context())
	s.respondJSON(w, http.StatusOK, report.Components)
}

// handleLiveness answers liveness probes. The process responding at
// all is the signal, so this always returns 200.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

// handleReadiness answers readiness probes. The engine is ready when
// its health snapshot is clean.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report := s.engine.Health(r.Context())
	if !report.Healthy {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "not ready",
			"timestamp": report.CheckedAt,
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": report.CheckedAt,
	})
}

// handleStatus serves the system status summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, s.runs.GetSystemStatus())
}

// handleRuns lists in-flight maintenance runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	active := s.runs.Active()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  active,
		"count": len(active),
	})
}

// handleRun serves one maintenance run by id.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/status/runs/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "run id required")
		return
	}

	run, err := s.runs.Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("run not found: %s", id))
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

// handleHistory serves recently finished maintenance runs.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}

	history := s.runs.History(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}

// handleInfo serves server information.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "mnemos",
		"version": "0.1.0",
		"endpoints": []string{
			"POST /memories",
			"GET /memories/{id}",
			"PATCH /memories/{id}",
			"DELETE /memories/{id}",
			"GET /recall",
			"POST /maintenance/cycle",
			"POST /maintenance/scan",
			"GET /health",
			"GET /health/components",
			"GET /health/live",
			"GET /health/ready",
			"GET /status",
			"GET /status/runs",
			"GET /status/runs/{id}",
			"GET /status/history",
			"GET /info",
		},
	})
}

// statusForError maps an engine error to an HTTP status code.
func statusForError(err error) int {
	switch {
	case errors.IsCode(err, errors.ErrCodeRecordNotFound):
		return http.StatusNotFound
	case errors.IsCode(err, errors.ErrCodeValidationFailed),
		errors.IsCode(err, errors.ErrCodeConfigValidation):
		return http.StatusBadRequest
	case errors.IsCode(err, errors.ErrCodeCacheClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encoding failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// respondError writes a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}

// loggingMiddleware logs each request with its duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// corsMiddleware adds permissive CORS headers and short-circuits
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
