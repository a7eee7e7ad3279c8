package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tandem/pkg/logx"
	"tandem/pkg/version"
)

// healthTimeout bounds the store ping performed by /healthz.
const healthTimeout = 2 * time.Second

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes /metrics and /healthz over HTTP.
type Server struct {
	logger *logx.Logger
	pinger Pinger
	agent  string
}

// NewServer creates a metrics server for the named agent. A nil pinger
// disables the store check on /healthz.
func NewServer(agent string, pinger Pinger) *Server {
	return &Server{
		logger: logx.NewLogger("metrics"),
		pinger: pinger,
		agent:  agent,
	}
}

// RegisterRoutes sets up HTTP routes for the metrics listener.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]string{
		"status":  "ok",
		"agent":   s.agent,
		"version": version.Version,
	}

	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("Health check store ping failed: %v", err)
			response["status"] = "degraded"
			response["error"] = err.Error()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			if encErr := json.NewEncoder(w).Encode(response); encErr != nil {
				s.logger.Error("Failed to encode health response: %v", encErr)
			}
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// StartServer starts the HTTP listener on addr. It returns immediately; the
// server shuts down when ctx is cancelled.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting metrics server on %s", addr)

	// Start server in a goroutine (non-blocking).
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error: %v", err)
		}
	}()

	// Start graceful shutdown handler in background.
	go func() {
		<-ctx.Done()
		// Graceful shutdown - use background context with timeout since parent is cancelled.
		s.logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Metrics server shutdown failed: %v", err)
		}
	}()

	return nil
}
