package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"Conductor/internal/config"
	"Conductor/internal/middleware"
	"Conductor/internal/models"
	"Conductor/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fleet is the supervised runner set as seen by the status endpoints.
type Fleet interface {
	Processes() []models.ProcessRecord
	Running() int
	ShuttingDown() bool
}

type Server struct {
	config     *config.Config
	fleet      Fleet
	store      *store.Store
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	runID      string
	startedAt  time.Time
	httpServer *http.Server
}

// New creates a new API server
func New(
	cfg *config.Config,
	fleet Fleet,
	st *store.Store,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
	runID string,
) *Server {
	return &Server{
		config:    cfg,
		fleet:     fleet,
		store:     st,
		gatherer:  gatherer,
		logger:    logger.With("component", "api-server"),
		runID:     runID,
		startedAt: time.Now(),
	}
}

// Handler returns the routed, logged handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and readiness endpoints
	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.handleReadiness)

	// Metrics endpoint
	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// API v1 endpoints
	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/runners", s.authMiddleware(s.handleRunners))
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))

	return middleware.Logging(s.logger)(mux)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.fleet.ShuttingDown():
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
	case s.fleet.Running() == 0:
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no runners"})
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "ready",
			"time":   time.Now().Format(time.RFC3339),
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	desired := 0
	repos := make([]string, 0, len(s.config.Repos))
	for _, repo := range s.config.Repos {
		desired += repo.Count
		repos = append(repos, repo.Repo)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":       time.Now().Format(time.RFC3339),
		"run_id":          s.runID,
		"started_at":      s.startedAt.Format(time.RFC3339),
		"org":             s.config.Org,
		"repos":           repos,
		"runners_desired": desired,
		"runners_running": s.fleet.Running(),
		"shutting_down":   s.fleet.ShuttingDown(),
		"platform":        s.config.Runner.Platform,
	})
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	runners := s.fleet.Processes()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(runners),
		"runners":   runners,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.store.Enabled() {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	var events []store.Event
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		events = s.store.ForRun(runID)
	} else {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				s.writeError(w, http.StatusBadRequest, "invalid limit", err)
				return
			}
			limit = n
		}
		events = s.store.Recent(limit)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
