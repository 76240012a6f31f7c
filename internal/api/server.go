package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/gates"
	"github.com/vantrade/edgerun/internal/persistence"
	"github.com/vantrade/edgerun/internal/regime"
)

// Engine is the read-only view of the worker the HTTP surface exposes.
type Engine interface {
	LatestScores() []domain.CompositeScore
	RecentVerdicts(n int) []gates.Verdict
	OpenPositions() []domain.Position
	CurrentRegime() (regime.Regime, time.Time)
	RecentCycles(ctx context.Context, n int) ([]persistence.CycleRecord, error)
	LastHeartbeat() time.Time
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the read-only HTTP and WebSocket surface. It never mutates
// engine state.
type Server struct {
	router  *mux.Router
	server  *http.Server
	engine  Engine
	hub     *Hub
	metrics http.Handler
	config  ServerConfig
}

func NewServer(config ServerConfig, engine Engine, metricsHandler http.Handler, hub *Hub) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		engine:  engine,
		hub:     hub,
		metrics: metricsHandler,
		config:  config,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Router exposes the configured router for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
	if s.hub != nil {
		s.router.HandleFunc("/ws/cycles", s.hub.ServeWS)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/scores", s.handleScores).Methods("GET")
	api.HandleFunc("/decisions", s.handleDecisions).Methods("GET")
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/regime", s.handleRegime).Methods("GET")
	api.HandleFunc("/cycles", s.handleCycles).Methods("GET")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hb := s.engine.LastHeartbeat()
	age := time.Since(hb)
	status := "ok"
	code := http.StatusOK
	if hb.IsZero() || age > 5*time.Minute {
		status = "stale"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"heartbeat_age_sec": age.Seconds(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	scores := s.engine.LatestScores()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(scores),
		"scores": scores,
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	verdicts := s.engine.RecentVerdicts(limitParam(r, 50))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(verdicts),
		"decisions": verdicts,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.OpenPositions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	current, since := s.engine.CurrentRegime()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"regime":         current.String(),
		"since":          since.UTC().Format(time.RFC3339),
		"duration_hours": time.Since(since).Hours(),
	})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.engine.RecentCycles(r.Context(), limitParam(r, 20))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(cycles),
		"cycles": cycles,
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}
