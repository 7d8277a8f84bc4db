// Package server exposes the observability API: component status, the
// recent journal, update-coordinator health, budget state and the archived
// job history, plus the webchat WebSocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/adjutant-app/adjutant/internal/budget"
	"github.com/adjutant-app/adjutant/internal/history"
	"github.com/adjutant-app/adjutant/internal/journal"
	"github.com/adjutant-app/adjutant/internal/orchestrator"
	"github.com/adjutant-app/adjutant/internal/router"
	"github.com/adjutant-app/adjutant/internal/updates"
)

// Config holds the server's collaborators. Archive, Router and Webchat are
// optional.
type Config struct {
	Port         int
	Orchestrator *orchestrator.Orchestrator
	Journal      *journal.Journal
	Budget       *budget.Guard
	Updates      *updates.Coordinator
	Archive      *history.Archive
	Router       *router.Router
	Webchat      http.Handler
}

// Server is the HTTP observability surface.
type Server struct {
	cfg    Config
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config, log zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: log.With().Str("component", "server").Logger(),
	}
	s.router = s.buildRouter()
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// no WriteTimeout: the SSE stream is long-lived
	}
	return s
}

// Handler returns the route tree, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/journal/recent", s.handleJournalRecent)
		r.Get("/updates/stats", s.handleUpdateStats)
		r.Get("/updates/health", s.handleUpdateHealth)
		r.Get("/budget", s.handleBudget)
		r.Get("/system", s.handleSystem)
		r.Get("/history/jobs", s.handleHistoryJobs)
		r.Get("/channels", s.handleChannels)
		r.Get("/events/stream", s.handleEventsStream)
	})

	if s.cfg.Webchat != nil {
		r.Handle("/ws/webchat", s.cfg.Webchat)
	}

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg.Orchestrator.Status())
}

func (s *Server) handleJournalRecent(w http.ResponseWriter, r *http.Request) {
	events := s.cfg.Journal.Snapshot()

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit < len(events) {
			// snapshot is oldest first; keep the newest
			events = events[len(events)-limit:]
		}
	}
	s.writeJSON(w, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleUpdateStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg.Updates.Stats())
}

func (s *Server) handleUpdateHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg.Updates.CallbackHealth())
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg.Budget.Status())
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	load, err := budget.ProbeSystemLoad()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("system probe failed: %v", err))
		return
	}
	s.writeJSON(w, load)
}

func (s *Server) handleHistoryJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history archive is not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.cfg.Archive.RecentJobs(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read job history: %v", err))
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.writeJSON(w, map[string]interface{}{})
		return
	}
	s.writeJSON(w, s.cfg.Router.Status())
}

// handleEventsStream streams journal events over SSE until the client
// disconnects.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// buffered so a slow client drops events instead of blocking emitters
	eventChan := make(chan journal.ChangeEvent, 100)
	unsubscribe := s.cfg.Journal.Subscribe(func(event journal.ChangeEvent) {
		select {
		case eventChan <- event:
		default:
			s.log.Warn().Str("label", event.Label()).Msg("SSE channel full, event dropped")
		}
	})
	defer unsubscribe()

	s.log.Info().Msg("Client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", s.encode(map[string]interface{}{"type": "connected"}))
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			s.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", s.encode(map[string]interface{}{
				"type":  "change",
				"event": event,
			}))
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, "data: %s\n\n", s.encode(map[string]interface{}{
				"type":      "keepalive",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

func (s *Server) encode(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal SSE payload")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
