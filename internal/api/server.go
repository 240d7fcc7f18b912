// Package api provides the HTTP surface: session CRUD plus the transcript
// and approval WebSocket endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/steward-ai/steward/internal/apperr"
	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/discovery"
	"github.com/steward-ai/steward/internal/session"
)

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	manager   *session.Manager
	discovery *discovery.Discovery
	logger    *slog.Logger
	mux       *chi.Mux
}

// NewServer wires the routes over the session manager and discovery.
func NewServer(cfg *config.Config, manager *session.Manager, disc *discovery.Discovery, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:       cfg,
		manager:   manager,
		discovery: disc,
		logger:    logger.With("component", "api"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.requestLogger)

	mux.Get("/api/v1/sessions", srv.handleListSessions)
	mux.Post("/api/v1/sessions", srv.handleCreateSession)
	mux.Get("/api/v1/sessions/{sessionID}", srv.handleGetSession)
	mux.Get("/api/v1/sessions/{sessionID}/transcript", srv.handleTranscriptWS)
	mux.Get("/api/v1/sessions/{sessionID}/approvals", srv.handleApprovalWS)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Microsecond).String(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	writeJSON(w, ae.Status(), map[string]string{
		"error": ae.Message,
		"code":  string(ae.Code),
	})
}
