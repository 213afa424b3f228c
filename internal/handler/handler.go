package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/prognosis/internal/apierr"
	"github.com/pavelanni/prognosis/internal/auth"
	appI18n "github.com/pavelanni/prognosis/internal/i18n"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/practice"
	"github.com/pavelanni/prognosis/internal/stats"
	"github.com/pavelanni/prognosis/internal/store"
)

const maxBodyBytes = 1 << 20

// Config holds handler settings that are not dependencies.
type Config struct {
	Version     string
	CORSOrigins []string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    store.Store
	practice *practice.Service
	stats    *stats.Service
	tokens   *auth.Tokens
	social   *auth.Tokens
	config   Config
	started  time.Time
}

// New creates a new Handler. social may be unconfigured, which disables
// social sign-in.
func New(s store.Store, p *practice.Service, st *stats.Service, tokens, social *auth.Tokens, cfg Config) *Handler {
	return &Handler{
		store:    s,
		practice: p,
		stats:    st,
		tokens:   tokens,
		social:   social,
		config:   cfg,
		started:  time.Now(),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.handleRegister)
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/social", h.handleSocial)
		r.Get("/leaderboard", h.handleLeaderboard)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/case/start", h.handleStartCase)
			r.Post("/case/start", h.handleStartCase)
			r.Post("/case/respond", h.handleRespond)
			r.Post("/case/submit", h.handleSubmit)
			r.Get("/sessions", h.handleListSessions)
			r.Get("/session/{sessionID}", h.handleGetSession)
			r.Get("/profile", h.handleProfile)
			r.Get("/profile/{userID}", h.handleProfile)

			r.With(requireRole(model.UserRoleAdmin)).Post("/admin/reset-cases", h.handleResetCases)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps err onto the error taxonomy and writes {"error": msg}.
// Server-side failures are logged with their cause; clients only see the
// localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierr.StatusOf(err)
	code := apierr.CodeOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "code", code)
	}
	writeJSON(w, status, map[string]string{"error": appI18n.T(r.Context(), code)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.New(http.StatusBadRequest, "InvalidJSON", err)
	}
	return nil
}

// storeError maps a store failure, turning ErrNotFound into notFoundCode.
func storeError(err error, notFoundCode string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound(notFoundCode)
	}
	return apierr.Upstream("StoreFailed", err)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"message":      appI18n.T(r.Context(), "ServiceRunning"),
		"version":      h.config.Version,
		"cors_enabled": len(h.config.CORSOrigins) > 0,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	cases, err := h.store.CaseCount(r.Context())
	if err != nil {
		slog.Error("health check failed", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"cases":        cases,
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"cors_origins": h.config.CORSOrigins,
		"languages":    appI18n.Languages(),
	})
}
