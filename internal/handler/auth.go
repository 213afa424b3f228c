package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/prognosis/internal/apierr"
	"github.com/pavelanni/prognosis/internal/auth"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/store"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type authResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth is middleware that verifies the bearer token and loads its user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, r, apierr.Unauthorized("AuthRequired"))
			return
		}
		id, err := h.tokens.Verify(raw)
		if err != nil {
			slog.Debug("token rejected", "error", err)
			writeError(w, r, apierr.Unauthorized("InvalidToken"))
			return
		}
		user, err := h.store.GetUserByID(r.Context(), id.UID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, apierr.Unauthorized("InvalidToken"))
			return
		}
		if err != nil {
			writeError(w, r, apierr.Upstream("StoreFailed", err))
			return
		}

		ctx := model.ContextWithUser(r.Context(), &user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, r, apierr.Unauthorized("AuthRequired"))
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, apierr.Forbidden("AdminRequired"))
		})
	}
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, status int, u model.User) {
	token, err := h.tokens.Issue(auth.Identity{UID: u.ID, Email: u.Email, Name: u.Name, PhotoURL: u.PhotoURL})
	if err != nil {
		writeError(w, r, apierr.Upstream("InternalError", err))
		return
	}
	writeJSON(w, status, authResponse{Token: token, UserID: u.ID, Email: u.Email, Name: u.Name})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, r, apierr.Validation("CredentialsRequired"))
		return
	}

	_, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err == nil {
		writeError(w, r, apierr.Validation("EmailExists"))
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		writeError(w, r, apierr.Upstream("StoreFailed", err))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, apierr.Upstream("InternalError", err))
		return
	}
	u := model.User{
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
		AuthProvider: "password",
		Role:         model.UserRoleStudent,
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		writeError(w, r, apierr.Upstream("StoreFailed", err))
		return
	}
	u.ID = id
	h.issue(w, r, http.StatusCreated, u)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, r, apierr.Validation("CredentialsRequired"))
		return
	}

	u, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, apierr.Unauthorized("InvalidCredentials"))
		return
	}
	if err != nil {
		writeError(w, r, apierr.Upstream("StoreFailed", err))
		return
	}
	if !auth.CheckPassword(u.PasswordHash, req.Password) {
		writeError(w, r, apierr.Unauthorized("InvalidCredentials"))
		return
	}
	h.issue(w, r, http.StatusOK, u)
}

// handleSocial exchanges a token from the social identity provider for a
// first-party token, creating the user on first sign-in.
func (h *Handler) handleSocial(w http.ResponseWriter, r *http.Request) {
	if !h.social.Configured() {
		writeError(w, r, apierr.New(http.StatusNotImplemented, "SocialAuthDisabled", nil))
		return
	}
	raw := bearerToken(r)
	if raw == "" {
		writeError(w, r, apierr.Unauthorized("AuthRequired"))
		return
	}
	id, err := h.social.Verify(raw)
	if err != nil {
		slog.Debug("social token rejected", "error", err)
		writeError(w, r, apierr.Unauthorized("InvalidToken"))
		return
	}

	u, err := h.store.GetUserByExternalUID(r.Context(), id.UID)
	if err == nil {
		h.issue(w, r, http.StatusOK, u)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		writeError(w, r, apierr.Upstream("StoreFailed", err))
		return
	}

	u = model.User{
		Email:        strings.ToLower(id.Email),
		Name:         id.Name,
		PhotoURL:     id.PhotoURL,
		ExternalUID:  id.UID,
		AuthProvider: "social",
		Role:         model.UserRoleStudent,
	}
	if u.Email != "" {
		if _, err := h.store.GetUserByEmail(r.Context(), u.Email); err == nil {
			// Taken by a password account.
			u.Email = ""
		}
	}
	uid, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		writeError(w, r, apierr.Upstream("StoreFailed", err))
		return
	}
	u.ID = uid
	h.issue(w, r, http.StatusCreated, u)
}
