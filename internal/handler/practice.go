package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/prognosis/internal/model"
)

type respondRequest struct {
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	Diagnosis string `json:"diagnosis"`
	Treatment string `json:"treatment"`
}

func (h *Handler) handleStartCase(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	res, err := h.practice.StartCase(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	answer, err := h.practice.Respond(r.Context(), req.SessionID, user.ID, req.UserInput)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ai_response": answer})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	res, err := h.practice.Submit(r.Context(), req.SessionID, user.ID, req.Diagnosis, req.Treatment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	sessions, err := h.practice.ListSessions(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	view, err := h.practice.GetSession(r.Context(), chi.URLParam(r, "sessionID"), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
