package handler

import (
	"log/slog"
	"net/http"

	"github.com/pavelanni/prognosis/internal/apierr"
	appI18n "github.com/pavelanni/prognosis/internal/i18n"
	"github.com/pavelanni/prognosis/internal/model"
)

func (h *Handler) handleResetCases(w http.ResponseWriter, r *http.Request) {
	admin := model.UserFromContext(r.Context())
	res, err := h.practice.ResetCases(r.Context())
	if err != nil {
		writeError(w, r, apierr.Upstream("StoreFailed", err))
		return
	}
	slog.Warn("all cases deleted", "by", admin.ID, "deleted", res.Deleted, "restored", res.Restored)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  appI18n.Tp(r.Context(), "CasesDeleted", res.Deleted),
		"deleted":  res.Deleted,
		"restored": res.Restored,
	})
}
