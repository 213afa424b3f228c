package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/prognosis/internal/apierr"
	appI18n "github.com/pavelanni/prognosis/internal/i18n"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/stats"
)

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	tf, err := stats.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, r, apierr.Validation("InvalidTimeframe"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, r, apierr.Validation("InvalidLimit"))
			return
		}
	}

	lb, err := h.stats.Leaderboard(r.Context(), tf, limit)
	if err != nil {
		writeError(w, r, apierr.Upstream("StoreFailed", err))
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		userID = user.ID
	}

	p, err := h.stats.Profile(r.Context(), userID, userID == user.ID)
	if err != nil {
		writeError(w, r, storeError(err, "UserNotFound"))
		return
	}
	localizeAchievements(r.Context(), p.Achievements)
	writeJSON(w, http.StatusOK, p)
}

func localizeAchievements(ctx context.Context, achievements []model.Achievement) {
	for i := range achievements {
		a := &achievements[i]
		a.Name = appI18n.T(ctx, "AchievementName_"+a.ID)
		data := map[string]any{}
		if rule, ok := stats.RuleByID(a.ID); ok {
			data["Count"] = rule.Threshold
		}
		a.Description = appI18n.Td(ctx, "AchievementDesc_"+a.ID, data)
	}
}
