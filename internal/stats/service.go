package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/prognosis/internal/cache"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/store"
)

const (
	// DefaultLimit is the leaderboard size when no limit is given.
	DefaultLimit = 50
	// MaxLimit caps the requested leaderboard size.
	MaxLimit = 100
)

// Source is the read side of the store used for aggregation.
type Source interface {
	GetCase(ctx context.Context, id string) (model.Case, error)
	GetUserByID(ctx context.Context, id string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]model.Session, error)
	ListCompletedSessions(ctx context.Context, since time.Time) ([]model.Session, error)
}

// Service computes leaderboards, through the cache, and profiles.
type Service struct {
	src   Source
	cache cache.LeaderboardCache
	now   func() time.Time
}

// NewService creates a statistics service. A nil cache disables caching.
func NewService(src Source, c cache.LeaderboardCache) *Service {
	return &Service{src: src, cache: c, now: time.Now}
}

// ClampLimit applies the default and the cap to a requested board size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// Leaderboard returns the top limit entries for tf.
func (s *Service) Leaderboard(ctx context.Context, tf model.Timeframe, limit int) (model.Leaderboard, error) {
	limit = ClampLimit(limit)

	var gen uint64
	cacheable := false
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, tf)
		if err != nil {
			slog.Warn("leaderboard cache read failed", "timeframe", tf, "error", err)
		}
		if cached != nil {
			return truncate(*cached, limit), nil
		}
		// Read before computing so a concurrent invalidation makes the write stale.
		gen, err = s.cache.Generation(ctx)
		if err != nil {
			slog.Warn("leaderboard cache generation read failed", "timeframe", tf, "error", err)
		} else {
			cacheable = true
		}
	}

	lb, err := s.compute(ctx, tf)
	if err != nil {
		return model.Leaderboard{}, err
	}
	if cacheable {
		s.remember(ctx, &lb, gen)
	}
	return truncate(lb, limit), nil
}

func (s *Service) remember(ctx context.Context, lb *model.Leaderboard, gen uint64) {
	err := s.cache.Set(ctx, lb, gen)
	switch {
	case errors.Is(err, cache.ErrStale):
		slog.Debug("leaderboard changed while computing, not cached", "timeframe", lb.Timeframe)
	case err != nil:
		slog.Warn("leaderboard cache write failed", "timeframe", lb.Timeframe, "error", err)
	}
}

func truncate(lb model.Leaderboard, limit int) model.Leaderboard {
	if len(lb.Entries) > limit {
		lb.Entries = lb.Entries[:limit]
	}
	return lb
}

func (s *Service) compute(ctx context.Context, tf model.Timeframe) (model.Leaderboard, error) {
	now := s.now().UTC()
	sessions, err := s.src.ListCompletedSessions(ctx, Since(tf, now))
	if err != nil {
		return model.Leaderboard{}, fmt.Errorf("list completed sessions: %w", err)
	}
	users, err := s.src.ListUsers(ctx)
	if err != nil {
		return model.Leaderboard{}, fmt.Errorf("list users: %w", err)
	}
	byID := make(map[string]model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return BuildLeaderboard(sessions, byID, tf, now), nil
}

// Invalidate drops every cached board.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		slog.Warn("leaderboard cache invalidation failed", "error", err)
	}
}

// Rebuild recomputes and caches the board of every timeframe.
func (s *Service) Rebuild(ctx context.Context) ([]model.Leaderboard, error) {
	s.Invalidate(ctx)
	var boards []model.Leaderboard
	for _, tf := range []model.Timeframe{model.TimeframeWeek, model.TimeframeMonth, model.TimeframeYear, model.TimeframeAll} {
		var gen uint64
		if s.cache != nil {
			var err error
			if gen, err = s.cache.Generation(ctx); err != nil {
				return nil, fmt.Errorf("read leaderboard generation: %w", err)
			}
		}
		lb, err := s.compute(ctx, tf)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			err := s.cache.Set(ctx, &lb, gen)
			if err != nil && !errors.Is(err, cache.ErrStale) {
				return nil, fmt.Errorf("cache %s leaderboard: %w", tf, err)
			}
		}
		boards = append(boards, lb)
	}
	return boards, nil
}

// Profile builds the profile of userID. Email is included only when self is set.
func (s *Service) Profile(ctx context.Context, userID string, self bool) (model.Profile, error) {
	u, err := s.src.GetUserByID(ctx, userID)
	if err != nil {
		return model.Profile{}, err
	}
	sessions, err := s.src.ListSessionsByUser(ctx, userID)
	if err != nil {
		return model.Profile{}, fmt.Errorf("list sessions: %w", err)
	}

	st := ComputeStatistics(sessions)
	patients := make(map[string]string)
	for _, sess := range sessions {
		if !sess.Completed() {
			continue
		}
		if _, ok := patients[sess.CaseID]; ok {
			continue
		}
		c, err := s.src.GetCase(ctx, sess.CaseID)
		switch {
		case err == nil:
			patients[sess.CaseID] = c.PatientName
		case errors.Is(err, store.ErrNotFound):
			patients[sess.CaseID] = ""
		default:
			return model.Profile{}, fmt.Errorf("get case %s: %w", sess.CaseID, err)
		}
	}

	p := model.Profile{
		User: model.ProfileUser{
			ID:       u.ID,
			Username: u.DisplayName(),
			PhotoURL: u.PhotoURL,
			Created:  u.CreatedAt,
		},
		Statistics:     st,
		Achievements:   Achievements(st),
		RecentActivity: RecentActivity(sessions, patients),
	}
	if self {
		p.User.Email = u.Email
	}
	return p, nil
}
