package stats

import (
	"context"
	"testing"
	"time"

	"github.com/pavelanni/prognosis/internal/cache"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/store"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func completed(userID string, score int, day int, minutes int) model.Session {
	started := base.AddDate(0, 0, day)
	done := started.Add(time.Duration(minutes) * time.Minute)
	return model.Session{
		ID:          userID + "-" + started.Format("0102"),
		UserID:      userID,
		CaseID:      "c1",
		Status:      model.StatusCompleted,
		StartedAt:   started,
		CompletedAt: &done,
		Score:       &score,
	}
}

func TestStreaks(t *testing.T) {
	tests := []struct {
		name        string
		scores      []int
		wantCurrent int
		wantLongest int
	}{
		{"empty", nil, 0, 0},
		{"mixed", []int{80, 60, 90, 75, 40, 85, 95}, 2, 2},
		{"all passing", []int{70, 80, 90}, 3, 3},
		{"ends failing", []int{90, 90, 90, 50}, 0, 3},
		{"boundary", []int{69, 70}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current, longest := Streaks(tt.scores)
			if current != tt.wantCurrent || longest != tt.wantLongest {
				t.Errorf("Streaks(%v) = %d, %d; want %d, %d", tt.scores, current, longest, tt.wantCurrent, tt.wantLongest)
			}
		})
	}
}

func TestRankingScore(t *testing.T) {
	a := RankingScore(90, 5, 2)
	b := RankingScore(80, 20, 0)
	if a != 64 {
		t.Errorf("RankingScore(90, 5, 2) = %d, want 64", a)
	}
	if b != 60 {
		t.Errorf("RankingScore(80, 20, 0) = %d, want 60", b)
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Timeframe
		wantErr bool
	}{
		{"", model.TimeframeAll, false},
		{"all", model.TimeframeAll, false},
		{"week", model.TimeframeWeek, false},
		{"month", model.TimeframeMonth, false},
		{"year", model.TimeframeYear, false},
		{"decade", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTimeframe(%q) = %q, %v", tt.in, got, err)
		}
	}

	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	if got := Since(model.TimeframeWeek, now); !got.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("week bound = %v", got)
	}
	if got := Since(model.TimeframeAll, now); !got.IsZero() {
		t.Errorf("all bound should be zero, got %v", got)
	}
}

func TestBuildLeaderboard(t *testing.T) {
	var sessions []model.Session
	// a: average 90, 5 sessions, 2 perfect.
	for i, s := range []int{100, 100, 80, 80, 90} {
		sessions = append(sessions, completed("a", s, i, 10))
	}
	// b: average 80, 20 sessions.
	for i := range 20 {
		sessions = append(sessions, completed("b", 80, i, 20))
	}
	sessions = append(sessions, model.Session{UserID: "c", Status: model.StatusActive, StartedAt: base})

	users := map[string]model.User{
		"a": {ID: "a", Name: "Alice"},
		"b": {ID: "b", Email: "bob@example.com"},
	}
	lb := BuildLeaderboard(sessions, users, model.TimeframeAll, base)

	if len(lb.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lb.Entries))
	}
	first, second := lb.Entries[0], lb.Entries[1]
	if first.UserID != "a" || first.Rank != 1 || first.RankingScore != 64 {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if second.UserID != "b" || second.Rank != 2 || second.RankingScore != 60 {
		t.Errorf("unexpected second entry: %+v", second)
	}
	if first.PerfectScores != 2 || first.AverageTime != 10 {
		t.Errorf("expected 2 perfect scores and 10 minutes, got %+v", first)
	}
	if second.Name != "bob" {
		t.Errorf("expected name derived from email, got %q", second.Name)
	}
}

func TestLeaderboardTieBreaks(t *testing.T) {
	// x and z tie on every key and fall back to ID order; y ranks 55.
	sessions := []model.Session{
		completed("x", 80, 0, 5),
		completed("y", 78, 0, 5),
		completed("y", 78, 1, 5),
		completed("z", 80, 2, 5),
	}
	lb := BuildLeaderboard(sessions, nil, model.TimeframeAll, base)
	for i, e := range lb.Entries {
		if e.Rank != i+1 {
			t.Errorf("rank %d at position %d", e.Rank, i)
		}
	}
	if lb.Entries[0].RankingScore < lb.Entries[len(lb.Entries)-1].RankingScore {
		t.Error("entries should be sorted descending by ranking score")
	}
	if lb.Entries[0].UserID != "x" || lb.Entries[1].UserID != "z" || lb.Entries[2].UserID != "y" {
		t.Errorf("unexpected order: %s, %s, %s", lb.Entries[0].UserID, lb.Entries[1].UserID, lb.Entries[2].UserID)
	}
	if lb.Entries[0].Name != "Anonymous" {
		t.Errorf("unknown users should be anonymous, got %q", lb.Entries[0].Name)
	}
}

func TestComputeStatistics(t *testing.T) {
	var sessions []model.Session
	for i, s := range []int{80, 60, 90, 75, 40, 85, 95} {
		sessions = append(sessions, completed("u", s, i, 30))
	}
	sessions = append(sessions, model.Session{UserID: "u", Status: model.StatusActive, StartedAt: base})

	st := ComputeStatistics(sessions)
	if st.TotalSessions != 7 || st.ActiveSessions != 1 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if st.BestScore != 95 || st.TotalScore != 525 {
		t.Errorf("unexpected totals: %+v", st)
	}
	if st.AverageScore != 75 {
		t.Errorf("expected average 75, got %v", st.AverageScore)
	}
	if st.CurrentStreak != 2 || st.LongestStreak != 2 {
		t.Errorf("expected streaks 2/2, got %d/%d", st.CurrentStreak, st.LongestStreak)
	}
	// latest three: 40,85,95; earliest three: 80,60,90.
	if st.ImprovementRate != -3.3 {
		t.Errorf("expected improvement -3.3, got %v", st.ImprovementRate)
	}
	if st.AverageTime != 30 {
		t.Errorf("expected 30 minutes, got %v", st.AverageTime)
	}
}

func TestImprovementRate(t *testing.T) {
	tests := []struct {
		name   string
		scores []int
		want   float64
	}{
		{"none", nil, 0},
		{"single", []int{90}, 0},
		{"two", []int{40, 90}, 50},
		{"odd count skips the middle", []int{40, 50, 90}, 50},
		{"five", []int{40, 40, 90, 80, 80}, 40},
		{"declining", []int{90, 90, 40, 40}, -50},
		{"ten", []int{40, 40, 40, 40, 40, 90, 90, 90, 90, 90}, 50},
		{"windows cap at five", []int{0, 0, 0, 0, 0, 50, 50, 100, 100, 100, 100, 100}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ImprovementRate(tt.scores); got != tt.want {
				t.Errorf("ImprovementRate(%v) = %v, want %v", tt.scores, got, tt.want)
			}
		})
	}
}

func TestAchievements(t *testing.T) {
	ids := func(st model.Statistics) map[string]bool {
		m := map[string]bool{}
		for _, a := range Achievements(st) {
			m[a.ID] = true
		}
		return m
	}

	if got := ids(model.Statistics{}); len(got) != 0 {
		t.Errorf("expected no achievements, got %v", got)
	}

	got := ids(model.Statistics{TotalSessions: 12, BestScore: 90, CurrentStreak: 5, LongestStreak: 10, AverageScore: 80})
	for _, want := range []string{"first_case", "ten_cases", "high_achiever", "streak_5", "streak_master", "consistent"} {
		if !got[want] {
			t.Errorf("expected %s", want)
		}
	}
	if got["fifty_cases"] {
		t.Error("fifty_cases should need 50 sessions")
	}
}

func TestRecentActivity(t *testing.T) {
	var sessions []model.Session
	for i := range 7 {
		s := completed("u", 50+i, i, 5)
		d := "dx"
		s.Diagnosis = &d
		sessions = append(sessions, s)
	}
	got := RecentActivity(sessions, map[string]string{"c1": "John"})
	if len(got) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(got))
	}
	if got[0].Score != 56 || got[4].Score != 52 {
		t.Errorf("expected newest first, got %d..%d", got[0].Score, got[4].Score)
	}
	if got[0].Patient != "John" || got[0].Diagnosis != "dx" {
		t.Errorf("unexpected activity: %+v", got[0])
	}
}

func TestServiceLeaderboardAndProfile(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	caseID, _ := s.InsertCase(ctx, model.Case{PatientName: "John", CorrectDiagnosis: "MI", CorrectTreatment: "aspirin"})
	userID, _ := s.CreateUser(ctx, model.User{Email: "ann@example.com", Name: "Ann"})
	now := time.Now().UTC()
	for _, score := range []int{90, 80} {
		id, _ := s.CreateSession(ctx, model.Session{UserID: userID, CaseID: caseID, StartedAt: now.Add(-time.Hour)})
		if err := s.CompleteSession(ctx, id, 0, model.Grade{Diagnosis: "MI", Treatment: "aspirin", Score: score, CompletedAt: now}); err != nil {
			t.Fatalf("CompleteSession: %v", err)
		}
	}

	c := cache.NewMemory(time.Minute)
	svc := NewService(s, c)

	lb, err := svc.Leaderboard(ctx, model.TimeframeWeek, 0)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(lb.Entries) != 1 || lb.Entries[0].TotalSessions != 2 || lb.Entries[0].Name != "Ann" {
		t.Fatalf("unexpected board: %+v", lb.Entries)
	}
	if cached, _ := c.Get(ctx, model.TimeframeWeek); cached == nil {
		t.Error("expected computed board to be cached")
	}

	p, err := svc.Profile(ctx, userID, false)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.User.Email != "" {
		t.Error("email must be hidden from other users")
	}
	if p.Statistics.TotalSessions != 2 || p.Statistics.BestScore != 90 {
		t.Errorf("unexpected statistics: %+v", p.Statistics)
	}
	if len(p.RecentActivity) != 2 || p.RecentActivity[0].Patient != "John" {
		t.Errorf("unexpected activity: %+v", p.RecentActivity)
	}
	self, _ := svc.Profile(ctx, userID, true)
	if self.User.Email != "ann@example.com" {
		t.Error("email should be shown to its owner")
	}

	boards, err := svc.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(boards) != 4 {
		t.Errorf("expected 4 boards, got %d", len(boards))
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{0: 50, -3: 50, 10: 10, 100: 100, 500: 100} {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

// racingSource invalidates the service mid-computation, as a concurrent
// submit would.
type racingSource struct {
	*store.SQLStore
	svc *Service
}

func (r racingSource) ListCompletedSessions(ctx context.Context, since time.Time) ([]model.Session, error) {
	r.svc.Invalidate(ctx)
	return r.SQLStore.ListCompletedSessions(ctx, since)
}

func TestLeaderboardNotCachedAcrossInvalidation(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	c := cache.NewMemory(time.Minute)
	src := racingSource{SQLStore: s}
	svc := NewService(src, c)
	src.svc = svc
	svc.src = src

	if _, err := svc.Leaderboard(ctx, model.TimeframeAll, 0); err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if cached, _ := c.Get(ctx, model.TimeframeAll); cached != nil {
		t.Error("a board computed across an invalidation must not be cached")
	}

	svc.src = s
	if _, err := svc.Leaderboard(ctx, model.TimeframeAll, 0); err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if cached, _ := c.Get(ctx, model.TimeframeAll); cached == nil {
		t.Error("expected the board cached once nothing changed")
	}
}
