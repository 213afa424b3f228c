package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/prognosis/internal/model"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute).(*memoryLeaderboardCache)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	got, err := c.Get(ctx, model.TimeframeWeek)
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %v, %v", got, err)
	}

	lb := &model.Leaderboard{
		Timeframe: model.TimeframeWeek,
		Entries:   []model.LeaderboardEntry{{Rank: 1, UserID: "u1", RankingScore: 64}},
	}
	if err := c.Set(ctx, lb, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	lb.Entries[0].RankingScore = 0

	got, err = c.Get(ctx, model.TimeframeWeek)
	if err != nil || got == nil {
		t.Fatalf("expected hit, got %v, %v", got, err)
	}
	if got.Entries[0].RankingScore != 64 {
		t.Errorf("cached board should not alias the caller's slice, got %d", got.Entries[0].RankingScore)
	}
	if other, _ := c.Get(ctx, model.TimeframeAll); other != nil {
		t.Error("timeframes must be cached separately")
	}

	now = now.Add(2 * time.Minute)
	if got, _ := c.Get(ctx, model.TimeframeWeek); got != nil {
		t.Error("expected expired entry to miss")
	}

	c.Set(ctx, lb, 0)
	c.Set(ctx, &model.Leaderboard{Timeframe: model.TimeframeAll}, 0)
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	for _, tf := range timeframes {
		if got, _ := c.Get(ctx, tf); got != nil {
			t.Errorf("expected %s invalidated", tf)
		}
	}
}

func TestMemoryCacheRejectsStaleGeneration(t *testing.T) {
	testStaleGeneration(t, NewMemory(time.Minute))
}

func TestRedisCacheRejectsStaleGeneration(t *testing.T) {
	url := os.Getenv("PROGNOSIS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PROGNOSIS_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	testStaleGeneration(t, NewRedis(client, time.Minute))
}

func testStaleGeneration(t *testing.T, c LeaderboardCache) {
	t.Helper()
	ctx := context.Background()
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	before, err := c.Generation(ctx)
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}

	// A board computed before an invalidation must not be stored after it.
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	lb := &model.Leaderboard{Timeframe: model.TimeframeWeek}
	if err := c.Set(ctx, lb, before); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if got, _ := c.Get(ctx, model.TimeframeWeek); got != nil {
		t.Error("stale board was cached")
	}

	current, err := c.Generation(ctx)
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if current == before {
		t.Fatal("invalidation must advance the generation")
	}
	if err := c.Set(ctx, lb, current); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := c.Get(ctx, model.TimeframeWeek); got == nil {
		t.Error("expected current board cached")
	}
}
