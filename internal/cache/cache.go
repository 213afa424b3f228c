// Package cache holds computed leaderboards. Entries are derived from
// completed sessions and can always be recomputed.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/prognosis/internal/model"
)

var timeframes = []model.Timeframe{model.TimeframeWeek, model.TimeframeMonth, model.TimeframeYear, model.TimeframeAll}

// ErrStale is returned by Set when the cache was invalidated after the board's
// generation was read.
var ErrStale = errors.New("leaderboard generation is stale")

// LeaderboardCache stores one computed board per timeframe. Every
// invalidation advances a generation; a board computed under an older
// generation is refused by Set.
type LeaderboardCache interface {
	Get(ctx context.Context, tf model.Timeframe) (*model.Leaderboard, error)
	Generation(ctx context.Context) (uint64, error)
	Set(ctx context.Context, lb *model.Leaderboard, gen uint64) error
	Invalidate(ctx context.Context) error
}

type redisLeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed leaderboard cache.
func NewRedis(client *redis.Client, ttl time.Duration) LeaderboardCache {
	return &redisLeaderboardCache{client: client, ttl: ttl}
}

const redisGenerationKey = "prognosis:leaderboard:gen"

func (c *redisLeaderboardCache) key(tf model.Timeframe) string {
	return fmt.Sprintf("prognosis:leaderboard:%s", tf)
}

// Get returns nil, nil on a miss.
func (c *redisLeaderboardCache) Get(ctx context.Context, tf model.Timeframe) (*model.Leaderboard, error) {
	data, err := c.client.Get(ctx, c.key(tf)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lb model.Leaderboard
	if err := json.Unmarshal(data, &lb); err != nil {
		return nil, fmt.Errorf("decode cached leaderboard: %w", err)
	}
	return &lb, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func redisGeneration(ctx context.Context, r stringGetter) (uint64, error) {
	gen, err := r.Get(ctx, redisGenerationKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *redisLeaderboardCache) Generation(ctx context.Context) (uint64, error) {
	return redisGeneration(ctx, c.client)
}

// Set writes lb only while the generation key still equals gen. The key is
// watched, so an Invalidate between the check and the write aborts it.
func (c *redisLeaderboardCache) Set(ctx context.Context, lb *model.Leaderboard, gen uint64) error {
	data, err := json.Marshal(lb)
	if err != nil {
		return err
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := redisGeneration(ctx, tx)
		if err != nil {
			return err
		}
		if cur != gen {
			return ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(lb.Timeframe), data, c.ttl)
			return nil
		})
		return err
	}, redisGenerationKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStale
	}
	return err
}

func (c *redisLeaderboardCache) Invalidate(ctx context.Context) error {
	keys := make([]string, 0, len(timeframes))
	for _, tf := range timeframes {
		keys = append(keys, c.key(tf))
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, redisGenerationKey)
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

type memoryEntry struct {
	lb      model.Leaderboard
	expires time.Time
}

type memoryLeaderboardCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	gen     uint64
	entries map[model.Timeframe]memoryEntry
}

// NewMemory creates an in-process leaderboard cache for single-instance
// deployments and tests.
func NewMemory(ttl time.Duration) LeaderboardCache {
	return &memoryLeaderboardCache{ttl: ttl, now: time.Now, entries: make(map[model.Timeframe]memoryEntry)}
}

func (c *memoryLeaderboardCache) Get(_ context.Context, tf model.Timeframe) (*model.Leaderboard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tf]
	if !ok {
		return nil, nil
	}
	if c.ttl > 0 && !c.now().Before(e.expires) {
		delete(c.entries, tf)
		return nil, nil
	}
	lb := e.lb
	lb.Entries = append([]model.LeaderboardEntry(nil), e.lb.Entries...)
	return &lb, nil
}

func (c *memoryLeaderboardCache) Generation(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

func (c *memoryLeaderboardCache) Set(_ context.Context, lb *model.Leaderboard, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return ErrStale
	}
	stored := *lb
	stored.Entries = append([]model.LeaderboardEntry(nil), lb.Entries...)
	c.entries[lb.Timeframe] = memoryEntry{lb: stored, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *memoryLeaderboardCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.entries)
	return nil
}
