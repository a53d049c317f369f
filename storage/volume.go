package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VolumeTracker accumulates the USD the operator spent today (UTC).
type VolumeTracker interface {
	Used(ctx context.Context) (float64, error)
	Add(ctx context.Context, usd float64) error
}

// NewRedisClient builds a client and pings it.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

const volumeKeyPrefix = "copytrader:volume:"

// RedisVolumeTracker keeps one counter per UTC day so several processes
// sharing a wallet share the limit.
type RedisVolumeTracker struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedisVolumeTracker(rdb *redis.Client) *RedisVolumeTracker {
	return &RedisVolumeTracker{redis: rdb, now: time.Now}
}

func (t *RedisVolumeTracker) key() string {
	return volumeKeyPrefix + t.now().UTC().Format("2006-01-02")
}

func (t *RedisVolumeTracker) Used(ctx context.Context) (float64, error) {
	val, err := t.redis.Get(ctx, t.key()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: get daily volume: %w", err)
	}
	used, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse daily volume %q: %w", val, err)
	}
	return used, nil
}

func (t *RedisVolumeTracker) Add(ctx context.Context, usd float64) error {
	if usd <= 0 {
		return nil
	}
	key := t.key()
	pipe := t.redis.TxPipeline()
	pipe.IncrByFloat(ctx, key, usd)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: add daily volume: %w", err)
	}
	return nil
}

// MemoryVolumeTracker is the single-process fallback when Redis is not
// configured.
type MemoryVolumeTracker struct {
	mu   sync.Mutex
	day  string
	used float64
	now  func() time.Time
}

func NewMemoryVolumeTracker() *MemoryVolumeTracker {
	return &MemoryVolumeTracker{now: time.Now}
}

func (t *MemoryVolumeTracker) roll() {
	day := t.now().UTC().Format("2006-01-02")
	if day != t.day {
		t.day = day
		t.used = 0
	}
}

func (t *MemoryVolumeTracker) Used(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	return t.used, nil
}

func (t *MemoryVolumeTracker) Add(ctx context.Context, usd float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	if usd > 0 {
		t.used += usd
	}
	return nil
}

var (
	_ VolumeTracker = (*RedisVolumeTracker)(nil)
	_ VolumeTracker = (*MemoryVolumeTracker)(nil)
)
