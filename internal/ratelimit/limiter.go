// Package ratelimit throttles task submissions per client.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"video-uploader/internal/config"
)

// Limiter decides whether a request from key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// New returns a Redis token bucket when an address is configured, an
// in-process limiter otherwise, and nil when Capacity is not positive.
func New(ctx context.Context, cfg config.RateLimitConfig) (Limiter, error) {
	if cfg.Capacity <= 0 {
		return nil, nil
	}
	if cfg.RedisAddr == "" {
		return NewLocal(cfg.Capacity, cfg.RefillPerSec), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping rate limit redis: %w", err)
	}
	ttl := time.Hour
	if cfg.RefillPerSec > 0 {
		ttl = time.Duration(float64(cfg.Capacity)/cfg.RefillPerSec*float64(time.Second)) + time.Minute
	}
	return NewTokenBucket(client, cfg.Capacity, cfg.RefillPerSec, ttl), nil
}

// Local keeps one x/time/rate limiter per key in memory.
type Local struct {
	capacity int
	refill   rate.Limit

	mu       sync.Mutex
	limiters map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const maxIdle = 30 * time.Minute

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		limiters: make(map[string]*entry),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= 1024 {
			l.sweep(now)
		}
		e = &entry{limiter: rate.NewLimiter(l.refill, l.capacity)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

func (l *Local) sweep(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(l.limiters, k)
		}
	}
}
