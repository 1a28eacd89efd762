// Package clients provides the shared resilience primitives composed into
// every vendor connector: request rate limiting, circuit breaking, retry
// with exponential backoff, token caching, and a REST client tying them
// together.
package clients

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/metrics"
)

// CounterStore tracks request counts per key inside fixed time windows.
// Implementations must be safe for concurrent use.
type CounterStore interface {
	// Incr increments the counter for key and returns the new value.
	// The entry expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// MemoryCounterStore is the in-process CounterStore used when no shared
// backend is configured.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an in-process counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{entries: make(map[string]*counterEntry)}
}

// Incr increments the counter for key
func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: now.Add(ttl)}
		s.entries[key] = entry
	}
	entry.count++

	// Opportunistic cleanup of expired siblings
	if len(s.entries) > 1024 {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
	}

	return entry.count, nil
}

// RedisCounterStore backs the rate-limit windows with Redis so that
// counters are shared across worker processes.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Incr increments the counter for key
func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis rate-limit incr: %w", err)
	}
	return incr.Val(), nil
}

// WindowLimiter delays requests that would exceed a per-key requests-per-
// minute budget. Requests past the budget are held until the current
// 60-second window resets, never rejected.
type WindowLimiter struct {
	store  CounterStore
	window time.Duration
	logger *zap.Logger

	// sleep is replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	delayed int64
}

// NewWindowLimiter creates a limiter over the given counter store.
func NewWindowLimiter(store CounterStore, logger *zap.Logger) *WindowLimiter {
	return &WindowLimiter{
		store:  store,
		window: time.Minute,
		logger: logger.With(zap.String("component", "rate_limiter")),
		sleep:  sleepCtx,
	}
}

// Wait blocks until a request under key fits inside the current window's
// budget. limit <= 0 disables throttling for the key.
func (l *WindowLimiter) Wait(ctx context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}

	for {
		now := time.Now()
		windowKey := fmt.Sprintf("ratelimit:%s:%d", key, now.Unix()/int64(l.window.Seconds()))

		count, err := l.store.Incr(ctx, windowKey, l.window)
		if err != nil {
			// Fail open: a broken counter backend should degrade to
			// unthrottled requests, not a stalled sync.
			l.logger.Warn("rate-limit counter unavailable", zap.Error(err))
			return nil
		}

		if count <= int64(limit) {
			return nil
		}

		resetIn := l.window - time.Duration(now.Unix()%int64(l.window.Seconds()))*time.Second
		l.mu.Lock()
		l.delayed++
		l.mu.Unlock()

		// Rate-limit keys are "<vendor>:<integration_id>".
		vendor, _, _ := strings.Cut(key, ":")
		metrics.RateLimitDelays.WithLabelValues(vendor).Inc()

		l.logger.Debug("rate limit reached, delaying request",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("reset_in", resetIn))

		if err := l.sleep(ctx, resetIn); err != nil {
			return err
		}
	}
}

// DelayedCount returns how many requests have been delayed by the limiter.
func (l *WindowLimiter) DelayedCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
