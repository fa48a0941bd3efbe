// Package ratelimit provides fixed-window rate limiting using Redis INCR +
// EXPIRE, shared by every node, with an in-process fallback for single-node
// development.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:chat:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleChatMessage allows 5 chat messages per 10 seconds per user.
	RuleChatMessage = Rule{Key: "rl:chat:", Limit: 5, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket upgrades per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Allower decides whether an action by identifier is within rule.
type Allower interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.With().Str("component", "ratelimit").Logger()}
}

// Allow increments the identifier's counter and sets the expiry on first
// access. On Redis errors it fails open so that an outage does not block
// legitimate traffic; the error is still returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("INCR failed, failing open")
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window. On Redis errors it returns the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("GET failed, failing open")
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

type window struct {
	count int
	ends  time.Time
}

// Memory is a process-local Allower with the same fixed-window semantics.
type Memory struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{windows: make(map[string]window), now: time.Now}
}

func (m *Memory) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[key]
	if !now.Before(w.ends) {
		w = window{ends: now.Add(rule.Window)}
	}
	w.count++
	m.windows[key] = w
	return w.count <= rule.Limit, nil
}
