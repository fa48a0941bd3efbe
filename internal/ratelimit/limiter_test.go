package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindow(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < RuleChatMessage.Limit; i++ {
		ok, err := m.Allow(ctx, "u1", RuleChatMessage)
		require.NoError(t, err)
		assert.True(t, ok, "message %d", i+1)
	}
	ok, _ := m.Allow(ctx, "u1", RuleChatMessage)
	assert.False(t, ok, "sixth message in the window is refused")

	ok, _ = m.Allow(ctx, "u2", RuleChatMessage)
	assert.True(t, ok, "other users are unaffected")

	ok, _ = m.Allow(ctx, "u1", RuleConnect)
	assert.True(t, ok, "rules count separately")

	now = now.Add(RuleChatMessage.Window)
	ok, _ = m.Allow(ctx, "u1", RuleChatMessage)
	assert.True(t, ok, "a new window starts")
}

func TestRedisLimiter(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 5 * time.Second}
	client.Del(ctx, rule.Key+"u1")
	t.Cleanup(func() {
		client.Del(ctx, rule.Key+"u1")
		client.Close()
	})

	l := NewLimiter(client, zerolog.Nop())
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "u1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	left, err := l.Remaining(ctx, "u1", rule)
	require.NoError(t, err)
	assert.Zero(t, left)

	ttl := client.TTL(ctx, rule.Key+"u1").Val()
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	ok, err := NewLimiter(client, zerolog.Nop()).Allow(context.Background(), "u1", RuleConnect)
	assert.True(t, ok)
	assert.Error(t, err)
}
