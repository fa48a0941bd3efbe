package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodfast/realtime/internal/fanout"
)

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	topic := fanout.AnnouncementTopic("maintenance")
	require.NoError(t, s.Put(ctx, topic, []byte(`{"id":"a"}`), time.Minute))

	data, ok, err := s.Get(ctx, topic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"a"}`, string(data))

	now = now.Add(time.Minute)
	_, ok, err = s.Get(ctx, topic)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreRejectsNonPositiveTTL(t *testing.T) {
	s := NewMemoryStore()
	err := s.Put(context.Background(), fanout.AnnouncementTopic("feature"), []byte("x"), 0)
	assert.Error(t, err)
}

func TestMemoryStoreCopiesInput(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	topic := fanout.AnnouncementTopic("promotion")

	buf := []byte("first")
	require.NoError(t, s.Put(ctx, topic, buf, time.Minute))
	buf[0] = 'X'

	data, _, _ := s.Get(ctx, topic)
	assert.Equal(t, "first", string(data))
}

func TestRegistryReplaysFromMemoryStore(t *testing.T) {
	reg := fanout.New(fanout.DefaultConfig(),
		fanout.WithCache(NewMemoryStore()),
		fanout.WithCacheable(fanout.EventAnnouncement))
	defer reg.Close()

	ctx := context.Background()
	topic := fanout.AnnouncementTopic("maintenance")
	e, err := fanout.NewEvent(topic, fanout.EventAnnouncement, map[string]string{"title": "Upgrade"})
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, e.WithExpiry(time.Now().Add(time.Hour))))

	got, ok := reg.LastValue(ctx, topic)
	require.True(t, ok)
	assert.Equal(t, e.ID, got.ID)
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, KeyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewRedisStore(client)
}

func TestRedisStorePutGet(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	topic := fanout.Topic("test_announcements:maintenance")

	_, ok, err := s.Get(ctx, topic)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, topic, []byte(`{"id":"1"}`), time.Minute))
	data, ok, err := s.Get(ctx, topic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"1"}`, string(data))

	ttl := s.client.TTL(ctx, KeyPrefix+string(topic)).Val()
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, s.Delete(ctx, topic))
	_, ok, _ = s.Get(ctx, topic)
	assert.False(t, ok)
}
