// Package cache provides last-known-value storage for cacheable topics. The
// Redis store is shared by every node so a push stream opened anywhere replays
// the same value; the memory store serves tests and single-node development.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foodfast/realtime/internal/fanout"
)

// KeyPrefix is prepended to the topic to form the Redis key, e.g.
// "lastvalue:announcements:maintenance".
const KeyPrefix = "lastvalue:"

// RedisStore keeps one value per topic in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put overwrites the value for topic. A non-positive ttl is rejected since an
// unbounded last value would be replayed forever.
func (s *RedisStore) Put(ctx context.Context, topic fanout.Topic, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: put %s: non-positive ttl %s", topic, ttl)
	}
	if err := s.client.Set(ctx, KeyPrefix+string(topic), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: put %s: %w", topic, err)
	}
	return nil
}

// Get returns the value for topic, or ok=false when absent or expired.
func (s *RedisStore) Get(ctx context.Context, topic fanout.Topic) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, KeyPrefix+string(topic)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", topic, err)
	}
	return data, true, nil
}

// Delete removes the value for topic.
func (s *RedisStore) Delete(ctx context.Context, topic fanout.Topic) error {
	return s.client.Del(ctx, KeyPrefix+string(topic)).Err()
}
