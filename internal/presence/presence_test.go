package presence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodfast/realtime/internal/auth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, prefix := range []string{ConnPrefix + "test_*", UserPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client, "node-a")
}

func exerciseTracker(t *testing.T, tr Tracker) {
	t.Helper()
	ctx := context.Background()
	user := auth.Identity{UserID: "test_u1", Role: auth.RoleSupportAgent}

	online, err := tr.Online(ctx, user.UserID)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, tr.Register(ctx, "test_c1", user))
	require.NoError(t, tr.Register(ctx, "test_c2", user))

	online, err = tr.Online(ctx, user.UserID)
	require.NoError(t, err)
	assert.True(t, online)

	left, err := tr.Unregister(ctx, "test_c1", user.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	left, err = tr.Unregister(ctx, "test_c2", user.UserID)
	require.NoError(t, err)
	assert.Zero(t, left, "last connection gone")

	left, err = tr.Unregister(ctx, "test_c2", user.UserID)
	require.NoError(t, err)
	assert.Zero(t, left, "unregister is idempotent")
}

func TestMemoryTracker(t *testing.T) {
	exerciseTracker(t, NewMemory())
}

func TestRedisTracker(t *testing.T) {
	s := newTestStore(t)
	exerciseTracker(t, s)

	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "test_c3", auth.Identity{UserID: "test_u2", Role: auth.RoleCustomer}))
	c, err := s.Get(ctx, "test_c3")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "test_u2", c.UserID)
	assert.Equal(t, "Customer", c.Role)
	assert.Equal(t, "node-a", c.Server)
	require.NoError(t, s.Refresh(ctx, "test_c3", "test_u2"))

	missing, err := s.Get(ctx, "test_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
