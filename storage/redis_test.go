package storage

import (
	"context"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Setup Redis options (assumes Redis is running locally)
var redisTestOptions = RedisOptions{
	Addr:         "localhost:6379",
	DB:           15,
	PoolSize:     10,
	MinIdleConns: 2,
	IdleTimeout:  5 * time.Minute,
}

func newRedisStore(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(redisTestOptions)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, store.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	storageSuite(t, func(t *testing.T) Storage { return newRedisStore(t) })

	t.Run("ConnectionFailure", func(t *testing.T) {
		_, err := NewRedisStorage(RedisOptions{Addr: "localhost:1"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("TerminalUpdateReleasesActiveSlot", func(t *testing.T) {
		store := newRedisStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 9, types.StatusInProgress)))
		inst, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		inst.Status = types.StatusApproved
		require.NoError(t, store.UpdateInstance(ctx, inst))

		n, err := store.client.Exists(ctx, activeKey("Incident", 9)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		members, err := store.client.SMembers(ctx, activeIndex).Result()
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("Close", func(t *testing.T) {
		store := newRedisStore(t)
		assert.NoError(t, store.Close())
		_, err := store.GetInstance(context.Background(), 1)
		assert.Error(t, err)
	})
}
