package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	storageSuite(t, func(t *testing.T) Storage { return NewMemoryStorage() })

	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store.definitions)
		assert.NotNil(t, store.instances)
		assert.Empty(t, store.instances)
	})

	t.Run("ReturnedInstancesAreCopies", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, types.StatusInProgress)))

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		got.CompletedStepIDs = append(got.CompletedStepIDs, 99)

		again, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, again.CompletedStepIDs)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.SaveDefinition(ctx, newDefinition(1, "Incident", "x", true))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetDefinition(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)

		err = store.CreateInstance(ctx, newInstance(1, 1, types.StatusInProgress))
		assert.ErrorIs(t, err, context.Canceled)

		err = store.UpdateInstance(ctx, newInstance(1, 1, types.StatusInProgress))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ListActiveInstances(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentCreatesForOneEntity", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 50)

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(id uint64) {
				defer wg.Done()
				errs <- store.CreateInstance(ctx, newInstance(id, 7, types.StatusInProgress))
			}(uint64(i + 1))
		}
		wg.Wait()
		close(errs)

		created := 0
		for err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.True(t, errors.Is(err, ErrActiveInstanceExists), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, created)
	})
}

func TestGetItem(t *testing.T) {
	ctx := context.Background()
	var mu sync.RWMutex
	m := map[uint64]string{1: "one", 2: "two"}

	t.Run("Found", func(t *testing.T) {
		result, err := getItem(ctx, &mu, m, 1, errors.New("not found"))
		assert.NoError(t, err)
		assert.Equal(t, "one", result)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getItem(ctx, &mu, m, 3, errors.New("not found"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found: id=3")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := getItem(ctx, &mu, m, 1, errors.New("not found"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
