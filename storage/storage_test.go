package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Helper function to create a sample definition
func newDefinition(id uint64, entityType, name string, active bool) types.WorkflowDefinition {
	days := 2
	return types.WorkflowDefinition{
		ID:         id,
		Name:       name,
		EntityType: entityType,
		IsActive:   active,
		Steps: []types.WorkflowStep{
			{ID: 1, Name: "Review", StepType: types.StepTypeApproval, ApproverRole: "ROLE_MANAGER", DaysToComplete: &days},
			{ID: 2, Name: "Sign-off", StepType: types.StepTypeApproval, ApproverUserIDs: []uint64{7}},
		},
	}
}

// Helper function to create a sample instance
func newInstance(id uint64, entityID uint64, status string) types.WorkflowInstance {
	due := baseTime.Add(48 * time.Hour)
	return types.WorkflowInstance{
		ID:               id,
		DefinitionID:     1,
		DefinitionName:   "Review",
		EntityType:       "Incident",
		EntityID:         entityID,
		Status:           status,
		CurrentStepID:    1,
		CompletedStepIDs: []uint64{},
		DueDate:          &due,
		StartedAt:        baseTime,
		ApprovalHistory:  []types.ApprovalHistoryEntry{},
	}
}

// storageSuite runs the behaviour every backend must share.
func storageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		def := newDefinition(1, "Incident", "High Severity Incident", true)
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetDefinition(ctx, 99)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("FindActiveDefinition", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, SaveDefinitions(ctx, store, []types.WorkflowDefinition{
			newDefinition(3, "Incident", "Medium Severity Incident", true),
			newDefinition(2, "Incident", "High Severity Incident", true),
			newDefinition(1, "Incident", "Retired", false),
			newDefinition(4, "Document", "Policy Approval", true),
		}))

		got, err := store.FindActiveDefinition(ctx, "Incident", "")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.ID, "lowest active id wins without a name")

		got, err = store.FindActiveDefinition(ctx, "Incident", "Medium Severity Incident")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.ID)

		_, err = store.FindActiveDefinition(ctx, "Incident", "Retired")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)

		_, err = store.FindActiveDefinition(ctx, "Risk", "")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("CreateAndGetInstance", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(10, 100, types.StatusInProgress)
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, inst.EntityID, got.EntityID)
		assert.Equal(t, inst.Status, got.Status)
		assert.Equal(t, inst.CurrentStepID, got.CurrentStepID)
		assert.True(t, inst.DueDate.Equal(*got.DueDate))
		assert.Equal(t, int64(0), got.Version)

		_, err = store.GetInstance(ctx, 11)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("OneActiveInstancePerEntity", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateInstance(ctx, newInstance(20, 200, types.StatusInProgress)))
		err := store.CreateInstance(ctx, newInstance(21, 200, types.StatusInProgress))
		assert.ErrorIs(t, err, ErrActiveInstanceExists)

		// A different entity is unaffected.
		require.NoError(t, store.CreateInstance(ctx, newInstance(22, 201, types.StatusInProgress)))

		// Once the first terminates, a new one may start.
		first, err := store.GetInstance(ctx, 20)
		require.NoError(t, err)
		first.Status = types.StatusCancelled
		first.CurrentStepID = 0
		require.NoError(t, store.UpdateInstance(ctx, first))
		require.NoError(t, store.CreateInstance(ctx, newInstance(23, 200, types.StatusInProgress)))

		active, err := store.FindActiveInstance(ctx, "Incident", 200)
		require.NoError(t, err)
		assert.Equal(t, uint64(23), active.ID)
	})

	t.Run("UpdateInstanceVersioning", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateInstance(ctx, newInstance(30, 300, types.StatusInProgress)))

		a, err := store.GetInstance(ctx, 30)
		require.NoError(t, err)
		b, err := store.GetInstance(ctx, 30)
		require.NoError(t, err)

		a.CompletedStepIDs = append(a.CompletedStepIDs, 1)
		a.CurrentStepID = 2
		require.NoError(t, store.UpdateInstance(ctx, a))

		b.Status = types.StatusRejected
		err = store.UpdateInstance(ctx, b)
		assert.ErrorIs(t, err, ErrConcurrentModification)

		got, err := store.GetInstance(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, uint64(2), got.CurrentStepID)
		assert.Equal(t, types.StatusInProgress, got.Status)

		err = store.UpdateInstance(ctx, newInstance(31, 301, types.StatusInProgress))
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ListActiveInstances", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateInstance(ctx, newInstance(42, 402, types.StatusInProgress)))
		require.NoError(t, store.CreateInstance(ctx, newInstance(41, 401, types.StatusPending)))
		require.NoError(t, store.CreateInstance(ctx, newInstance(43, 403, types.StatusApproved)))

		active, err := store.ListActiveInstances(ctx)
		require.NoError(t, err)
		ids := make([]uint64, 0, len(active))
		for _, inst := range active {
			ids = append(ids, inst.ID)
		}
		assert.Equal(t, []uint64{41, 42}, ids)

		_, err = store.FindActiveInstance(ctx, "Incident", 403)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ConcurrentUpdatesOneWins", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateInstance(ctx, newInstance(50, 500, types.StatusInProgress)))
		base, err := store.GetInstance(ctx, 50)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				inst := base.Clone()
				inst.Comments = fmt.Sprintf("writer %d", n)
				results <- store.UpdateInstance(ctx, inst)
			}(i)
		}
		wg.Wait()
		close(results)

		var ok, conflicts int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConcurrentModification):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 7, conflicts)
	})
}

func TestWithContext(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		result, err := withContext(context.Background(), func() (string, error) {
			return "success", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "success", result)
	})

	t.Run("Error", func(t *testing.T) {
		_, err := withContext(context.Background(), func() (string, error) {
			return "", errors.New("operation failed")
		})
		assert.EqualError(t, err, "operation failed")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := withContext(ctx, func() (string, error) {
			t.Fatal("fn must not run on a canceled context")
			return "", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPickDefinition(t *testing.T) {
	defs := []types.WorkflowDefinition{
		newDefinition(5, "Incident", "B", true),
		newDefinition(2, "Incident", "A", false),
		newDefinition(3, "Incident", "A", true),
	}
	got, ok := pickDefinition(defs, "Incident", "")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), got.ID)

	got, ok = pickDefinition(defs, "Incident", "B")
	assert.True(t, ok)
	assert.Equal(t, uint64(5), got.ID)

	_, ok = pickDefinition(defs, "Document", "")
	assert.False(t, ok)
}
