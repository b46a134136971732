package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	// ErrActiveInstanceExists is returned by CreateInstance when another
	// pending or in-progress instance is bound to the same entity.
	ErrActiveInstanceExists = errors.New("active workflow instance already exists for entity")
	// ErrConcurrentModification is returned by UpdateInstance when the stored
	// version no longer matches. The caller should reload and retry.
	ErrConcurrentModification = errors.New("workflow instance was modified concurrently")
)

// Storage defines the interface for persisting and retrieving definitions and instances.
type Storage interface {
	// SaveDefinition saves a workflow definition.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)

	// FindActiveDefinition returns the active definition for entityType. With an
	// empty name the active definition with the lowest ID is returned.
	FindActiveDefinition(ctx context.Context, entityType, name string) (types.WorkflowDefinition, error)

	// CreateInstance persists a new instance. It fails with ErrActiveInstanceExists
	// if an active instance is already bound to the same entity.
	CreateInstance(ctx context.Context, inst types.WorkflowInstance) error

	// UpdateInstance persists inst if the stored version equals inst.Version and
	// stores it with the version incremented.
	UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// FindActiveInstance returns the pending or in-progress instance for an entity.
	FindActiveInstance(ctx context.Context, entityType string, entityID uint64) (types.WorkflowInstance, error)

	// ListActiveInstances returns every pending or in-progress instance.
	ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error)
}

type batchSaver interface {
	SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error
}

// SaveDefinitions saves defs, using the backend's batch write when it has one.
func SaveDefinitions(ctx context.Context, s Storage, defs []types.WorkflowDefinition) error {
	if b, ok := s.(batchSaver); ok {
		return b.SaveDefinitions(ctx, defs)
	}
	for _, def := range defs {
		if err := s.SaveDefinition(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// pickDefinition selects the matching active definition with the lowest ID.
func pickDefinition(defs []types.WorkflowDefinition, entityType, name string) (types.WorkflowDefinition, bool) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	for _, def := range defs {
		if !def.IsActive || def.EntityType != entityType {
			continue
		}
		if name != "" && def.Name != name {
			continue
		}
		return def, true
	}
	return types.WorkflowDefinition{}, false
}

func sortInstances(insts []types.WorkflowInstance) {
	sort.Slice(insts, func(i, j int) bool { return insts[i].ID < insts[j].ID })
}
