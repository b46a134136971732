package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[uint64]types.WorkflowDefinition
	instances   map[uint64]types.WorkflowInstance
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.WorkflowDefinition),
		instances:   make(map[uint64]types.WorkflowInstance),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.SaveDefinitions(ctx, []types.WorkflowDefinition{def})
}

// SaveDefinitions saves multiple definitions in a single lock.
func (s *MemoryStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, def := range defs {
			s.definitions[def.ID] = def
		}
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// FindActiveDefinition returns the active definition for entityType and optional name.
func (s *MemoryStorage) FindActiveDefinition(ctx context.Context, entityType, name string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defs := make([]types.WorkflowDefinition, 0, len(s.definitions))
		for _, def := range s.definitions {
			defs = append(defs, def)
		}
		s.mu.RUnlock()

		def, ok := pickDefinition(defs, entityType, name)
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: entity_type=%s name=%q", ErrDefinitionNotFound, entityType, name)
		}
		return def, nil
	})
}

// CreateInstance stores a new instance, enforcing one active instance per entity.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.instances[inst.ID]; exists {
			return fmt.Errorf("instance %d already exists", inst.ID)
		}
		if inst.IsActive() {
			for _, other := range s.instances {
				if other.IsActive() && other.EntityType == inst.EntityType && other.EntityID == inst.EntityID {
					return fmt.Errorf("%w: %s/%d", ErrActiveInstanceExists, inst.EntityType, inst.EntityID)
				}
			}
		}
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// UpdateInstance stores inst under optimistic locking.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		existing, ok := s.instances[inst.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		if existing.Version != inst.Version {
			return fmt.Errorf("%w: id=%d expected version %d, got %d", ErrConcurrentModification, inst.ID, inst.Version, existing.Version)
		}
		stored := inst.Clone()
		stored.Version++
		s.instances[inst.ID] = stored
		return nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return inst, err
	}
	return inst.Clone(), nil
}

// FindActiveInstance returns the active instance bound to the entity.
func (s *MemoryStorage) FindActiveInstance(ctx context.Context, entityType string, entityID uint64) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, inst := range s.instances {
			if inst.IsActive() && inst.EntityType == entityType && inst.EntityID == entityID {
				return inst.Clone(), nil
			}
		}
		return types.WorkflowInstance{}, fmt.Errorf("%w: %s/%d", ErrInstanceNotFound, entityType, entityID)
	})
}

// ListActiveInstances returns every active instance ordered by ID.
func (s *MemoryStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.instances {
			if inst.IsActive() {
				out = append(out, inst.Clone())
			}
		}
		sortInstances(out)
		return out, nil
	})
}
