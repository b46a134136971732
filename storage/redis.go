package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix = "definition:"
	definitionIndex  = "definitions"
	instancePrefix   = "instance:"
	activePrefix     = "active:"
	activeIndex      = "instances:active"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Optimistic locking uses WATCH/MULTI on the instance key.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

func definitionKey(id uint64) string { return fmt.Sprintf("%s%d", definitionPrefix, id) }
func instanceKey(id uint64) string   { return fmt.Sprintf("%s%d", instancePrefix, id) }
func activeKey(entityType string, entityID uint64) string {
	return fmt.Sprintf("%s%s:%d", activePrefix, entityType, entityID)
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// mgetFromRedis loads every key, skipping ones deleted in between.
func mgetFromRedis[T any](ctx context.Context, client *redis.Client, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget %d keys: %v", len(keys), err)
	}
	out := make([]T, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.SaveDefinitions(ctx, []types.WorkflowDefinition{def})
}

// SaveDefinitions saves multiple definitions to Redis using pipelining.
func (s *RedisStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, def := range defs {
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %d: %v", def.ID, err)
			}
			pipe.Set(ctx, definitionKey(def.ID), data, 0)
			pipe.SAdd(ctx, definitionIndex, def.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for definitions: %v", err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, definitionKey(id), ErrDefinitionNotFound)
}

// FindActiveDefinition scans the definition index for the matching active definition.
func (s *RedisStorage) FindActiveDefinition(ctx context.Context, entityType, name string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		keys, err := s.indexKeys(ctx, definitionIndex, definitionKey)
		if err != nil {
			return types.WorkflowDefinition{}, err
		}
		defs, err := mgetFromRedis[types.WorkflowDefinition](ctx, s.client, keys)
		if err != nil {
			return types.WorkflowDefinition{}, err
		}
		def, ok := pickDefinition(defs, entityType, name)
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: entity_type=%s name=%q", ErrDefinitionNotFound, entityType, name)
		}
		return def, nil
	})
}

// CreateInstance stores a new instance and claims the entity's active slot atomically.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		slot := activeKey(inst.EntityType, inst.EntityID)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			if inst.IsActive() {
				n, err := tx.Exists(ctx, slot).Result()
				if err != nil {
					return fmt.Errorf("failed to check %s: %v", slot, err)
				}
				if n > 0 {
					return fmt.Errorf("%w: %s/%d", ErrActiveInstanceExists, inst.EntityType, inst.EntityID)
				}
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, instanceKey(inst.ID), data, 0)
				if inst.IsActive() {
					pipe.Set(ctx, slot, inst.ID, 0)
					pipe.SAdd(ctx, activeIndex, inst.ID)
				}
				return nil
			})
			return err
		}, slot)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %s/%d", ErrActiveInstanceExists, inst.EntityType, inst.EntityID)
		}
		return err
	})
}

// UpdateInstance stores inst if its version still matches the stored one.
func (s *RedisStorage) UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		key := instanceKey(inst.ID)
		stored := inst.Clone()
		stored.Version++
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := getFromRedis[types.WorkflowInstance](ctx, tx, key, ErrInstanceNotFound)
			if err != nil {
				return err
			}
			if existing.Version != inst.Version {
				return fmt.Errorf("%w: id=%d expected version %d, got %d", ErrConcurrentModification, inst.ID, inst.Version, existing.Version)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if !stored.IsActive() {
					pipe.Del(ctx, activeKey(inst.EntityType, inst.EntityID))
					pipe.SRem(ctx, activeIndex, inst.ID)
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%d", ErrConcurrentModification, inst.ID)
		}
		return err
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
}

// FindActiveInstance resolves the entity's active slot.
func (s *RedisStorage) FindActiveInstance(ctx context.Context, entityType string, entityID uint64) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		id, err := s.client.Get(ctx, activeKey(entityType, entityID)).Uint64()
		if errors.Is(err, redis.Nil) {
			return types.WorkflowInstance{}, fmt.Errorf("%w: %s/%d", ErrInstanceNotFound, entityType, entityID)
		} else if err != nil {
			return types.WorkflowInstance{}, fmt.Errorf("failed to resolve active instance: %v", err)
		}
		return s.GetInstance(ctx, id)
	})
}

// ListActiveInstances returns every active instance ordered by ID.
func (s *RedisStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		keys, err := s.indexKeys(ctx, activeIndex, instanceKey)
		if err != nil {
			return nil, err
		}
		insts, err := mgetFromRedis[types.WorkflowInstance](ctx, s.client, keys)
		if err != nil {
			return nil, err
		}
		out := insts[:0]
		for _, inst := range insts {
			if inst.IsActive() {
				out = append(out, inst)
			}
		}
		sortInstances(out)
		return out, nil
	})
}

func (s *RedisStorage) indexKeys(ctx context.Context, index string, keyFn func(uint64) string) ([]string, error) {
	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", index, err)
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, keyFn(id))
	}
	return keys, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
