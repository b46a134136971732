// Package fields gives the engine read-only access to watched entities through
// explicit per-type accessor maps.
package fields

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrFieldNotFound is returned for a field the entity type does not expose.
	ErrFieldNotFound = errors.New("field not found")
	// ErrUnknownEntityType is returned when no accessors are registered for the type.
	ErrUnknownEntityType = errors.New("unknown entity type")
)

// Entity is a watched business object, referenced by type and identity.
type Entity interface {
	EntityType() string
	EntityID() uint64
}

// Getter reads one field of an entity.
type Getter func(Entity) interface{}

// Registry maps entity types to their field accessors.
type Registry struct {
	mu       sync.RWMutex
	accessor map[string]map[string]Getter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{accessor: make(map[string]map[string]Getter)}
}

// Register installs typed accessors for entityType. Registering the same type
// twice merges the field sets.
func Register[T Entity](r *Registry, entityType string, getters map[string]func(T) interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.accessor[entityType]
	if !ok {
		m = make(map[string]Getter, len(getters))
		r.accessor[entityType] = m
	}
	for name, get := range getters {
		get := get
		m[name] = func(e Entity) interface{} {
			t, ok := e.(T)
			if !ok {
				return nil
			}
			return get(t)
		}
	}
}

// Get returns the value of field name on e with pointers unwrapped.
func (r *Registry) Get(e Entity, name string) (interface{}, error) {
	r.mu.RLock()
	m, ok := r.accessor[e.EntityType()]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, e.EntityType())
	}
	get, ok := m[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, e.EntityType(), name)
	}
	return Deref(get(e)), nil
}

// Has reports whether entityType exposes field name.
func (r *Registry) Has(entityType, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accessor[entityType][name]
	return ok
}

// Values returns every registered field of e, for expression environments.
func (r *Registry) Values(e Entity) (map[string]interface{}, error) {
	r.mu.RLock()
	m, ok := r.accessor[e.EntityType()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, e.EntityType())
	}
	out := make(map[string]interface{}, len(m))
	for name, get := range m {
		out[name] = Deref(get(e))
	}
	return out, nil
}

// Lookup binds Get to e.
func (r *Registry) Lookup(e Entity) func(string) (interface{}, error) {
	return func(name string) (interface{}, error) {
		return r.Get(e, name)
	}
}

// IsEmpty reports whether v counts as not filled in: nil, a nil pointer, an
// empty string, or an empty slice or map.
func IsEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return IsEmpty(rv.Elem().Interface())
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// Deref unwraps pointers, mapping nil pointers to nil.
func Deref(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}
