// Package directory is an in-memory identity and risk appetite source.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"gopkg.in/yaml.v3"
)

// Directory holds users and tenant risk appetites.
type Directory struct {
	mu        sync.RWMutex
	users     map[uint64]types.Identity
	appetites []types.RiskAppetite
	now       func() time.Time
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		users: make(map[uint64]types.Identity),
		now:   time.Now,
	}
}

// AddUser registers or replaces a user.
func (d *Directory) AddUser(u types.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// AddAppetite registers a risk appetite.
func (d *Directory) AddAppetite(a types.RiskAppetite) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appetites = append(d.appetites, a)
}

// FindUsersByRole returns every user holding role, ordered by ID.
func (d *Directory) FindUsersByRole(ctx context.Context, role string) ([]types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Identity
	for _, u := range d.users {
		if u.HasRole(role) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindUsersByIDs returns the known users among ids, in the order given.
func (d *Directory) FindUsersByIDs(ctx context.Context, ids []uint64) ([]types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Identity, 0, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// ActiveAppetite returns the tenant's currently valid appetite for category.
// An empty category selects the tenant's global appetite. An empty tenant has
// no appetite.
func (d *Directory) ActiveAppetite(ctx context.Context, tenantID, category string) (types.RiskAppetite, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.RiskAppetite{}, false, err
	}
	if tenantID == "" {
		return types.RiskAppetite{}, false, nil
	}
	now := d.now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.appetites {
		if a.TenantID == tenantID && a.Category == category && a.IsCurrentlyValid(now) {
			return a, true, nil
		}
	}
	return types.RiskAppetite{}, false, nil
}

// File is the on-disk seed format.
type File struct {
	Users     []types.Identity     `yaml:"users"`
	Appetites []types.RiskAppetite `yaml:"appetites"`
}

// LoadFile reads users and appetites from a YAML file into d.
func (d *Directory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading directory file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing directory file %s: %w", path, err)
	}
	for _, u := range f.Users {
		d.AddUser(u)
	}
	for _, a := range f.Appetites {
		d.AddAppetite(a)
	}
	return nil
}
