// Package approver resolves who may act on a workflow step.
package approver

import (
	"context"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// UserDirectory looks up identities.
type UserDirectory interface {
	FindUsersByRole(ctx context.Context, role string) ([]types.Identity, error)
	FindUsersByIDs(ctx context.Context, ids []uint64) ([]types.Identity, error)
}

// Resolver turns a step's assignment into concrete identities.
type Resolver struct {
	users UserDirectory
}

// NewResolver creates a Resolver backed by users.
func NewResolver(users UserDirectory) *Resolver {
	return &Resolver{users: users}
}

// Resolve returns the explicit approvers followed by the role holders,
// deduplicated by identity ID in first-seen order. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, step types.WorkflowStep) ([]types.Identity, error) {
	var out []types.Identity
	seen := make(map[uint64]struct{})
	add := func(ids []types.Identity) {
		for _, id := range ids {
			if _, dup := seen[id.ID]; dup {
				continue
			}
			seen[id.ID] = struct{}{}
			out = append(out, id)
		}
	}

	if len(step.ApproverUserIDs) > 0 {
		users, err := r.users.FindUsersByIDs(ctx, step.ApproverUserIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load approvers for step %d: %w", step.ID, err)
		}
		add(users)
	}
	if step.ApproverRole != "" {
		users, err := r.users.FindUsersByRole(ctx, step.ApproverRole)
		if err != nil {
			return nil, fmt.Errorf("failed to load role %s for step %d: %w", step.ApproverRole, step.ID, err)
		}
		add(users)
	}
	return out, nil
}

// CanApprove reports whether actor is listed on the step or holds its role.
func CanApprove(actor *types.Identity, step types.WorkflowStep) bool {
	if actor == nil {
		return false
	}
	for _, id := range step.ApproverUserIDs {
		if id == actor.ID {
			return true
		}
	}
	return step.ApproverRole != "" && actor.HasRole(step.ApproverRole)
}
