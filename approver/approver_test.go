package approver

import (
	"context"
	"errors"
	"testing"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	users   []types.Identity
	failIDs bool
}

func (f *fakeDirectory) FindUsersByRole(_ context.Context, role string) ([]types.Identity, error) {
	var out []types.Identity
	for _, u := range f.users {
		if u.HasRole(role) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeDirectory) FindUsersByIDs(_ context.Context, ids []uint64) ([]types.Identity, error) {
	if f.failIDs {
		return nil, errors.New("directory down")
	}
	var out []types.Identity
	for _, id := range ids {
		for _, u := range f.users {
			if u.ID == id {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{users: []types.Identity{
		{ID: 1, Name: "alice", Roles: []string{"ROLE_CISO"}},
		{ID: 2, Name: "bob", Roles: []string{"ROLE_CISO", "ROLE_MANAGER"}},
		{ID: 3, Name: "carol"},
	}}
}

func ids(users []types.Identity) []uint64 {
	out := make([]uint64, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestResolve(t *testing.T) {
	r := NewResolver(newDirectory())
	ctx := context.Background()

	tests := []struct {
		name string
		step types.WorkflowStep
		want []uint64
	}{
		{"role only", types.WorkflowStep{ID: 1, ApproverRole: "ROLE_CISO"}, []uint64{1, 2}},
		{"ids only", types.WorkflowStep{ID: 1, ApproverUserIDs: []uint64{3}}, []uint64{3}},
		{"ids first then role, deduplicated", types.WorkflowStep{ID: 1, ApproverRole: "ROLE_CISO", ApproverUserIDs: []uint64{2, 3}}, []uint64{2, 3, 1}},
		{"unknown id skipped", types.WorkflowStep{ID: 1, ApproverUserIDs: []uint64{42}}, []uint64{}},
		{"nobody", types.WorkflowStep{ID: 1, ApproverRole: "ROLE_CEO"}, []uint64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.step)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestResolveDirectoryError(t *testing.T) {
	dir := newDirectory()
	dir.failIDs = true
	_, err := NewResolver(dir).Resolve(context.Background(), types.WorkflowStep{ID: 4, ApproverUserIDs: []uint64{1}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "step 4")
}

func TestCanApprove(t *testing.T) {
	step := types.WorkflowStep{ApproverRole: "ROLE_CISO", ApproverUserIDs: []uint64{3}}

	assert.True(t, CanApprove(&types.Identity{ID: 1, Roles: []string{"ROLE_CISO"}}, step))
	assert.True(t, CanApprove(&types.Identity{ID: 3}, step))
	assert.False(t, CanApprove(&types.Identity{ID: 4, Roles: []string{"ROLE_MANAGER"}}, step))
	assert.False(t, CanApprove(nil, step))
	assert.False(t, CanApprove(&types.Identity{ID: 4}, types.WorkflowStep{}), "a step without assignment has no approvers")
}
