package acceptance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/domain"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

var (
	requester = &types.Identity{ID: 1, Name: "Rita Requester", Roles: []string{"ROLE_RISK_OWNER"}}
	manager   = &types.Identity{ID: 2, Name: "Max Manager", Roles: []string{"ROLE_MANAGER"}}
	ciso      = &types.Identity{ID: 3, Name: "Carl CISO", Roles: []string{"ROLE_CISO"}}
	ceo       = &types.Identity{ID: 4, Name: "Erin Executive", Roles: []string{"ROLE_CEO"}}
)

func days(n int) *int { return &n }

func TestDetermineLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, LevelAutomatic},
		{3, LevelAutomatic},
		{3.5, LevelManager},
		{4, LevelManager},
		{7, LevelManager},
		{7.5, LevelExecutive},
		{8, LevelExecutive},
		{25, LevelExecutive},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetermineLevel(tt.score), "score %g", tt.score)
	}
}

func TestThresholds(t *testing.T) {
	got := Thresholds()
	require.Len(t, got, 3)
	for i, th := range got {
		assert.Equal(t, th.Level, DetermineLevel(th.MinScore), "band %d lower bound", i)
		assert.Equal(t, th.Level, DetermineLevel(th.MaxScore), "band %d upper bound", i)
	}
	assert.Equal(t, 4.0, got[1].MinScore)
	assert.Equal(t, 8.0, got[2].MinScore)
	assert.Equal(t, 25.0, got[2].MaxScore)
}

type fixture struct {
	service *Service
	engine  *workflow.Engine
	dir     *directory.Directory
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveDefinitions(ctx, []types.WorkflowDefinition{
		{ID: 1, Name: ManagerDefinition, EntityType: domain.TypeRisk, IsActive: true, Steps: []types.WorkflowStep{
			{ID: 1, Name: "Manager Acceptance", StepType: types.StepTypeApproval, ApproverRole: "ROLE_MANAGER", DaysToComplete: days(5)},
		}},
		{ID: 2, Name: ExecutiveDefinition, EntityType: domain.TypeRisk, IsActive: true, Steps: []types.WorkflowStep{
			{ID: 2, Name: "CISO Review", StepType: types.StepTypeApproval, ApproverRole: "ROLE_CISO", DaysToComplete: days(3)},
			{ID: 3, Name: "Executive Acceptance", StepType: types.StepTypeApproval, ApproverRole: "ROLE_CEO", DaysToComplete: days(5)},
		}},
	}))

	dir := directory.New()
	for _, u := range []*types.Identity{requester, manager, ciso, ceo} {
		dir.AddUser(*u)
	}
	dir.AddAppetite(types.RiskAppetite{ID: 1, TenantID: "acme", Name: "Global", MaxAcceptableRisk: 20, IsActive: true, ValidFrom: time.Now().AddDate(-1, 0, 0)})
	dir.AddAppetite(types.RiskAppetite{ID: 2, TenantID: "acme", Name: "Legal", Category: "legal", MaxAcceptableRisk: 5, IsActive: true, ValidFrom: time.Now().AddDate(-1, 0, 0)})

	engine, err := workflow.NewEngine(&MockGenerator{}, store, dir)
	require.NoError(t, err)

	f := &fixture{engine: engine, dir: dir, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.service = NewService(engine, dir, WithClock(func() time.Time { return f.now }))
	return f
}

func acceptableRisk(id uint64, score float64) *domain.Risk {
	return &domain.Risk{ID: id, TenantID: "acme", TreatmentStrategy: "accept", Status: "assessed", ResidualRisk: &score}
}

func TestRequestAcceptanceRoutesByScore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		score      float64
		wantStatus string
		wantLevel  string
		wantDef    string
	}{
		{"automatic at 3", 3, StatusAccepted, LevelAutomatic, ""},
		{"manager at 4", 4, StatusPendingApproval, LevelManager, ManagerDefinition},
		{"manager at 7", 7, StatusPendingApproval, LevelManager, ManagerDefinition},
		{"executive at 8", 8, StatusPendingApproval, LevelExecutive, ExecutiveDefinition},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			risk := acceptableRisk(uint64(100+i), tt.score)

			res, err := f.service.RequestAcceptance(ctx, risk, requester, "compensating controls in place")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantLevel, res.Level)
			assert.Equal(t, "compensating controls in place", risk.AcceptanceJustification)

			if tt.wantDef == "" {
				assert.Nil(t, res.Instance)
				assert.Equal(t, StatusAccepted, risk.Status)
				assert.Equal(t, "Rita Requester (automatic)", risk.AcceptedBy)
				require.NotNil(t, risk.AcceptedAt)
				assert.Equal(t, f.now, *risk.AcceptedAt)
				return
			}
			require.NotNil(t, res.Instance)
			assert.Equal(t, tt.wantDef, res.Instance.DefinitionName)
			assert.Equal(t, types.StatusInProgress, res.Instance.Status)
			assert.Equal(t, "assessed", risk.Status)
		})
	}
}

func TestRequestAcceptanceRefusals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mitigate := acceptableRisk(200, 2)
	mitigate.TreatmentStrategy = "mitigate"
	_, err := f.service.RequestAcceptance(ctx, mitigate, requester, "")
	assert.ErrorIs(t, err, ErrNotAcceptStrategy)

	unassessed := &domain.Risk{ID: 201, TenantID: "acme", TreatmentStrategy: "accept"}
	_, err = f.service.RequestAcceptance(ctx, unassessed, requester, "")
	assert.ErrorIs(t, err, ErrNotAssessed)

	accepted := acceptableRisk(202, 2)
	accepted.Status = StatusAccepted
	_, err = f.service.RequestAcceptance(ctx, accepted, requester, "")
	assert.ErrorIs(t, err, ErrAlreadyAccepted)

	legal := acceptableRisk(203, 6)
	legal.Category = "legal"
	_, err = f.service.RequestAcceptance(ctx, legal, requester, "")
	assert.ErrorIs(t, err, ErrExceedsAppetite, "the category appetite is stricter than the global one")

	above := acceptableRisk(204, 21)
	_, err = f.service.RequestAcceptance(ctx, above, requester, "")
	assert.ErrorIs(t, err, ErrExceedsAppetite)

	inst, err := f.engine.GetActiveInstance(ctx, domain.TypeRisk, 204)
	require.NoError(t, err)
	assert.Nil(t, inst, "refused requests start nothing")
}

func TestRequestAcceptanceWithoutAppetite(t *testing.T) {
	f := newFixture(t)
	risk := acceptableRisk(300, 22)
	risk.TenantID = "globex"

	res, err := f.service.RequestAcceptance(context.Background(), risk, requester, "")
	require.NoError(t, err)
	assert.Equal(t, LevelExecutive, res.Level)
	require.NotNil(t, res.Instance)
}

func TestApproveAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	risk := acceptableRisk(400, 9)

	_, err := f.service.RequestAcceptance(ctx, risk, requester, "")
	require.NoError(t, err)

	_, err = f.service.ApproveAcceptance(ctx, risk, manager, "")
	assert.ErrorIs(t, err, ErrNotApplied, "managers cannot take the CISO step")

	res, err := f.service.ApproveAcceptance(ctx, risk, ciso, "reviewed")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, "assessed", risk.Status)

	res, err = f.service.ApproveAcceptance(ctx, risk, ceo, "accepted for one year")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, types.StatusApproved, res.Instance.Status)
	assert.Equal(t, StatusAccepted, risk.Status)
	assert.Equal(t, ceo.Name, risk.AcceptedBy)
	require.NotNil(t, risk.AcceptedAt)
	assert.Equal(t, f.now, *risk.AcceptedAt)

	_, err = f.service.ApproveAcceptance(ctx, risk, ceo, "")
	assert.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestRejectAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	risk := acceptableRisk(500, 5)

	_, err := f.service.RequestAcceptance(ctx, risk, requester, "")
	require.NoError(t, err)

	res, err := f.service.RejectAcceptance(ctx, risk, manager, "control gaps remain")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, types.StatusRejected, res.Instance.Status)
	assert.Equal(t, "control gaps remain", res.Instance.Comments)
	assert.Equal(t, "assessed", risk.Status)
	assert.Nil(t, risk.AcceptedAt)

	_, err = f.service.RejectAcceptance(ctx, acceptableRisk(501, 5), manager, "")
	assert.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestRequestAcceptanceWithoutDefinition(t *testing.T) {
	ctx := context.Background()
	dir := directory.New()
	engine, err := workflow.NewEngine(&MockGenerator{}, storage.NewMemoryStorage(), dir)
	require.NoError(t, err)

	res, err := NewService(engine, nil).RequestAcceptance(ctx, acceptableRisk(600, 5), requester, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Nil(t, res.Instance)
	assert.Contains(t, res.Message, "Manual manager approval required")
}
