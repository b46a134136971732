// Package acceptance handles formal requests to accept residual risk. The
// residual score decides whether a request is accepted at once or routed to
// a manager or executive approval workflow.
package acceptance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-engine/domain"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
	"go.uber.org/zap"
)

// Approval levels, from least to most senior.
const (
	LevelAutomatic = "automatic"
	LevelManager   = "manager"
	LevelExecutive = "executive"
)

// Request statuses.
const (
	StatusAccepted        = "accepted"
	StatusPendingApproval = "pending_approval"
	StatusRejected        = "rejected"
)

const (
	maxAutomaticScore = 3
	maxManagerScore   = 7
	maxExecutiveScore = 25

	strategyAccept = "accept"
	riskAssessed   = "assessed"
)

// Definition names started for each level that needs a human decision.
const (
	ManagerDefinition   = "Risk Acceptance - Manager"
	ExecutiveDefinition = "Risk Acceptance - Executive"
)

var (
	ErrNotAcceptStrategy = errors.New("risk treatment strategy is not accept")
	ErrNotAssessed       = errors.New("residual risk must be assessed before acceptance")
	ErrAlreadyAccepted   = errors.New("risk is already formally accepted")
	ErrExceedsAppetite   = errors.New("risk exceeds the organizational risk appetite")
	ErrNoPendingRequest  = errors.New("no pending acceptance request for risk")
	ErrNotApplied        = errors.New("acceptance decision was not applied")
)

// Threshold is the score band of one approval level.
type Threshold struct {
	Level       string  `json:"level"`
	MinScore    float64 `json:"min_score"`
	MaxScore    float64 `json:"max_score"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
}

// Thresholds lists the approval bands in ascending order.
func Thresholds() []Threshold {
	return []Threshold{
		{
			Level:       LevelAutomatic,
			MinScore:    0,
			MaxScore:    maxAutomaticScore,
			Label:       "Automatic Acceptance",
			Description: "Low risks (score <= 3) are automatically accepted",
		},
		{
			Level:       LevelManager,
			MinScore:    maxAutomaticScore + 1,
			MaxScore:    maxManagerScore,
			Label:       "Manager Approval Required",
			Description: "Medium risks (score 4-7) require manager approval",
		},
		{
			Level:       LevelExecutive,
			MinScore:    maxManagerScore + 1,
			MaxScore:    maxExecutiveScore,
			Label:       "Executive Approval Required",
			Description: "High and critical risks (score 8-25) require executive approval",
		},
	}
}

// DetermineLevel maps a residual risk score to the approval level it needs.
func DetermineLevel(score float64) string {
	switch {
	case score <= maxAutomaticScore:
		return LevelAutomatic
	case score <= maxManagerScore:
		return LevelManager
	default:
		return LevelExecutive
	}
}

func definitionFor(level string) string {
	if level == LevelExecutive {
		return ExecutiveDefinition
	}
	return ManagerDefinition
}

// Engine is the part of the workflow engine acceptance requests drive.
type Engine interface {
	StartWorkflow(ctx context.Context, entityType string, entityID uint64, definitionName string, initiator *types.Identity) (*types.WorkflowInstance, error)
	GetActiveInstance(ctx context.Context, entityType string, entityID uint64) (*types.WorkflowInstance, error)
	Approve(ctx context.Context, inst *types.WorkflowInstance, actor *types.Identity, comments string) (workflow.Outcome, error)
	Reject(ctx context.Context, inst *types.WorkflowInstance, actor *types.Identity, reason string) (workflow.Outcome, error)
}

// Result describes where an acceptance request stands.
type Result struct {
	Status    string                  `json:"status"`
	Level     string                  `json:"approval_level,omitempty"`
	Instance  *types.WorkflowInstance `json:"instance,omitempty"`
	DecidedBy string                  `json:"decided_by,omitempty"`
	DecidedAt *time.Time              `json:"decided_at,omitempty"`
	Message   string                  `json:"message"`
}

// Service requests, approves and rejects risk acceptance.
type Service struct {
	engine    Engine
	appetites workflow.AppetiteSource
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service. A nil appetite source skips the appetite check.
func NewService(engine Engine, appetites workflow.AppetiteSource, opts ...Option) *Service {
	s := &Service{
		engine:    engine,
		appetites: appetites,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestAcceptance validates risk and either accepts it or starts the
// approval workflow its residual score calls for. risk is updated in place.
func (s *Service) RequestAcceptance(ctx context.Context, risk *domain.Risk, requester *types.Identity, justification string) (Result, error) {
	if err := qualifies(risk); err != nil {
		return Result{}, err
	}
	score := *risk.ResidualRisk
	log := s.logger.With(zap.Uint64("risk_id", risk.ID), zap.Float64("score", score))

	if err := s.checkAppetite(ctx, risk, score, log); err != nil {
		return Result{}, err
	}

	level := DetermineLevel(score)
	risk.AcceptanceJustification = justification

	if level == LevelAutomatic {
		now := s.now()
		risk.Status = StatusAccepted
		risk.AcceptedAt = &now
		risk.AcceptedBy = "automatic"
		if requester != nil {
			risk.AcceptedBy = requester.Name + " (automatic)"
		}
		log.Info("Risk automatically accepted")
		return Result{
			Status:    StatusAccepted,
			Level:     level,
			DecidedBy: risk.AcceptedBy,
			DecidedAt: &now,
			Message:   "Risk has been automatically accepted (low risk score)",
		}, nil
	}

	name := definitionFor(level)
	inst, err := s.engine.StartWorkflow(ctx, domain.TypeRisk, risk.ID, name, requester)
	if err != nil {
		return Result{}, fmt.Errorf("failed to start %s acceptance: %w", level, err)
	}
	if inst == nil {
		log.Warn("No workflow configured for risk acceptance, manual approval required",
			zap.String("definition", name))
		return Result{
			Status:  StatusPendingApproval,
			Level:   level,
			Message: fmt.Sprintf("No %q workflow is configured. Manual %s approval required.", name, level),
		}, nil
	}

	log.Info("Risk acceptance requested",
		zap.String("level", level),
		zap.Uint64("instance_id", inst.ID))
	return Result{
		Status:   StatusPendingApproval,
		Level:    level,
		Instance: inst,
		Message:  fmt.Sprintf("Acceptance request sent for %s approval", level),
	}, nil
}

func qualifies(risk *domain.Risk) error {
	if risk == nil {
		return ErrNotAssessed
	}
	if risk.TreatmentStrategy != strategyAccept {
		return fmt.Errorf("%w: current strategy %q", ErrNotAcceptStrategy, risk.TreatmentStrategy)
	}
	if risk.ResidualRisk == nil {
		return ErrNotAssessed
	}
	if risk.Status == StatusAccepted {
		return ErrAlreadyAccepted
	}
	return nil
}

// checkAppetite refuses risks above the applicable appetite. Without an
// appetite the request goes ahead and the approvers decide.
func (s *Service) checkAppetite(ctx context.Context, risk *domain.Risk, score float64, log *zap.Logger) error {
	if s.appetites == nil || risk.TenantID == "" {
		log.Warn("No risk appetite defined for tenant", zap.String("tenant", risk.TenantID))
		return nil
	}
	appetite, found, err := s.appetites.ActiveAppetite(ctx, risk.TenantID, risk.Category)
	if err == nil && !found && risk.Category != "" {
		appetite, found, err = s.appetites.ActiveAppetite(ctx, risk.TenantID, "")
	}
	if err != nil {
		return fmt.Errorf("failed to look up risk appetite: %w", err)
	}
	if !found {
		log.Warn("No risk appetite defined for tenant", zap.String("tenant", risk.TenantID))
		return nil
	}
	if !appetite.IsAcceptable(score) {
		return fmt.Errorf("%w: residual %g above maximum %g, additional mitigation required",
			ErrExceedsAppetite, score, appetite.MaxAcceptableRisk)
	}
	return nil
}

// ApproveAcceptance approves the current step of the risk's acceptance
// workflow. The risk is accepted once the workflow completes.
func (s *Service) ApproveAcceptance(ctx context.Context, risk *domain.Risk, approver *types.Identity, comments string) (Result, error) {
	inst, err := s.pending(ctx, risk)
	if err != nil {
		return Result{}, err
	}
	outcome, err := s.engine.Approve(ctx, inst, approver, comments)
	if err != nil {
		return Result{}, err
	}
	if outcome != workflow.OutcomeApplied {
		return Result{}, fmt.Errorf("%w: %s", ErrNotApplied, outcome)
	}

	if inst.Status != types.StatusApproved {
		return Result{
			Status:   StatusPendingApproval,
			Instance: inst,
			Message:  "Approval recorded, further approval required",
		}, nil
	}

	now := s.now()
	risk.Status = StatusAccepted
	risk.AcceptedAt = &now
	risk.AcceptedBy = approver.Name
	s.logger.Info("Risk acceptance approved",
		zap.Uint64("risk_id", risk.ID),
		zap.Uint64("approver_id", approver.ID))
	return Result{
		Status:    StatusAccepted,
		Instance:  inst,
		DecidedBy: approver.Name,
		DecidedAt: &now,
		Message:   "Risk acceptance has been approved",
	}, nil
}

// RejectAcceptance rejects the acceptance workflow and returns the risk to assessed.
func (s *Service) RejectAcceptance(ctx context.Context, risk *domain.Risk, rejector *types.Identity, reason string) (Result, error) {
	inst, err := s.pending(ctx, risk)
	if err != nil {
		return Result{}, err
	}
	outcome, err := s.engine.Reject(ctx, inst, rejector, reason)
	if err != nil {
		return Result{}, err
	}
	if outcome != workflow.OutcomeApplied {
		return Result{}, fmt.Errorf("%w: %s", ErrNotApplied, outcome)
	}

	now := s.now()
	risk.Status = riskAssessed
	risk.AcceptedAt = nil
	risk.AcceptedBy = ""
	s.logger.Info("Risk acceptance rejected",
		zap.Uint64("risk_id", risk.ID),
		zap.Uint64("rejector_id", rejector.ID),
		zap.String("reason", reason))
	return Result{
		Status:    StatusRejected,
		Instance:  inst,
		DecidedBy: rejector.Name,
		DecidedAt: &now,
		Message:   "Risk acceptance has been rejected. Additional mitigation required.",
	}, nil
}

func (s *Service) pending(ctx context.Context, risk *domain.Risk) (*types.WorkflowInstance, error) {
	if risk == nil {
		return nil, ErrNoPendingRequest
	}
	inst, err := s.engine.GetActiveInstance(ctx, domain.TypeRisk, risk.ID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w %d", ErrNoPendingRequest, risk.ID)
	}
	return inst, nil
}
