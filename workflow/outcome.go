package workflow

import (
	"errors"

	"github.com/songzhibin97/approval-engine/storage"
)

// Outcome is the result of an approve or reject call.
type Outcome int

const (
	// OutcomeError accompanies a non-nil error.
	OutcomeError Outcome = iota
	// OutcomeApplied means the transition was persisted.
	OutcomeApplied
	// OutcomeInvalidTransition means the instance is not in progress or has no current step.
	OutcomeInvalidTransition
	// OutcomeUnauthorized means the actor may not act on the current step.
	OutcomeUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeInvalidTransition:
		return "invalid_transition"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}

// IsRetryable reports whether err came from losing a concurrent write.
// The caller should reload the instance and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, storage.ErrConcurrentModification)
}
