package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPhaseBlocked is returned by StartPhase while active blockers remain.
// Callers needing the blocker ids should use errors.As with PhaseBlockedError.
var ErrPhaseBlocked = errors.New("phase blocked")

// PhaseBlockedError carries the unsatisfied prerequisites of a start attempt.
type PhaseBlockedError struct {
	PhaseID  string
	Blockers []string
}

func (e PhaseBlockedError) Error() string {
	return fmt.Sprintf("phase %s blocked by %s", e.PhaseID, strings.Join(e.Blockers, ", "))
}

func (e PhaseBlockedError) Unwrap() error { return ErrPhaseBlocked }

// InvalidTransitionError reports an illegal phase or deliverable status change.
// To is empty when the precondition itself failed (e.g. stale status on CAS).
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

// HasDependentsError blocks deleting a phase other phases still reference.
type HasDependentsError struct {
	PhaseID    string
	Dependents []string
}

func (e HasDependentsError) Error() string {
	return fmt.Sprintf("phase %s has dependents %s; use force to prune", e.PhaseID, strings.Join(e.Dependents, ", "))
}

// InvalidTemplateError reports a structural template validation failure.
// No writes have been attempted when it is returned.
type InvalidTemplateError struct {
	TemplateID string
	Reason     string
}

func (e InvalidTemplateError) Error() string {
	return fmt.Sprintf("invalid template %s: %s", e.TemplateID, e.Reason)
}

// PartialApplicationError reports a template apply that failed after writes
// began. Step names the apply step that failed; RollbackOK says whether the
// transaction rollback succeeded, so callers never mistake a half-applied
// template for success.
type PartialApplicationError struct {
	TemplateID string
	Step       string
	RollbackOK bool
	Err        error
}

func (e PartialApplicationError) Error() string {
	outcome := "rolled back"
	if !e.RollbackOK {
		outcome = "ROLLBACK FAILED"
	}
	return fmt.Sprintf("template %s apply failed at %s (%s): %v", e.TemplateID, e.Step, outcome, e.Err)
}

func (e PartialApplicationError) Unwrap() error { return e.Err }
