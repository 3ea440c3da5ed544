package engine

import (
	"github.com/adrianstier/ProfDash-sub000/internal/domain"
)

// ActiveBlockers returns the subset of phase.BlockedBy whose referenced phase
// is not yet completed, preserving blocked_by order. Referenced ids missing
// from byID do not block; they are returned separately so the caller can log
// the data-integrity condition instead of leaving the phase locked forever.
func ActiveBlockers(phase domain.Phase, byID map[string]domain.Phase) (blockers, dangling []string) {
	for _, dep := range phase.BlockedBy {
		ref, ok := byID[dep]
		if !ok {
			dangling = append(dangling, dep)
			continue
		}
		if ref.Status != StatusCompleted {
			blockers = append(blockers, dep)
		}
	}
	return blockers, dangling
}

// DefaultBlockedBy implements the sequential append policy: a manually added
// phase chains behind the last phase by sort_order, or nothing on an empty
// project.
func DefaultBlockedBy(existing []domain.Phase) []string {
	if len(existing) == 0 {
		return nil
	}
	last := existing[0]
	for _, p := range existing[1:] {
		if p.SortOrder > last.SortOrder {
			last = p
		}
	}
	return []string{last.ID}
}
