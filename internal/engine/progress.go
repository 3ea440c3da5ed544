package engine

import (
	"math"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
)

// Progress is a completion ratio over deliverables.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// DeliverableProgress aggregates completion over a set of deliverables.
// An empty set reports 0/0 at 0 percent.
func DeliverableProgress(deliverables []domain.Deliverable) Progress {
	p := Progress{Total: len(deliverables)}
	for _, d := range deliverables {
		if d.Status == StatusCompleted {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percent = int(math.Round(100 * float64(p.Completed) / float64(p.Total)))
	}
	return p
}
