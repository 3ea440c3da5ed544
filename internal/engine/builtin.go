package engine

import "github.com/adrianstier/ProfDash-sub000/internal/domain"

// BuiltinTemplates are always listed and applicable but never stored.
var BuiltinTemplates = []domain.Template{sevenPhaseMVP}

var sevenPhaseMVP = domain.Template{
	ID:          "builtin-7-phase-mvp",
	Name:        "7-Phase MVP",
	Description: "A sequential seven phase plan covering a research project from scoping to retrospective.",
	Builtin:     true,
	Phases: []domain.PhaseDefinition{
		{
			Title:        "Discovery",
			Description:  "Survey prior work and frame the research question.",
			AssignedRole: "Researcher",
			Deliverables: []domain.DeliverableDefinition{
				{Title: "Literature review", ArtifactType: "document"},
			},
		},
		{
			Title:          "Requirements",
			Description:    "Pin down scope, success criteria and data needs.",
			BlockedByIndex: []int{0},
			AssignedRole:   "Project Coordinator",
			Deliverables: []domain.DeliverableDefinition{
				{Title: "Project brief", ArtifactType: "document"},
			},
		},
		{
			Title:          "Design",
			Description:    "Design the study and the analysis plan.",
			BlockedByIndex: []int{1},
			AssignedRole:   "Designer",
			Deliverables: []domain.DeliverableDefinition{
				{Title: "Study design", ArtifactType: "document"},
			},
		},
		{
			Title:          "Build",
			Description:    "Implement instruments, pipelines and tooling.",
			BlockedByIndex: []int{2},
			AssignedRole:   "Developer",
			Deliverables: []domain.DeliverableDefinition{
				{Title: "Analysis pipeline", ArtifactType: "code"},
				{Title: "Collected dataset", ArtifactType: "dataset"},
			},
		},
		{
			Title:          "Test",
			Description:    "Validate results and review methodology.",
			BlockedByIndex: []int{3},
			AssignedRole:   "QA Reviewer",
			Deliverables: []domain.DeliverableDefinition{
				{Title: "Validation report", ArtifactType: "document"},
			},
		},
		{
			Title:          "Launch",
			Description:    "Write up and submit the findings.",
			BlockedByIndex: []int{4},
			AssignedRole:   "Researcher",
			Deliverables: []domain.DeliverableDefinition{
				{Title: "Manuscript draft", ArtifactType: "manuscript"},
				{Title: "Results presentation", ArtifactType: "presentation"},
			},
		},
		{
			Title:          "Review",
			Description:    "Retrospective and follow-up planning.",
			BlockedByIndex: []int{5},
			AssignedRole:   "Project Coordinator",
			Deliverables: []domain.DeliverableDefinition{
				{Title: "Retrospective notes", ArtifactType: "document"},
			},
		},
	},
	Roles: []domain.RoleDefinition{
		{Name: "Researcher"},
		{Name: "Designer"},
		{Name: "Developer"},
		{Name: "Data Analyst"},
		{Name: "QA Reviewer"},
		{Name: "Project Coordinator"},
		{Name: "AI Research Assistant", IsAIAgent: true},
	},
}
