package domain

type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Phase is one ordered stage of project work. BlockedBy lists the phases
// whose completion gates this one; whether any of them currently blocks it
// is derived at read time, never stored.
type Phase struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	SortOrder    int      `json:"sort_order"`
	Status       string   `json:"status" enum:"pending,in_progress,blocked,completed"`
	BlockedBy    []string `json:"blocked_by,omitempty"`
	AssignedRole *string  `json:"assigned_role,omitempty"`
	MetadataJSON *string  `json:"metadata_json,omitempty"`
	StartedAt    *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
	DueDate      *string  `json:"due_date,omitempty" format:"date-time"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// Workstream is a grouping lane for deliverables. It takes no part in the
// phase dependency graph. Counters are computed, not stored.
type Workstream struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Title     string  `json:"title"`
	Color     string  `json:"color"`
	SortOrder int     `json:"sort_order"`
	Status    string  `json:"status" enum:"active,archived"`
	OwnerID   *string `json:"owner_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// WorkstreamCounts are the derived task counters for a workstream.
type WorkstreamCounts struct {
	TaskCount          int `json:"task_count"`
	CompletedTaskCount int `json:"completed_task_count"`
	OverdueTaskCount   int `json:"overdue_task_count"`
}

// Deliverable is an artifact produced within a phase. Its status lifecycle
// is independent of the owning phase's status.
type Deliverable struct {
	ID           string  `json:"id"`
	PhaseID      string  `json:"phase_id"`
	ProjectID    string  `json:"project_id"`
	WorkstreamID *string `json:"workstream_id,omitempty"`
	Title        string  `json:"title"`
	ArtifactType string  `json:"artifact_type"`
	Status       string  `json:"status" enum:"pending,in_progress,completed"`
	DocumentID   *string `json:"document_id,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	DueDate      *string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Role is a named responsibility scoped to a workspace. Roles are shared
// across projects; templates referring to the same name converge on one row.
type Role struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	IsAIAgent   bool   `json:"is_ai_agent"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Template is a reusable blueprint for bulk-creating phases, roles and
// deliverables. Builtins have an empty WorkspaceID and live only in code.
type Template struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Builtin     bool              `json:"builtin"`
	Phases      []PhaseDefinition `json:"phases"`
	Roles       []RoleDefinition  `json:"roles,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty" format:"date-time"`
}

// PhaseDefinition describes one phase of a template. BlockedByIndex entries
// are indices into the template's own phase list and must reference strictly
// earlier positions.
type PhaseDefinition struct {
	Title          string                  `json:"title" yaml:"title"`
	Description    string                  `json:"description,omitempty" yaml:"description,omitempty"`
	BlockedByIndex []int                   `json:"blocked_by_index,omitempty" yaml:"blocked_by_index,omitempty"`
	AssignedRole   string                  `json:"assigned_role,omitempty" yaml:"assigned_role,omitempty"`
	Deliverables   []DeliverableDefinition `json:"deliverables,omitempty" yaml:"deliverables,omitempty"`
}

type DeliverableDefinition struct {
	Title        string `json:"title" yaml:"title"`
	ArtifactType string `json:"artifact_type,omitempty" yaml:"artifact_type,omitempty"`
	WorkstreamID string `json:"workstream_id,omitempty" yaml:"workstream_id,omitempty"`
}

type RoleDefinition struct {
	Name      string `json:"name" yaml:"name"`
	IsAIAgent bool   `json:"is_ai_agent,omitempty" yaml:"is_ai_agent,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
