package server

import (
	"encoding/json"

	"github.com/adrianstier/ProfDash-sub000/internal/config"
	"github.com/adrianstier/ProfDash-sub000/internal/domain"
	"github.com/adrianstier/ProfDash-sub000/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	WorkspaceID *string `json:"workspace_id,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreatePhaseRequest struct {
	ID           *string        `json:"id,omitempty"`
	Title        string         `json:"title"`
	Description  *string        `json:"description,omitempty"`
	BlockedBy    []string       `json:"blocked_by,omitempty"`
	AssignedRole *string        `json:"assigned_role,omitempty"`
	DueDate      *string        `json:"due_date,omitempty" format:"date-time"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type CreateWorkstreamRequest struct {
	ID      *string `json:"id,omitempty"`
	Title   string  `json:"title"`
	Color   *string `json:"color,omitempty"`
	OwnerID *string `json:"owner_id,omitempty"`
}

type UpdateWorkstreamRequest struct {
	Title   *string `json:"title,omitempty"`
	Color   *string `json:"color,omitempty"`
	OwnerID *string `json:"owner_id,omitempty"`
}

type CreateDeliverableRequest struct {
	ID           *string `json:"id,omitempty"`
	PhaseID      string  `json:"phase_id"`
	Title        string  `json:"title"`
	ArtifactType *string `json:"artifact_type,omitempty"`
	WorkstreamID *string `json:"workstream_id,omitempty"`
	DocumentID   *string `json:"document_id,omitempty"`
	DueDate      *string `json:"due_date,omitempty" format:"date-time"`
}

type ImportTemplateRequest struct {
	WorkspaceID *string `json:"workspace_id,omitempty"`
	YAML        string  `json:"yaml"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ProgressResponse struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// PhaseResponse carries the stored phase plus its derived gating state.
type PhaseResponse struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	SortOrder      int              `json:"sort_order"`
	Status         string           `json:"status" enum:"pending,in_progress,blocked,completed"`
	BlockedBy      []string         `json:"blocked_by"`
	ActiveBlockers []string         `json:"active_blockers"`
	AssignedRole   *string          `json:"assigned_role,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Progress       ProgressResponse `json:"progress"`
	StartedAt      *string          `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string          `json:"completed_at,omitempty" format:"date-time"`
	DueDate        *string          `json:"due_date,omitempty" format:"date-time"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
}

type WorkstreamResponse struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	Title              string  `json:"title"`
	Color              string  `json:"color"`
	SortOrder          int     `json:"sort_order"`
	Status             string  `json:"status" enum:"active,archived"`
	OwnerID            *string `json:"owner_id,omitempty"`
	TaskCount          int     `json:"task_count"`
	CompletedTaskCount int     `json:"completed_task_count"`
	OverdueTaskCount   int     `json:"overdue_task_count"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

type DeliverableResponse struct {
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

type RoleResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	IsAIAgent   bool   `json:"is_ai_agent"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	ID          string                   `json:"id"`
	WorkspaceID string                   `json:"workspace_id,omitempty"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Builtin     bool                     `json:"builtin"`
	Phases      []domain.PhaseDefinition `json:"phases"`
	Roles       []domain.RoleDefinition  `json:"roles"`
	CreatedAt   string                   `json:"created_at,omitempty" format:"date-time"`
}

type ApplyTemplateResponse struct {
	PhaseIDs       []string `json:"phase_ids"`
	DeliverableIDs []string `json:"deliverable_ids"`
	RoleIDs        []string `json:"role_ids"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type ProjectConfigResponse struct {
	Project      projectConfigSection     `json:"project"`
	Phases       phaseConfigSection       `json:"phases"`
	Deliverables deliverableConfigSection `json:"deliverables"`
}

type projectConfigSection struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Kind        string `json:"kind"`
}

type phaseConfigSection struct {
	SequentialByDefault bool `json:"sequential_by_default"`
}

type deliverableConfigSection struct {
	ArtifactTypes []string `json:"artifact_types"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func phaseResponse(p domain.Phase, blockers []string, progress engine.Progress) PhaseResponse {
	return PhaseResponse{
		ID:             p.ID,
		ProjectID:      p.ProjectID,
		Title:          p.Title,
		Description:    p.Description,
		SortOrder:      p.SortOrder,
		Status:         p.Status,
		BlockedBy:      nonNilSlice(p.BlockedBy),
		ActiveBlockers: nonNilSlice(blockers),
		AssignedRole:   p.AssignedRole,
		Metadata:       decodeJSONMap(p.MetadataJSON),
		Progress:       ProgressResponse(progress),
		StartedAt:      p.StartedAt,
		CompletedAt:    p.CompletedAt,
		DueDate:        p.DueDate,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func workstreamResponse(w domain.Workstream, counts domain.WorkstreamCounts) WorkstreamResponse {
	return WorkstreamResponse{
		ID:                 w.ID,
		ProjectID:          w.ProjectID,
		Title:              w.Title,
		Color:              w.Color,
		SortOrder:          w.SortOrder,
		Status:             w.Status,
		OwnerID:            w.OwnerID,
		TaskCount:          counts.TaskCount,
		CompletedTaskCount: counts.CompletedTaskCount,
		OverdueTaskCount:   counts.OverdueTaskCount,
		CreatedAt:          w.CreatedAt,
	}
}

func deliverableResponse(d domain.Deliverable) DeliverableResponse {
	return DeliverableResponse(d)
}

func roleResponse(r domain.Role) RoleResponse {
	return RoleResponse(r)
}

func templateResponse(t domain.Template) TemplateResponse {
	return TemplateResponse{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		Name:        t.Name,
		Description: t.Description,
		Builtin:     t.Builtin,
		Phases:      nonNilSlice(t.Phases),
		Roles:       nonNilSlice(t.Roles),
		CreatedAt:   t.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	return ProjectConfigResponse{
		Project: projectConfigSection{
			ID:          cfg.Project.ID,
			WorkspaceID: cfg.Project.WorkspaceID,
			Kind:        cfg.Project.Kind,
		},
		Phases: phaseConfigSection{
			SequentialByDefault: cfg.Phases.SequentialByDefault,
		},
		Deliverables: deliverableConfigSection{
			ArtifactTypes: nonNilSlice(cfg.Deliverables.ArtifactTypes),
		},
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
