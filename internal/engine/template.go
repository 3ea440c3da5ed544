package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
	"github.com/adrianstier/ProfDash-sub000/internal/events"
	"github.com/adrianstier/ProfDash-sub000/internal/repo"
)

// TemplateResult lists every id committed by a template apply.
type TemplateResult struct {
	PhaseIDs       []string `json:"phase_ids"`
	DeliverableIDs []string `json:"deliverable_ids"`
	RoleIDs        []string `json:"role_ids"`
}

// ValidateTemplate checks a template's structure without touching storage.
// The strictly-earlier index rule makes the produced graph acyclic by
// construction; no separate cycle detection is needed.
func ValidateTemplate(t domain.Template) error {
	for i, pd := range t.Phases {
		if pd.Title == "" {
			return InvalidTemplateError{TemplateID: t.ID, Reason: fmt.Sprintf("phase %d has no title", i)}
		}
		for _, idx := range pd.BlockedByIndex {
			if idx < 0 || idx >= i {
				return InvalidTemplateError{
					TemplateID: t.ID,
					Reason:     fmt.Sprintf("phase %d blocked_by_index %d must reference a strictly earlier phase", i, idx),
				}
			}
		}
	}
	seen := map[string]bool{}
	for _, rd := range t.Roles {
		if rd.Name == "" {
			return InvalidTemplateError{TemplateID: t.ID, Reason: "role with empty name"}
		}
		if seen[rd.Name] {
			return InvalidTemplateError{TemplateID: t.ID, Reason: fmt.Sprintf("duplicate role name %q", rd.Name)}
		}
		seen[rd.Name] = true
	}
	return nil
}

// ListTemplates returns the builtin templates followed by the workspace's own.
func (e Engine) ListTemplates(ctx context.Context, workspaceID string) ([]domain.Template, error) {
	stored, err := e.Repo.ListTemplates(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Template, 0, len(BuiltinTemplates)+len(stored))
	res = append(res, BuiltinTemplates...)
	res = append(res, stored...)
	return res, nil
}

// GetTemplate resolves a template id against builtins first, then storage.
func (e Engine) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	for _, t := range BuiltinTemplates {
		if t.ID == id {
			return t, nil
		}
	}
	return e.Repo.GetTemplate(ctx, id)
}

// templateFile is the YAML shape accepted by ImportTemplate.
type templateFile struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Phases      []domain.PhaseDefinition `yaml:"phases"`
	Roles       []domain.RoleDefinition  `yaml:"roles"`
}

// ImportTemplate stores a workspace-authored template parsed from YAML.
func (e Engine) ImportTemplate(ctx context.Context, workspaceID string, data []byte, actorID string) (domain.Template, error) {
	var tf templateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return domain.Template{}, fmt.Errorf("invalid template yaml: %w", err)
	}
	if tf.Name == "" {
		return domain.Template{}, errors.New("template name is required")
	}
	t := domain.Template{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Name:        tf.Name,
		Description: tf.Description,
		Phases:      tf.Phases,
		Roles:       tf.Roles,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := ValidateTemplate(t); err != nil {
		return domain.Template{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureWorkspace(ctx, tx, workspaceID, "", t.CreatedAt); err != nil {
		return domain.Template{}, err
	}
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.imported", "", "template", t.ID, actorID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// ApplyTemplate expands a template into concrete phases, roles and
// deliverables for a project. Validation happens before any write; the write
// steps run in one transaction under the project's advisory lock, so a
// failure at any step leaves nothing behind.
func (e Engine) ApplyTemplate(ctx context.Context, projectID, templateID, actorID string) (TemplateResult, error) {
	var res TemplateResult
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return res, err
	}
	t, err := e.GetTemplate(ctx, templateID)
	if err != nil {
		return res, err
	}
	if err := ValidateTemplate(t); err != nil {
		return res, err
	}

	mu := e.locks.forProject(projectID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	res, step, err := e.applyTemplateTx(ctx, tx, project, t, actorID)
	if err != nil {
		rbErr := tx.Rollback()
		rollbackOK := rbErr == nil || errors.Is(rbErr, sql.ErrTxDone)
		if step == "" {
			return TemplateResult{}, err
		}
		return TemplateResult{}, PartialApplicationError{TemplateID: t.ID, Step: step, RollbackOK: rollbackOK, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return TemplateResult{}, PartialApplicationError{TemplateID: t.ID, Step: "commit", RollbackOK: true, Err: err}
	}
	return res, nil
}

// applyTemplateTx runs the apply steps inside tx and reports the failing step.
func (e Engine) applyTemplateTx(ctx context.Context, tx *sql.Tx, project domain.Project, t domain.Template, actorID string) (TemplateResult, string, error) {
	var res TemplateResult
	now := e.now().UTC().Format(time.RFC3339)

	// Step 1: idempotent role upsert by name. Assigned role names not listed
	// in role_definitions go through the same upsert so two templates sharing
	// a name converge on a single role row.
	roleIDs := map[string]string{}
	resolveRole := func(name string, isAgent bool) (string, error) {
		if id, ok := roleIDs[name]; ok {
			return id, nil
		}
		role, err := e.Repo.GetRoleByName(ctx, tx, project.WorkspaceID, name)
		if errors.Is(err, repo.ErrNotFound) {
			role = domain.Role{
				ID:          uuid.New().String(),
				WorkspaceID: project.WorkspaceID,
				Name:        name,
				IsAIAgent:   isAgent,
				CreatedAt:   now,
			}
			err = e.Repo.InsertRole(ctx, tx, role)
		}
		if err != nil {
			return "", err
		}
		roleIDs[name] = role.ID
		res.RoleIDs = append(res.RoleIDs, role.ID)
		return role.ID, nil
	}
	for _, rd := range t.Roles {
		if _, err := resolveRole(rd.Name, rd.IsAIAgent); err != nil {
			return res, "role resolution", err
		}
	}

	// Step 2: reserve sort orders after the project's current maximum.
	maxOrder, err := e.Repo.MaxSortOrder(ctx, tx, project.ID)
	if err != nil {
		return res, "sort order reservation", err
	}

	// Step 3: materialize phases in definition order. Every blocked_by_index
	// points at an already created phase thanks to validation, so the
	// index -> id table fills incrementally.
	idByIndex := make([]string, len(t.Phases))
	for i, pd := range t.Phases {
		blockedBy := make([]string, 0, len(pd.BlockedByIndex))
		for _, idx := range pd.BlockedByIndex {
			blockedBy = append(blockedBy, idByIndex[idx])
		}
		var assignedRole *string
		if pd.AssignedRole != "" {
			if _, err := resolveRole(pd.AssignedRole, false); err != nil {
				return res, "role resolution", err
			}
			name := pd.AssignedRole
			assignedRole = &name
		}
		p := domain.Phase{
			ID:           uuid.New().String(),
			ProjectID:    project.ID,
			Title:        pd.Title,
			Description:  pd.Description,
			SortOrder:    maxOrder + 1 + i,
			Status:       StatusPending,
			BlockedBy:    blockedBy,
			AssignedRole: assignedRole,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertPhase(ctx, tx, p); err != nil {
			return res, "phase materialization", err
		}
		idByIndex[i] = p.ID
		res.PhaseIDs = append(res.PhaseIDs, p.ID)
	}

	// Step 4: materialize deliverables under their phases.
	for i, pd := range t.Phases {
		for _, dd := range pd.Deliverables {
			var workstreamID *string
			if dd.WorkstreamID != "" {
				ws, err := e.Repo.GetWorkstreamTx(ctx, tx, dd.WorkstreamID)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						err = fmt.Errorf("deliverable %q references unknown workstream %s", dd.Title, dd.WorkstreamID)
					}
					return res, "deliverable materialization", err
				}
				if ws.ProjectID != project.ID {
					return res, "deliverable materialization", fmt.Errorf("workstream %s not in project %s", dd.WorkstreamID, project.ID)
				}
				workstreamID = &ws.ID
			}
			artifactType := dd.ArtifactType
			if artifactType == "" {
				artifactType = "document"
			}
			d := domain.Deliverable{
				ID:           uuid.New().String(),
				PhaseID:      idByIndex[i],
				ProjectID:    project.ID,
				WorkstreamID: workstreamID,
				Title:        dd.Title,
				ArtifactType: artifactType,
				Status:       StatusPending,
				CreatedAt:    now,
			}
			if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
				return res, "deliverable materialization", err
			}
			res.DeliverableIDs = append(res.DeliverableIDs, d.ID)
		}
	}

	if err := e.Events.Append(ctx, tx, "template.applied", project.ID, "template", t.ID, actorID, events.EventPayload{
		"name":         t.Name,
		"phases":       len(res.PhaseIDs),
		"deliverables": len(res.DeliverableIDs),
		"roles":        len(res.RoleIDs),
	}); err != nil {
		return res, "event append", err
	}
	return res, "", nil
}
