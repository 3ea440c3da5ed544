package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	phases, err := json.Marshal(t.Phases)
	if err != nil {
		return fmt.Errorf("marshal phase definitions: %w", err)
	}
	var roles any
	if len(t.Roles) > 0 {
		b, err := json.Marshal(t.Roles)
		if err != nil {
			return fmt.Errorf("marshal role definitions: %w", err)
		}
		roles = string(b)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO templates(id,workspace_id,name,description,phases_json,roles_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.WorkspaceID, t.Name, nullable(t.Description), string(phases), roles, t.CreatedAt)
	if err := translateConstraint(err); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("template %q: %w", t.Name, ErrConflict)
		}
		return err
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,name,COALESCE(description,''),phases_json,roles_json,created_at FROM templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

func (r Repo) ListTemplates(ctx context.Context, workspaceID string) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,name,COALESCE(description,''),phases_json,roles_json,created_at FROM templates WHERE workspace_id=? ORDER BY name ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func scanTemplate(scan func(...any) error) (domain.Template, error) {
	var t domain.Template
	var phasesJSON string
	var rolesJSON sql.NullString
	err := scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Description, &phasesJSON, &rolesJSON, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(phasesJSON), &t.Phases); err != nil {
		return t, fmt.Errorf("template %s phase definitions: %w", t.ID, err)
	}
	if rolesJSON.Valid && rolesJSON.String != "" {
		if err := json.Unmarshal([]byte(rolesJSON.String), &t.Roles); err != nil {
			return t, fmt.Errorf("template %s role definitions: %w", t.ID, err)
		}
	}
	return t, nil
}
