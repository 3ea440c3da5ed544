package repo

import (
	"context"
	"database/sql"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
)

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(id,workspace_id,name,is_ai_agent,created_at) VALUES (?,?,?,?,?)`,
		role.ID, role.WorkspaceID, role.Name, boolToInt(role.IsAIAgent), role.CreatedAt)
	return err
}

// GetRoleByName resolves a role within a workspace by its unique name.
func (r Repo) GetRoleByName(ctx context.Context, tx *sql.Tx, workspaceID, name string) (domain.Role, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,workspace_id,name,is_ai_agent,created_at FROM roles WHERE workspace_id=? AND name=?`, workspaceID, name)
	return scanRole(row.Scan)
}

func (r Repo) ListRoles(ctx context.Context, workspaceID string) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,name,is_ai_agent,created_at FROM roles WHERE workspace_id=? ORDER BY name ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		role, err := scanRole(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func scanRole(scan func(...any) error) (domain.Role, error) {
	var role domain.Role
	var isAgent int
	err := scan(&role.ID, &role.WorkspaceID, &role.Name, &isAgent, &role.CreatedAt)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if err != nil {
		return role, err
	}
	role.IsAIAgent = isAgent != 0
	return role, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
