package repo

import (
	"context"
	"database/sql"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
)

const phaseColumns = `id,project_id,title,description,sort_order,status,assigned_role,metadata_json,started_at,completed_at,due_date,created_at,updated_at`

func scanPhase(scan func(...any) error) (domain.Phase, error) {
	var p domain.Phase
	var description, assignedRole, metadata, startedAt, completedAt, dueDate sql.NullString
	err := scan(&p.ID, &p.ProjectID, &p.Title, &description, &p.SortOrder, &p.Status,
		&assignedRole, &metadata, &startedAt, &completedAt, &dueDate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if description.Valid {
		p.Description = description.String
	}
	if assignedRole.Valid {
		p.AssignedRole = &assignedRole.String
	}
	if metadata.Valid {
		p.MetadataJSON = &metadata.String
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	if dueDate.Valid {
		p.DueDate = &dueDate.String
	}
	return p, nil
}

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Title, nullable(p.Description), p.SortOrder, p.Status,
		nullableStringPtr(p.AssignedRole), nullableStringPtr(p.MetadataJSON),
		nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), nullableStringPtr(p.DueDate),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	return r.setPhaseDeps(ctx, tx, p.ID, p.BlockedBy)
}

func (r Repo) setPhaseDeps(ctx context.Context, tx *sql.Tx, phaseID string, blockedBy []string) error {
	for i, dep := range blockedBy {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO phase_deps(phase_id, blocked_by_phase_id, position) VALUES (?,?,?)`, phaseID, dep, i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id=?`, id)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.BlockedBy, err = r.ListPhaseDeps(ctx, p.ID)
	return p, err
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id=?`, id)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.BlockedBy, err = r.listPhaseDeps(ctx, tx, p.ID)
	return p, err
}

// ListPhases returns a project's phases ordered by sort_order, with their
// blocked_by sets attached in insertion order.
func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE project_id=? ORDER BY sort_order ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListPhaseDeps(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].BlockedBy = deps
	}
	return res, nil
}

func (r Repo) ListPhaseDeps(ctx context.Context, phaseID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT blocked_by_phase_id FROM phase_deps WHERE phase_id=? ORDER BY position ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) listPhaseDeps(ctx context.Context, tx *sql.Tx, phaseID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT blocked_by_phase_id FROM phase_deps WHERE phase_id=? ORDER BY position ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListDependents returns the ids of phases whose blocked_by references phaseID.
func (r Repo) ListDependents(ctx context.Context, phaseID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase_id FROM phase_deps WHERE blocked_by_phase_id=?`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MaxSortOrder returns the highest sort_order among a project's phases, or -1
// when the project has none.
func (r Repo) MaxSortOrder(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), -1) FROM phases WHERE project_id=?`, projectID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

// LastPhaseBySortOrder returns the most recently appended phase of a project.
func (r Repo) LastPhaseBySortOrder(ctx context.Context, tx *sql.Tx, projectID string) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE project_id=? ORDER BY sort_order DESC LIMIT 1`, projectID)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// UpdatePhaseStatusCAS updates a phase's status and timestamps only when the
// stored status still matches expected. Returns false when another writer won.
func (r Repo) UpdatePhaseStatusCAS(ctx context.Context, tx *sql.Tx, p domain.Phase, expected string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, started_at=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), p.UpdatedAt, p.ID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) UpdatePhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET title=?, description=?, sort_order=?, status=?, assigned_role=?, metadata_json=?, started_at=?, completed_at=?, due_date=?, updated_at=? WHERE id=?`,
		p.Title, nullable(p.Description), p.SortOrder, p.Status,
		nullableStringPtr(p.AssignedRole), nullableStringPtr(p.MetadataJSON),
		nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), nullableStringPtr(p.DueDate),
		p.UpdatedAt, p.ID)
	return err
}

func (r Repo) DeletePhase(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM phases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneDependencyRefs removes all blocked_by entries pointing at phaseID.
func (r Repo) PruneDependencyRefs(ctx context.Context, tx *sql.Tx, phaseID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM phase_deps WHERE blocked_by_phase_id=?`, phaseID)
	return err
}

// CountPhasesByStatus aggregates a project's phases per stored status.
func (r Repo) CountPhasesByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM phases WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
