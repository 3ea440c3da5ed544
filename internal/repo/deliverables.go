package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
)

const deliverableColumns = `id,phase_id,project_id,workstream_id,title,artifact_type,status,document_id,completed_at,due_date,created_at`

func scanDeliverable(scan func(...any) error) (domain.Deliverable, error) {
	var d domain.Deliverable
	var workstreamID, documentID, completedAt, dueDate sql.NullString
	err := scan(&d.ID, &d.PhaseID, &d.ProjectID, &workstreamID, &d.Title, &d.ArtifactType, &d.Status,
		&documentID, &completedAt, &dueDate, &d.CreatedAt)
	if err != nil {
		return d, err
	}
	if workstreamID.Valid {
		d.WorkstreamID = &workstreamID.String
	}
	if documentID.Valid {
		d.DocumentID = &documentID.String
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.String
	}
	if dueDate.Valid {
		d.DueDate = &dueDate.String
	}
	return d, nil
}

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(`+deliverableColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.PhaseID, d.ProjectID, nullableStringPtr(d.WorkstreamID), d.Title, d.ArtifactType, d.Status,
		nullableStringPtr(d.DocumentID), nullableStringPtr(d.CompletedAt), nullableStringPtr(d.DueDate), d.CreatedAt)
	return err
}

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id=?`, id)
	d, err := scanDeliverable(row.Scan)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

type DeliverableFilters struct {
	ProjectID    string
	PhaseID      string
	WorkstreamID string
	Status       string
}

func (r Repo) ListDeliverables(ctx context.Context, f DeliverableFilters) ([]domain.Deliverable, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.WorkstreamID != "" {
		clauses = append(clauses, "workstream_id=?")
		args = append(args, f.WorkstreamID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDeliverableStatusCAS flips a deliverable's status only when the stored
// status still matches expected.
func (r Repo) UpdateDeliverableStatusCAS(ctx context.Context, tx *sql.Tx, d domain.Deliverable, expected string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET status=?, completed_at=? WHERE id=? AND status=?`,
		d.Status, nullableStringPtr(d.CompletedAt), d.ID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
