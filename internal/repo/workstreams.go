package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
)

const workstreamColumns = `id,project_id,title,color,sort_order,status,owner_id,created_at`

func scanWorkstream(scan func(...any) error) (domain.Workstream, error) {
	var w domain.Workstream
	var owner sql.NullString
	err := scan(&w.ID, &w.ProjectID, &w.Title, &w.Color, &w.SortOrder, &w.Status, &owner, &w.CreatedAt)
	if err != nil {
		return w, err
	}
	if owner.Valid {
		w.OwnerID = &owner.String
	}
	return w, nil
}

func (r Repo) InsertWorkstream(ctx context.Context, tx *sql.Tx, w domain.Workstream) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workstreams(`+workstreamColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Title, w.Color, w.SortOrder, w.Status, nullableStringPtr(w.OwnerID), w.CreatedAt)
	return err
}

func (r Repo) GetWorkstream(ctx context.Context, id string) (domain.Workstream, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE id=?`, id)
	w, err := scanWorkstream(row.Scan)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWorkstreamTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workstream, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE id=?`, id)
	w, err := scanWorkstream(row.Scan)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkstreams(ctx context.Context, projectID string, includeArchived bool) ([]domain.Workstream, error) {
	query := `SELECT ` + workstreamColumns + ` FROM workstreams WHERE project_id=?`
	if !includeArchived {
		query += ` AND status='active'`
	}
	query += ` ORDER BY sort_order ASC, created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UsedColors returns the colors currently held by a project's workstreams,
// archived ones included so their colors are not immediately recycled.
func (r Repo) UsedColors(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT color FROM workstreams WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var colors []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		colors = append(colors, c)
	}
	return colors, rows.Err()
}

func (r Repo) MaxWorkstreamSortOrder(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), -1) FROM workstreams WHERE project_id=?`, projectID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (r Repo) UpdateWorkstream(ctx context.Context, tx *sql.Tx, id string, title, color, status *string, owner *string) error {
	var (
		fields []string
		args   []any
	)
	if title != nil {
		fields = append(fields, "title=?")
		args = append(args, *title)
	}
	if color != nil {
		fields = append(fields, "color=?")
		args = append(args, *color)
	}
	if status != nil {
		fields = append(fields, "status=?")
		args = append(args, *status)
	}
	if owner != nil {
		fields = append(fields, "owner_id=?")
		args = append(args, nullable(*owner))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE workstreams SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WorkstreamCounts aggregates deliverable counters for a workstream. A
// deliverable is overdue when its due date has passed and it is not completed.
func (r Repo) WorkstreamCounts(ctx context.Context, workstreamID, nowRFC3339 string) (domain.WorkstreamCounts, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status != 'completed' AND due_date IS NOT NULL AND due_date < ? THEN 1 ELSE 0 END), 0)
	FROM deliverables WHERE workstream_id=?`, nowRFC3339, workstreamID)
	var c domain.WorkstreamCounts
	if err := row.Scan(&c.TaskCount, &c.CompletedTaskCount, &c.OverdueTaskCount); err != nil {
		return c, err
	}
	return c, nil
}
