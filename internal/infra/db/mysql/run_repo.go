package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/seclab/scanhub/internal/domain/runs"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRunWithTasks inserts the run and its tasks in one transaction.
// A failure anywhere rolls everything back; no partial submission ever
// persists.
func (r *RunRepository) CreateRunWithTasks(ctx context.Context, run *domain.Run, tasks []*domain.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const qr = `
INSERT INTO scan_runs
(id, tenant_id, user_id, module, target_type, target_value, status,
 started_at, finished_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?);
`
	_, err = tx.ExecContext(ctx, qr,
		run.ID, stringOrDash(run.TenantID), run.UserID, run.Module,
		run.TargetType, run.TargetValue, stringOrDash(string(run.Status)),
		nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	const qt = `
INSERT INTO run_tasks
(run_id, tenant_id, tool, status, progress, logs_path, report_path, metadata,
 created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?);
`
	for _, t := range tasks {
		meta, err := marshalMeta(t.Metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, qt,
			run.ID, stringOrDash(t.TenantID), t.Tool, stringOrDash(string(t.Status)),
			t.Progress, t.LogsPath, t.ReportPath, meta,
			t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading task id: %w", err)
		}
		t.ID = domain.TaskID(id)
		t.RunID = run.ID
	}

	return tx.Commit()
}

const runColumns = `id, tenant_id, user_id, module, target_type, target_value, status,
       started_at, finished_at, created_at, updated_at`

// Get by ID + Tenant
func (r *RunRepository) GetRun(ctx context.Context, tenant string, id domain.RunID) (*domain.Run, error) {
	q := `SELECT ` + runColumns + ` FROM scan_runs WHERE tenant_id=? AND id=? LIMIT 1;`
	return scanRun(r.db.QueryRowContext(ctx, q, stringOrDash(tenant), id))
}

func (r *RunRepository) GetRunByID(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	q := `SELECT ` + runColumns + ` FROM scan_runs WHERE id=? LIMIT 1;`
	return scanRun(r.db.QueryRowContext(ctx, q, id))
}

// LatestRuns per tenant
func (r *RunRepository) LatestRuns(ctx context.Context, tenant string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + runColumns + ` FROM scan_runs WHERE tenant_id=? ORDER BY created_at DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, stringOrDash(tenant), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *RunRepository) UpdateRun(ctx context.Context, run *domain.Run) error {
	const q = `
UPDATE scan_runs
SET status = ?, started_at = ?, finished_at = ?, updated_at = ?
WHERE id = ?;`
	_, err := r.db.ExecContext(ctx, q,
		stringOrDash(string(run.Status)), nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.UpdatedAt, run.ID,
	)
	return err
}

const taskColumns = `id, run_id, tenant_id, tool, status, progress, logs_path, report_path,
       metadata, created_at, updated_at`

func (r *RunRepository) GetTasks(ctx context.Context, id domain.RunID) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM run_tasks WHERE run_id=? ORDER BY id;`
	rows, err := r.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *RunRepository) GetTask(ctx context.Context, tenant string, id domain.TaskID) (*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM run_tasks WHERE tenant_id=? AND id=? LIMIT 1;`
	return scanTask(r.db.QueryRowContext(ctx, q, stringOrDash(tenant), id))
}

func (r *RunRepository) GetTaskByID(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM run_tasks WHERE id=? LIMIT 1;`
	return scanTask(r.db.QueryRowContext(ctx, q, id))
}

func (r *RunRepository) UpdateTask(ctx context.Context, t *domain.Task) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE run_tasks
SET status = ?, progress = ?, logs_path = ?, report_path = ?, metadata = ?, updated_at = ?
WHERE id = ?;`
	_, err = r.db.ExecContext(ctx, q,
		stringOrDash(string(t.Status)), t.Progress, t.LogsPath, t.ReportPath, meta,
		t.UpdatedAt, t.ID,
	)
	return err
}

// DeleteRun removes the run; tasks cascade via the foreign key.
// Deleting a missing run affects zero rows and is not an error.
func (r *RunRepository) DeleteRun(ctx context.Context, tenant string, id domain.RunID) error {
	const q = `DELETE FROM scan_runs WHERE tenant_id=? AND id=?;`
	_, err := r.db.ExecContext(ctx, q, stringOrDash(tenant), id)
	return err
}

// StaleTasks lists non-terminal tasks not updated since cutoff.
func (r *RunRepository) StaleTasks(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM run_tasks
WHERE status IN ('pending','running') AND updated_at < ?;`
	rows, err := r.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var started, finished sql.NullTime
	if err := row.Scan(
		&run.ID, &run.TenantID, &run.UserID, &run.Module, &run.TargetType, &run.TargetValue,
		&run.Status, &started, &finished, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var meta sql.NullString
	if err := row.Scan(
		&t.ID, &t.RunID, &t.TenantID, &t.Tool, &t.Status, &t.Progress,
		&t.LogsPath, &t.ReportPath, &meta, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding task metadata: %w", err)
		}
	}
	return &t, nil
}

func marshalMeta(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding task metadata: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
