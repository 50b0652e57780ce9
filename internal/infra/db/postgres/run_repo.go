package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	domain "github.com/seclab/scanhub/internal/domain/runs"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRunWithTasks inserts the run and its tasks in one transaction;
// any failure rolls the whole submission back.
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
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`
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
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id;`
	for _, t := range tasks {
		meta, err := marshalMeta(t.Metadata)
		if err != nil {
			return err
		}
		var id int64
		err = tx.QueryRowContext(ctx, qt,
			run.ID, stringOrDash(t.TenantID), t.Tool, stringOrDash(string(t.Status)),
			t.Progress, t.LogsPath, t.ReportPath, meta,
			t.CreatedAt, t.UpdatedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}
		t.ID = domain.TaskID(id)
		t.RunID = run.ID
	}

	return tx.Commit()
}

const runColumns = `id, tenant_id, user_id, module, target_type, target_value, status,
       started_at, finished_at, created_at, updated_at`

func (r *RunRepository) GetRun(ctx context.Context, tenant string, id domain.RunID) (*domain.Run, error) {
	q := `SELECT ` + runColumns + ` FROM scan_runs WHERE tenant_id=$1 AND id=$2 LIMIT 1;`
	return scanRun(r.db.QueryRowContext(ctx, q, stringOrDash(tenant), id))
}

func (r *RunRepository) GetRunByID(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	q := `SELECT ` + runColumns + ` FROM scan_runs WHERE id=$1 LIMIT 1;`
	return scanRun(r.db.QueryRowContext(ctx, q, id))
}

func (r *RunRepository) LatestRuns(ctx context.Context, tenant string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + runColumns + ` FROM scan_runs WHERE tenant_id=$1 ORDER BY created_at DESC LIMIT $2;`
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
SET status = $1, started_at = $2, finished_at = $3, updated_at = $4
WHERE id = $5;`
	_, err := r.db.ExecContext(ctx, q,
		stringOrDash(string(run.Status)), nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.UpdatedAt, run.ID,
	)
	return err
}

const taskColumns = `id, run_id, tenant_id, tool, status, progress, logs_path, report_path,
       metadata, created_at, updated_at`

func (r *RunRepository) GetTasks(ctx context.Context, id domain.RunID) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM run_tasks WHERE run_id=$1 ORDER BY id;`
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
	q := `SELECT ` + taskColumns + ` FROM run_tasks WHERE tenant_id=$1 AND id=$2 LIMIT 1;`
	return scanTask(r.db.QueryRowContext(ctx, q, stringOrDash(tenant), id))
}

func (r *RunRepository) GetTaskByID(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM run_tasks WHERE id=$1 LIMIT 1;`
	return scanTask(r.db.QueryRowContext(ctx, q, id))
}

func (r *RunRepository) UpdateTask(ctx context.Context, t *domain.Task) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE run_tasks
SET status = $1, progress = $2, logs_path = $3, report_path = $4, metadata = $5, updated_at = $6
WHERE id = $7;`
	_, err = r.db.ExecContext(ctx, q,
		stringOrDash(string(t.Status)), t.Progress, t.LogsPath, t.ReportPath, meta,
		t.UpdatedAt, t.ID,
	)
	return err
}

func (r *RunRepository) DeleteRun(ctx context.Context, tenant string, id domain.RunID) error {
	const q = `DELETE FROM scan_runs WHERE tenant_id=$1 AND id=$2;`
	_, err := r.db.ExecContext(ctx, q, stringOrDash(tenant), id)
	return err
}

func (r *RunRepository) StaleTasks(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM run_tasks
WHERE status IN ('pending','running') AND updated_at < $1;`
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

// stringOrDash returns "-" when the input is empty/whitespace
func stringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
