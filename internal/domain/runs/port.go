package runs

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence)
type Repository interface {
	// CreateRunWithTasks persists the run and all its tasks in one
	// transaction; on error nothing is persisted.
	CreateRunWithTasks(ctx context.Context, r *Run, tasks []*Task) error

	GetRun(ctx context.Context, tenant string, id RunID) (*Run, error)
	GetRunByID(ctx context.Context, id RunID) (*Run, error)
	LatestRuns(ctx context.Context, tenant string, limit int) ([]*Run, error)

	GetTasks(ctx context.Context, id RunID) ([]*Task, error)
	GetTask(ctx context.Context, tenant string, id TaskID) (*Task, error)
	GetTaskByID(ctx context.Context, id TaskID) (*Task, error)

	UpdateRun(ctx context.Context, r *Run) error
	UpdateTask(ctx context.Context, t *Task) error

	// DeleteRun removes the run and its tasks; deleting a run that is
	// already gone is not an error.
	DeleteRun(ctx context.Context, tenant string, id RunID) error

	// StaleTasks lists non-terminal tasks with no update since cutoff,
	// for the reaper sweep.
	StaleTasks(ctx context.Context, cutoff time.Time) ([]*Task, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteTree removes every object under prefix.
	DeleteTree(ctx context.Context, prefix string) error
}

// Outcome is the terminal result an executor reports for a task.
type Outcome struct {
	Status  Status // completed | failed | cancelled
	Message string // human-readable error detail on failed
	// Report is the structured result persisted as report.json.
	// json.RawMessage and []byte are written verbatim, anything else
	// is marshalled. Nil means the task produced no report.
	Report any
}

// CallbackSink receives progress and terminal events from executors.
// Delivery is at-least-once; implementations must be idempotent and
// drop updates for tasks that are already terminal.
type CallbackSink interface {
	RecordProgress(ctx context.Context, id TaskID, percent int) error
	RecordLog(ctx context.Context, id TaskID, line string) error
	RecordTerminal(ctx context.Context, id TaskID, out Outcome) error
}

// Executor port: performs a task's tool-specific work. It must emit at
// least one terminal callback per dispatched task, or return an error
// which the scheduler converts into a failed outcome. On ctx
// cancellation it stops cooperatively and acknowledges with a cancelled
// terminal; a late completed/failed is dropped by the sink.
type Executor interface {
	Execute(ctx context.Context, run *Run, task *Task, sink CallbackSink) error
}
