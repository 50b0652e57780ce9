// Package memory provides an in-process Repository implementation,
// used by tests and local development without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/seclab/scanhub/internal/domain/runs"
)

type RunRepository struct {
	mu     sync.RWMutex
	runs   map[domain.RunID]*domain.Run
	tasks  map[domain.TaskID]*domain.Task
	nextID domain.TaskID
}

func NewRunRepository() *RunRepository {
	return &RunRepository{
		runs:  make(map[domain.RunID]*domain.Run),
		tasks: make(map[domain.TaskID]*domain.Task),
	}
}

func (r *RunRepository) CreateRunWithTasks(ctx context.Context, run *domain.Run, tasks []*domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *run
	r.runs[run.ID] = &cp
	for _, t := range tasks {
		r.nextID++
		t.ID = r.nextID
		t.RunID = run.ID
		tc := cloneTask(t)
		r.tasks[t.ID] = tc
	}
	return nil
}

func (r *RunRepository) GetRun(ctx context.Context, tenant string, id domain.RunID) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok || run.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *RunRepository) GetRunByID(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *RunRepository) LatestRuns(ctx context.Context, tenant string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Run
	for _, run := range r.runs {
		if run.TenantID == tenant {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RunRepository) GetTasks(ctx context.Context, id domain.RunID) ([]*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Task
	for _, t := range r.tasks {
		if t.RunID == id {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RunRepository) GetTask(ctx context.Context, tenant string, id domain.TaskID) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok || t.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

func (r *RunRepository) GetTaskByID(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

func (r *RunRepository) UpdateRun(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *RunRepository) UpdateTask(ctx context.Context, t *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return domain.ErrNotFound
	}
	r.tasks[t.ID] = cloneTask(t)
	return nil
}

func (r *RunRepository) DeleteRun(ctx context.Context, tenant string, id domain.RunID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.TenantID != tenant {
		return nil // idempotent
	}
	delete(r.runs, id)
	for tid, t := range r.tasks {
		if t.RunID == id {
			delete(r.tasks, tid)
		}
	}
	return nil
}

func (r *RunRepository) StaleTasks(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Task
	for _, t := range r.tasks {
		if !t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
