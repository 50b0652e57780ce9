package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seclab/scanhub/internal/application"
	"github.com/seclab/scanhub/internal/domain/battery"
	domain "github.com/seclab/scanhub/internal/domain/runs"
)

// Notifier delivers best-effort terminal-state notifications. Failures
// are logged by the caller and never influence task state.
type Notifier interface {
	NotifyTerminal(ctx context.Context, run *domain.Run, task *domain.Task) error
}

// Service is the scheduler/orchestrator: it owns every state mutation
// of runs and tasks, serialized behind a per-run lock so racing
// executor callbacks cannot produce lost updates.
// Service is designed to be used concurrently and is thread-safe.
type Service struct {
	Repo      domain.Repository
	Artifacts domain.ArtifactStore
	Executors map[domain.Tool]domain.Executor
	Clock     application.Clock
	Notifier  Notifier
	Log       zerolog.Logger

	mu       sync.Mutex
	runLocks map[domain.RunID]*sync.Mutex
	cancels  map[domain.TaskID]context.CancelFunc
	logBufs  map[domain.TaskID]*strings.Builder
}

func NewService(repo domain.Repository, store domain.ArtifactStore, executors map[domain.Tool]domain.Executor, clock application.Clock, notifier Notifier, log zerolog.Logger) *Service {
	return &Service{
		Repo:      repo,
		Artifacts: store,
		Executors: executors,
		Clock:     clock,
		Notifier:  notifier,
		Log:       log,
		runLocks:  make(map[domain.RunID]*sync.Mutex),
		cancels:   make(map[domain.TaskID]context.CancelFunc),
		logBufs:   make(map[domain.TaskID]*strings.Builder),
	}
}

// MetaCategories is the task metadata key holding the comma-separated
// battery categories of a security_test run.
const MetaCategories = "categories"

// metadata keys for error detail
const (
	metaError         = "error"
	metaArtifactError = "artifact_error"
)

//
// ==== USE CASES ====
//

// SubmitCommand describes one run submission.
type SubmitCommand struct {
	TenantID    string
	UserID      string
	Module      string
	TargetType  string
	TargetValue string
	Tools       []string
}

// SubmitRun validates the selection, creates the run and its tasks
// atomically, then starts dispatch in the background. The returned run
// is always in pending state.
func (s *Service) SubmitRun(ctx context.Context, cmd SubmitCommand) (*domain.Run, error) {
	module := domain.Module(cmd.Module)
	if !domain.KnownModule(module) {
		return nil, domain.Validationf("unknown module %q", cmd.Module)
	}
	if len(cmd.Tools) == 0 {
		return nil, domain.Validationf("tool selection is empty")
	}
	if strings.TrimSpace(cmd.TargetValue) == "" {
		return nil, domain.Validationf("target_value is required")
	}

	now := s.Clock.Now()
	run := &domain.Run{
		ID:          domain.RunID(uuid.New().String()),
		TenantID:    cmd.TenantID,
		UserID:      cmd.UserID,
		Module:      module,
		TargetType:  cmd.TargetType,
		TargetValue: cmd.TargetValue,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tasks, err := s.buildTasks(run, cmd.Tools, now)
	if err != nil {
		return nil, err
	}

	// all-or-nothing: if any task insert fails the repo rolls back and
	// nothing persists
	if err := s.Repo.CreateRunWithTasks(ctx, run, tasks); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	s.Log.Info().
		Str("run_id", string(run.ID)).
		Str("tenant", run.TenantID).
		Str("module", string(run.Module)).
		Int("tasks", len(tasks)).
		Msg("run submitted")

	go s.dispatch(run, tasks)
	return run, nil
}

// buildTasks expands the tool selection into pending tasks. For
// security_test the selections are battery categories and collapse into
// a single test_battery task carrying them in metadata.
func (s *Service) buildTasks(run *domain.Run, tools []string, now time.Time) ([]*domain.Task, error) {
	if run.Module == domain.ModuleSecurityTest {
		for _, t := range tools {
			if !battery.Known(battery.Category(t)) {
				return nil, domain.Validationf("unknown category %q for module %s", t, run.Module)
			}
		}
		if _, ok := s.Executors[domain.ToolTestBattery]; !ok {
			return nil, domain.Validationf("no executor registered for tool %s", domain.ToolTestBattery)
		}
		task := &domain.Task{
			RunID:     run.ID,
			TenantID:  run.TenantID,
			Tool:      domain.ToolTestBattery,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		task.SetMeta(MetaCategories, strings.Join(tools, ","))
		return []*domain.Task{task}, nil
	}

	tasks := make([]*domain.Task, 0, len(tools))
	for _, t := range tools {
		tool := domain.Tool(t)
		if !domain.ToolAllowed(run.Module, tool) {
			return nil, domain.Validationf("unknown tool %q for module %s", t, run.Module)
		}
		if _, ok := s.Executors[tool]; !ok {
			return nil, domain.Validationf("no executor registered for tool %s", tool)
		}
		tasks = append(tasks, &domain.Task{
			RunID:     run.ID,
			TenantID:  run.TenantID,
			Tool:      tool,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return tasks, nil
}

// dispatch hands every task to its executor in its own goroutine.
func (s *Service) dispatch(run *domain.Run, tasks []*domain.Task) {
	for _, task := range tasks {
		exec := s.Executors[task.Tool]
		ctx, cancel := context.WithCancel(context.Background())
		s.registerCancel(task.ID, cancel)

		go func(task *domain.Task) {
			defer s.clearCancel(task.ID)
			if err := exec.Execute(ctx, run, task, s); err != nil {
				// executor bailed without a terminal callback; the
				// sink drops this if one arrived after all
				_ = s.RecordTerminal(context.Background(), task.ID, domain.Outcome{
					Status:  domain.StatusFailed,
					Message: err.Error(),
				})
			}
		}(task)
	}
}

// GetRun reads the latest persisted snapshot; safe at polling frequency.
func (s *Service) GetRun(ctx context.Context, tenant string, id domain.RunID) (*domain.Run, error) {
	return s.Repo.GetRun(ctx, tenant, id)
}

func (s *Service) GetTasks(ctx context.Context, tenant string, id domain.RunID) ([]*domain.Task, error) {
	if _, err := s.Repo.GetRun(ctx, tenant, id); err != nil {
		return nil, err
	}
	return s.Repo.GetTasks(ctx, id)
}

func (s *Service) GetTask(ctx context.Context, tenant string, id domain.TaskID) (*domain.Task, error) {
	return s.Repo.GetTask(ctx, tenant, id)
}

// Latest ambil N run terakhir
func (s *Service) Latest(ctx context.Context, tenant string, limit int) ([]*domain.Run, error) {
	return s.Repo.LatestRuns(ctx, tenant, limit)
}

// CancelRun marks every non-terminal task cancelled and signals the
// executors to stop. Cancellation is best-effort on the executor side
// but authoritative on recorded state: by the time this returns the
// rows are cancelled regardless of what the tool call does.
func (s *Service) CancelRun(ctx context.Context, tenant string, id domain.RunID) (*domain.Run, error) {
	unlock := s.lockRun(id)
	defer unlock()

	run, err := s.Repo.GetRun(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, domain.ErrNotCancellable
	}

	tasks, err := s.Repo.GetTasks(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		task.Status = domain.StatusCancelled
		task.UpdatedAt = now
		if err := s.persistTask(ctx, task); err != nil {
			return nil, err
		}
		s.signalCancel(task.ID)
		s.flushLogs(ctx, task)
	}

	if err := s.recomputeRunLocked(ctx, id); err != nil {
		return nil, err
	}
	return s.Repo.GetRun(ctx, tenant, id)
}

// DeleteRun removes the run, its tasks and every artifact under its
// namespace. Deleting twice is not an error.
func (s *Service) DeleteRun(ctx context.Context, tenant string, id domain.RunID) error {
	unlock := s.lockRun(id)
	defer unlock()

	run, err := s.Repo.GetRun(ctx, tenant, id)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return err
	}

	tasks, err := s.Repo.GetTasks(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.signalCancel(task.ID)
		s.dropLogs(task.ID)
	}

	if err := s.Artifacts.DeleteTree(ctx, domain.ArtifactPrefix(id)); err != nil {
		return &domain.StorageError{Op: "delete tree", Err: err}
	}
	return s.Repo.DeleteRun(ctx, tenant, id)
}

//
// ==== EXECUTOR CALLBACKS ====
//

// RecordProgress applies a progress update. Late or reordered updates
// (terminal task, lower percentage) are dropped, not errors.
func (s *Service) RecordProgress(ctx context.Context, id domain.TaskID, percent int) error {
	task, err := s.Repo.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.lockRun(task.RunID)
	defer unlock()

	// re-read under the lock, another callback may have won the race
	task, err = s.Repo.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	changed := false
	if task.Status == domain.StatusPending {
		task.Status = domain.StatusRunning
		changed = true
	}
	if percent > task.Progress {
		task.Progress = percent
		changed = true
	}
	if !changed {
		return nil
	}

	task.UpdatedAt = s.Clock.Now()
	if err := s.persistTask(ctx, task); err != nil {
		return err
	}
	return s.recomputeRunLocked(ctx, task.RunID)
}

// RecordLog appends a line to the task's log artifact. The full buffer
// is re-put so pollers always read what is available so far.
func (s *Service) RecordLog(ctx context.Context, id domain.TaskID, line string) error {
	task, err := s.Repo.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.lockRun(task.RunID)
	defer unlock()

	task, err = s.Repo.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	buf := s.logBuf(id)
	buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		buf.WriteByte('\n')
	}

	key := task.LogsKey()
	if err := s.Artifacts.Put(ctx, key, []byte(buf.String()), "text/plain"); err != nil {
		s.Log.Warn().Err(err).Int64("task_id", int64(id)).Msg("log artifact write failed")
		return nil
	}
	if task.LogsPath == "" {
		task.LogsPath = key
		task.UpdatedAt = s.Clock.Now()
		return s.persistTask(ctx, task)
	}
	return nil
}

// RecordTerminal applies a terminal outcome. The first terminal update
// wins; duplicates and late updates are no-ops.
func (s *Service) RecordTerminal(ctx context.Context, id domain.TaskID, out domain.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", out.Status)
	}

	task, err := s.Repo.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.lockRun(task.RunID)
	defer unlock()

	task, err = s.Repo.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	task.Status = out.Status
	if out.Status == domain.StatusCompleted {
		task.Progress = 100
	}
	// failed/cancelled keep the last known progress value
	if out.Message != "" {
		task.SetMeta(metaError, out.Message)
	}

	if out.Report != nil {
		data, err := marshalReport(out.Report)
		if err != nil {
			task.SetMeta(metaArtifactError, err.Error())
		} else {
			key := task.ReportKey()
			if err := s.Artifacts.Put(ctx, key, data, "application/json"); err != nil {
				// the task still reaches its terminal status; the
				// missing artifact is noted so a later fetch can fail
				// as a retryable condition
				task.SetMeta(metaArtifactError, err.Error())
			} else {
				task.ReportPath = key
			}
		}
	}

	s.flushLogs(ctx, task)
	task.UpdatedAt = s.Clock.Now()
	if err := s.persistTask(ctx, task); err != nil {
		return err
	}
	if err := s.recomputeRunLocked(ctx, task.RunID); err != nil {
		return err
	}

	s.signalCancel(id)
	s.notifyAsync(task)
	return nil
}

func marshalReport(report any) ([]byte, error) {
	switch v := report.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.MarshalIndent(v, "", "  ")
	}
}

// recomputeRunLocked re-derives the run status from its tasks. Must be
// called with the run lock held. Idempotent and side-effect-free when
// nothing changed.
func (s *Service) recomputeRunLocked(ctx context.Context, id domain.RunID) error {
	run, err := s.Repo.GetRunByID(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := s.Repo.GetTasks(ctx, id)
	if err != nil {
		return err
	}

	statuses := make([]domain.Status, len(tasks))
	anyStarted := false
	for i, t := range tasks {
		statuses[i] = t.Status
		if t.Status != domain.StatusPending {
			anyStarted = true
		}
	}
	derived := domain.ReduceStatus(statuses)

	changed := false
	now := s.Clock.Now()
	if run.StartedAt == nil && anyStarted {
		run.StartedAt = &now
		changed = true
	}
	if run.Status != derived {
		run.Status = derived
		changed = true
	}
	if derived.Terminal() && run.FinishedAt == nil {
		run.FinishedAt = &now
		changed = true
	}
	if !changed {
		return nil
	}

	run.UpdatedAt = now
	return s.persistRun(ctx, run)
}

//
// ==== INTERNALS ====
//

// persistTask / persistRun retry transient repo failures with bounded
// backoff so a flaky store cannot strand a task in running forever.
func (s *Service) persistTask(ctx context.Context, t *domain.Task) error {
	return backoff.Retry(func() error {
		return s.Repo.UpdateTask(ctx, t)
	}, persistBackoff())
}

func (s *Service) persistRun(ctx context.Context, r *domain.Run) error {
	return backoff.Retry(func() error {
		return s.Repo.UpdateRun(ctx, r)
	}, persistBackoff())
}

func persistBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 3)
}

// lockRun serializes all mutations to one run and its tasks.
func (s *Service) lockRun(id domain.RunID) func() {
	s.mu.Lock()
	l, ok := s.runLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.runLocks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Service) registerCancel(id domain.TaskID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Service) signalCancel(id domain.TaskID) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) clearCancel(id domain.TaskID) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		delete(s.cancels, id)
		cancel()
	}
	s.mu.Unlock()
}

func (s *Service) logBuf(id domain.TaskID) *strings.Builder {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.logBufs[id]
	if !ok {
		buf = &strings.Builder{}
		s.logBufs[id] = buf
	}
	return buf
}

// flushLogs writes the remaining buffer and releases it. Called on
// terminal transitions with the run lock held.
func (s *Service) flushLogs(ctx context.Context, task *domain.Task) {
	s.mu.Lock()
	buf, ok := s.logBufs[task.ID]
	delete(s.logBufs, task.ID)
	s.mu.Unlock()
	if !ok || buf.Len() == 0 {
		return
	}
	key := task.LogsKey()
	if err := s.Artifacts.Put(ctx, key, []byte(buf.String()), "text/plain"); err != nil {
		s.Log.Warn().Err(err).Int64("task_id", int64(task.ID)).Msg("final log flush failed")
		return
	}
	if task.LogsPath == "" {
		task.LogsPath = key
	}
}

func (s *Service) dropLogs(id domain.TaskID) {
	s.mu.Lock()
	delete(s.logBufs, id)
	s.mu.Unlock()
}

// notifyAsync fires the terminal notification without blocking the
// callback path; a notification failure can never flip a task state.
func (s *Service) notifyAsync(task *domain.Task) {
	if s.Notifier == nil {
		return
	}
	run, err := s.Repo.GetRunByID(context.Background(), task.RunID)
	if err != nil {
		return
	}
	t := *task
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Notifier.NotifyTerminal(ctx, run, &t); err != nil {
			s.Log.Warn().Err(err).Str("run_id", string(run.ID)).Int64("task_id", int64(t.ID)).Msg("terminal notification failed")
		}
	}()
}
