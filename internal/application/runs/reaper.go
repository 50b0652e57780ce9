package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	domain "github.com/seclab/scanhub/internal/domain/runs"
)

// Reaper forces tasks with no activity past the configured timeout to
// failed, so a crashed executor cannot strand a run in running forever.
type Reaper struct {
	Svc      *Service
	Interval time.Duration
	Timeout  time.Duration
	Log      zerolog.Logger
}

func NewReaper(svc *Service, interval, timeout time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Reaper{Svc: svc, Interval: interval, Timeout: timeout, Log: log}
}

// Run loops until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fails every stale non-terminal task once.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.Svc.Clock.Now().Add(-r.Timeout)
	tasks, err := r.Svc.Repo.StaleTasks(ctx, cutoff)
	if err != nil {
		r.Log.Warn().Err(err).Msg("stale task query failed")
		return
	}
	for _, task := range tasks {
		r.Svc.signalCancel(task.ID)
		err := r.Svc.RecordTerminal(ctx, task.ID, domain.Outcome{
			Status:  domain.StatusFailed,
			Message: fmt.Sprintf("no executor activity for %s, reaped", r.Timeout),
		})
		if err != nil {
			r.Log.Warn().Err(err).Int64("task_id", int64(task.ID)).Msg("reap failed")
			continue
		}
		r.Log.Info().
			Int64("task_id", int64(task.ID)).
			Str("run_id", string(task.RunID)).
			Msg("stale task reaped")
	}
}
