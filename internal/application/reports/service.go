package reports

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	domain "github.com/seclab/scanhub/internal/domain/runs"
	render "github.com/seclab/scanhub/internal/reports"
)

// Renderer port; implemented by the pure renderer, replaceable in tests.
type Renderer interface {
	Render(meta render.Meta, raw []byte, format render.Format) ([]byte, error)
}

// Service serves report and log fetches. Reports are rendered at most
// once per format: a missing HTML artifact triggers a synchronous
// render-and-store, subsequent fetches return the stored bytes.
type Service struct {
	Repo      domain.Repository
	Artifacts domain.ArtifactStore
	Renderer  Renderer
	Log       zerolog.Logger
}

func NewService(repo domain.Repository, store domain.ArtifactStore, renderer Renderer, log zerolog.Logger) *Service {
	return &Service{Repo: repo, Artifacts: store, Renderer: renderer, Log: log}
}

// FetchReport returns a completed task's report in the requested format
// along with its content type. Non-completed tasks yield
// ErrReportNotReady, never a rendering of partial data.
func (s *Service) FetchReport(ctx context.Context, tenant string, id domain.TaskID, format render.Format) ([]byte, string, error) {
	task, err := s.Repo.GetTask(ctx, tenant, id)
	if err != nil {
		return nil, "", err
	}
	if task.Status != domain.StatusCompleted {
		return nil, "", domain.ErrReportNotReady
	}

	raw, err := s.Artifacts.Get(ctx, task.ReportKey())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// completed but the write failed at terminal time; the
			// structured result is gone, nothing to regenerate from
			return nil, "", domain.ErrNotFound
		}
		return nil, "", &domain.StorageError{Op: "get report", Err: err}
	}

	if format == render.FormatJSON {
		return raw, "application/json", nil
	}

	htmlKey := task.HTMLReportKey()
	if data, err := s.Artifacts.Get(ctx, htmlKey); err == nil {
		return data, "text/html; charset=utf-8", nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", &domain.StorageError{Op: "get rendered report", Err: err}
	}

	meta := render.Meta{RunID: string(task.RunID), TaskID: int64(task.ID), Tool: string(task.Tool)}
	out, err := s.Renderer.Render(meta, raw, render.FormatHTML)
	if err != nil {
		return nil, "", err
	}
	if err := s.Artifacts.Put(ctx, htmlKey, out, "text/html"); err != nil {
		// content is still correct; the next fetch just renders again
		s.Log.Warn().Err(err).Int64("task_id", int64(id)).Msg("storing rendered report failed")
	}
	return out, "text/html; charset=utf-8", nil
}

// FetchLogs returns the task's log text. While the task is running a
// missing artifact means "nothing yet", returned as empty content so
// clients can poll incrementally.
func (s *Service) FetchLogs(ctx context.Context, tenant string, id domain.TaskID) ([]byte, error) {
	task, err := s.Repo.GetTask(ctx, tenant, id)
	if err != nil {
		return nil, err
	}

	data, err := s.Artifacts.Get(ctx, task.LogsKey())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if task.Status.Terminal() {
				return nil, domain.ErrNotFound
			}
			return []byte{}, nil
		}
		return nil, &domain.StorageError{Op: "get logs", Err: err}
	}
	return data, nil
}
