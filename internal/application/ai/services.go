package ai

import (
	"context"

	"github.com/seclab/scanhub/internal/domain/ai"
	domain "github.com/seclab/scanhub/internal/domain/runs"
)

// Service produces an AI summary of a completed task's report.
type Service struct {
	client    ai.Client
	repo      domain.Repository
	artifacts domain.ArtifactStore
}

func NewService(client ai.Client, repo domain.Repository, artifacts domain.ArtifactStore) *Service {
	return &Service{client: client, repo: repo, artifacts: artifacts}
}

// AnalyzeTask loads the task's stored JSON report and asks the AI
// client for a structured summary. Non-completed tasks are rejected the
// same way a report fetch would be.
func (s *Service) AnalyzeTask(ctx context.Context, tenant string, id domain.TaskID) (string, error) {
	task, err := s.repo.GetTask(ctx, tenant, id)
	if err != nil {
		return "", err
	}
	if task.Status != domain.StatusCompleted {
		return "", domain.ErrReportNotReady
	}
	raw, err := s.artifacts.Get(ctx, task.ReportKey())
	if err != nil {
		return "", err
	}
	return s.client.Analyze(ctx, string(raw))
}
