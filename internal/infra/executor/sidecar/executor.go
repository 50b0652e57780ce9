// Package sidecar executes a task against a tool sidecar over HTTP:
// submit the scan, poll its status, pull the structured report when it
// completes. One Executor instance per tool, pointed at that tool's
// base URL.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	domain "github.com/seclab/scanhub/internal/domain/runs"
)

type Executor struct {
	Tool         domain.Tool
	BaseURL      string
	Client       *http.Client
	PollInterval time.Duration
	Log          zerolog.Logger
}

func New(tool domain.Tool, baseURL string, log zerolog.Logger) *Executor {
	return &Executor{
		Tool:         tool,
		BaseURL:      baseURL,
		Client:       &http.Client{Timeout: 30 * time.Second},
		PollInterval: 2 * time.Second,
		Log:          log,
	}
}

type submitResponse struct {
	ScanID string `json:"scan_id"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error"`
}

// Execute drives one sidecar scan to completion, forwarding progress to
// the sink. On ctx cancellation it acknowledges with a cancelled
// terminal; the scheduler has already recorded the authoritative state
// and drops the acknowledgment as a duplicate.
func (e *Executor) Execute(ctx context.Context, run *domain.Run, task *domain.Task, sink domain.CallbackSink) error {
	scanID, err := e.submit(ctx, run)
	if err != nil {
		return fmt.Errorf("%s: submitting scan: %w", e.Tool, err)
	}
	_ = sink.RecordLog(ctx, task.ID, fmt.Sprintf("scan submitted to %s sidecar, id=%s", e.Tool, scanID))
	_ = sink.RecordProgress(ctx, task.ID, 0)

	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.abort(scanID)
			return sink.RecordTerminal(context.Background(), task.ID, domain.Outcome{
				Status:  domain.StatusCancelled,
				Message: "cancelled by request",
			})
		case <-ticker.C:
		}

		st, err := e.status(ctx, scanID)
		if err != nil {
			if ctx.Err() != nil {
				continue // cancellation wins on the next tick
			}
			return fmt.Errorf("%s: polling scan %s: %w", e.Tool, scanID, err)
		}

		switch st.Status {
		case "pending":
			// sidecar has not started yet
		case "running":
			_ = sink.RecordProgress(ctx, task.ID, st.Progress)
		case "completed":
			report, err := e.report(ctx, scanID)
			if err != nil {
				return fmt.Errorf("%s: fetching report for scan %s: %w", e.Tool, scanID, err)
			}
			_ = sink.RecordLog(ctx, task.ID, "scan completed")
			return sink.RecordTerminal(ctx, task.ID, domain.Outcome{
				Status: domain.StatusCompleted,
				Report: json.RawMessage(report),
			})
		case "failed":
			msg := st.Error
			if msg == "" {
				msg = "sidecar reported failure without detail"
			}
			_ = sink.RecordLog(ctx, task.ID, "scan failed: "+msg)
			return sink.RecordTerminal(ctx, task.ID, domain.Outcome{
				Status:  domain.StatusFailed,
				Message: msg,
			})
		default:
			return fmt.Errorf("%s: sidecar returned unknown status %q", e.Tool, st.Status)
		}
	}
}

func (e *Executor) submit(ctx context.Context, run *domain.Run) (string, error) {
	body, err := json.Marshal(map[string]string{
		"tool":         string(e.Tool),
		"target_type":  run.TargetType,
		"target_value": run.TargetValue,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/scan", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("sidecar returned %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ScanID == "" {
		return "", fmt.Errorf("sidecar returned no scan_id")
	}
	return out.ScanID, nil
}

func (e *Executor) status(ctx context.Context, scanID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/scan/"+scanID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar returned %d", resp.StatusCode)
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Executor) report(ctx context.Context, scanID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/scan/"+scanID+"/report", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// abort tells the sidecar to stop; best-effort, the recorded state is
// already cancelled.
func (e *Executor) abort(scanID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.BaseURL+"/scan/"+scanID, nil)
	if err != nil {
		return
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		e.Log.Debug().Err(err).Str("scan_id", scanID).Msg("sidecar abort failed")
		return
	}
	resp.Body.Close()
}
