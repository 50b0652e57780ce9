// Package notify delivers best-effort terminal-state notifications.
// The scheduler fires these without waiting; a delivery failure is
// logged by the caller and never reaches task state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	domain "github.com/seclab/scanhub/internal/domain/runs"
)

type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *Webhook) NotifyTerminal(ctx context.Context, run *domain.Run, task *domain.Task) error {
	if w.URL == "" {
		return nil
	}
	payload := map[string]any{
		"run_id":     run.ID,
		"tenant_id":  run.TenantID,
		"module":     run.Module,
		"task_id":    task.ID,
		"tool":       task.Tool,
		"status":     task.Status,
		"run_status": run.Status,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
