// Package battery executes security_test runs: it fires the registered
// attack payloads at the target and records a detection outcome per
// probe. In block mode a detection is the target (or the WAF in front
// of it) rejecting the probe with 403/429; in monitor mode it is the
// target's detection agent tagging the response. Detected incidents are
// forwarded to an external reporting endpoint when one is configured.
package battery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclab/scanhub/internal/domain/battery"
	domain "github.com/seclab/scanhub/internal/domain/runs"
)

// Enforcement modes. The mode changes how a detection is labeled, not
// which probes are sent.
const (
	ModeBlock   = "block"
	ModeMonitor = "monitor"
)

// detectionHeader is set by the monitoring agent on responses it
// flagged but did not block.
const detectionHeader = "X-Detection"

type Executor struct {
	Client     *http.Client
	Mode       string
	ReportURL  string // external incident sink; empty disables forwarding
	ProbeDelay time.Duration
	Log        zerolog.Logger
}

func New(mode, reportURL string, probeDelay time.Duration, log zerolog.Logger) *Executor {
	if mode != ModeMonitor {
		mode = ModeBlock
	}
	return &Executor{
		Client:     &http.Client{Timeout: 10 * time.Second, CheckRedirect: noRedirect},
		Mode:       mode,
		ReportURL:  reportURL,
		ProbeDelay: probeDelay,
		Log:        log,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func (e *Executor) Execute(ctx context.Context, run *domain.Run, task *domain.Task, sink domain.CallbackSink) error {
	categories, err := selectedCategories(task)
	if err != nil {
		return err
	}

	total := 0
	for _, desc := range categories {
		total += len(desc.Payloads)
	}

	result := battery.Result{
		Target:          run.TargetValue,
		EnforcementMode: e.Mode,
	}

	_ = sink.RecordLog(ctx, task.ID, fmt.Sprintf("test battery started: %d probes across %d categories (%s mode)", total, len(categories), e.Mode))
	_ = sink.RecordProgress(ctx, task.ID, 0)

	done := 0
	for _, desc := range categories {
		catRes := battery.CategoryResult{
			Category: desc.Category,
			Name:     desc.Name,
			Severity: desc.Severity,
		}
		for _, payload := range desc.Payloads {
			select {
			case <-ctx.Done():
				return sink.RecordTerminal(context.Background(), task.ID, domain.Outcome{
					Status:  domain.StatusCancelled,
					Message: "cancelled by request",
				})
			default:
			}

			detected := e.probe(ctx, run.TargetValue, payload)
			reported := false
			if detected {
				reported = e.reportIncident(ctx, run, desc, payload)
			}
			catRes.Probes = append(catRes.Probes, battery.ProbeResult{
				Payload:          payload,
				Detected:         detected,
				ExternalReported: reported,
			})

			done++
			_ = sink.RecordProgress(ctx, task.ID, done*100/total)

			if e.ProbeDelay > 0 {
				time.Sleep(e.ProbeDelay)
			}
		}

		_ = sink.RecordLog(ctx, task.ID, fmt.Sprintf("%s: %d/%d probes detected", desc.Name, countDetected(catRes.Probes), len(catRes.Probes)))
		result.Categories = append(result.Categories, catRes)
	}

	result.Finalize()
	_ = sink.RecordLog(ctx, task.ID, fmt.Sprintf("test battery finished: overall detection rate %.1f%%", result.DetectionRate))
	return sink.RecordTerminal(ctx, task.ID, domain.Outcome{
		Status: domain.StatusCompleted,
		Report: result,
	})
}

func selectedCategories(task *domain.Task) ([]battery.Descriptor, error) {
	raw := task.Metadata["categories"]
	if raw == "" {
		return nil, fmt.Errorf("task %d has no categories metadata", task.ID)
	}
	var out []battery.Descriptor
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		desc, ok := battery.Lookup(battery.Category(c))
		if !ok {
			return nil, fmt.Errorf("unknown battery category %q", c)
		}
		out = append(out, desc)
	}
	return out, nil
}

// probe sends one payload as a query parameter and decides detection by
// enforcement mode. A transport error counts as not detected; the
// battery measures the defense, not the network.
func (e *Executor) probe(ctx context.Context, target, payload string) bool {
	u := target
	if parsed, err := url.Parse(target); err == nil {
		q := parsed.Query()
		q.Set("q", payload)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	switch e.Mode {
	case ModeMonitor:
		return resp.Header.Get(detectionHeader) != ""
	default: // block
		return resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests
	}
}

// reportIncident forwards a detected probe to the external sink.
// Failures only affect the external_reported flag.
func (e *Executor) reportIncident(ctx context.Context, run *domain.Run, desc battery.Descriptor, payload string) bool {
	if e.ReportURL == "" {
		return false
	}
	body, err := json.Marshal(map[string]string{
		"run_id":       string(run.ID),
		"tenant_id":    run.TenantID,
		"target":       run.TargetValue,
		"finding_type": string(desc.Category),
		"severity":     desc.Severity,
		"payload":      payload,
	})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ReportURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		e.Log.Debug().Err(err).Msg("incident forward failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func countDetected(probes []battery.ProbeResult) int {
	n := 0
	for _, p := range probes {
		if p.Detected {
			n++
		}
	}
	return n
}
