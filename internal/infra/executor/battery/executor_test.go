package battery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	batdomain "github.com/seclab/scanhub/internal/domain/battery"
	domain "github.com/seclab/scanhub/internal/domain/runs"
)

// recordingSink captures callbacks for assertions.
type recordingSink struct {
	mu        sync.Mutex
	progress  []int
	logs      []string
	terminals []domain.Outcome
}

func (s *recordingSink) RecordProgress(ctx context.Context, id domain.TaskID, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, percent)
	return nil
}

func (s *recordingSink) RecordLog(ctx context.Context, id domain.TaskID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, line)
	return nil
}

func (s *recordingSink) RecordTerminal(ctx context.Context, id domain.TaskID, out domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = append(s.terminals, out)
	return nil
}

func batteryTask(categories string) *domain.Task {
	t := &domain.Task{ID: 1, RunID: "run-1", TenantID: "acme", Tool: domain.ToolTestBattery}
	t.SetMeta("categories", categories)
	return t
}

func TestExecuteBlockMode(t *testing.T) {
	// the "WAF" blocks every probe containing a script tag
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("q"), "<script>") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	exec := New(ModeBlock, "", 0, zerolog.Nop())
	sink := &recordingSink{}
	run := &domain.Run{ID: "run-1", TenantID: "acme", TargetValue: target.URL}

	err := exec.Execute(context.Background(), run, batteryTask("xss"), sink)
	require.NoError(t, err)

	require.Len(t, sink.terminals, 1)
	out := sink.terminals[0]
	assert.Equal(t, domain.StatusCompleted, out.Status)

	result, ok := out.Report.(batdomain.Result)
	require.True(t, ok)
	require.Len(t, result.Categories, 1)

	desc, _ := batdomain.Lookup(batdomain.CategoryXSS)
	assert.Len(t, result.Categories[0].Probes, len(desc.Payloads))
	for _, probe := range result.Categories[0].Probes {
		want := strings.Contains(probe.Payload, "<script>")
		assert.Equal(t, want, probe.Detected, "payload %q", probe.Payload)
		// no report URL configured, nothing forwarded
		assert.False(t, probe.ExternalReported)
	}

	// progress ends at 100
	require.NotEmpty(t, sink.progress)
	assert.Equal(t, 100, sink.progress[len(sink.progress)-1])
}

func TestExecuteMonitorMode(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the agent flags everything but never blocks
		w.Header().Set("X-Detection", "sqli")
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	var reported int
	var reportedMu sync.Mutex
	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reportedMu.Lock()
		reported++
		reportedMu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer sinkSrv.Close()

	exec := New(ModeMonitor, sinkSrv.URL, 0, zerolog.Nop())
	sink := &recordingSink{}
	run := &domain.Run{ID: "run-1", TenantID: "acme", TargetValue: target.URL}

	err := exec.Execute(context.Background(), run, batteryTask("sqli"), sink)
	require.NoError(t, err)

	require.Len(t, sink.terminals, 1)
	result := sink.terminals[0].Report.(batdomain.Result)
	assert.Equal(t, 100.0, result.DetectionRate)

	desc, _ := batdomain.Lookup(batdomain.CategorySQLi)
	assert.Equal(t, len(desc.Payloads), reported)
	for _, probe := range result.Categories[0].Probes {
		assert.True(t, probe.ExternalReported)
	}
}

func TestExecuteIncidentForwardFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer target.Close()

	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sinkSrv.Close()

	exec := New(ModeBlock, sinkSrv.URL, 0, zerolog.Nop())
	sink := &recordingSink{}
	run := &domain.Run{ID: "run-1", TenantID: "acme", TargetValue: target.URL}

	require.NoError(t, exec.Execute(context.Background(), run, batteryTask("nosql"), sink))

	result := sink.terminals[0].Report.(batdomain.Result)
	for _, probe := range result.Categories[0].Probes {
		assert.True(t, probe.Detected)
		// detection stands even when the forward fails
		assert.False(t, probe.ExternalReported)
	}
}

func TestExecuteCancelled(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	exec := New(ModeBlock, "", 0, zerolog.Nop())
	sink := &recordingSink{}
	run := &domain.Run{ID: "run-1", TenantID: "acme", TargetValue: target.URL}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, exec.Execute(ctx, run, batteryTask("xss,sqli"), sink))
	require.Len(t, sink.terminals, 1)
	assert.Equal(t, domain.StatusCancelled, sink.terminals[0].Status)
}

func TestExecuteNoCategories(t *testing.T) {
	exec := New(ModeBlock, "", 0, zerolog.Nop())
	task := &domain.Task{ID: 1, RunID: "run-1"}
	err := exec.Execute(context.Background(), &domain.Run{TargetValue: "http://x"}, task, &recordingSink{})
	assert.Error(t, err)
}
