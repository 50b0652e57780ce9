package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclab/scanhub/internal/application"
	appreports "github.com/seclab/scanhub/internal/application/reports"
	appruns "github.com/seclab/scanhub/internal/application/runs"
	domain "github.com/seclab/scanhub/internal/domain/runs"
	dbmemory "github.com/seclab/scanhub/internal/infra/db/memory"
	"github.com/seclab/scanhub/internal/infra/storage"
	render "github.com/seclab/scanhub/internal/reports"
)

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, run *domain.Run, task *domain.Task, sink domain.CallbackSink) error {
	return nil
}

type fixture struct {
	handler http.Handler
	runs    *appruns.Service
	store   *storage.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := dbmemory.NewRunRepository()
	store := storage.NewMemory()
	executors := map[domain.Tool]domain.Executor{
		domain.ToolDAST:        noopExecutor{},
		domain.ToolSAST:        noopExecutor{},
		domain.ToolTestBattery: noopExecutor{},
	}
	runsSvc := appruns.NewService(repo, store, executors,
		application.FixedClock{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		nil, zerolog.Nop())
	reportsSvc := appreports.NewService(repo, store, render.NewRenderer(), zerolog.Nop())
	return &fixture{
		handler: NewRouter(runsSvc, reportsSvc, nil),
		runs:    runsSvc,
		store:   store,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func submitRun(t *testing.T, f *fixture) (string, []map[string]any) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/acme/runs",
		`{"module":"web_security","target_type":"url","target_value":"https://target.example","tools":["dast","sast"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var out struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.RunID)

	get := f.do(t, http.MethodGet, "/v1/acme/runs/"+out.RunID, "")
	require.Equal(t, http.StatusOK, get.Code)
	var view struct {
		Tasks []map[string]any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &view))
	return out.RunID, view.Tasks
}

func TestSubmitAndGetRun(t *testing.T) {
	f := newFixture(t)
	runID, tasks := submitRun(t, f)

	rec := f.do(t, http.MethodGet, "/v1/acme/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending", view["status"])
	assert.Equal(t, "web_security", view["module"])
	assert.Len(t, tasks, 2)
}

func TestSubmitRunRejected(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"unknown module", `{"module":"nope","target_value":"https://x.example","tools":["dast"]}`, http.StatusBadRequest},
		{"bad tool", `{"module":"web_security","target_value":"https://x.example","tools":["siem"]}`, http.StatusBadRequest},
		{"ssrf target", `{"module":"web_security","target_type":"url","target_value":"http://127.0.0.1/admin","tools":["dast"]}`, http.StatusBadRequest},
		{"broken json", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/acme/runs", tc.body)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestGetRunWrongTenant(t *testing.T) {
	f := newFixture(t)
	runID, _ := submitRun(t, f)

	rec := f.do(t, http.MethodGet, "/v1/other/runs/"+runID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	runID, _ := submitRun(t, f)

	rec := f.do(t, http.MethodPost, "/v1/acme/runs/"+runID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "cancelled", out["status"])

	// already terminal
	rec = f.do(t, http.MethodPost, "/v1/acme/runs/"+runID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteRun(t *testing.T) {
	f := newFixture(t)
	runID, _ := submitRun(t, f)

	rec := f.do(t, http.MethodDelete, "/v1/acme/runs/"+runID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/acme/runs/"+runID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// idempotent
	rec = f.do(t, http.MethodDelete, "/v1/acme/runs/"+runID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTaskReportLifecycle(t *testing.T) {
	f := newFixture(t)
	_, tasks := submitRun(t, f)
	ctx := context.Background()
	taskID := domain.TaskID(int64(tasks[0]["task_id"].(float64)))
	path := "/v1/acme/tasks/" + jsonNumber(tasks[0]["task_id"])

	// not completed yet
	rec := f.do(t, http.MethodGet, path+"/report", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.runs.RecordTerminal(ctx, taskID, domain.Outcome{
		Status: domain.StatusCompleted,
		Report: map[string]any{"findings": 1},
	}))

	rec = f.do(t, http.MethodGet, path+"/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"findings"`)

	rec = f.do(t, http.MethodGet, path+"/report?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	rec = f.do(t, http.MethodGet, path+"/report?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskLogs(t *testing.T) {
	f := newFixture(t)
	_, tasks := submitRun(t, f)
	ctx := context.Background()
	taskID := domain.TaskID(int64(tasks[0]["task_id"].(float64)))
	path := "/v1/acme/tasks/" + jsonNumber(tasks[0]["task_id"])

	// nothing yet, still pollable
	rec := f.do(t, http.MethodGet, path+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	require.NoError(t, f.runs.RecordLog(ctx, taskID, "scanning"))
	rec = f.do(t, http.MethodGet, path+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scanning\n", rec.Body.String())
}

func TestLatestRuns(t *testing.T) {
	f := newFixture(t)
	submitRun(t, f)
	submitRun(t, f)

	rec := f.do(t, http.MethodGet, "/v1/acme/runs/latest?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 1)
}

func jsonNumber(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
