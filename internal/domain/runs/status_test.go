package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduceStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no tasks", nil, StatusPending},
		{"all pending", []Status{StatusPending, StatusPending}, StatusPending},
		{"one running", []Status{StatusPending, StatusRunning}, StatusRunning},
		{"all completed", []Status{StatusCompleted, StatusCompleted}, StatusCompleted},
		{"single completed", []Status{StatusCompleted}, StatusCompleted},
		{"failure among completed", []Status{StatusCompleted, StatusFailed}, StatusFailed},
		{"cancelled beats failed", []Status{StatusFailed, StatusCancelled, StatusCompleted}, StatusCancelled},
		{"cancelled waits for stragglers", []Status{StatusCancelled, StatusRunning}, StatusRunning},
		{"failed waits for stragglers", []Status{StatusFailed, StatusRunning}, StatusRunning},
		{"failed with pending sibling", []Status{StatusFailed, StatusPending}, StatusPending},
		{"all cancelled", []Status{StatusCancelled, StatusCancelled}, StatusCancelled},
		{"completed and pending", []Status{StatusCompleted, StatusPending}, StatusPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ReduceStatus(tc.statuses))
		})
	}
}

// Reduction must not depend on task ordering.
func TestReduceStatusOrderInsensitive(t *testing.T) {
	a := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	b := []Status{StatusCancelled, StatusCompleted, StatusFailed}
	assert.Equal(t, ReduceStatus(a), ReduceStatus(b))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestToolAllowed(t *testing.T) {
	assert.True(t, ToolAllowed(ModuleWebSecurity, ToolDAST))
	assert.True(t, ToolAllowed(ModuleIAM, ToolProvisioning))
	assert.False(t, ToolAllowed(ModuleWebSecurity, ToolSIEM))
	// security_test selects battery categories, never sidecar tools
	assert.False(t, ToolAllowed(ModuleSecurityTest, ToolTestBattery))
}

func TestArtifactKeys(t *testing.T) {
	task := &Task{ID: 7, RunID: "run-1"}
	assert.Equal(t, "run-1/7/report.json", task.ReportKey())
	assert.Equal(t, "run-1/7/report.html", task.HTMLReportKey())
	assert.Equal(t, "run-1/7/logs.txt", task.LogsKey())
	assert.Equal(t, "run-1/", ArtifactPrefix("run-1"))
}
