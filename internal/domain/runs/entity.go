package runs

import (
	"fmt"
	"time"
)

// ID tipe untuk Run
type RunID string

// TaskID unik secara global (auto increment di DB)
type TaskID int64

// Module enum
type Module string

const (
	ModuleWebSecurity  Module = "web_security"
	ModuleMonitoringIR Module = "monitoring_ir"
	ModuleIAM          Module = "iam"
	ModuleSecurityTest Module = "security_test"
)

// Tool enum
type Tool string

const (
	ToolDAST           Tool = "dast"
	ToolSAST           Tool = "sast"
	ToolWAFTest        Tool = "waf_test"
	ToolSIEM           Tool = "siem"
	ToolAudit          Tool = "audit"
	ToolSOAR           Tool = "soar"
	ToolAuthentication Tool = "authentication"
	ToolAuthorization  Tool = "authorization"
	ToolProvisioning   Tool = "provisioning"

	// ToolTestBattery is the single task a security_test run fans into.
	ToolTestBattery Tool = "test_battery"
)

// moduleTools maps each module to the sidecar tools it may select.
// security_test is absent on purpose: its selections are battery
// categories, validated against the battery registry instead.
var moduleTools = map[Module][]Tool{
	ModuleWebSecurity:  {ToolDAST, ToolSAST, ToolWAFTest},
	ModuleMonitoringIR: {ToolSIEM, ToolAudit, ToolSOAR},
	ModuleIAM:          {ToolAuthentication, ToolAuthorization, ToolProvisioning},
}

// KnownModule reports whether m is one of the supported modules.
func KnownModule(m Module) bool {
	if m == ModuleSecurityTest {
		return true
	}
	_, ok := moduleTools[m]
	return ok
}

// ToolAllowed reports whether tool may be selected under module.
func ToolAllowed(m Module, t Tool) bool {
	for _, allowed := range moduleTools[m] {
		if allowed == t {
			return true
		}
	}
	return false
}

// Status enum, dipakai Run dan Task dua-duanya
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Aggregate Root: Run
type Run struct {
	ID          RunID      `json:"id"`
	TenantID    string     `json:"tenant_id"`
	UserID      string     `json:"user_id,omitempty"`
	Module      Module     `json:"module"`
	TargetType  string     `json:"target_type"`
	TargetValue string     `json:"target_value"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Task is one tool-specific unit of work inside a Run. It cannot
// outlive its Run: deleting the Run deletes its tasks and artifacts.
type Task struct {
	ID         TaskID            `json:"id"`
	RunID      RunID             `json:"run_id"`
	TenantID   string            `json:"tenant_id"`
	Tool       Tool              `json:"tool"`
	Status     Status            `json:"status"`
	Progress   int               `json:"progress"`
	LogsPath   string            `json:"logs_path,omitempty"`
	ReportPath string            `json:"report_path,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SetMeta writes a metadata entry, allocating the map on first use.
func (t *Task) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata[key] = value
}

// Artifact keys are namespaced {run_id}/{task_id}/... so DeleteTree on
// the run prefix removes everything without a secondary index.

func (t *Task) ReportKey() string {
	return fmt.Sprintf("%s/%d/report.json", t.RunID, t.ID)
}

func (t *Task) HTMLReportKey() string {
	return fmt.Sprintf("%s/%d/report.html", t.RunID, t.ID)
}

func (t *Task) LogsKey() string {
	return fmt.Sprintf("%s/%d/logs.txt", t.RunID, t.ID)
}

// ArtifactPrefix is the store namespace owned by run id.
func ArtifactPrefix(id RunID) string {
	return string(id) + "/"
}
