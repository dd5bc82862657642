package bridge

import (
	"encoding/json"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/google/jsonschema-go/jsonschema"
)

// Host endpoints, relative to the callback URL.
const (
	PathToolCalls = "/tool-calls"
	PathApprovals = "/approvals"
	PathTasks     = "/tasks"
)

// Kind tags a failed tool call result.
type Kind string

const (
	KindDenied  Kind = "denied"
	KindPending Kind = "pending"
	KindFailed  Kind = "failed"
)

// ToolCallRequest is sent by the worker for every tool invocation.
type ToolCallRequest struct {
	TaskID   string          `json:"taskId,omitempty"`
	CallID   string          `json:"callId"`
	ToolPath string          `json:"toolPath"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ToolCallResult is the host's answer. When OK is false, Kind says why.
type ToolCallResult struct {
	OK         bool              `json:"ok"`
	Value      json.RawMessage   `json:"value,omitempty"`
	Kind       Kind              `json:"kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	ApprovalID string            `json:"approvalId,omitempty"`
	Decision   approval.Decision `json:"decision,omitempty"`
}

// StatusResponse answers an approval status query and is the message
// pushed on the watch stream.
type StatusResponse struct {
	ApprovalID string          `json:"approvalId"`
	Status     approval.Status `json:"status"`
}

// Callback tells the worker where to send tool calls.
type Callback struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// ToolManifest describes one tool of the catalog the worker exposes to
// the script. Run stays on the host.
type ToolManifest struct {
	Path        string             `json:"path"`
	Description string             `json:"description,omitempty"`
	Approval    approval.Mode      `json:"approval,omitempty"`
	Args        *jsonschema.Schema `json:"args,omitempty"`
	Returns     *jsonschema.Schema `json:"returns,omitempty"`
}

// TaskRequest asks a worker to run a script.
type TaskRequest struct {
	TaskID    string         `json:"taskId"`
	Code      string         `json:"code"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
	Callback  Callback       `json:"callback"`
	Tools     []ToolManifest `json:"tools"`
}

// TaskStatus is the final state of a task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskDenied    TaskStatus = "denied"
)

// Exit codes reported with a task.
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitDenied   = 3
	ExitTimedOut = 124
)

// TaskResponse is the worker's answer to a TaskRequest.
type TaskResponse struct {
	TaskID   string            `json:"taskId"`
	Status   TaskStatus        `json:"status"`
	Result   any               `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	ExitCode int               `json:"exitCode"`
	Receipts []sandbox.Receipt `json:"receipts,omitempty"`
	Logs     []string          `json:"logs,omitempty"`
}

// TaskResponseFrom maps a run result onto the wire response.
func TaskResponseFrom(taskID string, res sandbox.RunResult) TaskResponse {
	out := TaskResponse{
		TaskID:   taskID,
		Result:   res.Value,
		Error:    res.Error,
		Receipts: res.Receipts,
		Logs:     res.Logs,
	}
	switch {
	case res.TimedOut:
		out.Status, out.ExitCode = TaskTimedOut, ExitTimedOut
	case len(res.Denied()) > 0:
		out.Status, out.ExitCode = TaskDenied, ExitDenied
	case res.OK:
		out.Status, out.ExitCode = TaskCompleted, ExitOK
	default:
		out.Status, out.ExitCode = TaskFailed, ExitFailed
	}
	return out
}

// RunResult converts a task response back into a run result.
func (t TaskResponse) RunResult() sandbox.RunResult {
	receipts := t.Receipts
	if receipts == nil {
		receipts = []sandbox.Receipt{}
	}
	return sandbox.RunResult{
		OK:       t.Status == TaskCompleted,
		Value:    t.Result,
		Error:    t.Error,
		TimedOut: t.Status == TaskTimedOut,
		Receipts: receipts,
		Logs:     t.Logs,
	}
}
