// Package agent drives a model through multi-turn code generation: the
// model writes scripts through the run_code tool, scripts are typechecked
// and executed against the tool catalog, and receipts are fed back until
// the model answers with plain text.
package agent

import (
	"github.com/flemzord/codeclaw/internal/provider"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/typecheck"
)

// StopReason describes why the agent loop terminated.
type StopReason string

// StopReason constants for agent loop termination.
const (
	StopReasonComplete    StopReason = "complete"
	StopReasonMaxCodeRuns StopReason = "max_code_runs"
	StopReasonMaxTurns    StopReason = "max_turns"
	StopReasonTokenBudget StopReason = "token_budget"
	StopReasonTimeout     StopReason = "timeout"
	StopReasonError       StopReason = "error"
)

// CodeRun is one script the loop executed.
type CodeRun struct {
	Code string `json:"code"`

	// Diagnostics are the typecheck problems left in Code when it ran.
	// Empty when the script passed.
	Diagnostics []typecheck.Diagnostic `json:"diagnostics,omitempty"`

	// TypecheckRetries counts the fix requests sent to the model.
	TypecheckRetries int `json:"typecheckRetries"`

	Result sandbox.RunResult `json:"result"`
}

// Result is the outcome of Loop.Run.
type Result struct {
	Text       string              `json:"text"`
	Runs       []CodeRun           `json:"runs"`
	Receipts   []sandbox.Receipt   `json:"receipts"`
	Usage      provider.TokenUsage `json:"usage"`
	Turns      int                 `json:"turns"`
	StopReason StopReason          `json:"stopReason"`
	Error      string              `json:"error,omitempty"`
}

// EventType identifies an Event.
type EventType string

// EventType constants, emitted in this order within a turn.
const (
	EventStatus        EventType = "status"
	EventCodeGenerated EventType = "code_generated"
	EventToolResult    EventType = "tool_result"
	EventAgentMessage  EventType = "agent_message"
	EventCompleted     EventType = "completed"
)

// Status values carried by EventStatus.
const (
	StatusThinking     = "thinking"
	StatusTypechecking = "typechecking"
	StatusExecuting    = "executing"
)

// Event is one step of a Run, published to the Observer.
type Event struct {
	Type    EventType `json:"type"`
	Status  string    `json:"status,omitempty"`
	Code    string    `json:"code,omitempty"`
	Run     *CodeRun  `json:"run,omitempty"`
	Message string    `json:"message,omitempty"`
	Result  *Result   `json:"result,omitempty"`
}

// Observer receives events synchronously from the loop goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// ChannelObserver forwards events to ch. The send blocks, so the reader
// must drain ch for the loop to make progress.
func ChannelObserver(ch chan<- Event) Observer {
	return ObserverFunc(func(e Event) { ch <- e })
}
