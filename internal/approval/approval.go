// Package approval implements the approval gate that sits between a script
// calling a tool and the tool actually running.
//
// A Gate decides synchronously (PolicyGate) or by parking the request in a
// Registry until someone resolves it out-of-band. Callers suspend the same
// way for both.
package approval

import (
	"context"
	"encoding/json"
)

// Mode declares whether a tool needs approval before it runs.
type Mode string

const (
	// ModeAuto runs the tool without asking anyone.
	ModeAuto Mode = "auto"

	// ModeRequired asks the gate before every invocation.
	ModeRequired Mode = "required"
)

// Valid reports whether m is a known mode. The empty mode counts as auto.
func (m Mode) Valid() bool {
	switch m {
	case "", ModeAuto, ModeRequired:
		return true
	default:
		return false
	}
}

// Decision is the outcome recorded for a tool call.
type Decision string

const (
	// DecisionAuto is recorded on receipts of tools that never asked.
	DecisionAuto Decision = "auto"

	// DecisionApproved means a gate granted the call.
	DecisionApproved Decision = "approved"

	// DecisionDenied means a gate refused the call.
	DecisionDenied Decision = "denied"
)

// Preview is the human-facing description of a pending tool call.
type Preview struct {
	Title         string   `json:"title"`
	Details       string   `json:"details,omitempty"`
	IsDestructive bool     `json:"isDestructive,omitempty"`
	ResourceIDs   []string `json:"resourceIds,omitempty"`
}

// Request is sent to a Gate when a tool with ModeRequired is invoked.
type Request struct {
	// CallID uniquely identifies the tool invocation.
	CallID string `json:"callId"`

	// ToolPath is the dot-joined path of the tool in the catalog.
	ToolPath string `json:"toolPath"`

	// Input is the validated tool input.
	Input json.RawMessage `json:"input,omitempty"`

	Preview Preview `json:"preview"`
}

// Gate decides whether a tool call may proceed. Implementations block
// until a decision is available or ctx is done.
type Gate interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// GateFunc adapts a plain function to the Gate interface.
type GateFunc func(ctx context.Context, req Request) (Decision, error)

// RequestApproval implements Gate.
func (f GateFunc) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// AutoApprove is a gate that grants everything. Useful for trusted local runs.
var AutoApprove = GateFunc(func(context.Context, Request) (Decision, error) {
	return DecisionApproved, nil
})

// DenyAll is a gate that refuses everything.
var DenyAll = GateFunc(func(context.Context, Request) (Decision, error) {
	return DecisionDenied, nil
})
