package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/mattn/go-isatty"
)

// terminalGate asks on the terminal. Prompts are serialized since
// concurrent tool calls may all need a decision.
type terminalGate struct {
	mu     sync.Mutex
	output io.Writer
}

var _ approval.Gate = (*terminalGate)(nil)

// interactiveGate returns a terminal gate when stdin is a terminal and the
// configuration allows prompting, nil otherwise.
func interactiveGate(allowed *bool) approval.Gate {
	if allowed != nil && !*allowed {
		return nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil
	}
	return &terminalGate{output: os.Stderr}
}

// RequestApproval implements approval.Gate. Any prompt failure denies.
func (g *terminalGate) RequestApproval(ctx context.Context, req approval.Request) (approval.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	approved := false
	confirm := huh.NewConfirm().
		Title(promptTitle(req)).
		Description(promptDetails(req)).
		Affirmative("Approve").
		Negative("Deny").
		Value(&approved)
	form := huh.NewForm(huh.NewGroup(confirm)).WithOutput(g.output)
	if err := form.RunWithContext(ctx); err != nil {
		return approval.DecisionDenied, fmt.Errorf("approval prompt: %w", err)
	}
	if approved {
		return approval.DecisionApproved, nil
	}
	return approval.DecisionDenied, nil
}

func promptTitle(req approval.Request) string {
	title := req.Preview.Title
	if title == "" {
		title = req.ToolPath
	}
	if req.Preview.IsDestructive {
		title = "⚠ " + title
	}
	return title
}

func promptDetails(req approval.Request) string {
	var lines []string
	if req.Preview.Details != "" {
		lines = append(lines, req.Preview.Details)
	}
	if len(req.Preview.ResourceIDs) > 0 {
		lines = append(lines, "Resources: "+strings.Join(req.Preview.ResourceIDs, ", "))
	}
	if len(req.Input) > 0 {
		lines = append(lines, "Input: "+approval.Truncate(string(req.Input), 400))
	}
	lines = append(lines, "Tool: "+req.ToolPath+" ("+req.CallID+")")
	return strings.Join(lines, "\n")
}

// resolvePending answers calls parked in reg through gate until ctx is
// done. It lets a single process both dispatch remote tasks and approve
// their tool calls.
func resolvePending(ctx context.Context, reg *approval.Registry, gate approval.Gate, logger *slog.Logger) {
	asked := make(map[string]bool)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pending, err := reg.Pending(ctx)
		if err != nil {
			logger.Warn("listing pending approvals failed", "error", err)
			continue
		}
		for _, rec := range pending {
			if asked[rec.CallID] {
				continue
			}
			asked[rec.CallID] = true
			decision, err := gate.RequestApproval(ctx, approval.Request{
				CallID:   rec.CallID,
				ToolPath: rec.ToolPath,
				Input:    rec.Input,
				Preview:  rec.Preview,
			})
			if err != nil {
				logger.Warn("approval prompt failed", "call_id", rec.CallID, "error", err)
			}
			if err := reg.Resolve(ctx, rec.CallID, decision); err != nil {
				logger.Warn("resolving approval failed", "call_id", rec.CallID, "error", err)
			}
		}
	}
}
