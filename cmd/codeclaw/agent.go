package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/flemzord/codeclaw/internal/agent"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/spf13/cobra"
)

func agentCmd() *cobra.Command {
	var (
		flags  runnerFlags
		events bool
	)
	cmd := &cobra.Command{
		Use:   "agent <prompt>",
		Short: "Let the model solve a task by writing scripts against the tool catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			model, err := a.Model()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			runner, err := flags.runner(ctx, a)
			if err != nil {
				return err
			}

			var res agent.Result
			loop := a.NewLoop(model, runner)
			for ev := range loop.RunStream(ctx, strings.Join(args, " ")) {
				if events {
					writeEventJSON(cmd.ErrOrStderr(), ev)
				} else {
					writeEvent(cmd.ErrOrStderr(), ev)
				}
				if ev.Type == agent.EventCompleted && ev.Result != nil {
					res = *ev.Result
				}
			}

			if res.Text != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			}
			if res.StopReason != agent.StopReasonComplete {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&events, "events", false, "Write every event to stderr as JSON lines")
	return cmd
}

func writeEventJSON(w io.Writer, ev agent.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintln(w, string(data))
}

// writeEvent renders a short progress line for humans.
func writeEvent(w io.Writer, ev agent.Event) {
	switch ev.Type {
	case agent.EventStatus:
		fmt.Fprintf(w, "… %s\n", ev.Status)
	case agent.EventCodeGenerated:
		fmt.Fprintf(w, "── script ──\n%s\n", strings.TrimSpace(ev.Code))
	case agent.EventToolResult:
		if ev.Run == nil {
			return
		}
		for _, rc := range ev.Run.Result.Receipts {
			fmt.Fprintf(w, "  %s %s\n", receiptMark(rc.Status), rc.ToolPath)
		}
		if !ev.Run.Result.OK && ev.Run.Result.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", ev.Run.Result.Error)
		}
	case agent.EventCompleted:
		if ev.Result != nil {
			fmt.Fprintf(w, "done: %s after %d turns, %d runs, %d tokens\n",
				ev.Result.StopReason, ev.Result.Turns, len(ev.Result.Runs), ev.Result.Usage.TotalTokens)
		}
	}
}

func receiptMark(s sandbox.Status) string {
	switch s {
	case sandbox.StatusSucceeded:
		return "✓"
	case sandbox.StatusDenied:
		return "✗"
	default:
		return "!"
	}
}
