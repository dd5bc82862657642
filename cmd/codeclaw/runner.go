package main

import (
	"context"
	"errors"
	"time"

	"github.com/flemzord/codeclaw/internal/agent"
	"github.com/flemzord/codeclaw/pkg/app"
	"github.com/spf13/cobra"
)

var errNoWorker = errors.New("--remote requires host.worker_url")

type runnerFlags struct {
	remote  bool
	elevate time.Duration
}

func (f *runnerFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.remote, "remote", false, "Run scripts on the configured worker instead of in-process")
	cmd.Flags().DurationVar(&f.elevate, "elevate", 0, "Allow ask-level tools without prompting for this long")
}

// runner returns where scripts execute. Remote execution starts an
// in-process host for the worker's tool calls; it stops when ctx is done.
func (f *runnerFlags) runner(ctx context.Context, a *app.App) (agent.Runner, error) {
	prompt := interactiveGate(a.Config.Approval.Interactive)
	if !f.remote {
		return a.LocalRunner(a.PolicyGate(prompt, f.elevate)), nil
	}
	if a.Config.Host.WorkerURL == "" {
		return nil, errNoWorker
	}

	reg, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := a.StartSweeper(ctx, reg); err != nil {
		return nil, err
	}
	h := a.NewHost(reg)
	if f.elevate > 0 {
		a.Logger.Warn("--elevate has no effect on remote runs; use approval.policy")
	}
	go func() {
		hc := a.Config.Host
		if err := app.Serve(ctx, a.Logger, hc.Listen, h.Handler(), hc.ShutdownTimeout); err != nil {
			a.Logger.Error("host server stopped", "error", err)
		}
	}()
	if prompt != nil {
		go resolvePending(ctx, reg, prompt, a.Logger)
	}
	return a.TaskClient(h), nil
}
