package main

import (
	"github.com/flemzord/codeclaw/pkg/app"
	"github.com/spf13/cobra"
)

func hostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Serve tool calls, approvals and metrics for remote workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			ctx := cmd.Context()
			reg, err := a.Registry(ctx)
			if err != nil {
				return err
			}
			if _, err := a.StartSweeper(ctx, reg); err != nil {
				return err
			}
			h := a.NewHost(reg)
			a.Logger.Info("host ready", "tools", a.Tools.Len(), "store", a.Config.Store.Driver)

			hc := a.Config.Host
			return app.Serve(ctx, a.Logger, hc.Listen, h.Handler(), hc.ShutdownTimeout)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run scripts dispatched by a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			w := a.NewWorker()
			return app.Serve(cmd.Context(), a.Logger, a.Config.Worker.Listen, w.Handler(), a.Config.Host.ShutdownTimeout)
		},
	}
}
