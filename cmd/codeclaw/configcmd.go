package main

import (
	"fmt"

	"github.com/flemzord/codeclaw/internal/config"
	"github.com/flemzord/codeclaw/internal/tool"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			tools, err := tool.Compile(cfg.Tools)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK (%d tools, %d model endpoints, store %s)\n",
				tools.Len(), len(cfg.Model.Providers)+len(cfg.Model.Anthropic), cfg.Store.Driver)
			for _, e := range tools.Entries() {
				fmt.Fprintf(out, "  %s (%s)\n", e.Path, approvalLabel(e.Def.RequiresApproval()))
			}
			return nil
		},
	})
	return cmd
}

func approvalLabel(required bool) string {
	if required {
		return "approval required"
	}
	return "auto"
}
