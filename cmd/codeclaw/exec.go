package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/flemzord/codeclaw/internal/bridge"
	"github.com/spf13/cobra"
)

func execCmd() *cobra.Command {
	var (
		flags runnerFlags
		eval  string
	)
	cmd := &cobra.Command{
		Use:   "exec [file|-]",
		Short: "Run one script against the tool catalog and print the result as JSON",
		Long: `Runs a script body against the tool catalog. The script reads the catalog
through the global "tools" object and may return a value.

The exit status is 0 when the script completed, 1 when it failed, 3 when a
tool call was denied and 124 when it timed out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readScript(cmd.InOrStdin(), eval, args)
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			runner, err := flags.runner(ctx, a)
			if err != nil {
				return err
			}

			resp := bridge.TaskResponseFrom("local", runner.Execute(ctx, a.Tools, code))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if resp.ExitCode != bridge.ExitOK {
				return &exitError{code: resp.ExitCode}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&eval, "eval", "e", "", "Script source given inline")
	return cmd
}

// readScript returns the inline script, the named file, or stdin for "-"
// or no argument.
func readScript(stdin io.Reader, eval string, args []string) (string, error) {
	if eval != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("--eval and a file argument are mutually exclusive")
		}
		return eval, nil
	}
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading script from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}
