// Package main is the entry point for the codeclaw CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flemzord/codeclaw/internal/config"
	"github.com/flemzord/codeclaw/pkg/app"
	"github.com/spf13/cobra"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "codeclaw",
		Short:         "Run model-written scripts against an approval-gated tool catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	root.AddCommand(
		versionCmd(),
		execCmd(),
		agentCmd(),
		hostCmd(),
		workerCmd(),
		approvalsCmd(),
		configCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "codeclaw %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// loadConfig loads the --config file, or the first one found in the
// standard locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadDefault(path)
}

// newApp loads the configuration and builds the shared services. The
// caller closes the App.
func newApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), app.Params{Config: cfg, Stderr: cmd.ErrOrStderr()})
}

func closeApp(a *app.App) {
	if err := a.Close(context.Background()); err != nil {
		a.Logger.Warn("shutdown incomplete", "error", err)
	}
}
