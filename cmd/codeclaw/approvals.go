package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/host"
	"github.com/spf13/cobra"
)

func approvalsCmd() *cobra.Command {
	var hostURL, secret string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and resolve tool calls parked on a host",
	}
	cmd.PersistentFlags().StringVar(&hostURL, "host", "", "Host base URL (default host.public_url)")
	cmd.PersistentFlags().StringVar(&secret, "secret", "", "Host bearer token (default host.secret)")

	client := func(cmd *cobra.Command) (*host.Client, error) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		if hostURL == "" {
			hostURL = cfg.Host.PublicURL
		}
		if secret == "" {
			secret = cfg.Host.Secret
		}
		return host.NewClient(hostURL, secret), nil
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			recs, err := c.List(cmd.Context(), all)
			if err != nil {
				return err
			}
			writeApprovals(cmd.OutOrStdout(), recs, time.Now())
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "Include resolved approvals")

	resolve := func(use, short string, decision approval.Decision) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <call-id>...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client(cmd)
				if err != nil {
					return err
				}
				for _, id := range args {
					if err := c.Resolve(cmd.Context(), id, decision); err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, decision)
				}
				return nil
			},
		}
	}

	cmd.AddCommand(
		list,
		resolve("approve", "Approve parked calls", approval.DecisionApproved),
		resolve("deny", "Deny parked calls", approval.DecisionDenied),
	)
	return cmd
}

func writeApprovals(w io.Writer, recs []approval.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No approvals.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL ID\tTOOL\tSTATUS\tAGE\tSUMMARY")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CallID, r.ToolPath, r.PublicStatus(), now.Sub(r.CreatedAt).Truncate(time.Second), r.Preview.Title)
	}
	_ = tw.Flush()
}
