package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mcap-recovery/internal/workspace"
)

func newSweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Removes stale job workspaces",
		Long: `Deletes workspace directories under workspace.root that are older than
--older-than and not locked by a running job. Defaults to workspace.stale_after.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			if olderThan == 0 {
				olderThan = rt.cfg.Workspace.StaleAfter
			}
			mgr, err := workspace.NewFSManager(workspace.Options{
				Root:   rt.cfg.Workspace.Root,
				Prefix: rt.cfg.Workspace.Prefix,
				Logger: rt.logger.Named("workspace"),
			})
			if err != nil {
				return err
			}
			report, err := mgr.Sweep(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			for _, dir := range report.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", dir)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d removed, %d in use\n", len(report.Removed), report.Skipped)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum workspace age to remove")
	return cmd
}
