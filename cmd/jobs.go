package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/mcap-recovery/internal/config"
	"github.com/JakeFAU/mcap-recovery/internal/recovery"
	sqlitestore "github.com/JakeFAU/mcap-recovery/internal/storage/sqlite"
)

func newJobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Shows recent jobs from the SQLite audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			if rt.cfg.Audit.Backend != config.BackendSQLite {
				return fmt.Errorf("jobs needs audit.backend=sqlite, got %q", rt.cfg.Audit.Backend)
			}
			store, err := sqlitestore.Open(cmd.Context(), rt.cfg.Audit.DSN, rt.cfg.Audit.Table)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(records))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func renderJobs(records []recovery.JobRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Job", "State", "Files", "Archive", "Duration", "Error"})
	for _, r := range records {
		archive := ""
		if r.ArchiveName != "" {
			archive = fmt.Sprintf("%s (%s)", r.ArchiveName, humanize.IBytes(uint64(r.ArchiveBytes)))
		}
		tw.AppendRow(table.Row{
			r.JobID,
			string(r.State),
			strings.Join(r.Files, ", "),
			archive,
			r.Duration().Round(time.Millisecond).String(),
			r.ErrorText,
		})
	}
	return tw.Render()
}
