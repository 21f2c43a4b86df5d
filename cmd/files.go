package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

func newFilesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Lists the recordings available for recovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			listing, err := recovery.ListRecordings(rt.cfg.Recordings.BaseDir, rt.cfg.Recordings.Extension)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(listing)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderListing(listing, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the listing as JSON, as GET /files/ returns it")
	return cmd
}

func renderListing(listing recovery.Listing, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(listing.Dir)
	tw.AppendHeader(table.Row{"Name", "Size", "Modified", "Created"})

	var total int64
	for _, f := range listing.Files {
		total += f.Size
		tw.AppendRow(table.Row{
			f.Name,
			humanize.IBytes(uint64(f.Size)),
			humanize.RelTime(f.ModifiedAt, now, "ago", "from now"),
			f.CreatedAt.Local().Format(time.DateTime),
		})
	}
	tw.AppendFooter(table.Row{
		fmt.Sprintf("%d recordings", len(listing.Files)),
		humanize.IBytes(uint64(total)),
		"",
		"",
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	return tw.Render()
}
