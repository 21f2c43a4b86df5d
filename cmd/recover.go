package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

func newRecoverCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "recover FILE...",
		Short: "Recovers recordings locally and writes the archive to a directory",
		Long: `Runs one recovery job for the named recordings (relative to
recordings.base_dir) exactly as the HTTP service would, and writes the
resulting zip archive into --out.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer app.Close()

			out, err := app.Orchestrator().Run(cmd.Context(), recovery.JobRequest{Files: args})
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o750); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			dest := filepath.Join(outDir, out.Archive.Name)
			if err := os.WriteFile(dest, out.Archive.Data, 0o640); err != nil {
				return fmt.Errorf("write archive: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d files, blake3 %s)\n",
				dest, humanize.IBytes(uint64(out.Archive.Size)), len(out.Archive.Members), out.Archive.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory the archive is written to")
	return cmd
}
