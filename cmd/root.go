// Package cmd defines and implements the CLI commands for the recoverd executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mcap-recovery/internal/config"
	"github.com/JakeFAU/mcap-recovery/internal/logging"
	"github.com/JakeFAU/mcap-recovery/internal/recovery"
	"github.com/JakeFAU/mcap-recovery/internal/server"
)

// application is what the serve and recover commands need from the wired
// service. It is an interface so tests can inject their own.
type application interface {
	Orchestrator() *recovery.Orchestrator
	Run(ctx context.Context) error
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (application, error) {
	return server.Build(ctx, cfg, logger)
}

type runtimeKey struct{}

// runtime carries the loaded configuration and logger to subcommands.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

func runtimeFrom(cmd *cobra.Command) (*runtime, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		envFiles []string
	)
	cmd := &cobra.Command{
		Use:   "recoverd",
		Short: "Recovers corrupted MCAP recordings and bundles them into zip archives.",
		Long: `recoverd runs an external repair tool over corrupted recordings in
isolated per-job workspaces and returns the repaired files as one zip archive,
either over HTTP (serve) or directly from the command line (recover).`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFiles...); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: &cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := runtimeFrom(cmd); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env", ".env.local"},
		"dotenv files loaded before configuration; missing files are ignored")

	cmd.AddCommand(
		newServeCmd(),
		newRecoverCmd(),
		newFilesCmd(),
		newSweepCmd(),
		newJobsCmd(),
	)
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context, which interrupts any running repair tool.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
