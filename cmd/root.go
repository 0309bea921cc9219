// Package cmd defines the orchestrator's command line interface.
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

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/server"
	pgstore "github.com/JakeFAU/scrape-orchestrator/internal/store/postgres"
)

type configKey struct{}

// Runner is the built application the serve commands drive.
type Runner interface {
	Run(ctx context.Context, mode server.Mode) error
	Close()
}

// Migrator applies and inspects schema migrations.
type Migrator interface {
	Up() error
	Down(steps int) error
	Version() (uint, bool, error)
	Close() error
}

// factories builds the heavyweight dependencies so tests can swap them out.
type factories struct {
	newApp      func(ctx context.Context, cfg config.Config) (Runner, error)
	newMigrator func(dsn string, logger *zap.Logger) (Migrator, error)
}

func defaultFactories() factories {
	return factories{
		newApp: func(ctx context.Context, cfg config.Config) (Runner, error) {
			return server.Build(ctx, cfg)
		},
		newMigrator: func(dsn string, logger *zap.Logger) (Migrator, error) {
			return pgstore.NewMigrator(dsn, logger)
		},
	}
}

// newRootCmd creates the root command and its subcommands. Configuration is
// loaded once before any subcommand runs.
func newRootCmd(f factories) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Durable job-queue orchestrator for scraping campaigns.",
		Long: `orchestrator turns a batch of target URLs into a supervised, resumable,
rate-limited scraping campaign. Jobs and items live in Postgres; dispatch
runs through Redis; a worker pool calls the external scraper service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newRunCmd(f, "serve", "Run the HTTP API and the worker pool", server.ModeAll),
		newRunCmd(f, "api", "Run only the HTTP control surface", server.ModeAPI),
		newRunCmd(f, "worker", "Run only the worker pool", server.ModeWorker),
		newMigrateCmd(f),
	)
	return cmd
}

func configFrom(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey{}).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultFactories()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
