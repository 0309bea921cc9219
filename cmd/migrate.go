package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/logging"
)

func newMigrateCmd(f factories) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, f, func(m Migrator, _ *zap.Logger) error {
				return m.Up()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down N",
		Short: "Roll back the last N migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := strconv.Atoi(args[0])
			if err != nil || steps <= 0 {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			return withMigrator(cmd, f, func(m Migrator, _ *zap.Logger) error {
				return m.Down(steps)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, f, func(m Migrator, _ *zap.Logger) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if dirty {
					_, err = fmt.Fprintf(out, "version %d (dirty)\n", v)
				} else {
					_, err = fmt.Fprintf(out, "version %d\n", v)
				}
				return err
			})
		},
	})

	return cmd
}

func withMigrator(cmd *cobra.Command, f factories, fn func(Migrator, *zap.Logger) error) error {
	cfg, err := configFrom(cmd.Context())
	if err != nil {
		return err
	}
	if cfg.Database.Backend != config.BackendPostgres {
		return fmt.Errorf("migrations need the %q database backend, got %q", config.BackendPostgres, cfg.Database.Backend)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	m, err := f.newMigrator(cfg.Database.DSN, logger.Named("migrate"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("close migrator failed", zap.Error(cerr))
		}
	}()
	return fn(m, logger)
}
