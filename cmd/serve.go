package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-orchestrator/internal/server"
)

func newRunCmd(f factories, use, short string, mode server.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := f.newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer app.Close()

			if err := app.Run(cmd.Context(), mode); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s: %w", use, err)
			}
			return nil
		},
	}
}
