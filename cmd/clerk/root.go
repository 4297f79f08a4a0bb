package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/civicband/clerk/internal/app"
	"github.com/civicband/clerk/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "clerk",
	Short: "Admin CLI and worker process for the civic document pipeline",
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(advanceNextCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(serveCmd)
}

// buildApp loads Config and wires an App, exactly as `serve` does, so every
// subcommand operates through the identical construction path rather than
// a lighter-weight one-off.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}
