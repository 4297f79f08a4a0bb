package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/civicband/clerk/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check fleet health; exit code signals severity (0 healthy, 1 degraded, 2 unhealthy)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		fleet, err := observability.Fleet(ctx, a.Store, a.Broker, a.Reconciler.Threshold)
		if err != nil {
			return err
		}
		level := fleet.Classify()
		fmt.Printf("%s (score=%.2f stuck=%d/%d)\n", level, fleet.HealthScore, fleet.StuckSites, fleet.ActiveSites)
		os.Exit(level.ExitCode())
		return nil
	},
}
