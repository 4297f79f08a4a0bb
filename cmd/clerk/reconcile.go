package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reconcileThreshold time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the drift-healing reconciler once, over every currently stuck site",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if reconcileThreshold > 0 {
			a.Reconciler.Threshold = reconcileThreshold
		}
		if err := a.Reconciler.Scan(ctx); err != nil {
			return err
		}
		fmt.Println("reconcile scan complete")
		return nil
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileThreshold, "threshold", 2*time.Hour, "how stale a site's updated_at must be to be considered stuck")
}
