package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/civicband/clerk/internal/observability"
)

var statusSite string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue depths and site snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var out any
		if statusSite != "" {
			snap, err := observability.SiteStatus(ctx, a.Store, a.Reconciler.Threshold, statusSite)
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Fprintf(os.Stderr, "unknown site %q\n", statusSite)
				return nil
			}
			out = snap
		} else {
			fleet, err := observability.Fleet(ctx, a.Store, a.Broker, a.Reconciler.Threshold)
			if err != nil {
				return err
			}
			out = fleet
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSite, "site", "", "print a single site's snapshot instead of the fleet view")
}
