package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <site>",
	Short: "Cancel all pending/in-flight jobs for a site and reset its state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		site := args[0]
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Broker.Purge(ctx, site); err != nil {
			return err
		}
		if err := a.Store.ResetSite(ctx, site); err != nil {
			return err
		}
		fmt.Printf("purged %s\n", site)
		return nil
	},
}
