package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var advanceNextCmd = &cobra.Command{
	Use:   "advance-next",
	Short: "Run the scheduler's single admission tick",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		site, err := a.Scheduler.AdvanceOldest(ctx)
		if err != nil {
			return err
		}
		if site == "" {
			fmt.Println("no eligible site")
			return nil
		}
		fmt.Printf("admitted %s\n", site)
		return nil
	},
}
