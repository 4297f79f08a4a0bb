package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/civicband/clerk/internal/domain"
)

var enqueuePriority string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <site>",
	Short: "One-shot admission of a site for a fresh fetch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		site := args[0]
		priority := domain.PriorityNormal
		switch enqueuePriority {
		case "", "normal":
			priority = domain.PriorityNormal
		case "high":
			priority = domain.PriorityHigh
		default:
			return fmt.Errorf("--priority must be high or normal, got %q", enqueuePriority)
		}

		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Scheduler.EnqueueSite(ctx, site, priority); err != nil {
			fmt.Fprintln(os.Stderr, err)
			if errors.Is(err, domain.ErrUnknownSite) {
				os.Exit(2)
			}
			os.Exit(1)
		}
		fmt.Printf("enqueued %s at %s priority\n", site, priority)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "normal", "high or normal")
}
