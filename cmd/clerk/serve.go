package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/civicband/clerk/internal/observability"
)

// serveShutdownGrace bounds how long the HTTP server waits for in-flight
// requests to finish once a shutdown signal arrives.
const serveShutdownGrace = 10 * time.Second

// metricsRefreshInterval is how often the Collector repolls the Store and
// Broker for the fleet-wide Prometheus gauges.
const metricsRefreshInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every worker pool, the reconciler, and the HTTP status surface in one process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		shutdown, err := observability.InitTracing("civicpipeline")
		if err != nil {
			return fmt.Errorf("serve: init tracing: %w", err)
		}
		defer shutdown(context.Background())

		g, gctx := errgroup.WithContext(ctx)

		for _, pool := range a.WorkerPools() {
			pool := pool
			g.Go(func() error { return pool.Run(gctx) })
		}

		g.Go(func() error { return a.Reconciler.Run(gctx, a.Cfg.ReconcileCron) })
		g.Go(func() error { return a.Collector.Run(gctx, metricsRefreshInterval) })

		if a.TemporalWorker != nil {
			g.Go(func() error { return a.TemporalWorker.Run(gctx) })
		}

		srv := &http.Server{Addr: a.Cfg.HTTPAddr, Handler: a.HTTP.Engine()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: http listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		a.Log.Info("serve started", "http_addr", a.Cfg.HTTPAddr, "coordinator_backend", a.Cfg.CoordinatorBackend)
		return g.Wait()
	},
}
