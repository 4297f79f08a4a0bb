// Package temporalworker hosts the Temporal worker process for the
// coordinator's temporal backend: it polls TaskQueue and executes
// coordinatorrun.Workflow/Activities, the same coordinator decisions the
// poll backend's compilation-queue workers make inline.
package temporalworker

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/pipeline/coordinator"
	"github.com/civicband/clerk/internal/state"
	"github.com/civicband/clerk/internal/temporalx"
	"github.com/civicband/clerk/internal/temporalx/coordinatorrun"
)

type Runner struct {
	log    *logging.Logger
	client temporalsdkclient.Client
	coord  *coordinator.Coordinator
	store  state.Store
}

func NewRunner(log *logging.Logger, client temporalsdkclient.Client, coord *coordinator.Coordinator, store state.Store) (*Runner, error) {
	if client == nil {
		return nil, fmt.Errorf("temporalworker: temporal client is not configured")
	}
	if coord == nil || store == nil {
		return nil, fmt.Errorf("temporalworker: missing coordinator/store dependency")
	}
	return &Runner{log: log.With("component", "temporalworker.Runner"), client: client, coord: coord, store: store}, nil
}

// Run starts the worker and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	cfg := temporalx.LoadConfig()
	w := worker.New(r.client, cfg.TaskQueue, worker.Options{})

	acts := &coordinatorrun.Activities{Coordinator: r.coord, Store: r.store, Log: r.log}
	w.RegisterWorkflow(coordinatorrun.Workflow)
	w.RegisterActivity(acts.Tick)

	if err := w.Start(); err != nil {
		return fmt.Errorf("temporalworker: start: %w", err)
	}
	r.log.Info("temporal coordinator worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	<-ctx.Done()
	w.Stop()
	return nil
}

// EnsureWorkflow starts (or, if already running, no-ops against) the
// per-site coordinator workflow - the temporal backend's equivalent of
// Store.ClaimCoordinator: the workflow ID doubling as the site name is what
// makes a duplicate start idempotent.
func EnsureWorkflow(ctx context.Context, client temporalsdkclient.Client, site string) error {
	cfg := temporalx.LoadConfig()
	_, err := client.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:                       site,
		TaskQueue:                cfg.TaskQueue,
		WorkflowIDReusePolicy:    0,
		WorkflowExecutionTimeout: 0,
	}, coordinatorrun.Workflow)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("temporalworker: start workflow for %s: %w", site, err)
	}
	return nil
}

// SignalAdvance wakes a running coordinator workflow early instead of
// waiting out its poll interval, e.g. right after a worker pool observes a
// stage fully terminate.
func SignalAdvance(ctx context.Context, client temporalsdkclient.Client, site string) error {
	return client.SignalWorkflow(ctx, site, "", coordinatorrun.SignalAdvance, nil)
}
