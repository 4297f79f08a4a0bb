// Package app wires the whole process together from a resolved Config:
// logger, Postgres-backed Store, Redis-backed Broker, the collaborator
// Environment (default backends selected by config), stage Ops, and every
// pipeline component (workers, coordinator, reconciler, scheduler,
// observability collector, HTTP status surface). It is the single place
// that builds the "explicit environment value threaded through workers at
// startup" spec.md §9 asks for in place of hidden globals; cmd/clerk's
// subcommands each build one of these and use only the pieces they need.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/collaborate"
	"github.com/civicband/clerk/internal/collaborate/entities"
	"github.com/civicband/clerk/internal/collaborate/gcpocr"
	"github.com/civicband/clerk/internal/collaborate/gcsdeploy"
	"github.com/civicband/clerk/internal/collaborate/localdeploy"
	"github.com/civicband/clerk/internal/collaborate/localfs"
	"github.com/civicband/clerk/internal/collaborate/localocr"
	"github.com/civicband/clerk/internal/collaborate/sqlitefts"
	"github.com/civicband/clerk/internal/config"
	"github.com/civicband/clerk/internal/events"
	"github.com/civicband/clerk/internal/httpapi"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/observability"
	"github.com/civicband/clerk/internal/pipeline/coordinator"
	"github.com/civicband/clerk/internal/pipeline/reconciler"
	"github.com/civicband/clerk/internal/pipeline/scheduler"
	"github.com/civicband/clerk/internal/pipeline/worker"
	"github.com/civicband/clerk/internal/stage"
	"github.com/civicband/clerk/internal/state"
	"github.com/civicband/clerk/internal/temporalx"
	"github.com/civicband/clerk/internal/temporalx/temporalworker"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"
)

// App bundles every component the CLI and the long-running server process
// need, built once at startup from Config.
type App struct {
	Cfg *config.Config
	Log *logging.Logger

	DB     *gorm.DB
	Store  state.Store
	Broker broker.Broker

	Env *collaborate.Environment
	Ops *stage.Ops

	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Reconciler  *reconciler.Reconciler
	Collector   *observability.Collector
	HTTP        *httpapi.Server

	// Events is optional: a dashboard feed of job lifecycle and
	// reconciliation notices, nil if a dedicated publish connection to
	// Redis could not be established at startup.
	Events *events.Bus

	// TemporalClient and TemporalWorker are non-nil only when
	// Cfg.CoordinatorBackend is "temporal" and TEMPORAL_ADDRESS resolves to
	// a reachable cluster; WorkerPools wires each pool's coordinator
	// notification through them instead of the default broker job.
	TemporalClient temporalsdkclient.Client
	TemporalWorker *temporalworker.Runner

	closers []io.Closer
}

// New resolves cfg into a fully wired App. It opens real network
// connections (Postgres, Redis, and - depending on backend selection -
// Vision/GCS clients), so callers should treat it as a process-lifetime
// object and defer Close().
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}

	db, err := state.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := state.AutoMigrate(db); err != nil {
		return nil, err
	}
	store := state.NewStore(db, log)

	brk, err := broker.New(cfg.RedisURL, log, broker.Options{})
	if err != nil {
		return nil, err
	}

	a := &App{Cfg: cfg, Log: log, DB: db, Store: store, Broker: brk}

	if bus, err := events.New(cfg.RedisURL, log); err != nil {
		log.Warn("events bus unavailable, dashboard notices disabled", "error", err)
	} else {
		a.Events = bus
		a.closers = append(a.closers, bus)
	}

	env, err := a.buildEnvironment(ctx)
	if err != nil {
		_ = brk.Close()
		return nil, err
	}
	a.Env = env

	a.Ops = stage.New(*env, store, brk, cfg.StorageDir, log)
	a.Coordinator = coordinator.New(store, brk, a.Ops, log)
	a.Scheduler = scheduler.New(store, brk, log)
	a.Scheduler.KnownSites = cfg.KnownSites
	a.Reconciler = reconciler.New(store, brk, a.Ops, cfg.StorageDir, log)
	if cfg.StuckThreshold > 0 {
		a.Reconciler.Threshold = cfg.StuckThreshold
	}
	a.Reconciler.Events = a.Events
	a.Collector = observability.NewCollector(store, brk, a.Reconciler.Threshold, log)
	a.HTTP = httpapi.New(store, brk, a.Reconciler, a.Reconciler.Threshold, log)

	if cfg.CoordinatorBackend == "temporal" {
		if err := a.setupTemporal(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	return a, nil
}

// setupTemporal dials Temporal and builds the per-process worker that hosts
// coordinatorrun.Workflow/Activities. A nil client (TEMPORAL_ADDRESS unset)
// is not an error: the coordinator backend silently behaves like "poll" in
// that case, since temporalx.NewClient already logged the fallback.
func (a *App) setupTemporal(ctx context.Context) error {
	client, err := temporalx.NewClient(ctx, a.Log)
	if err != nil {
		return fmt.Errorf("app: temporal client: %w", err)
	}
	if client == nil {
		return nil
	}
	a.TemporalClient = client
	a.closers = append(a.closers, temporalClientCloser{client})

	runner, err := temporalworker.NewRunner(a.Log, client, a.Coordinator, a.Store)
	if err != nil {
		return fmt.Errorf("app: temporal worker: %w", err)
	}
	a.TemporalWorker = runner
	return nil
}

// temporalClientCloser adapts temporalsdkclient.Client's Close (no error
// return) to io.Closer so it can share App.closers with the other
// network resources New opens.
type temporalClientCloser struct{ c temporalsdkclient.Client }

func (t temporalClientCloser) Close() error {
	t.c.Close()
	return nil
}

// buildEnvironment selects concrete collaborator backends per Config,
// exactly the capability-table construction spec.md §9 calls for: plug-ins
// are values assembled once here, never package-level globals or
// duck-typed lookups performed later by stage code.
func (a *App) buildEnvironment(ctx context.Context) (*collaborate.Environment, error) {
	fetcher := localfs.New(a.Cfg.StorageDir, a.Log)

	var ocr collaborate.OCRer
	switch a.Cfg.DefaultOCRBackend {
	case "gcp_vision":
		g, err := gcpocr.New(ctx, a.Log)
		if err != nil {
			return nil, fmt.Errorf("app: init gcp_vision ocr backend: %w", err)
		}
		a.closers = append(a.closers, g)
		ocr = g
	default:
		ocr = localocr.New()
	}

	compiler := sqlitefts.New(a.Cfg.StorageDir, a.Log)
	extractor := entities.New()

	var deployer collaborate.Deployer
	if a.Cfg.GCSBucket != "" {
		g, err := gcsdeploy.New(ctx, a.Cfg.GCSBucket, a.Log)
		if err != nil {
			return nil, fmt.Errorf("app: init gcs deploy backend: %w", err)
		}
		a.closers = append(a.closers, g)
		deployer = g
	} else {
		deployer = localdeploy.New(a.Cfg.StorageDir, a.Log)
	}

	return &collaborate.Environment{
		Fetcher:   fetcher,
		OCR:       ocr,
		Extractor: extractor,
		Compiler:  compiler,
		Deployer:  deployer,
	}, nil
}

// WorkerPools builds one Pool per configured stage, sized by
// Cfg.Workers - the set a `serve`/worker process runs concurrently.
func (a *App) WorkerPools() []*worker.Pool {
	pools := []*worker.Pool{
		worker.NewFetchPool(a.Cfg.Workers.Fetch, a.Store, a.Broker, a.Ops, a.Log),
		worker.NewOCRPool(a.Cfg.Workers.OCR, a.Store, a.Broker, a.Ops, a.Log),
		worker.NewCompilationPool(a.Cfg.Workers.Compile, a.Store, a.Broker, a.Ops, a.Coordinator, a.Log),
		worker.NewExtractionPool(a.Cfg.Workers.Extraction, a.Store, a.Broker, a.Ops, a.Log),
		worker.NewDeployPool(a.Cfg.Workers.Deploy, a.Store, a.Broker, a.Ops, a.Log),
	}
	for _, p := range pools {
		p.Events = a.Events
	}

	if a.TemporalClient != nil {
		client := a.TemporalClient
		notify := func(ctx context.Context, site string) error {
			if err := temporalworker.EnsureWorkflow(ctx, client, site); err != nil {
				return err
			}
			return temporalworker.SignalAdvance(ctx, client, site)
		}
		for _, p := range pools {
			p.CoordinatorNotify = notify
		}
	}

	return pools
}

// Close releases every network resource New opened.
func (a *App) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
	return firstErr
}
