// Package worker implements the generic Stage Worker loop (C3): reserve a
// job from a stage's queue (plus the high-priority band), run the stage
// operation, record the outcome, claim the coordinator when a stage has
// fully terminated, and ack. Each Pool runs one stage; a process wires up
// as many pools as it wants to serve.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/events"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/observability"
	"github.com/civicband/clerk/internal/pipeline/coordinator"
	"github.com/civicband/clerk/internal/stage"
	"github.com/civicband/clerk/internal/state"
)

// ReserveTimeout bounds how long a single Reserve call blocks before
// looping to re-check ctx.Done(); it is not a job execution timeout.
const ReserveTimeout = 5 * time.Second

// Pool runs Concurrency goroutines, each looping Reserve -> execute ->
// Ack against a single stage's queue.
type Pool struct {
	Stage       domain.Stage
	Queue       string
	Concurrency int

	Store  state.Store
	Broker broker.Broker
	Ops    *stage.Ops
	Coord  *coordinator.Coordinator
	Log    *logging.Logger

	// Events is optional; a nil Bus makes every Publish call a no-op.
	Events *events.Bus

	// CoordinatorNotify overrides how a pool wakes the coordinator once a
	// stage fully terminates for a site. Nil keeps the default poll backend
	// behavior (enqueue a coordinator job onto the compilation queue); the
	// temporal coordinator backend sets this to signal/start that site's
	// workflow instead.
	CoordinatorNotify func(ctx context.Context, site string) error
}

// NewFetchPool, NewOCRPool, etc. are thin constructors pinning Queue/Stage
// to the right constant so callers can't wire a pool to the wrong queue.

func NewFetchPool(concurrency int, store state.Store, brk broker.Broker, ops *stage.Ops, log *logging.Logger) *Pool {
	return &Pool{Stage: domain.StageFetch, Queue: domain.QueueFetch, Concurrency: concurrency, Store: store, Broker: brk, Ops: ops, Log: log}
}

func NewOCRPool(concurrency int, store state.Store, brk broker.Broker, ops *stage.Ops, log *logging.Logger) *Pool {
	return &Pool{Stage: domain.StageOCR, Queue: domain.QueueOCR, Concurrency: concurrency, Store: store, Broker: brk, Ops: ops, Log: log}
}

func NewExtractionPool(concurrency int, store state.Store, brk broker.Broker, ops *stage.Ops, log *logging.Logger) *Pool {
	return &Pool{Stage: domain.StageExtraction, Queue: domain.QueueExtraction, Concurrency: concurrency, Store: store, Broker: brk, Ops: ops, Log: log}
}

func NewDeployPool(concurrency int, store state.Store, brk broker.Broker, ops *stage.Ops, log *logging.Logger) *Pool {
	return &Pool{Stage: domain.StageDeploy, Queue: domain.QueueDeploy, Concurrency: concurrency, Store: store, Broker: brk, Ops: ops, Log: log}
}

// NewCompilationPool wires a coordinator in too: the compilation queue
// carries both compile_site jobs and every stage's coordinator job, since
// "all coordinators share the compilation queue so any machine with a
// compilation worker can complete orchestration."
func NewCompilationPool(concurrency int, store state.Store, brk broker.Broker, ops *stage.Ops, coord *coordinator.Coordinator, log *logging.Logger) *Pool {
	return &Pool{Stage: domain.StageCompilation, Queue: domain.QueueCompilation, Concurrency: concurrency, Store: store, Broker: brk, Ops: ops, Coord: coord, Log: log}
}

// Run starts Concurrency worker goroutines and blocks until ctx is
// cancelled or one of them returns a fatal error.
func (p *Pool) Run(ctx context.Context) error {
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return p.loop(gctx, workerID)
		})
	}
	return g.Wait()
}

// heartbeatTTL bounds how long a worker may go quiet (e.g. blocked in
// Reserve or mid-job) before ActiveWorkers stops counting it; the loop
// re-registers on every iteration, well inside this window.
const heartbeatTTL = 30 * time.Second

func (p *Pool) loop(ctx context.Context, workerID int) error {
	log := p.Log.With("queue", p.Queue, "worker", workerID)
	workerName := fmt.Sprintf("%s-%d-%d", p.Queue, os.Getpid(), workerID)
	defer func() {
		if err := p.Broker.UnregisterWorker(context.Background(), string(p.Stage), workerName); err != nil {
			log.Warn("failed to unregister worker", "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := p.Broker.RegisterWorker(ctx, string(p.Stage), workerName, heartbeatTTL); err != nil {
			log.Warn("failed to heartbeat worker registration", "error", err)
		}

		job, err := p.Broker.Reserve(ctx, []string{p.Queue}, ReserveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Warn("reserve failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		if err := p.handle(ctx, job, log); err != nil {
			var fatal *domain.Error
			if errors.As(err, &fatal) && fatal.Kind == domain.KindFatal {
				log.Error("fatal error, worker exiting", "error", err)
				return err
			}
			log.Error("job handling error", "job_id", job.ID, "error", err)
		}
	}
}

// handle dispatches a reserved job to its stage operation and runs the
// generic post-processing (increment/claim/enqueue coordinator/ack).
func (p *Pool) handle(ctx context.Context, job *domain.Job, log *logging.Logger) error {
	site, _ := job.Payload["site"].(string)
	if site == "" {
		return p.ack(ctx, job, domain.Fail(fmt.Errorf("job %s missing site", job.ID)))
	}

	if p.Stage == domain.StageCompilation {
		return p.handleCompilationQueue(ctx, job, site, log)
	}

	opErr := p.runOperation(ctx, job, site)
	return p.finishStageJob(ctx, job, site, opErr, log)
}

func (p *Pool) runOperation(ctx context.Context, job *domain.Job, site string) error {
	switch p.Stage {
	case domain.StageFetch:
		return p.Ops.FetchSite(ctx, site)
	case domain.StageOCR:
		pdfPath, _ := job.Payload["pdf_path"].(string)
		_, err := p.Ops.OCRPage(ctx, pdfPath)
		return err
	case domain.StageExtraction:
		meeting, _ := job.Payload["meeting"].(string)
		date, _ := job.Payload["date"].(string)
		page := intPayload(job.Payload["page"])
		text, err := readTextPayload(job.Payload)
		if err != nil {
			return domain.NewError(domain.KindPermanentItem, "extraction_page", err)
		}
		return p.Ops.ExtractionPage(ctx, site, meeting, date, page, text)
	case domain.StageDeploy:
		dbPath, _ := job.Payload["db_path"].(string)
		return p.Ops.Deploy(ctx, site, dbPath)
	default:
		return fmt.Errorf("worker: unknown stage %s", p.Stage)
	}
}

// readTextPayload reads the page text from disk at the job's txt_path.
// Payloads carry the path rather than the text itself so jobs stay small
// even for pages with large OCR output.
func readTextPayload(payload map[string]any) (string, error) {
	txtPath, _ := payload["txt_path"].(string)
	if txtPath == "" {
		return "", fmt.Errorf("missing txt_path")
	}
	raw, err := os.ReadFile(txtPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", txtPath, err)
	}
	return string(raw), nil
}

func intPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// handleCompilationQueue distinguishes the two kinds of job the
// compilation queue carries: real compilation work, and coordinator jobs
// for every stage (fan-in decisions run here for locality).
func (p *Pool) handleCompilationQueue(ctx context.Context, job *domain.Job, site string, log *logging.Logger) error {
	kind, _ := job.Payload["kind"].(string)
	if kind == "coordinator" {
		err := p.Coord.Tick(ctx, site)
		return p.ack(ctx, job, outcomeFor(err))
	}

	_, opErr := p.Ops.Compilation(ctx, site)
	return p.finishStageJob(ctx, job, site, opErr, log)
}

// finishStageJob implements the generic worker loop's steps 3-5: record
// the per-item outcome, claim the coordinator once the stage has fully
// terminated, and ack.
func (p *Pool) finishStageJob(ctx context.Context, job *domain.Job, site string, opErr error, log *logging.Logger) error {
	var counters domain.StageCounters
	var incErr error
	if opErr == nil {
		counters, incErr = p.Store.IncrementCompleted(ctx, site, p.Stage)
	} else {
		if err := p.Store.RecordError(ctx, site, p.Stage, opErr.Error()); err != nil {
			log.Warn("failed to record error", "site", site, "error", err)
		}
		counters, incErr = p.Store.IncrementFailed(ctx, site, p.Stage)
	}
	if incErr != nil {
		return p.ack(ctx, job, domain.Fail(fmt.Errorf("increment counters: %w", incErr)))
	}

	if counters.Completed+counters.Failed == counters.Total {
		claimed, err := p.Store.ClaimCoordinator(ctx, site, p.Stage)
		if err != nil {
			log.Warn("claim coordinator failed", "site", site, "stage", p.Stage, "error", err)
		} else if claimed {
			observability.CoordinatorClaims.Inc()
			if err := p.notifyCoordinator(ctx, site); err != nil {
				log.Warn("failed to notify coordinator", "site", site, "error", err)
			}
		}
	}

	return p.ack(ctx, job, outcomeFor(opErr))
}

// notifyCoordinator wakes the coordinator for site once a stage fully
// terminates, via CoordinatorNotify if the process wired one (temporal
// backend), or the default compilation-queue coordinator job otherwise.
func (p *Pool) notifyCoordinator(ctx context.Context, site string) error {
	if p.CoordinatorNotify != nil {
		return p.CoordinatorNotify(ctx, site)
	}
	_, err := p.Broker.Enqueue(ctx, domain.QueueCompilation, map[string]any{
		"site": site, "kind": "coordinator",
	}, domain.EnqueueOptions{})
	return err
}

func (p *Pool) ack(ctx context.Context, job *domain.Job, outcome domain.Outcome) error {
	site, _ := job.Payload["site"].(string)
	kind := "ack"
	msg := ""
	if !outcome.OK {
		kind = "fail"
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
	}
	p.Events.Publish(ctx, events.Event{Kind: kind, Site: site, Stage: string(p.Stage), JobID: job.ID, Message: msg})

	if err := p.Broker.Ack(ctx, job.ID, outcome); err != nil {
		return fmt.Errorf("worker: ack %s: %w", job.ID, err)
	}
	return outcome.Err
}

func outcomeFor(err error) domain.Outcome {
	if err == nil {
		return domain.Done()
	}
	return domain.Fail(err)
}
