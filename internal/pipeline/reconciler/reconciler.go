// Package reconciler implements the periodic drift-healing loop (C5): for
// every site whose updated_at predates a threshold, it treats on-disk
// artifacts as ground truth, overwrites the stage's counters to match, and
// claims a coordinator if the stage has in fact fully terminated. It never
// advances stage itself - that remains the coordinator's exclusive job.
package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/events"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/observability"
	"github.com/civicband/clerk/internal/stage"
	"github.com/civicband/clerk/internal/state"
)

// DefaultStuckThreshold is how stale a site's updated_at must be before the
// Reconciler treats it as stuck (spec default: 2h).
const DefaultStuckThreshold = 2 * time.Hour

// Reconciler scans for stuck sites on a cron schedule.
type Reconciler struct {
	Store      state.Store
	Broker     broker.Broker
	Ops        *stage.Ops
	StorageDir string
	Threshold  time.Duration
	Log        *logging.Logger

	// Events is optional; a nil Bus makes every Publish call a no-op.
	Events *events.Bus
}

func New(store state.Store, brk broker.Broker, ops *stage.Ops, storageDir string, log *logging.Logger) *Reconciler {
	return &Reconciler{
		Store:      store,
		Broker:     brk,
		Ops:        ops,
		StorageDir: storageDir,
		Threshold:  DefaultStuckThreshold,
		Log:        log.With("component", "reconciler"),
	}
}

// Run starts a cron-driven scan loop and blocks until ctx is cancelled.
// schedule is a standard 5-field cron expression; spec's default is every
// 15 minutes ("*/15 * * * *").
func (r *Reconciler) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := r.Scan(ctx); err != nil {
			r.Log.Error("reconcile scan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("reconciler: bad schedule %q: %w", schedule, err)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// Scan runs one pass of the reconciliation algorithm over every currently
// stuck site.
func (r *Reconciler) Scan(ctx context.Context) error {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}

	sites, err := r.Store.SnapshotStuck(ctx, threshold)
	if err != nil {
		return fmt.Errorf("reconciler: snapshot stuck: %w", err)
	}
	if len(sites) == 0 {
		return nil
	}
	r.Log.Info("reconciler scan found stuck sites", "count", len(sites))

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcileSite(ctx, site); err != nil {
			r.Log.Error("failed to reconcile site", "site", site.Subdomain, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileSite(ctx context.Context, site domain.Site) error {
	stageName := domain.Stage(site.CurrentStage)
	if !stageName.Valid() || stageName == domain.StageCompleted {
		return nil
	}

	before := site.Counters(stageName)
	completed, err := r.countOnDiskArtifacts(site.Subdomain, stageName, before.Total)
	if err != nil {
		return fmt.Errorf("count artifacts for %s/%s: %w", site.Subdomain, stageName, err)
	}
	failed := before.Total - completed
	if failed < 0 {
		failed = 0
	}

	if err := r.Store.OverwriteCounters(ctx, site.Subdomain, stageName, completed, failed, before.Total); err != nil {
		return fmt.Errorf("overwrite counters for %s/%s: %w", site.Subdomain, stageName, err)
	}
	r.Log.Info("reconciled stage counters",
		"site", site.Subdomain, "stage", stageName,
		"before_completed", before.Completed, "before_failed", before.Failed,
		"after_completed", completed, "after_failed", failed, "total", before.Total)
	r.Events.Publish(ctx, events.Event{
		Kind: "reconcile", Site: site.Subdomain, Stage: string(stageName),
		Message: fmt.Sprintf("completed=%d failed=%d total=%d", completed, failed, before.Total),
	})

	if completed+failed == before.Total {
		if !site.CoordinatorEnqueued {
			claimed, err := r.Store.ClaimCoordinator(ctx, site.Subdomain, stageName)
			if err != nil {
				return fmt.Errorf("claim coordinator for %s: %w", site.Subdomain, err)
			}
			if claimed {
				observability.CoordinatorClaims.Inc()
				if _, err := r.Broker.Enqueue(ctx, domain.QueueCompilation, map[string]any{
					"site": site.Subdomain, "kind": "coordinator",
				}, domain.EnqueueOptions{}); err != nil {
					return fmt.Errorf("enqueue coordinator for %s: %w", site.Subdomain, err)
				}
				r.Log.Info("reconciler claimed and enqueued missing coordinator", "site", site.Subdomain, "stage", stageName)
			}
		}
		return nil
	}

	return r.reenqueueMissingItems(ctx, site.Subdomain, stageName)
}

// countOnDiskArtifacts counts the filesystem evidence of completed work for
// a stage: text files for ocr, entity rows for extraction, presence of the
// compiled db for compilation, presence of a deployment marker for deploy.
// fetch has no per-item artifact count (its total is always 1, itself).
func (r *Reconciler) countOnDiskArtifacts(site string, stageName domain.Stage, total int) (int, error) {
	switch stageName {
	case domain.StageFetch:
		return total, nil

	case domain.StageOCR:
		pages, err := r.Ops.EnumerateTextPages(site)
		if err != nil {
			return 0, err
		}
		n := len(pages)
		if n > total {
			n = total
		}
		return n, nil

	case domain.StageCompilation:
		if _, err := os.Stat(r.Ops.DBPath(site)); err == nil {
			return 1, nil
		}
		return 0, nil

	case domain.StageExtraction:
		return r.countExtractedPages(site, total)

	case domain.StageDeploy:
		if _, err := os.Stat(r.deployMarkerPath(site)); err == nil {
			return 1, nil
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unknown stage %s", stageName)
	}
}

func (r *Reconciler) deployMarkerPath(site string) string {
	return filepath.Join(r.StorageDir, site, "deploy", "meetings.db")
}

func (r *Reconciler) countExtractedPages(site string, total int) (int, error) {
	rows, err := countEntityRows(r.Ops.DBPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if rows > total {
		rows = total
	}
	return rows, nil
}

// reenqueueMissingItems re-derives the expected per-item work for a stage
// and enqueues whatever isn't yet present on disk. ocr is the only stage
// whose missing items can be recomputed from the fetched pdfs without
// re-invoking the Fetcher; extraction is recomputed from existing text
// pages. fetch/compilation/deploy are single-job stages re-enqueued wholesale.
func (r *Reconciler) reenqueueMissingItems(ctx context.Context, site string, stageName domain.Stage) error {
	switch stageName {
	case domain.StageFetch:
		_, err := r.Broker.Enqueue(ctx, domain.QueueFetch, map[string]any{"site": site}, domain.EnqueueOptions{})
		return err

	case domain.StageOCR:
		return r.reenqueueMissingOCRPages(ctx, site)

	case domain.StageCompilation:
		_, err := r.Broker.Enqueue(ctx, domain.QueueCompilation, map[string]any{"site": site, "kind": "compile_site"}, domain.EnqueueOptions{})
		return err

	case domain.StageExtraction:
		return r.reenqueueMissingExtractionPages(ctx, site)

	case domain.StageDeploy:
		_, err := r.Broker.Enqueue(ctx, domain.QueueDeploy, map[string]any{"site": site, "db_path": r.Ops.DBPath(site)}, domain.EnqueueOptions{})
		return err

	default:
		return nil
	}
}

func (r *Reconciler) reenqueueMissingOCRPages(ctx context.Context, site string) error {
	root := filepath.Join(r.StorageDir, site, "pdfs")
	present, err := r.Ops.EnumerateTextPages(site)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(present))
	for _, p := range present {
		done[fmt.Sprintf("%s/%s/%d", p.Meeting, p.Date, p.Page)] = true
	}

	meetingEntries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, meetingEnt := range meetingEntries {
		if !meetingEnt.IsDir() {
			continue
		}
		meetingDir := filepath.Join(root, meetingEnt.Name())
		dateEntries, err := os.ReadDir(meetingDir)
		if err != nil {
			return err
		}
		for _, dateEnt := range dateEntries {
			if !dateEnt.IsDir() {
				continue
			}
			dateDir := filepath.Join(meetingDir, dateEnt.Name())
			files, err := os.ReadDir(dateDir)
			if err != nil {
				return err
			}
			for _, f := range files {
				if f.IsDir() || filepath.Ext(f.Name()) != ".pdf" {
					continue
				}
				base := f.Name()[:len(f.Name())-len(filepath.Ext(f.Name()))]
				pageNum, err := strconv.Atoi(base)
				if err != nil {
					continue
				}
				key := fmt.Sprintf("%s/%s/%d", meetingEnt.Name(), dateEnt.Name(), pageNum)
				if done[key] {
					continue
				}
				if _, err := r.Broker.Enqueue(ctx, domain.QueueOCR, map[string]any{
					"site": site, "meeting": meetingEnt.Name(), "date": dateEnt.Name(),
					"page": pageNum, "pdf_path": filepath.Join(dateDir, f.Name()),
				}, domain.EnqueueOptions{}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Reconciler) reenqueueMissingExtractionPages(ctx context.Context, site string) error {
	pages, err := r.Ops.EnumerateTextPages(site)
	if err != nil {
		return err
	}
	extracted, err := extractedPageIDs(r.Ops.DBPath(site))
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		extracted = map[string]bool{}
	}
	for _, p := range pages {
		id := derivePageIDForReconcile(p.Meeting, p.Date, p.Page, p.TxtPath)
		if extracted[id] {
			continue
		}
		if _, err := r.Broker.Enqueue(ctx, domain.QueueExtraction, map[string]any{
			"site": site, "meeting": p.Meeting, "date": p.Date, "page": p.Page, "txt_path": p.TxtPath,
		}, domain.EnqueueOptions{}); err != nil {
			return err
		}
	}
	return nil
}
