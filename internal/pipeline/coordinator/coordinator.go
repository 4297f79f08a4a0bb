// Package coordinator implements the per-site, per-stage fan-in jobs (C4):
// once every item at a stage has terminated, a coordinator decides the next
// stage in the DAG, advances the site, and fans out successor jobs plus a
// follow-up coordinator. Apart from fetch_site advancing a site with no
// documents straight to completed, coordinators are the only component
// that calls Store.AdvanceStage.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/observability"
	"github.com/civicband/clerk/internal/stage"
	"github.com/civicband/clerk/internal/state"
)

// RetryDelay is how long Tick waits before re-reading a site whose stage
// counters haven't yet settled, before giving up and letting the
// Reconciler pick up the discrepancy.
var RetryDelay = 2 * time.Second

// Coordinator ties together the state store, broker, and stage operations
// a coordinator job needs to choose and fan out the next stage.
type Coordinator struct {
	Store  state.Store
	Broker broker.Broker
	Ops    *stage.Ops
	Log    *logging.Logger
}

func New(store state.Store, brk broker.Broker, ops *stage.Ops, log *logging.Logger) *Coordinator {
	return &Coordinator{Store: store, Broker: brk, Ops: ops, Log: log.With("component", "coordinator")}
}

// Tick runs the coordinator algorithm for a single site once: re-read,
// assert the current stage has fully terminated, then either heal the
// all-failed edge case, or choose and fan out the next stage.
func (c *Coordinator) Tick(ctx context.Context, site string) error {
	s, counters, stageName, err := c.readSettled(ctx, site)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	if counters.Total > 0 && counters.Failed == counters.Total {
		if err := c.Store.AdvanceStage(ctx, site, stageName, domain.StageCompleted, 1); err != nil {
			return fmt.Errorf("coordinator: advance all-failed site %s to completed: %w", site, err)
		}
		msg := fmt.Sprintf("all %d jobs failed at stage %s", counters.Total, stageName)
		if err := c.Store.RecordError(ctx, site, stageName, msg); err != nil {
			return fmt.Errorf("coordinator: record all-failed error for %s: %w", site, err)
		}
		c.Log.Warn("stage fully failed, advancing to completed without downstream stages",
			"site", site, "stage", stageName, "failed", counters.Failed)
		return nil
	}

	nextStage, ok := stageName.Next(s.ExtractionEnabled)
	if !ok {
		// already at or past the terminal stage; nothing to coordinate.
		return nil
	}

	if nextStage == domain.StageCompleted {
		if err := c.Store.AdvanceStage(ctx, site, stageName, nextStage, 1); err != nil {
			return fmt.Errorf("coordinator: advance %s to completed: %w", site, err)
		}
		c.Log.Info("site reached completed", "site", site)
		return nil
	}

	return c.advanceAndFanOut(ctx, site, stageName, nextStage, counters)
}

// readSettled re-reads the site row and, if its current stage hasn't fully
// terminated yet, waits RetryDelay and re-reads once more before giving up.
func (c *Coordinator) readSettled(ctx context.Context, site string) (*domain.Site, domain.StageCounters, domain.Stage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		s, err := c.Store.Get(ctx, site)
		if err != nil {
			return nil, domain.StageCounters{}, "", fmt.Errorf("coordinator: get site %s: %w", site, err)
		}
		if s == nil {
			c.Log.Warn("coordinator woke for unknown site", "site", site)
			return nil, domain.StageCounters{}, "", nil
		}
		stageName := domain.Stage(s.CurrentStage)
		counters := s.Counters(stageName)
		if counters.Completed+counters.Failed == counters.Total {
			return s, counters, stageName, nil
		}
		if attempt == 0 {
			observability.CoordinatorRetries.Inc()
			select {
			case <-ctx.Done():
				return nil, domain.StageCounters{}, "", ctx.Err()
			case <-time.After(RetryDelay):
			}
			continue
		}
		c.Log.Warn("stage counters never settled, leaving for reconciler",
			"site", site, "stage", stageName, "completed", counters.Completed,
			"failed", counters.Failed, "total", counters.Total)
		return nil, domain.StageCounters{}, "", nil
	}
	return nil, domain.StageCounters{}, "", nil
}

func (c *Coordinator) advanceAndFanOut(ctx context.Context, site string, fromStage, toStage domain.Stage, fromCounters domain.StageCounters) error {
	switch toStage {
	case domain.StageCompilation:
		if err := c.Store.AdvanceStage(ctx, site, fromStage, toStage, 1); err != nil {
			return fmt.Errorf("coordinator: advance %s to compilation: %w", site, err)
		}
		compileID, err := c.Broker.Enqueue(ctx, domain.QueueCompilation, map[string]any{
			"site": site,
			"kind": "compile_site",
		}, domain.EnqueueOptions{})
		if err != nil {
			return fmt.Errorf("coordinator: enqueue compile_site for %s: %w", site, err)
		}
		return c.enqueueFollowUp(ctx, site, []string{compileID})

	case domain.StageExtraction:
		pages, err := c.Ops.EnumerateTextPages(site)
		if err != nil {
			return fmt.Errorf("coordinator: enumerate text pages for %s: %w", site, err)
		}
		if err := c.Store.AdvanceStage(ctx, site, fromStage, toStage, len(pages)); err != nil {
			return fmt.Errorf("coordinator: advance %s to extraction: %w", site, err)
		}
		var ids []string
		for _, p := range pages {
			id, err := c.Broker.Enqueue(ctx, domain.QueueExtraction, map[string]any{
				"site": site, "meeting": p.Meeting, "date": p.Date, "page": p.Page, "txt_path": p.TxtPath,
			}, domain.EnqueueOptions{})
			if err != nil {
				return fmt.Errorf("coordinator: enqueue extraction_page for %s: %w", site, err)
			}
			ids = append(ids, id)
		}
		return c.enqueueFollowUp(ctx, site, ids)

	case domain.StageDeploy:
		if err := c.Store.AdvanceStage(ctx, site, fromStage, toStage, 1); err != nil {
			return fmt.Errorf("coordinator: advance %s to deploy: %w", site, err)
		}
		deployID, err := c.Broker.Enqueue(ctx, domain.QueueDeploy, map[string]any{
			"site": site, "db_path": c.Ops.DBPath(site),
		}, domain.EnqueueOptions{})
		if err != nil {
			return fmt.Errorf("coordinator: enqueue deploy for %s: %w", site, err)
		}
		return c.enqueueFollowUp(ctx, site, []string{deployID})

	default:
		return fmt.Errorf("coordinator: unexpected next stage %s for site %s", toStage, site)
	}
}

// enqueueFollowUp enqueues the coordinator job that will wake once every
// fanned-out job in ids has terminated.
func (c *Coordinator) enqueueFollowUp(ctx context.Context, site string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.Broker.Enqueue(ctx, domain.QueueCompilation, map[string]any{
		"site": site,
		"kind": "coordinator",
	}, domain.EnqueueOptions{DependsOn: ids})
	if err != nil {
		return fmt.Errorf("coordinator: enqueue follow-up for %s: %w", site, err)
	}
	return nil
}
