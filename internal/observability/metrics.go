// Package observability implements the Observability Surface (C7): a
// read-only view over queue depths, active worker registrations, and
// per-site snapshots, plus the Prometheus gauges/counters that back them.
// Every query here is read-only over the Store and Broker - it never
// mutates pipeline state.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/state"
)

var (
	// QueueDepthGauge tracks pending jobs per (queue, priority).
	QueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clerk_queue_depth",
		Help: "Number of jobs pending in a (queue, priority) pair.",
	}, []string{"queue", "priority"})

	// ActiveWorkersGauge tracks live worker heartbeats per stage.
	ActiveWorkersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clerk_active_workers",
		Help: "Number of worker goroutines with a live heartbeat, per stage.",
	}, []string{"stage"})

	// StuckSitesGauge tracks sites whose updated_at predates the
	// reconciler's stuck threshold.
	StuckSitesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clerk_stuck_sites",
		Help: "Number of non-completed sites whose updated_at predates the stuck threshold.",
	})

	// CoordinatorClaims counts successful coordinator_enqueued CAS flips,
	// from both the normal worker path and the reconciler's healing path.
	CoordinatorClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clerk_coordinator_claims_total",
		Help: "Number of times ClaimCoordinator successfully flipped coordinator_enqueued.",
	})

	// CoordinatorRetries counts a coordinator Tick finding its stage not yet
	// settled and waiting RetryDelay before re-reading once.
	CoordinatorRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clerk_coordinator_retries_total",
		Help: "Number of times a coordinator re-read a site because its stage counters hadn't settled.",
	})
)

// queues is the fixed set of stage queues the fleet-wide gauges track, plus
// the shared high-priority band.
var queues = []string{domain.QueueFetch, domain.QueueOCR, domain.QueueCompilation, domain.QueueExtraction, domain.QueueDeploy}
var stages = []string{string(domain.StageFetch), string(domain.StageOCR), string(domain.StageCompilation), string(domain.StageExtraction), string(domain.StageDeploy)}

// Collector periodically refreshes the fleet-wide Prometheus gauges by
// polling the Store and Broker - the only place this package writes
// anything, and even then only to its own metric vectors, never to
// pipeline state.
type Collector struct {
	Store          state.Store
	Broker         broker.Broker
	StuckThreshold time.Duration
	Log            *logging.Logger
}

func NewCollector(store state.Store, brk broker.Broker, stuckThreshold time.Duration, log *logging.Logger) *Collector {
	return &Collector{Store: store, Broker: brk, StuckThreshold: stuckThreshold, Log: log.With("component", "observability.Collector")}
}

// Refresh runs one polling pass.
func (c *Collector) Refresh(ctx context.Context) error {
	for _, q := range queues {
		for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal} {
			depth, err := c.Broker.QueueDepth(ctx, q, p)
			if err != nil {
				return fmt.Errorf("observability: queue depth %s/%s: %w", q, p, err)
			}
			QueueDepthGauge.WithLabelValues(q, string(p)).Set(float64(depth))
		}
	}

	for _, stage := range stages {
		n, err := c.Broker.ActiveWorkers(ctx, stage)
		if err != nil {
			return fmt.Errorf("observability: active workers %s: %w", stage, err)
		}
		ActiveWorkersGauge.WithLabelValues(stage).Set(float64(n))
	}

	threshold := c.StuckThreshold
	if threshold <= 0 {
		threshold = 2 * time.Hour
	}
	stuck, err := c.Store.SnapshotStuck(ctx, threshold)
	if err != nil {
		return fmt.Errorf("observability: snapshot stuck: %w", err)
	}
	StuckSitesGauge.Set(float64(len(stuck)))
	return nil
}

// Run refreshes on a fixed interval until ctx is cancelled. Errors are
// logged, not fatal - a transient Store/Broker hiccup shouldn't crash the
// status surface.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Refresh(ctx); err != nil {
			c.Log.Warn("metrics refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
