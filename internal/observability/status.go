package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/state"
)

// SiteSnapshot is the per-site view spec.md §4.7 asks for: stage, counters,
// elapsed-in-stage, and last error.
type SiteSnapshot struct {
	Subdomain        string                         `json:"subdomain"`
	CurrentStage     string                         `json:"current_stage"`
	Counters         map[string]domain.StageCounters `json:"counters"`
	ElapsedInStage   time.Duration                  `json:"elapsed_in_stage"`
	UpdatedAt        time.Time                      `json:"updated_at"`
	LastErrorStage   string                         `json:"last_error_stage,omitempty"`
	LastErrorMessage string                         `json:"last_error_message,omitempty"`
	LastErrorAt      *time.Time                     `json:"last_error_at,omitempty"`
	Stuck            bool                           `json:"stuck"`
}

func snapshotOf(s domain.Site, now time.Time, stuckThreshold time.Duration) SiteSnapshot {
	return SiteSnapshot{
		Subdomain:        s.Subdomain,
		CurrentStage:     s.CurrentStage,
		Counters:         s.StageCounters.Data(),
		ElapsedInStage:   s.ElapsedInStage(now),
		UpdatedAt:        s.UpdatedAt,
		LastErrorStage:   s.LastErrorStage,
		LastErrorMessage: s.LastErrorMessage,
		LastErrorAt:      s.LastErrorAt,
		Stuck:            s.Stuck(now, stuckThreshold),
	}
}

// SiteStatus returns the snapshot for a single site, or nil if unknown.
func SiteStatus(ctx context.Context, store state.Store, stuckThreshold time.Duration, site string) (*SiteSnapshot, error) {
	s, err := store.Get(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("observability: get site %s: %w", site, err)
	}
	if s == nil {
		return nil, nil
	}
	snap := snapshotOf(*s, time.Now(), stuckThreshold)
	return &snap, nil
}

// QueueDepths is the high/normal pair for one queue.
type QueueDepths struct {
	High   int64 `json:"high"`
	Normal int64 `json:"normal"`
}

// FleetStatus is the fleet-wide view the CLI's `status` (no --site) and the
// HTTP `/status` and `/health` endpoints publish.
type FleetStatus struct {
	Sites          []SiteSnapshot         `json:"sites"`
	QueueDepths    map[string]QueueDepths `json:"queue_depths"`
	ActiveWorkers  map[string]int64       `json:"active_workers"`
	TotalSites     int                    `json:"total_sites"`
	ActiveSites    int                    `json:"active_sites"` // not yet completed
	StuckSites     int                    `json:"stuck_sites"`
	HealthScore    float64                `json:"health_score"` // fraction of active sites not stuck
}

// Fleet assembles the full fleet-wide snapshot by polling the Store and
// Broker - the same read-only sources the Collector's gauges are derived
// from, just returned as data instead of set on a metric.
func Fleet(ctx context.Context, store state.Store, brk broker.Broker, stuckThreshold time.Duration) (*FleetStatus, error) {
	sites, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("observability: list sites: %w", err)
	}

	now := time.Now()
	out := &FleetStatus{
		QueueDepths:   map[string]QueueDepths{},
		ActiveWorkers: map[string]int64{},
		TotalSites:    len(sites),
	}

	for _, s := range sites {
		snap := snapshotOf(s, now, stuckThreshold)
		out.Sites = append(out.Sites, snap)
		if domain.Stage(s.CurrentStage) != domain.StageCompleted {
			out.ActiveSites++
			if snap.Stuck {
				out.StuckSites++
			}
		}
	}

	for _, q := range queues {
		high, err := brk.QueueDepth(ctx, q, domain.PriorityHigh)
		if err != nil {
			return nil, fmt.Errorf("observability: queue depth %s/high: %w", q, err)
		}
		normal, err := brk.QueueDepth(ctx, q, domain.PriorityNormal)
		if err != nil {
			return nil, fmt.Errorf("observability: queue depth %s/normal: %w", q, err)
		}
		out.QueueDepths[q] = QueueDepths{High: high, Normal: normal}
	}

	for _, stage := range stages {
		n, err := brk.ActiveWorkers(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("observability: active workers %s: %w", stage, err)
		}
		out.ActiveWorkers[stage] = n
	}

	if out.ActiveSites == 0 {
		out.HealthScore = 1.0
	} else {
		out.HealthScore = 1.0 - float64(out.StuckSites)/float64(out.ActiveSites)
	}
	return out, nil
}

// HealthLevel classifies a FleetStatus into the `health` CLI command's exit
// codes: 0 healthy, 1 degraded, 2 unhealthy.
type HealthLevel int

const (
	HealthHealthy HealthLevel = iota
	HealthDegraded
	HealthUnhealthy
)

// Classify buckets a health score: 0.95 or above is healthy, 0.5 or above
// is degraded, anything lower is unhealthy.
func (f *FleetStatus) Classify() HealthLevel {
	switch {
	case f.HealthScore >= 0.95:
		return HealthHealthy
	case f.HealthScore >= 0.5:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

func (l HealthLevel) String() string {
	switch l {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// ExitCode maps a HealthLevel onto the `health` CLI command's contract.
func (l HealthLevel) ExitCode() int {
	return int(l)
}
