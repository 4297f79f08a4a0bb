// Package scheduler implements C6: choosing which site to admit next and
// rate-limiting that admission to one per invocation. It carries no
// internal timer of its own - the CLI (driven by an external cron) calls
// AdvanceOldest on whatever cadence the operator configures.
package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/state"
)

// DefaultAgeThreshold is how stale a site's updated_at must be before
// AdvanceOldest considers it eligible for a fresh fetch (spec default: 23h).
const DefaultAgeThreshold = 23 * time.Hour

// subdomainPattern is the format a site admission must satisfy regardless
// of whether a KnownSites allowlist is configured: dot-separated DNS
// labels, lowercase alphanumeric plus hyphen, no leading/trailing hyphen.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

type Scheduler struct {
	Store        state.Store
	Broker       broker.Broker
	AgeThreshold time.Duration
	Log          *logging.Logger

	// KnownSites, when non-empty, is the admission allowlist EnqueueSite
	// checks a subdomain against; empty means any well-formed subdomain is
	// accepted.
	KnownSites []string
}

func New(store state.Store, brk broker.Broker, log *logging.Logger) *Scheduler {
	return &Scheduler{Store: store, Broker: brk, AgeThreshold: DefaultAgeThreshold, Log: log.With("component", "scheduler")}
}

// AdvanceOldest selects the site with the smallest updated_at (sites never
// yet started are preferred over any already in flight) that is older than
// AgeThreshold, enqueues a fetch_site job for it at normal priority, and
// returns. It admits at most one site per call; callers that want
// continuous admission drive this from an external cron.
func (s *Scheduler) AdvanceOldest(ctx context.Context) (string, error) {
	threshold := s.AgeThreshold
	if threshold <= 0 {
		threshold = DefaultAgeThreshold
	}

	sites, err := s.Store.List(ctx)
	if err != nil {
		return "", fmt.Errorf("scheduler: list sites: %w", err)
	}

	cutoff := time.Now().Add(-threshold)
	var oldest *domain.Site
	for i := range sites {
		site := &sites[i]
		if site.StartedAt == nil {
			oldest = site
			break
		}
		if site.UpdatedAt.After(cutoff) {
			continue
		}
		if oldest == nil || site.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = site
		}
	}

	if oldest == nil {
		return "", nil
	}

	if err := s.EnqueueSite(ctx, oldest.Subdomain, domain.PriorityNormal); err != nil {
		return "", err
	}
	return oldest.Subdomain, nil
}

// EnqueueSite admits a site for a fresh fetch_site job at the requested
// priority, for operator-driven requests outside the AdvanceOldest cadence.
// It rejects a subdomain that fails format validation, or that isn't in
// KnownSites when that allowlist is configured, with domain.ErrUnknownSite.
func (s *Scheduler) EnqueueSite(ctx context.Context, site string, priority domain.Priority) error {
	if !s.siteKnown(site) {
		return fmt.Errorf("scheduler: %w: %s", domain.ErrUnknownSite, site)
	}

	if err := s.Store.EnsureSite(ctx, site); err != nil {
		return fmt.Errorf("scheduler: ensure site %s: %w", site, err)
	}
	if err := s.Store.InitializeStage(ctx, site, domain.StageFetch, 1); err != nil {
		return fmt.Errorf("scheduler: initialize fetch stage for %s: %w", site, err)
	}
	if _, err := s.Broker.Enqueue(ctx, domain.QueueFetch, map[string]any{"site": site}, domain.EnqueueOptions{Priority: priority}); err != nil {
		return fmt.Errorf("scheduler: enqueue fetch_site for %s: %w", site, err)
	}
	s.Log.Info("admitted site", "site", site, "priority", priority)
	return nil
}

// siteKnown reports whether site is admissible: it must always satisfy
// subdomainPattern, and must additionally appear in KnownSites whenever
// that allowlist is non-empty.
func (s *Scheduler) siteKnown(site string) bool {
	if !subdomainPattern.MatchString(site) {
		return false
	}
	if len(s.KnownSites) == 0 {
		return true
	}
	for _, k := range s.KnownSites {
		if k == site {
			return true
		}
	}
	return false
}
