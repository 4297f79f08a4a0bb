package coordinatorrun

import (
	"context"
	"fmt"

	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/pipeline/coordinator"
	"github.com/civicband/clerk/internal/state"
)

// Activities bundles the dependencies the Tick activity needs: the same
// Coordinator the poll backend's compilation workers use, plus a Store read
// to report the post-tick stage back to the workflow.
type Activities struct {
	Coordinator *coordinator.Coordinator
	Store       state.Store
	Log         *logging.Logger
}

// Tick runs one coordinator decision for site and reports whether the site
// has reached the terminal stage.
func (a *Activities) Tick(ctx context.Context, site string) (TickResult, error) {
	res := TickResult{Site: site}
	if a == nil || a.Coordinator == nil || a.Store == nil {
		return res, fmt.Errorf("coordinatorrun: activity not configured")
	}

	if err := a.Coordinator.Tick(ctx, site); err != nil {
		return res, fmt.Errorf("coordinatorrun: tick %s: %w", site, err)
	}

	s, err := a.Store.Get(ctx, site)
	if err != nil {
		return res, fmt.Errorf("coordinatorrun: get %s after tick: %w", site, err)
	}
	if s == nil {
		res.Done = true
		return res, nil
	}

	res.CurrentStage = s.CurrentStage
	res.Done = domain.Stage(s.CurrentStage) == domain.StageCompleted
	return res, nil
}
