// Package coordinatorrun is the optional Temporal-backed execution mode for
// the pipeline's coordinator (C4): a long-running workflow, one per site,
// that ticks the exact same coordinator.Tick logic the poll backend's
// compilation-queue workers run, via an activity. It is an alternate
// transport for identical semantics, never a second source of truth - every
// decision still goes through Store.ClaimCoordinator's compare-and-set.
package coordinatorrun

const (
	WorkflowName = "clerk-coordinator-run"
	ActivityTick = "clerk-coordinator-tick"
	// SignalAdvance wakes a waiting workflow early, e.g. right after a
	// fan-out job terminates, instead of waiting out pollInterval.
	SignalAdvance = "advance"
)

// TickResult is what the activity reports back to the workflow after one
// coordinator.Tick call, enough to decide whether to keep polling, sleep,
// or complete the workflow.
type TickResult struct {
	Site         string
	CurrentStage string
	Done         bool
}
