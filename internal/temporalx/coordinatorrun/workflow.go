package coordinatorrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

const (
	pollInterval         = 3 * time.Second
	continueAsNewAtTicks = 5000
)

// Workflow drives one site's coordinator decisions to completion. Its
// workflow ID is the site's subdomain, so starting it twice for the same
// site is a no-op (Temporal rejects the duplicate start) - the same
// "exactly one coordinator claim wins" guarantee ClaimCoordinator already
// gives the poll backend, enforced here by workflow identity instead of a
// row's boolean flag.
func Workflow(ctx workflow.Context) error {
	site := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if site == "" {
		return fmt.Errorf("coordinatorrun: workflow started without a site id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
	})

	advanceCh := workflow.GetSignalChannel(ctx, SignalAdvance)
	ticks := 0

	for {
		ticks++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, site).Get(ctx, &out); err != nil {
			return err
		}
		if out.Done {
			return nil
		}

		waitOrSignal(ctx, advanceCh, pollInterval)

		if ticks >= continueAsNewAtTicks {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func waitOrSignal(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
	})
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
}
