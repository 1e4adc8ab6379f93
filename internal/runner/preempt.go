package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/nevindra/conduit/internal/queue"
)

// watchForPreempt waits for the queue to ask this run to yield (see
// queue.Preempted) and forwards the signal to onPreempt exactly once. It
// returns once either the signal fires or done is closed by Run itself on
// exit. onPreempt is responsible for whatever "ask the agent to wind
// down" means for this runner (writing the IPC close sentinel); this
// function never touches the subprocess/container directly.
func watchForPreempt(ctx context.Context, onPreempt func(), done <-chan struct{}) {
	if onPreempt == nil {
		return
	}
	ch := queue.Preempted(ctx)
	if ch == nil {
		return
	}
	select {
	case <-ch:
		onPreempt()
	case <-done:
	}
}

// classifyTimeout reports whether ctx ended because of the idle watchdog
// (context.Canceled — the watchdog cancels the run's context directly
// rather than waiting for the hard deadline) or the absolute hard
// deadline (context.DeadlineExceeded), along with the message spec §4.3
// requires for the no-output case. timedOut is false for any other
// outcome (clean exit, process error).
func classifyTimeout(ctx context.Context, idleTimeout, hardTimeout time.Duration) (timedOut bool, message string) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return true, fmt.Sprintf("timed out after %dms", hardTimeout.Milliseconds())
	case context.Canceled:
		return true, fmt.Sprintf("timed out after %dms", idleTimeout.Milliseconds())
	default:
		return false, ""
	}
}
