package workflow

import (
	"context"
	"time"
)

// shutdownReleaseTimeout bounds the best-effort lock release when a run is
// cancelled mid-flight.
const shutdownReleaseTimeout = 5 * time.Second

// Run drives the workflow to completion, sleeping between ticks as the
// state machine asks. On cancellation a held lock is released on a fresh
// context so shutdown does not strand the dataset until the TTL.
func (w *Workflow) Run(ctx context.Context) error {
	for {
		wait, done, err := w.Tick(ctx)
		if done {
			return err
		}
		if wait <= 0 {
			if err := ctx.Err(); err != nil {
				w.abort()
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			w.abort()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// abort releases a held lock after cancellation. The version record stays
// PENDING; operators can see the run never reached a terminal status.
func (w *Workflow) abort() {
	if !w.msg.Locked {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownReleaseTimeout)
	defer cancel()
	w.releaseLock(ctx)
}
