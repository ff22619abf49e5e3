package lifecycle

import (
	"context"
	"time"
)

// waitFor polls pred every interval until it reports true, the deadline
// elapses, or ctx is cancelled. This is the one blocking-wait primitive in
// the engine — the position-wait loop in the fill path and the shorter
// fallback-path wait both go through it.
func waitFor(ctx context.Context, interval, deadline time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return pred()
		case <-ticker.C:
			if pred() {
				return true
			}
		}
	}
}
