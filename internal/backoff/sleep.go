package backoff

import (
	"context"
	"time"
)

// Sleep waits for the specified duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if cancelled first.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
