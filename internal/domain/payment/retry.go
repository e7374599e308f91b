package payment

import (
	"context"
	"time"
)

const (
	findAttempts = 3
	findBackoff  = 200 * time.Millisecond
)

// findWithRetry runs a gateway read with bounded retries and linear backoff.
// Only reads are retried; create calls go out exactly once per request so the
// provider's idempotence key remains the sole duplicate-charge safety net.
func findWithRetry[T any](ctx context.Context, find func(context.Context) (*T, error)) (*T, error) {
	var lastErr error
	for attempt := 0; attempt < findAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * findBackoff):
			}
		}
		res, err := find(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
