package batch

import (
	"context"
	"time"
)

// withRetry runs fn up to attempts times, sleeping a fixed delay between
// failed attempts. The last error is returned when every attempt fails.
func withRetry(ctx context.Context, attempts int, delay time.Duration, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
