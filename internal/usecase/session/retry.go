package session

import (
	"context"
	"time"
)

// RetryPolicy bounds a retried operation by attempt count with a fixed
// delay between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do calls fn until it succeeds or MaxAttempts calls have been made, and
// returns the last error. onFailure, if non-nil, is called after each failed
// attempt. Cancelling ctx stops further attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onFailure func(attempt int, err error)) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			break
		}
	}
	return err
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
