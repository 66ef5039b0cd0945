package bulk

import (
	"context"
	"time"
)

// RetryPolicy is the per-item retry rule: up to MaxAttempts tries with a
// fixed Delay between consecutive tries.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do calls fn until it succeeds, MaxAttempts is reached, or ctx is done.
// attempt is 1-based. It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		if err = fn(attempts); err == nil {
			return attempts, nil
		}
		if attempts == maxAttempts {
			break
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			return attempts, err
		}
	}
	return attempts, err
}

// sleep waits for d or until ctx is done. A zero delay still observes ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
