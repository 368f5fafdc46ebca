package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ExponentialBackOff adapts a Policy into a cenkalti/backoff/v5
// *backoff.ExponentialBackOff, so components that drive their retry loop
// with backoff.Retry (the Trigger Evaluator, through MaxAttemptsRetry) can
// reuse the same {base,factor,max,jitter} numbers this package
// uses for its own deterministic Delay/Bounds computation.
func (p Policy) ExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(p.BaseMs) * time.Millisecond
	b.Multiplier = p.Factor
	b.MaxInterval = time.Duration(p.MaxMs) * time.Millisecond
	b.RandomizationFactor = p.JitterRatio
	return b
}

// MaxAttemptsRetry runs op with backoff.Retry bounded by maxAttempts,
// matching the "attempts=EVENT_TRIGGER_ATTEMPTS" retry described for the
// Trigger Evaluator in spec.md §4.7.
func MaxAttemptsRetry[T any](ctx context.Context, p Policy, maxAttempts int, op backoff.Operation[T]) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(p.ExponentialBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
}
