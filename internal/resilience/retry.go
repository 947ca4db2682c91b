// Package resilience provides the retry-with-backoff and circuit-breaker
// primitives the Replication Coordinator uses for
// transient-failure handling, adapted from the swarmguard core library.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// One instrument set per process, shared by every Retry call, rather than
// re-registering counters on each invocation.
var (
	retryAttemptsTotal, _ = otel.Meter("cis-core-resilience").Int64Counter("cis_resilience_retry_attempts_total")
	retrySuccessTotal, _  = otel.Meter("cis-core-resilience").Int64Counter("cis_resilience_retry_success_total")
	retryFailTotal, _     = otel.Meter("cis-core-resilience").Int64Counter("cis_resilience_retry_fail_total")
)

const maxBackoff = 60 * time.Second

// Retry executes fn up to attempts times with exponential backoff and full
// jitter. delay is the initial backoff; it doubles per completed attempt,
// capped at maxBackoff. Retry itself never decides whether an error is
// retryable — its caller (the Replication Coordinator, for peer sends)
// only calls it on paths already classified as transient.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	var errLast error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn()
		retryAttemptsTotal.Add(ctx, 1)
		if err == nil {
			retrySuccessTotal.Add(ctx, 1)
			return v, nil
		}
		errLast = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			retryFailTotal.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(backoffFor(delay, attempt)):
		}
	}
	retryFailTotal.Add(ctx, 1)
	return zero, errLast
}

// backoffFor doubles delay once per completed attempt, caps the result
// (shift overflow included), and draws the actual sleep uniformly from
// [0, capped] — full jitter, so a burst of failing callers doesn't
// resynchronize on the same retry schedule.
func backoffFor(delay time.Duration, attempt int) time.Duration {
	if delay <= 0 {
		return 0
	}
	backoff := delay << (attempt - 1)
	if backoff <= 0 || backoff > maxBackoff {
		backoff = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}
