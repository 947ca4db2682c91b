package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Fatalf("expected value 42 on call 3, got v=%d calls=%d", v, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("still broken")
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the last error back, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, 5, time.Second, func() (int, error) {
		calls++
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no further attempts after cancellation, got %d", calls)
	}
}

func TestBackoffForBounds(t *testing.T) {
	if got := backoffFor(0, 3); got != 0 {
		t.Fatalf("expected zero backoff for zero delay, got %v", got)
	}
	for attempt := 1; attempt <= 80; attempt++ {
		got := backoffFor(100*time.Millisecond, attempt)
		if got < 0 || got > maxBackoff {
			t.Fatalf("attempt %d: backoff %v outside [0, %v]", attempt, got, maxBackoff)
		}
	}
}
