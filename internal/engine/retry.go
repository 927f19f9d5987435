package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// RetryPolicy computes the capped exponential backoff between attempts:
// Delay(n) = min(MaxDelay, BaseDelay * 2^n).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns the wait that follows failed attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		// Stop doubling before overflow.
		if delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WithMaxRetries returns a copy of the policy using n when n is non-nil.
func (p RetryPolicy) WithMaxRetries(n *int) RetryPolicy {
	if n != nil && *n >= 0 {
		p.MaxRetries = *n
	}
	return p
}

// IsRetryableError classifies whether another attempt is worthwhile.
// Anything not explicitly final is retried; the policy bounds attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
