package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/stepwise/pkg/schema"
)

func TestRetryPolicy_DelayIsCappedExponential(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_NoBaseDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryPolicy{MaxDelay: time.Second}.Delay(3))
}

func TestRetryPolicy_UncappedDoesNotOverflow(t *testing.T) {
	d := RetryPolicy{BaseDelay: time.Second}.Delay(200)
	assert.Greater(t, d, time.Duration(0))
}

func TestRetryPolicy_WithMaxRetries(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}
	zero := 0
	assert.Equal(t, 0, p.WithMaxRetries(&zero).MaxRetries)
	assert.Equal(t, 3, p.WithMaxRetries(nil).MaxRetries)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("connection reset")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "timed out")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad input")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCircuitOpen, "open")))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
