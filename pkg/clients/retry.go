package clients

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/errors"
)

// RetryPolicy retries failed API calls with exponential backoff: attempt n
// waits 2^(n-1) seconds before retrying. The last error is re-raised after
// exhaustion.
type RetryPolicy struct {
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; defaults to 1s
	BaseDelay time.Duration
	// ShouldRetry filters errors; nil retries everything except
	// non-retryable configuration and authentication failures
	ShouldRetry func(error) bool

	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given attempt limit.
func NewRetryPolicy(maxAttempts int, logger *zap.Logger) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		logger:      logger.With(zap.String("component", "retry")),
		sleep:       sleepCtx,
	}
}

// Execute runs fn up to MaxAttempts times.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !rp.retryable(err) || attempt == rp.MaxAttempts {
			break
		}

		delay := rp.DelayFor(attempt)
		rp.logger.Debug("retrying after failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if sleepErr := rp.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	return lastErr
}

// DelayFor returns the backoff delay applied after the given attempt
// (1-based): 1s, 2s, 4s, ...
func (rp *RetryPolicy) DelayFor(attempt int) time.Duration {
	base := rp.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	return base << uint(attempt-1)
}

func (rp *RetryPolicy) retryable(err error) bool {
	if rp.ShouldRetry != nil {
		return rp.ShouldRetry(err)
	}
	// Configuration, mapping, and auth errors never resolve by retrying.
	switch {
	case errors.IsType(err, errors.ErrorTypeConfig),
		errors.IsType(err, errors.ErrorTypeMapping),
		errors.IsType(err, errors.ErrorTypeAuthentication),
		errors.IsType(err, errors.ErrorTypeCircuitOpen),
		errors.IsType(err, errors.ErrorTypeValidation):
		return false
	}
	return true
}
