package errkind

import (
	"context"
	"time"

	"github.com/taskmesh/taskmeshd/internal/logging"
)

// RetryConfig configures the Supervisor's spawn-retry behavior: up to
// MaxAttempts retries with linear backoff, never retried once the child has
// actually started.
type RetryConfig struct {
	MaxAttempts int
	DelayMs     int
}

// RetryableFunc is a unit of work that may fail with a retryable spawn error.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry runs fn up to cfg.MaxAttempts+1 times total, waiting
// cfg.DelayMs*attempt milliseconds (linear backoff) between attempts. It
// stops immediately if ctx is cancelled or fn returns a non-SpawnFailed
// error.
func Retry(ctx context.Context, cfg RetryConfig, logger logging.Logger, fn RetryableFunc) error {
	logger = logging.OrNop(logger)
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				logger.Info("spawn succeeded after %d retries", attempt)
			}
			return nil
		}
		lastErr = err

		if !Is(err, SpawnFailed) {
			// Once the child has started, application-level failures are
			// reported as-is and never retried.
			return err
		}
		if attempt == cfg.MaxAttempts {
			logger.Warn("spawn retries exhausted (%d attempts): %v", attempt+1, err)
			break
		}

		delay := time.Duration(cfg.DelayMs*(attempt+1)) * time.Millisecond
		logger.Debug("spawn attempt %d failed, retrying in %v: %v", attempt+1, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
