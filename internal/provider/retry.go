package provider

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"tilestream/internal/metrics"
	"tilestream/internal/tile"
)

type retryProvider struct {
	tile.Provider
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
}

// WithRetry retries failed fetches up to attempts times in total with a fixed
// delay between them. Missing tiles and open breakers are not retried.
func WithRetry(p tile.Provider, attempts uint, delay time.Duration, logger *zap.Logger) tile.Provider {
	if attempts <= 1 {
		return p
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryProvider{Provider: p, attempts: attempts, delay: delay, logger: logger}
}

func retryable(err error) bool {
	return !errors.Is(err, tile.ErrNotFound) &&
		!errors.Is(err, gobreaker.ErrOpenState) &&
		!errors.Is(err, gobreaker.ErrTooManyRequests) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (r *retryProvider) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	return retry.NewWithData[*tile.Data](
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			metrics.ProviderRetries.Inc()
			r.logger.Debug("Retrying tile fetch",
				zap.Stringer("key", key),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	).Do(func() (*tile.Data, error) {
		return r.Provider.Fetch(ctx, key)
	})
}
