package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"tilestream/internal/metrics"
	"tilestream/internal/tile"
)

type breakerProvider struct {
	tile.Provider
	cb *gobreaker.CircuitBreaker[*tile.Data]
}

// WithBreaker stops calling p after threshold consecutive failures and lets a
// single probe through once openTimeout has passed. Missing tiles and
// cancelled fetches do not count as failures.
func WithBreaker(p tile.Provider, name string, threshold uint32, openTimeout time.Duration, logger *zap.Logger) tile.Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold == 0 {
		threshold = 1
	}

	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[*tile.Data](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, tile.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("Provider breaker state changed",
				zap.String("name", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	return &breakerProvider{Provider: p, cb: cb}
}

func (b *breakerProvider) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	return b.cb.Execute(func() (*tile.Data, error) {
		return b.Provider.Fetch(ctx, key)
	})
}

// State reports the breaker state.
func (b *breakerProvider) State() gobreaker.State {
	return b.cb.State()
}
