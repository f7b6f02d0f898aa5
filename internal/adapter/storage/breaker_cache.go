package storage

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/port"
)

// BreakerCache stops calling a failing cache for a while. While the circuit
// is open every call fails fast with gobreaker.ErrOpenState, so reservations
// carrying a request id are refused instead of risking a duplicate.
type BreakerCache struct {
	next port.CacheRepository
	cb   *gobreaker.CircuitBreaker[bool]
}

var _ port.CacheRepository = (*BreakerCache)(nil)

func NewBreakerCache(next port.CacheRepository, failures uint32, timeout time.Duration, log *zap.Logger) *BreakerCache {
	if failures == 0 {
		failures = 1
	}
	cb := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:    "idempotency-cache",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerCache{next: next, cb: cb}
}

func (b *BreakerCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	return b.cb.Execute(func() (bool, error) {
		return b.next.SetIdempotency(ctx, key)
	})
}

func (b *BreakerCache) ClearIdempotency(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (bool, error) {
		return true, b.next.ClearIdempotency(ctx, key)
	})
	return err
}

func (b *BreakerCache) State() gobreaker.State {
	return b.cb.State()
}
