package port

import "context"

type CacheRepository interface {
	// SetIdempotency claims key, returns false if it was already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency releases key so a failed request can be retried
	ClearIdempotency(ctx context.Context, key string) error
}
