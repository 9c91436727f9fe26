package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// HasIdempotency reports whether a key has been set
	HasIdempotency(ctx context.Context, key string) (bool, error)

	// AllowRequest counts a hit in a fixed window, returns false once limit is exceeded
	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
