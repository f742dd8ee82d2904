// Package cache implements the content-addressed alert cache: serialized
// evaluation results keyed by (patient, hook, context fingerprint), held in
// a remote key-value store behind a circuit breaker. Caching here is
// best-effort; the engine must produce correct results with the store fully
// unavailable.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get on a cache miss.
var ErrNotFound = errors.New("cache: key not found")

// Store is the key-value backend contract. Implementations handle TTL
// expiry themselves (server-side in Redis, lazily in memory).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePrefix removes every key starting with prefix and returns the
	// number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}
