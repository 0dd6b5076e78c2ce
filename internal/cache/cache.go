// Package cache provides the token cache backing the session subsystem. Two
// implementations exist: a Valkey-backed distributed cache (required for
// multi-instance deployments, where logout flags must be visible everywhere)
// and an in-memory cache for single-instance and test use.
package cache

import (
	"context"
	"time"
)

// TokenCache defines the interface for token caching implementations.
// The generic type T represents the value type being cached.
type TokenCache[T any] interface {
	// Get retrieves a value from the cache.
	// Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value in the cache with the cache's default TTL.
	Set(ctx context.Context, key string, value T) error

	// SetWithTTL stores a value with an entry-specific TTL. Backends that
	// cannot honor per-entry TTLs use their default; callers must still
	// validate expiry on read.
	SetWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error

	// Invalidate removes a value from the cache.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}
