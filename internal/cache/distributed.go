package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// Distributed implements TokenCache using Valkey with server-assisted
// client-side caching.
// The generic type T represents the value type being cached.
type Distributed[T any] struct {
	client   valkey.Client
	ttl      time.Duration
	strategy EncryptionStrategy
}

// NewDistributed creates a new Valkey-backed cache.
// The ttl parameter is the default TTL for entries stored via Set.
// The strategy parameter controls encryption of cached values; nil defaults
// to NoEncryptionStrategy.
func NewDistributed[T any](valkeyClient valkey.Client, ttl time.Duration, strategy EncryptionStrategy) (*Distributed[T], error) {
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}
	return &Distributed[T]{
		client:   valkeyClient,
		ttl:      ttl,
		strategy: strategy,
	}, nil
}

// Get retrieves a value from the cache using server-assisted client-side
// caching. Returns the value, whether it was found, and any error.
// Decryption failures are returned as errors (the Instrumented wrapper
// records these as "error" status); the corrupted entry is invalidated on a
// best-effort basis.
func (d *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := d.strategy.StorageKey(key)

	// DoCache enables client-side caching with server tracking
	cmd := d.client.B().Get().Key(storageKey).Cache()
	result := d.client.DoCache(ctx, cmd, d.ttl)

	if err := result.Error(); err != nil {
		// Key not found is not an error in our semantics
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return zero, false, fmt.Errorf("failed to convert cached value to string: %w", err)
	}

	data, err := d.strategy.DecryptValue(ctx, val, key)
	if err != nil {
		// Best-effort invalidation of the corrupted entry.
		_ = d.client.Do(ctx, d.client.B().Del().Key(storageKey).Build()).Error()

		return zero, false, fmt.Errorf("cache decryption failure for key %q: %w", key, err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return value, true, nil
}

// Set stores a value in the cache with the default TTL.
func (d *Distributed[T]) Set(ctx context.Context, key string, value T) error {
	return d.SetWithTTL(ctx, key, value, d.ttl)
}

// SetWithTTL stores a value with an entry-specific TTL. The value is
// JSON-serialized (and possibly encrypted) before storage. Non-positive TTLs
// are rejected: the entry would be unusable before it could be read.
func (d *Distributed[T]) SetWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("refusing to cache %q with non-positive ttl %s", key, ttl)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	encrypted, err := d.strategy.EncryptValue(ctx, data, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}

	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	cmd := d.client.B().Set().Key(d.strategy.StorageKey(key)).Value(encrypted).ExSeconds(seconds).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}
	return nil
}

// Invalidate removes a value from the cache.
func (d *Distributed[T]) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(d.strategy.StorageKey(key)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

// Close releases resources associated with the cache client and encryption
// strategy.
func (d *Distributed[T]) Close() error {
	if err := d.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	d.client.Close()
	return nil
}
