package persist

import (
	"context"
	"time"
)

// Cache is a byte-oriented remote cache used to share committed rows between
// processes. Implementations should be safe for concurrent use.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an optional TTL.
	// If ttl is 0, the value should not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all values with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Clear removes all values from the cache.
	Clear(ctx context.Context) error
}

// CacheKey identifies one committed row in a remote Cache.
type CacheKey struct {
	Namespace string
	Entity    string
	ID        string
}

// String returns the string representation of the cache key.
func (k CacheKey) String() string {
	return k.Namespace + ":" + k.Entity + ":" + k.ID
}

// Prefix returns the key prefix shared by all rows of the entity.
func (k CacheKey) Prefix() string {
	return k.Namespace + ":" + k.Entity + ":"
}
