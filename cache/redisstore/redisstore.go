// Package redisstore implements persist.Cache on Redis, letting snapshot
// caches of several processes share committed rows.
package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syssam/persist"
)

// Options holds configuration for connecting to a Redis server.
type Options struct {
	// Address is the host:port of the Redis server.
	Address  string
	Password string
	DB       int
	// TLSConfig enables TLS when set.
	TLSConfig *tls.Config
	// Prefix is prepended to every key, so several applications can share
	// one database. Clear only removes keys carrying the prefix.
	Prefix string
}

// DefaultOptions returns Options for a local server.
func DefaultOptions() Options {
	return Options{Address: "localhost:6379"}
}

// Store is a persist.Cache backed by a Redis client.
type Store struct {
	client  redis.UniversalClient
	prefix  string
	isOwner bool
	logger  *slog.Logger
}

// Open connects to Redis with the given options. Call Close when done.
func Open(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Address,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	s := New(client, opts.Prefix)
	s.isOwner = true
	return s
}

// New returns a Store using an existing client. The client is not closed by Close.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix, logger: slog.Default()}
}

// Ping tests connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: ping: %w", err)
	}
	return nil
}

// Close closes the connection if it was opened by Open.
func (s *Store) Close() error {
	if !s.isOwner {
		return nil
	}
	return s.client.Close()
}

// Get implements persist.Cache. A missing key returns nil, nil.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	return b, nil
}

// Set implements persist.Cache. A negative ttl disables caching.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

// Delete implements persist.Cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", key, err)
	}
	return nil
}

// scanBatch is the SCAN count hint used when deleting by prefix.
const scanBatch = 256

// DeletePrefix implements persist.Cache using SCAN, so it never blocks the
// server the way KEYS would.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redisstore: scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redisstore: delete %s: %w", prefix, err)
			}
			deleted += len(keys)
		}
		if cursor = next; cursor == 0 {
			break
		}
	}
	s.logger.DebugContext(ctx, "redisstore: deleted keys", "prefix", prefix, "count", deleted)
	return nil
}

// Clear implements persist.Cache by removing every key under the store prefix.
func (s *Store) Clear(ctx context.Context) error {
	return s.DeletePrefix(ctx, "")
}

var _ persist.Cache = (*Store)(nil)
