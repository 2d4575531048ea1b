// Package redis provides Redis-backed stores for fleet-wide state that the
// in-memory implementations cannot share between processes.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces dedup records in a shared Redis
const keyPrefix = "kinebus:dedup:"

// DeduplicationStore records processed message IDs in Redis. Expiry is
// delegated to Redis key TTLs, so CleanupExpired has nothing to do.
type DeduplicationStore struct {
	client redis.UniversalClient
}

// NewDeduplicationStore creates a store over an existing Redis client
func NewDeduplicationStore(client redis.UniversalClient) *DeduplicationStore {
	return &DeduplicationStore{client: client}
}

// NewDeduplicationStoreFromURL connects to Redis and builds a store. The URL
// uses the standard redis:// form.
func NewDeduplicationStoreFromURL(url string) (*DeduplicationStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return &DeduplicationStore{client: redis.NewClient(opts)}, nil
}

// IsProcessed implements messaging.DeduplicationStore
func (s *DeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements messaging.DeduplicationStore
func (s *DeduplicationStore) MarkProcessed(ctx context.Context, messageID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, keyPrefix+messageID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

// Remove implements messaging.DeduplicationStore
func (s *DeduplicationStore) Remove(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, keyPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}

// CleanupExpired implements messaging.DeduplicationStore. Redis evicts
// expired keys itself.
func (s *DeduplicationStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Ping verifies connectivity
func (s *DeduplicationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client
func (s *DeduplicationStore) Close() error {
	return s.client.Close()
}
