package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DeduplicationStore records processed message IDs for a bounded retention
// window. The dispatcher consults it before invoking a consumer and marks
// IDs after successful processing. Implementations must be safe for
// concurrent use.
//
// Marking is best-effort at-least-once: a crash between processing and
// MarkProcessed re-offers the message, so consumers still need idempotent
// side effects for full safety.
type DeduplicationStore interface {
	// IsProcessed reports whether the message ID was already processed and
	// its retention window has not expired
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed records the message ID until expiresAt
	MarkProcessed(ctx context.Context, messageID string, expiresAt time.Time) error

	// Remove forgets a message ID
	Remove(ctx context.Context, messageID string) error

	// CleanupExpired drops expired records and returns how many were removed
	CleanupExpired(ctx context.Context) (int, error)
}

// InMemoryDeduplicationStore keeps processed IDs in a map. Suitable for a
// single process; use the Redis store for fleet-wide deduplication.
type InMemoryDeduplicationStore struct {
	mu      sync.RWMutex
	records map[string]time.Time
}

// NewInMemoryDeduplicationStore creates an empty in-memory store
func NewInMemoryDeduplicationStore() *InMemoryDeduplicationStore {
	return &InMemoryDeduplicationStore{
		records: make(map[string]time.Time),
	}
}

// IsProcessed implements DeduplicationStore
func (s *InMemoryDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiresAt, ok := s.records[messageID]
	if !ok {
		return false, nil
	}
	return time.Now().Before(expiresAt), nil
}

// MarkProcessed implements DeduplicationStore
func (s *InMemoryDeduplicationStore) MarkProcessed(ctx context.Context, messageID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[messageID] = expiresAt
	return nil
}

// Remove implements DeduplicationStore
func (s *InMemoryDeduplicationStore) Remove(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, messageID)
	return nil
}

// CleanupExpired implements DeduplicationStore
func (s *InMemoryDeduplicationStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, expiresAt := range s.records {
		if now.After(expiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Size returns the number of records currently held, expired or not
func (s *InMemoryDeduplicationStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// StartDedupCleanup runs CleanupExpired on a fixed interval until the
// context is cancelled
func StartDedupCleanup(ctx context.Context, store DeduplicationStore, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := store.CleanupExpired(ctx)
				if err != nil {
					logger.Warn("dedup cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					logger.Debug("dedup records expired", "removed", removed)
				}
			}
		}
	}()
}
