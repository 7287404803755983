package session

import (
	"context"
	"time"
)

// Store is the keyed session store with per-entry TTL. Two implementations
// exist: MemoryStore (fast primary) and the sqlite store in the persistence
// package (durable alternative); config selects one. Writes are guarded by
// optimistic versioning: Put with rec.Version == 1 creates, any higher
// version replaces only when the stored version is exactly rec.Version-1.
type Store interface {
	// Put writes the record and arms its TTL. Returns ErrVersionConflict
	// when the stored version does not precede rec.Version, and
	// ErrSessionNotFound when updating an id that is absent or expired.
	Put(ctx context.Context, rec Record, ttl time.Duration) error

	// Get returns the record, or ErrSessionNotFound if absent or expired.
	Get(ctx context.Context, id string) (Record, error)

	// Touch resets the TTL without rewriting the record (sliding
	// expiration). ErrSessionNotFound if absent or expired.
	Touch(ctx context.Context, id string, ttl time.Duration) error

	// Delete removes the record. ErrSessionNotFound if already absent.
	Delete(ctx context.Context, id string) error
}
