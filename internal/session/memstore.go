package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultJanitorInterval = time.Minute

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is the in-process Store implementation. Expired entries stop
// being visible immediately; a janitor goroutine reclaims them lazily.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	unavailable atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts its janitor.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithInterval(defaultJanitorInterval)
}

// NewMemoryStoreWithInterval creates a MemoryStore with a custom janitor
// interval. Used by tests to exercise reclamation quickly.
func NewMemoryStoreWithInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	go s.janitor(interval)
	return s
}

// Close stops the janitor. The store stays usable but stops reclaiming.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
		<-s.done
	}
	return nil
}

// SetUnavailable toggles simulated backend failure. Every operation fails
// with ErrStoreUnavailable while set. Outage drills and tests only.
func (s *MemoryStore) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	if s.unavailable.Load() {
		return ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[rec.ID]
	if ok && now.After(existing.expiresAt) {
		delete(s.entries, rec.ID)
		ok = false
	}
	if rec.Version == 1 {
		if ok {
			return ErrVersionConflict
		}
	} else {
		if !ok {
			return ErrSessionNotFound
		}
		if existing.rec.Version != rec.Version-1 {
			return ErrVersionConflict
		}
	}
	s.entries[rec.ID] = memEntry{rec: rec, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if s.unavailable.Load() {
		return Record{}, ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return Record{}, ErrSessionNotFound
	}
	return e.rec, nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if s.unavailable.Load() {
		return ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || now.After(e.expiresAt) {
		delete(s.entries, id)
		return ErrSessionNotFound
	}
	e.expiresAt = now.Add(ttl)
	e.rec.LastActivity = now
	s.entries[id] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if s.unavailable.Load() {
		return ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrSessionNotFound
	}
	delete(s.entries, id)
	if time.Now().After(e.expiresAt) {
		return ErrSessionNotFound
	}
	return nil
}

// Len returns the number of live entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
