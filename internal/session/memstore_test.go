package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRecord(t *testing.T, userID string) Record {
	t.Helper()
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	now := time.Now().UTC()
	return Record{
		ID:           id,
		UserID:       userID,
		CSRFToken:    "csrf",
		CreatedAt:    now,
		LastActivity: now,
		Version:      1,
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rec := testRecord(t, "alice")
	if err := s.Put(ctx, rec, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "alice" || got.Version != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStore_VersionCheck(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rec := testRecord(t, "alice")
	if err := s.Put(ctx, rec, time.Hour); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	// Duplicate create loses.
	if err := s.Put(ctx, rec, time.Hour); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	rec.Version = 2
	if err := s.Put(ctx, rec, time.Hour); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	// Skipping a version loses.
	rec.Version = 4
	if err := s.Put(ctx, rec, time.Hour); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on skipped version, got %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rec := testRecord(t, "alice")
	if err := s.Put(ctx, rec, 10*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after expiry, got %v", err)
	}
}

func TestMemoryStore_TouchSlidesExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rec := testRecord(t, "alice")
	if err := s.Put(ctx, rec, 30*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Touch(ctx, rec.ID, time.Hour); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Get(ctx, rec.ID); err != nil {
		t.Fatalf("touched session expired: %v", err)
	}
}

func TestMemoryStore_JanitorReaps(t *testing.T) {
	s := NewMemoryStoreWithInterval(10 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	rec := testRecord(t, "alice")
	if err := s.Put(ctx, rec, time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never reaped expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryStore_Unavailable(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rec := testRecord(t, "alice")
	if err := s.Put(ctx, rec, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.SetUnavailable(true)
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if err := s.Touch(ctx, rec.ID, time.Hour); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	s.SetUnavailable(false)
	if _, err := s.Get(ctx, rec.ID); err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
}

func TestFingerprint_IgnoresHostSuffix(t *testing.T) {
	a := Fingerprint("agent/1.0", "203.0.113.10:1234")
	b := Fingerprint("agent/1.0", "203.0.113.99:9999")
	if a != b {
		t.Fatalf("fingerprint should be stable within an address class")
	}
	c := Fingerprint("agent/1.0", "198.51.100.10:1234")
	if a == c {
		t.Fatalf("fingerprint should differ across networks")
	}
	d := Fingerprint("agent/2.0", "203.0.113.10:1234")
	if a == d {
		t.Fatalf("fingerprint should differ across user agents")
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if len(id) < 40 {
			t.Fatalf("id too short: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
