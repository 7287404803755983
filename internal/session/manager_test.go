package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/altcap/internal/audit"
	"github.com/basket/altcap/internal/bus"
	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/session"
)

type stubConns struct {
	def       string
	verifyErr error
}

func (s *stubConns) DefaultConnection(ctx context.Context, userID string) (string, error) {
	return s.def, nil
}

func (s *stubConns) VerifyOwnedActive(ctx context.Context, userID, connectionID string) error {
	return s.verifyErr
}

// flakyStore injects version conflicts on the first n writes.
type flakyStore struct {
	session.Store
	conflicts int
}

func (f *flakyStore) Put(ctx context.Context, rec session.Record, ttl time.Duration) error {
	if f.conflicts > 0 {
		f.conflicts--
		return session.ErrVersionConflict
	}
	return f.Store.Put(ctx, rec, ttl)
}

type managerFixture struct {
	manager *session.Manager
	store   *session.MemoryStore
	audit   *audit.Log
	db      *persistence.Store
	bus     *bus.Bus
}

func newManagerFixture(t *testing.T, wrap func(session.Store) session.Store) *managerFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "altcap.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log, err := audit.Open(db.DB(), dir)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	mem := session.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	var store session.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	b := bus.New()
	mgr := session.NewManager(session.Config{
		Store:       store,
		Audit:       log,
		Connections: &stubConns{def: "conn-default"},
		Bus:         b,
		TTL:         time.Hour,
	})
	return &managerFixture{manager: mgr, store: mem, audit: log, db: db, bus: b}
}

func TestManager_CreateBindsDefaultConnection(t *testing.T) {
	fx := newManagerFixture(t, nil)
	ctx := context.Background()

	rec, err := fx.manager.Create(ctx, "alice", "", "fp-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.PlatformConnectionID != "conn-default" {
		t.Fatalf("expected default connection bound, got %q", rec.PlatformConnectionID)
	}
	if rec.Version != 1 || rec.CSRFToken == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	events, err := fx.audit.SessionEvents(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("session events: %v", err)
	}
	if len(events) != 1 || events[0].Event != audit.EventCreate {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestManager_CreateRejectsForeignConnection(t *testing.T) {
	fx := newManagerFixture(t, nil)
	mgr := session.NewManager(session.Config{
		Store:       fx.store,
		Audit:       fx.audit,
		Connections: &stubConns{verifyErr: persistence.ErrConnectionNotFound},
		TTL:         time.Hour,
	})
	if _, err := mgr.Create(context.Background(), "alice", "someone-elses", "fp"); !errors.Is(err, persistence.ErrConnectionNotFound) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestManager_LoadMissIsExpired(t *testing.T) {
	fx := newManagerFixture(t, nil)
	if _, err := fx.manager.Load(context.Background(), "gone"); !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestManager_UpdateBumpsVersionAndPinsIdentity(t *testing.T) {
	fx := newManagerFixture(t, nil)
	ctx := context.Background()

	rec, err := fx.manager.Create(ctx, "alice", "", "fp-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := fx.manager.Update(ctx, rec.ID, "fp-1", func(r *session.Record) error {
		r.PlatformConnectionID = "conn-other"
		r.UserID = "mallory" // must be pinned back
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if updated.UserID != "alice" {
		t.Fatalf("identity not pinned: %q", updated.UserID)
	}
	if updated.PlatformConnectionID != "conn-other" {
		t.Fatalf("patch not applied: %+v", updated)
	}

	// Platform change is significant and must be audited.
	n, err := fx.audit.CountSessionEvents(ctx, rec.ID, audit.EventUpdate)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 update audit record, got %d", n)
	}
}

func TestManager_UpdatePureActivityNotAudited(t *testing.T) {
	fx := newManagerFixture(t, nil)
	ctx := context.Background()

	rec, err := fx.manager.Create(ctx, "alice", "", "fp-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fx.manager.Update(ctx, rec.ID, "fp-1", func(r *session.Record) error {
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	n, err := fx.audit.CountSessionEvents(ctx, rec.ID, audit.EventUpdate)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 0 {
		t.Fatalf("activity touch should not be audited, got %d records", n)
	}
}

func TestManager_UpdateRetriesVersionConflicts(t *testing.T) {
	var flaky *flakyStore
	fx := newManagerFixture(t, func(s session.Store) session.Store {
		flaky = &flakyStore{Store: s, conflicts: 2}
		return flaky
	})
	ctx := context.Background()

	rec, err := fx.manager.Create(ctx, "alice", "", "fp-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	flaky.conflicts = 2
	updated, err := fx.manager.Update(ctx, rec.ID, "fp-1", func(r *session.Record) error {
		r.PlatformConnectionID = "conn-b"
		return nil
	})
	if err != nil {
		t.Fatalf("update should survive 2 conflicts: %v", err)
	}
	if updated.PlatformConnectionID != "conn-b" {
		t.Fatalf("patch lost across retries: %+v", updated)
	}

	flaky.conflicts = 10
	if _, err := fx.manager.Update(ctx, rec.ID, "fp-1", func(r *session.Record) error {
		return nil
	}); !errors.Is(err, session.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict after retry exhaustion, got %v", err)
	}
}

func TestManager_FingerprintMismatchDestroysSession(t *testing.T) {
	fx := newManagerFixture(t, nil)
	ctx := context.Background()

	rec, err := fx.manager.Create(ctx, "alice", "", "fp-real")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub := fx.bus.Subscribe(bus.ScopeAdmin)
	defer fx.bus.Unsubscribe(sub)

	_, err = fx.manager.Update(ctx, rec.ID, "fp-stolen", func(r *session.Record) error {
		return nil
	})
	if !errors.Is(err, session.ErrSessionSecurityViolation) {
		t.Fatalf("expected ErrSessionSecurityViolation, got %v", err)
	}

	if _, err := fx.manager.Load(ctx, rec.ID); !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("session should be destroyed after violation, got %v", err)
	}
	n, err := fx.audit.CountSessionEvents(ctx, rec.ID, audit.EventSecurityViolation)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 security violation record, got %d", n)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Kind != bus.KindSecurityViolation {
			t.Fatalf("expected security violation event, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("no admin event published")
	}
}

func TestManager_DestroyIsIdempotent(t *testing.T) {
	fx := newManagerFixture(t, nil)
	ctx := context.Background()

	rec, err := fx.manager.Create(ctx, "alice", "", "fp-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.manager.Destroy(ctx, rec.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := fx.manager.Destroy(ctx, rec.ID); err != nil {
		t.Fatalf("second destroy should be silent: %v", err)
	}

	n, err := fx.audit.CountSessionEvents(ctx, rec.ID, audit.EventDestroy)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 destroy record, got %d", n)
	}
}

func TestManager_AuditFailureSurfacesWithLiveSession(t *testing.T) {
	fx := newManagerFixture(t, nil)
	ctx := context.Background()

	// Take the audit backend down; the session store stays up.
	if err := fx.db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	rec, err := fx.manager.Create(ctx, "alice", "", "fp-1")
	if !errors.Is(err, audit.ErrAuditWriteFailed) {
		t.Fatalf("expected ErrAuditWriteFailed, got %v", err)
	}
	// The session itself was written before the audit gap.
	if rec.ID == "" {
		t.Fatalf("expected live record alongside audit failure")
	}
	if _, err := fx.manager.Load(ctx, rec.ID); err != nil {
		t.Fatalf("session should be live: %v", err)
	}
}
