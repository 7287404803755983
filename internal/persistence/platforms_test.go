package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/altcap/internal/persistence"
)

func createTestConnection(t *testing.T, store *persistence.Store, userID, platformType string) *persistence.PlatformConnection {
	t.Helper()
	conn, err := store.CreateConnection(context.Background(), userID, platformType, "https://"+platformType+".example.com", []byte("ciphertext"))
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func TestConnections_FirstBecomesDefault(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := createTestConnection(t, store, "alice", "mastodon")
	if !first.IsDefault {
		t.Fatalf("first connection should be default")
	}
	second := createTestConnection(t, store, "alice", "pixelfed")
	if second.IsDefault {
		t.Fatalf("second connection should not be default")
	}

	id, err := store.DefaultConnection(ctx, "alice")
	if err != nil {
		t.Fatalf("default connection: %v", err)
	}
	if id != first.ID {
		t.Fatalf("expected default %s, got %s", first.ID, id)
	}
}

func TestConnections_SetDefaultClearsSibling(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := createTestConnection(t, store, "alice", "mastodon")
	b := createTestConnection(t, store, "alice", "pixelfed")

	if err := store.SetDefaultConnection(ctx, "alice", b.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}

	conns, err := store.ListConnections(ctx, "alice")
	if err != nil {
		t.Fatalf("list connections: %v", err)
	}
	defaults := 0
	for _, c := range conns {
		if c.IsDefault {
			defaults++
			if c.ID != b.ID {
				t.Fatalf("wrong default connection %s", c.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
	_ = a
}

func TestConnections_SetDefaultRejectsInactive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := createTestConnection(t, store, "alice", "mastodon")
	b := createTestConnection(t, store, "alice", "pixelfed")
	if err := store.DeactivateConnection(ctx, "alice", b.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := store.SetDefaultConnection(ctx, "alice", b.ID); !errors.Is(err, persistence.ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound for inactive default, got %v", err)
	}

	id, err := store.DefaultConnection(ctx, "alice")
	if err != nil {
		t.Fatalf("default connection: %v", err)
	}
	if id != a.ID {
		t.Fatalf("default drifted to %s", id)
	}
}

func TestConnections_DeactivatePromotesNewDefault(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := createTestConnection(t, store, "alice", "mastodon")
	b := createTestConnection(t, store, "alice", "pixelfed")

	if err := store.DeactivateConnection(ctx, "alice", a.ID); err != nil {
		t.Fatalf("deactivate default: %v", err)
	}
	id, err := store.DefaultConnection(ctx, "alice")
	if err != nil {
		t.Fatalf("default connection: %v", err)
	}
	if id != b.ID {
		t.Fatalf("expected promoted default %s, got %q", b.ID, id)
	}

	if err := store.DeactivateConnection(ctx, "alice", b.ID); err != nil {
		t.Fatalf("deactivate last: %v", err)
	}
	id, err = store.DefaultConnection(ctx, "alice")
	if err != nil {
		t.Fatalf("default connection: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no default, got %q", id)
	}
}

func TestConnections_OwnershipScoped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conn := createTestConnection(t, store, "alice", "mastodon")
	if err := store.SetDefaultConnection(ctx, "mallory", conn.ID); !errors.Is(err, persistence.ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound for foreign owner, got %v", err)
	}
	if err := store.DeactivateConnection(ctx, "mallory", conn.ID); !errors.Is(err, persistence.ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound for foreign owner, got %v", err)
	}
}

func TestConnections_FailureThresholdDeactivates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conn := createTestConnection(t, store, "alice", "mastodon")

	count, deactivated, err := store.RecordConnectionFailure(ctx, conn.ID, 3)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if count != 1 || deactivated {
		t.Fatalf("unexpected first failure: count=%d deactivated=%v", count, deactivated)
	}
	if _, _, err := store.RecordConnectionFailure(ctx, conn.ID, 3); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	count, deactivated, err = store.RecordConnectionFailure(ctx, conn.ID, 3)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if count != 3 || !deactivated {
		t.Fatalf("expected deactivation at threshold: count=%d deactivated=%v", count, deactivated)
	}

	got, err := store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.IsActive || got.IsDefault {
		t.Fatalf("connection still active after threshold: %+v", got)
	}
}

func TestConnections_SuccessResetsFailures(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conn := createTestConnection(t, store, "alice", "mastodon")
	if _, _, err := store.RecordConnectionFailure(ctx, conn.ID, 5); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := store.RecordConnectionSuccess(ctx, conn.ID); err != nil {
		t.Fatalf("record success: %v", err)
	}
	got, err := store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.FailureCount != 0 {
		t.Fatalf("expected failure count reset, got %d", got.FailureCount)
	}
}

func TestConnections_UpdateCredentials(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conn := createTestConnection(t, store, "alice", "mastodon")
	if err := store.UpdateConnectionCredentials(ctx, "alice", conn.ID, []byte("rotated")); err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	got, err := store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if string(got.Credentials) != "rotated" {
		t.Fatalf("credentials not rotated")
	}
}
