package taskqueue_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/altcap/internal/bus"
	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/taskqueue"
)

const validParams = `{"media_url":"https://cdn.example.com/cat.png","style":"detailed"}`

type queueFixture struct {
	store *persistence.Store
	queue *taskqueue.Queue
	bus   *bus.Bus
	conn  *persistence.PlatformConnection
}

func newQueueFixture(t *testing.T, limit int, timeout time.Duration) *queueFixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "altcap.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	conn, err := store.CreateConnection(context.Background(), "alice", "mastodon", "https://masto.example.com", []byte("sealed"))
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	b := bus.New()
	q, err := taskqueue.New(taskqueue.Config{
		Store:                store,
		Bus:                  b,
		MaxActivePerPlatform: limit,
		TaskTimeout:          timeout,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return &queueFixture{store: store, queue: q, bus: b, conn: conn}
}

var owner = taskqueue.Actor{UserID: "alice"}
var admin = taskqueue.Actor{UserID: "root", Admin: true}

func TestQueue_EnqueueValidatesParams(t *testing.T) {
	fx := newQueueFixture(t, 0, 0)
	ctx := context.Background()

	if _, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, `{"style":"plain"}`, 0, false); !errors.Is(err, taskqueue.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for missing media_url, got %v", err)
	}
	if _, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, `not json`, 0, false); !errors.Is(err, taskqueue.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for malformed JSON, got %v", err)
	}
	if _, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, `{"media_url":"x","surprise":true}`, 0, false); !errors.Is(err, taskqueue.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for unknown field, got %v", err)
	}

	task, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 0, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Status != persistence.TaskQueued {
		t.Fatalf("expected QUEUED, got %s", task.Status)
	}
}

func TestQueue_EnqueuePolicy(t *testing.T) {
	fx := newQueueFixture(t, 1, 0)
	ctx := context.Background()

	// Non-admin priority is flattened.
	task, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 9, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Priority != 0 {
		t.Fatalf("non-admin priority should be 0, got %d", task.Priority)
	}

	// Limit reached; only admins may override.
	if _, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 0, false); !errors.Is(err, persistence.ErrConcurrencyLimitExceeded) {
		t.Fatalf("expected ErrConcurrencyLimitExceeded, got %v", err)
	}
	if _, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 0, true); !errors.Is(err, taskqueue.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-admin override, got %v", err)
	}
	elevated, err := fx.queue.Enqueue(ctx, taskqueue.Actor{UserID: "alice", Admin: true}, fx.conn.ID, validParams, 7, true)
	if err != nil {
		t.Fatalf("admin override enqueue: %v", err)
	}
	if elevated.Priority != 7 {
		t.Fatalf("admin priority dropped: %d", elevated.Priority)
	}
}

func TestQueue_OwnershipVisibility(t *testing.T) {
	fx := newQueueFixture(t, 0, 0)
	ctx := context.Background()

	task, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 0, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stranger := taskqueue.Actor{UserID: "mallory"}
	if _, err := fx.queue.Get(ctx, stranger, task.ID); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("foreign task should look missing, got %v", err)
	}
	if _, err := fx.queue.Cancel(ctx, stranger, task.ID); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("foreign cancel should look missing, got %v", err)
	}
	if _, err := fx.queue.Get(ctx, admin, task.ID); err != nil {
		t.Fatalf("admin should see any task: %v", err)
	}
	if _, err := fx.queue.ListActive(ctx, owner); !errors.Is(err, taskqueue.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-admin active listing, got %v", err)
	}
}

func TestQueue_AdminOnlyControls(t *testing.T) {
	fx := newQueueFixture(t, 0, 0)
	ctx := context.Background()

	task, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 0, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := fx.queue.SetPriority(ctx, owner, task.ID, 5); !errors.Is(err, taskqueue.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := fx.queue.SetNotes(ctx, owner, task.ID, "note"); !errors.Is(err, taskqueue.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	bumped, err := fx.queue.SetPriority(ctx, admin, task.ID, 5)
	if err != nil {
		t.Fatalf("admin set priority: %v", err)
	}
	if bumped.Priority != 5 {
		t.Fatalf("priority not applied: %d", bumped.Priority)
	}
	noted, err := fx.queue.SetNotes(ctx, admin, task.ID, "checked manually")
	if err != nil {
		t.Fatalf("admin set notes: %v", err)
	}
	if noted.AdminNotes != "checked manually" {
		t.Fatalf("notes not applied: %q", noted.AdminNotes)
	}
}

func TestQueue_CancelFinishedTaskIsWarning(t *testing.T) {
	fx := newQueueFixture(t, 0, 0)
	ctx := context.Background()

	task, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 0, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := fx.queue.Cancel(ctx, owner, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	again, err := fx.queue.Cancel(ctx, owner, task.ID)
	if err != nil {
		t.Fatalf("second cancel must not error: %v", err)
	}
	if again.Status != persistence.TaskCancelled {
		t.Fatalf("unexpected status %s", again.Status)
	}
}

func TestQueue_PublishesScopedEvents(t *testing.T) {
	fx := newQueueFixture(t, 0, 0)
	ctx := context.Background()

	ownerSub := fx.bus.Subscribe(bus.UserScope("alice"))
	defer fx.bus.Unsubscribe(ownerSub)
	otherSub := fx.bus.Subscribe(bus.UserScope("bob"))
	defer fx.bus.Unsubscribe(otherSub)
	adminSub := fx.bus.Subscribe(bus.ScopeAdmin)
	defer fx.bus.Unsubscribe(adminSub)

	if _, err := fx.queue.Enqueue(ctx, owner, fx.conn.ID, validParams, 0, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case ev := <-ownerSub.Ch():
		if ev.Kind != bus.KindTaskQueued {
			t.Fatalf("expected task queued, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("owner never notified")
	}
	select {
	case ev := <-adminSub.Ch():
		if ev.Kind != bus.KindTaskQueued {
			t.Fatalf("expected task queued on admin scope, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("admin never notified")
	}
	select {
	case ev := <-otherSub.Ch():
		t.Fatalf("event leaked to unrelated user: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
