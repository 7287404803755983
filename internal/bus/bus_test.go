package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(UserScope("u1"))
	defer b.Unsubscribe(sub)

	b.Publish(UserScope("u1"), KindTaskQueued, "payload")

	select {
	case event := <-sub.Ch():
		if event.Scope != "user:u1" {
			t.Fatalf("scope = %q, want %q", event.Scope, "user:u1")
		}
		if event.Kind != KindTaskQueued {
			t.Fatalf("kind = %q, want %q", event.Kind, KindTaskQueued)
		}
		if event.Payload != "payload" {
			t.Fatalf("payload = %v, want %q", event.Payload, "payload")
		}
		if event.Timestamp.IsZero() {
			t.Fatal("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_ScopeIsolation(t *testing.T) {
	b := New()

	u1 := b.Subscribe(UserScope("u1"))
	defer b.Unsubscribe(u1)
	admin := b.Subscribe(ScopeAdmin)
	defer b.Unsubscribe(admin)

	b.Publish(UserScope("u1"), KindTaskQueued, nil)
	b.Publish(UserScope("u2"), KindTaskQueued, nil)
	b.Publish(ScopeAdmin, KindTaskFailed, nil)

	select {
	case event := <-u1.Ch():
		if event.Scope != "user:u1" {
			t.Fatalf("scope = %q, want user:u1", event.Scope)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for u1 event")
	}

	// u1 must not see u2's event or the admin scope.
	select {
	case event := <-u1.Ch():
		t.Fatalf("unexpected event on u1: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case event := <-admin.Ch():
		if event.Scope != ScopeAdmin {
			t.Fatalf("scope = %q, want %q", event.Scope, ScopeAdmin)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for admin event")
	}
}

func TestBus_EmptyScopesReceivesAll(t *testing.T) {
	b := New()
	all := b.Subscribe()
	defer b.Unsubscribe(all)

	b.Publish(UserScope("u1"), KindTaskQueued, nil)
	b.Publish(ScopeAdmin, KindTaskFailed, nil)

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-all.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for firehose event")
		}
	}
	if received != 2 {
		t.Fatalf("firehose received %d events, want 2", received)
	}
}

func TestBus_OverflowDropsOldestAndSignalsMissed(t *testing.T) {
	b := NewWithBuffer(4)
	sub := b.Subscribe(UserScope("u1"))
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(UserScope("u1"), KindTaskProgress, i)
	}

	// Oldest events are dropped; the newest survive in order.
	var got []int
	for {
		select {
		case ev := <-sub.Ch():
			got = append(got, ev.Payload.(int))
			continue
		default:
		}
		break
	}
	if len(got) != 4 {
		t.Fatalf("received %d events, want 4 (buffer size)", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("events out of order: %v", got)
		}
	}
	if got[len(got)-1] != 9 {
		t.Fatalf("newest event = %d, want 9", got[len(got)-1])
	}
	if missed := sub.Missed(); missed != 6 {
		t.Fatalf("missed = %d, want 6", missed)
	}
	// Counter resets after read.
	if missed := sub.Missed(); missed != 0 {
		t.Fatalf("missed after reset = %d, want 0", missed)
	}
}

func TestBus_PerScopeOrdering(t *testing.T) {
	b := New()
	sub := b.Subscribe(UserScope("u1"))
	defer b.Unsubscribe(sub)

	for i := 0; i < 50; i++ {
		b.Publish(UserScope("u1"), KindTaskProgress, i)
	}

	for i := 0; i < 50; i++ {
		select {
		case ev := <-sub.Ch():
			if ev.Payload.(int) != i {
				t.Fatalf("event %d arrived out of order: got %v", i, ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout at event %d", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(UserScope("u1"))
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_PublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	b := New()
	subs := make([]*Subscription, 5)
	for i := range subs {
		subs[i] = b.Subscribe(UserScope(fmt.Sprintf("u%d", i)))
	}
	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
	b.Publish(UserScope("u1"), KindTaskQueued, nil)
}
