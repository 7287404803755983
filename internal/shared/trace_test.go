package shared

import (
	"context"
	"testing"
)

func TestRequestID_Defaults(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "-" {
		t.Fatalf("RequestID on empty context = %q, want %q", got, "-")
	}
	ctx = WithRequestID(ctx, "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("RequestID = %q, want %q", got, "req-1")
	}
}

func TestContextValues_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithPlatformID(ctx, "plat-1")

	if got := SessionID(ctx); got != "sess-1" {
		t.Fatalf("SessionID = %q, want sess-1", got)
	}
	if got := UserID(ctx); got != "user-1" {
		t.Fatalf("UserID = %q, want user-1", got)
	}
	if got := PlatformID(ctx); got != "plat-1" {
		t.Fatalf("PlatformID = %q, want plat-1", got)
	}
}

func TestContextValues_AbsentAreEmpty(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Fatalf("SessionID on empty context = %q, want empty", got)
	}
	if got := UserID(ctx); got != "" {
		t.Fatalf("UserID on empty context = %q, want empty", got)
	}
}

func TestNewRequestID_Unique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == b {
		t.Fatalf("NewRequestID returned duplicate %q", a)
	}
}
