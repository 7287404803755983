package shared

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type sessionIDKey struct{}
type userIDKey struct{}
type platformIDKey struct{}

// WithRequestID attaches a request_id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts request_id from context. Returns "-" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRequestID generates a new request_id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithUserID attaches a user_id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID extracts user_id from context. Returns "" if absent.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPlatformID attaches the active platform_connection_id to the context.
func WithPlatformID(ctx context.Context, platformID string) context.Context {
	return context.WithValue(ctx, platformIDKey{}, platformID)
}

// PlatformID extracts the active platform_connection_id. Returns "" if absent.
func PlatformID(ctx context.Context) string {
	if v, ok := ctx.Value(platformIDKey{}).(string); ok {
		return v
	}
	return ""
}
