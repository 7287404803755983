// Package platform binds sessions to per-user platform connections and
// derives the isolation filter that scopes every read and write to the
// connection the session is currently bound to.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/altcap/internal/audit"
	"github.com/basket/altcap/internal/bus"
	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/session"
	"github.com/basket/altcap/internal/vault"
)

// ErrInvalidPlatformContext means the session is not bound to a usable
// connection: unbound, bound to a foreign connection, or bound to a
// deactivated one.
var ErrInvalidPlatformContext = errors.New("invalid platform context")

// Registry answers connection ownership questions for the session layer.
type Registry struct {
	store *persistence.Store
}

// NewRegistry wraps the persistence store.
func NewRegistry(store *persistence.Store) *Registry {
	return &Registry{store: store}
}

// DefaultConnection returns the user's default active connection id, or
// "" when the user has none.
func (r *Registry) DefaultConnection(ctx context.Context, userID string) (string, error) {
	return r.store.DefaultConnection(ctx, userID)
}

// VerifyOwnedActive fails unless the connection exists, belongs to the
// user, and is active. Foreign connections are indistinguishable from
// missing ones.
func (r *Registry) VerifyOwnedActive(ctx context.Context, userID, connectionID string) error {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.UserID != userID {
		return persistence.ErrConnectionNotFound
	}
	if !conn.IsActive {
		return fmt.Errorf("%w: connection %s is inactive", ErrInvalidPlatformContext, connectionID)
	}
	return nil
}

// Connection returns a connection after the ownership check.
func (r *Registry) Connection(ctx context.Context, userID, connectionID string) (*persistence.PlatformConnection, error) {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, persistence.ErrConnectionNotFound
	}
	return conn, nil
}

// Client opens the API client for one of the user's connections without
// going through a session. Workers acting on queued tasks use this path.
func (r *Registry) Client(ctx context.Context, userID, connectionID string, v *vault.Vault) (APIClient, error) {
	conn, err := r.Connection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("%w: connection %s is inactive", ErrInvalidPlatformContext, connectionID)
	}
	creds, err := v.Open(conn.Credentials)
	if err != nil {
		return nil, fmt.Errorf("open credentials for connection %s: %w", conn.ID, err)
	}
	return newClient(conn, creds), nil
}

// Filter is the isolation predicate derived from a session's bound
// connection. Task reads and writes carry it so that data from one
// platform never leaks into a session bound to another.
type Filter struct {
	PlatformConnectionID string
	PlatformType         string
	InstanceURL          string
}

// Context resolves sessions to platform state and performs switches.
type Context struct {
	registry *Registry
	manager  *session.Manager
	audit    *audit.Log
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewContext builds the platform context service.
func NewContext(registry *Registry, manager *session.Manager, auditLog *audit.Log, b *bus.Bus, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		registry: registry,
		manager:  manager,
		audit:    auditLog,
		bus:      b,
		logger:   logger.With("component", "platform"),
	}
}

// Filter derives the isolation filter for the session's bound connection.
// An unbound session has no platform context and cannot read or write
// platform-scoped data.
func (c *Context) Filter(ctx context.Context, rec session.Record) (Filter, error) {
	if rec.PlatformConnectionID == "" {
		return Filter{}, fmt.Errorf("%w: session %s has no bound connection", ErrInvalidPlatformContext, rec.ID)
	}
	conn, err := c.registry.Connection(ctx, rec.UserID, rec.PlatformConnectionID)
	if err != nil {
		if errors.Is(err, persistence.ErrConnectionNotFound) {
			return Filter{}, fmt.Errorf("%w: bound connection %s is gone", ErrInvalidPlatformContext, rec.PlatformConnectionID)
		}
		return Filter{}, err
	}
	return Filter{
		PlatformConnectionID: conn.ID,
		PlatformType:         conn.PlatformType,
		InstanceURL:          conn.InstanceURL,
	}, nil
}

// Bind attaches a session to one of the user's active connections. It is
// the unbound-session form of Switch and shares its ownership checks,
// audit record, and notifications.
func (c *Context) Bind(ctx context.Context, sessionID, fingerprint, targetID string) (session.Record, error) {
	return c.Switch(ctx, sessionID, fingerprint, targetID)
}

// Switch rebinds the session to another of the user's active connections.
// The rebinding goes through the session manager's optimistic update, so
// concurrent switches resolve to exactly one winner, and it is audited as
// a platform switch with both endpoints recorded.
func (c *Context) Switch(ctx context.Context, sessionID, fingerprint, targetID string) (session.Record, error) {
	rec, err := c.manager.Load(ctx, sessionID)
	if err != nil {
		return session.Record{}, err
	}
	if err := c.registry.VerifyOwnedActive(ctx, rec.UserID, targetID); err != nil {
		return session.Record{}, err
	}
	from := rec.PlatformConnectionID
	if from == targetID {
		return rec, nil
	}

	updated, err := c.manager.Update(ctx, sessionID, fingerprint, func(r *session.Record) error {
		r.PlatformConnectionID = targetID
		return nil
	})
	if err != nil {
		return session.Record{}, err
	}

	if err := c.audit.Append(ctx, audit.Record{
		SessionID: updated.ID,
		UserID:    updated.UserID,
		Event:     audit.EventPlatformSwitch,
		Metadata: map[string]string{
			"from_connection_id":     from,
			"platform_connection_id": targetID,
		},
	}); err != nil {
		return updated, err
	}

	if c.bus != nil {
		payload := bus.SessionEventPayload{
			SessionID:  updated.ID,
			UserID:     updated.UserID,
			PlatformID: targetID,
		}
		c.bus.Publish(bus.UserScope(updated.UserID), bus.KindPlatformSwitched, payload)
		c.bus.Publish(bus.ScopeAdmin, bus.KindPlatformSwitched, payload)
	}
	return updated, nil
}

// Client opens the bound connection's API client, decrypting credentials
// through the vault. The plaintext lives only in the returned client.
func (c *Context) Client(ctx context.Context, rec session.Record, v *vault.Vault) (APIClient, error) {
	filter, err := c.Filter(ctx, rec)
	if err != nil {
		return nil, err
	}
	conn, err := c.registry.Connection(ctx, rec.UserID, filter.PlatformConnectionID)
	if err != nil {
		return nil, err
	}
	creds, err := v.Open(conn.Credentials)
	if err != nil {
		return nil, fmt.Errorf("open credentials for connection %s: %w", conn.ID, err)
	}
	return newClient(conn, creds), nil
}
