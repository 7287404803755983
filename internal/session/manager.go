package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/altcap/internal/audit"
	"github.com/basket/altcap/internal/bus"
	altotel "github.com/basket/altcap/internal/otel"
)

const defaultUpdateRetries = 3

// Connections resolves and validates platform connections for sessions.
// Implemented by the persistence store.
type Connections interface {
	// DefaultConnection returns the user's default active connection id,
	// or "" when the user has none.
	DefaultConnection(ctx context.Context, userID string) (string, error)

	// VerifyOwnedActive fails unless the connection exists, belongs to
	// the user, and is active.
	VerifyOwnedActive(ctx context.Context, userID, connectionID string) error
}

// Patch mutates a session record in place during an optimistic update.
// It may run multiple times if the update races; it must be pure.
type Patch func(*Record) error

// Config holds Manager dependencies.
type Config struct {
	Store       Store
	Audit       *audit.Log
	Connections Connections
	Bus         *bus.Bus // may be nil in tests
	TTL         time.Duration
	// UpdateRetries bounds internal retries on version conflicts.
	UpdateRetries int
	Logger        *slog.Logger
	Metrics       *altotel.Metrics // may be nil
}

// Manager orchestrates session lifecycle across the live store and the
// audit log. All mutating access validates the request fingerprint.
type Manager struct {
	store   Store
	audit   *audit.Log
	conns   Connections
	bus     *bus.Bus
	ttl     time.Duration
	retries int
	logger  *slog.Logger
	metrics *altotel.Metrics
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	retries := cfg.UpdateRetries
	if retries <= 0 {
		retries = defaultUpdateRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		store:   cfg.Store,
		audit:   cfg.Audit,
		conns:   cfg.Connections,
		bus:     cfg.Bus,
		ttl:     ttl,
		retries: retries,
		logger:  logger.With("component", "session"),
		metrics: cfg.Metrics,
	}
}

// TTL returns the sliding expiration applied to sessions.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create builds a new session for the user. With an empty platformID the
// user's default active connection is bound (sessions may stay unbound
// when the user has no connections); an explicit platformID must be owned
// by the user and active. Returns the record including id and version 1.
func (m *Manager) Create(ctx context.Context, userID, platformID, fingerprint string) (Record, error) {
	if userID == "" {
		return Record{}, fmt.Errorf("create session: empty user id")
	}

	if platformID == "" {
		def, err := m.conns.DefaultConnection(ctx, userID)
		if err != nil {
			return Record{}, fmt.Errorf("resolve default connection: %w", err)
		}
		platformID = def
	} else if err := m.conns.VerifyOwnedActive(ctx, userID, platformID); err != nil {
		return Record{}, err
	}

	id, err := NewID()
	if err != nil {
		return Record{}, err
	}
	csrf, err := NewCSRFToken()
	if err != nil {
		return Record{}, err
	}

	now := time.Now().UTC()
	rec := Record{
		ID:                   id,
		UserID:               userID,
		PlatformConnectionID: platformID,
		CSRFToken:            csrf,
		Fingerprint:          fingerprint,
		CreatedAt:            now,
		LastActivity:         now,
		Version:              1,
	}
	if err := m.store.Put(ctx, rec, m.ttl); err != nil {
		return Record{}, fmt.Errorf("store session: %w", err)
	}
	m.countOp(ctx, "create")

	if err := m.appendAudit(ctx, rec, audit.EventCreate, map[string]string{
		"platform_connection_id": platformID,
	}); err != nil {
		// The session is live, but the compliance trail has a gap. The
		// caller must see it.
		return rec, err
	}

	m.publish(rec, bus.KindSessionCreated)
	return rec, nil
}

// Load reads the session for non-mutating access. A miss surfaces as
// ErrSessionExpired; the audit log is never consulted for live traffic.
func (m *Manager) Load(ctx context.Context, id string) (Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Record{}, ErrSessionExpired
		}
		return Record{}, err
	}
	return rec, nil
}

// Touch slides the TTL on non-mutating but meaningful access.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if err := m.store.Touch(ctx, id, m.ttl); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ErrSessionExpired
		}
		return err
	}
	return nil
}

// Update applies the patch under optimistic versioning: read, patch, write
// with a version bump; on a version race it re-reads and re-applies, up to
// the configured retry bound, then surfaces ErrVersionConflict. The
// fingerprint is validated first; a mismatch destroys the session. TTL
// refreshes on success. Changes to the bound platform or the CSRF token
// append an update audit record; pure activity touches do not.
func (m *Manager) Update(ctx context.Context, id, fingerprint string, patch Patch) (Record, error) {
	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return Record{}, ErrSessionExpired
			}
			return Record{}, err
		}
		if err := m.checkFingerprint(ctx, rec, fingerprint); err != nil {
			return Record{}, err
		}

		before := rec
		if err := patch(&rec); err != nil {
			return Record{}, fmt.Errorf("apply session patch: %w", err)
		}
		// Identity and lineage fields are not patchable.
		rec.ID = before.ID
		rec.UserID = before.UserID
		rec.CreatedAt = before.CreatedAt
		rec.Version = before.Version + 1
		rec.LastActivity = time.Now().UTC()

		if err := m.store.Put(ctx, rec, m.ttl); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				if m.metrics != nil {
					m.metrics.SessionConflicts.Add(ctx, 1)
				}
				lastErr = err
				continue
			}
			if errors.Is(err, ErrSessionNotFound) {
				return Record{}, ErrSessionExpired
			}
			return Record{}, err
		}
		m.countOp(ctx, "update")

		if significantChange(before, rec) {
			if err := m.appendAudit(ctx, rec, audit.EventUpdate, map[string]string{
				"platform_connection_id": rec.PlatformConnectionID,
				"version":                fmt.Sprintf("%d", rec.Version),
			}); err != nil {
				return rec, err
			}
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("update session after %d attempts: %w", m.retries, lastErr)
}

// Destroy removes the session and appends exactly one destroy audit
// record. Destroying an already-absent session succeeds silently.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	if err := m.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Lost a destroy race; the winner wrote the audit record.
			return nil
		}
		return err
	}
	m.countOp(ctx, "destroy")

	if err := m.appendAudit(ctx, rec, audit.EventDestroy, nil); err != nil {
		return err
	}
	m.publish(rec, bus.KindSessionDestroyed)
	return nil
}

// checkFingerprint enforces the binding between a session and the client
// it was issued to. A mismatch is a security violation: the session is
// destroyed and audited before the error surfaces.
func (m *Manager) checkFingerprint(ctx context.Context, rec Record, fingerprint string) error {
	if rec.Fingerprint == "" || fingerprint == "" || rec.Fingerprint == fingerprint {
		return nil
	}
	if m.metrics != nil {
		m.metrics.SessionViolations.Add(ctx, 1)
	}
	m.logger.Warn("session fingerprint mismatch, destroying session",
		"session_id", rec.ID, "user_id", rec.UserID)

	if err := m.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.logger.Error("destroy after fingerprint mismatch", "session_id", rec.ID, "error", err)
	}
	if err := m.appendAudit(ctx, rec, audit.EventSecurityViolation, map[string]string{
		"presented_fingerprint": fingerprint,
	}); err != nil {
		m.logger.Error("audit security violation", "session_id", rec.ID, "error", err)
	}
	m.publish(rec, bus.KindSecurityViolation)
	return ErrSessionSecurityViolation
}

func (m *Manager) appendAudit(ctx context.Context, rec Record, event audit.EventType, meta map[string]string) error {
	err := m.audit.Append(ctx, audit.Record{
		SessionID: rec.ID,
		UserID:    rec.UserID,
		Event:     event,
		Metadata:  meta,
	})
	if m.metrics != nil {
		if err != nil {
			m.metrics.AuditWriteErrors.Add(ctx, 1)
		} else {
			m.metrics.AuditWrites.Add(ctx, 1)
		}
	}
	return err
}

func (m *Manager) publish(rec Record, kind string) {
	if m.bus == nil {
		return
	}
	payload := bus.SessionEventPayload{
		SessionID:  rec.ID,
		UserID:     rec.UserID,
		PlatformID: rec.PlatformConnectionID,
	}
	m.bus.Publish(bus.UserScope(rec.UserID), kind, payload)
	m.bus.Publish(bus.ScopeAdmin, kind, payload)
}

func (m *Manager) countOp(ctx context.Context, kind string) {
	if m.metrics != nil {
		m.metrics.SessionOps.Add(ctx, 1, metric.WithAttributes(altotel.AttrSessionOp.String(kind)))
	}
}

func significantChange(before, after Record) bool {
	return before.PlatformConnectionID != after.PlatformConnectionID ||
		before.CSRFToken != after.CSRFToken ||
		before.Fingerprint != after.Fingerprint
}
