package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/altcap/internal/session"
)

// SessionStore is the durable session.Store implementation. It carries the
// same optimistic-versioning contract as the in-memory store; config
// selects which one backs the session manager.
type SessionStore struct {
	store *Store
}

// NewSessionStore returns the sqlite-backed session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

func (s *SessionStore) Put(ctx context.Context, rec session.Record, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	return retryOnBusy(ctx, 5, func() error {
		if rec.Version == 1 {
			_, err := s.store.db.ExecContext(ctx, `
				INSERT INTO sessions (id, user_id, platform_connection_id, csrf_token, fingerprint, version, created_at, last_activity, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING;
			`, rec.ID, rec.UserID, nullable(rec.PlatformConnectionID), rec.CSRFToken, rec.Fingerprint,
				rec.Version, rec.CreatedAt, rec.LastActivity, expiresAt)
			if err != nil {
				return storeUnavailable("insert session", err)
			}
			// ON CONFLICT DO NOTHING hides the duplicate; detect it.
			var version int64
			if err := s.store.db.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = ?;`, rec.ID).Scan(&version); err != nil {
				return storeUnavailable("verify session insert", err)
			}
			if version != 1 {
				return session.ErrVersionConflict
			}
			return nil
		}

		res, err := s.store.db.ExecContext(ctx, `
			UPDATE sessions
			SET user_id = ?, platform_connection_id = ?, csrf_token = ?, fingerprint = ?,
				version = ?, last_activity = ?, expires_at = ?
			WHERE id = ? AND version = ? AND expires_at > CURRENT_TIMESTAMP;
		`, rec.UserID, nullable(rec.PlatformConnectionID), rec.CSRFToken, rec.Fingerprint,
			rec.Version, rec.LastActivity, expiresAt, rec.ID, rec.Version-1)
		if err != nil {
			return storeUnavailable("update session", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeUnavailable("session rows affected", err)
		}
		if affected == 1 {
			return nil
		}

		var current int64
		err = s.store.db.QueryRowContext(ctx, `
			SELECT version FROM sessions WHERE id = ? AND expires_at > CURRENT_TIMESTAMP;
		`, rec.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrSessionNotFound
		}
		if err != nil {
			return storeUnavailable("read session version", err)
		}
		return session.ErrVersionConflict
	})
}

func (s *SessionStore) Get(ctx context.Context, id string) (session.Record, error) {
	var (
		rec        session.Record
		platformID sql.NullString
	)
	err := s.store.db.QueryRowContext(ctx, `
		SELECT id, user_id, platform_connection_id, csrf_token, COALESCE(fingerprint, ''), version, created_at, last_activity
		FROM sessions
		WHERE id = ? AND expires_at > CURRENT_TIMESTAMP;
	`, id).Scan(&rec.ID, &rec.UserID, &platformID, &rec.CSRFToken, &rec.Fingerprint,
		&rec.Version, &rec.CreatedAt, &rec.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.Record{}, storeUnavailable("select session", err)
	}
	if platformID.Valid {
		rec.PlatformConnectionID = platformID.String
	}
	return rec, nil
}

func (s *SessionStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.store.db.ExecContext(ctx, `
			UPDATE sessions
			SET expires_at = ?, last_activity = CURRENT_TIMESTAMP
			WHERE id = ? AND expires_at > CURRENT_TIMESTAMP;
		`, expiresAt, id)
		if err != nil {
			return storeUnavailable("touch session", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeUnavailable("touch rows affected", err)
		}
		if affected == 0 {
			return session.ErrSessionNotFound
		}
		return nil
	})
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.store.db.ExecContext(ctx, `
			DELETE FROM sessions WHERE id = ? AND expires_at > CURRENT_TIMESTAMP;
		`, id)
		if err != nil {
			return storeUnavailable("delete session", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeUnavailable("delete rows affected", err)
		}
		if affected == 0 {
			// Reap the expired row if one lingers.
			_, _ = s.store.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
			return session.ErrSessionNotFound
		}
		return nil
	})
}

// PruneExpiredSessions reclaims rows past their expiry. The cron sweeper
// calls this; expired rows are already invisible to reads.
func (s *Store) PruneExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= CURRENT_TIMESTAMP;`)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

// storeUnavailable tags a driver failure with the session taxonomy error
// so callers can errors.Is it while keeping the underlying detail.
func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", session.ErrStoreUnavailable, op, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
