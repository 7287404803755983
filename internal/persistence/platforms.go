package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlatformConnection is a user-owned credentialed link to one external
// platform instance. Credentials are an opaque ciphertext blob; only the
// vault boundary sees plaintext.
type PlatformConnection struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	PlatformType string    `json:"platform_type"`
	InstanceURL  string    `json:"instance_url"`
	Credentials  []byte    `json:"-"`
	IsActive     bool      `json:"is_active"`
	IsDefault    bool      `json:"is_default"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateConnection inserts a connection. The first active connection a
// user creates becomes their default.
func (s *Store) CreateConnection(ctx context.Context, userID, platformType, instanceURL string, credentials []byte) (*PlatformConnection, error) {
	conn := &PlatformConnection{
		ID:           uuid.NewString(),
		UserID:       userID,
		PlatformType: platformType,
		InstanceURL:  instanceURL,
		Credentials:  credentials,
		IsActive:     true,
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create connection tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM platform_connections WHERE user_id = ? AND is_active = 1;
		`, userID).Scan(&active); err != nil {
			return fmt.Errorf("count active connections: %w", err)
		}
		conn.IsDefault = active == 0

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO platform_connections (id, user_id, platform_type, instance_url, credentials, is_active, is_default)
			VALUES (?, ?, ?, ?, ?, 1, ?);
		`, conn.ID, userID, platformType, instanceURL, credentials, conn.IsDefault); err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// GetConnection returns one connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*PlatformConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, platform_type, instance_url, credentials, is_active, is_default, failure_count, created_at, updated_at
		FROM platform_connections
		WHERE id = ?;
	`, id)
	conn, err := scanConnection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select connection: %w", err)
	}
	return conn, nil
}

// ListConnections returns the user's connections, default first.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, platform_type, instance_url, credentials, is_active, is_default, failure_count, created_at, updated_at
		FROM platform_connections
		WHERE user_id = ?
		ORDER BY is_default DESC, created_at ASC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []PlatformConnection
	for rows.Next() {
		conn, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("connection rows: %w", err)
	}
	return out, nil
}

// DefaultConnection returns the user's default active connection id, or
// "" when none exists.
func (s *Store) DefaultConnection(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM platform_connections
		WHERE user_id = ? AND is_active = 1 AND is_default = 1;
	`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select default connection: %w", err)
	}
	return id, nil
}

// SetDefaultConnection marks one active connection as the user's default,
// clearing any sibling default in the same transaction so the at-most-one
// invariant holds at every commit point.
func (s *Store) SetDefaultConnection(ctx context.Context, userID, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set default tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE platform_connections
			SET is_default = 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND user_id = ? AND is_active = 1;
		`, id, userID)
		if err != nil {
			return fmt.Errorf("set default: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set default rows affected: %w", err)
		}
		if affected == 0 {
			return ErrConnectionNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE platform_connections
			SET is_default = 0, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND id != ? AND is_default = 1;
		`, userID, id); err != nil {
			return fmt.Errorf("clear sibling defaults: %w", err)
		}
		return tx.Commit()
	})
}

// DeactivateConnection retires a connection. It immediately stops being
// bindable and loses default status; another active connection (if any)
// is promoted to default.
func (s *Store) DeactivateConnection(ctx context.Context, userID, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin deactivate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE platform_connections
			SET is_active = 0, is_default = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND user_id = ?;
		`, id, userID)
		if err != nil {
			return fmt.Errorf("deactivate connection: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivate rows affected: %w", err)
		}
		if affected == 0 {
			return ErrConnectionNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE platform_connections
			SET is_default = 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = (
				SELECT id FROM platform_connections
				WHERE user_id = ? AND is_active = 1
				ORDER BY created_at ASC
				LIMIT 1
			) AND NOT EXISTS (
				SELECT 1 FROM platform_connections WHERE user_id = ? AND is_active = 1 AND is_default = 1
			);
		`, userID, userID); err != nil {
			return fmt.Errorf("promote new default: %w", err)
		}
		return tx.Commit()
	})
}

// UpdateConnectionCredentials replaces the ciphertext blob and resets the
// failure counter.
func (s *Store) UpdateConnectionCredentials(ctx context.Context, userID, id string, credentials []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_connections
		SET credentials = ?, failure_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?;
	`, credentials, id, userID)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credentials rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// RecordConnectionFailure bumps the failure counter and deactivates the
// connection once it crosses the threshold. Returns the new count and
// whether the connection was deactivated by this call.
func (s *Store) RecordConnectionFailure(ctx context.Context, id string, threshold int) (int, bool, error) {
	var count int
	var deactivated bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var active bool
		if err := tx.QueryRowContext(ctx, `
			SELECT failure_count, is_active FROM platform_connections WHERE id = ?;
		`, id).Scan(&count, &active); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConnectionNotFound
			}
			return fmt.Errorf("select failure count: %w", err)
		}
		count++
		deactivated = active && threshold > 0 && count >= threshold
		if _, err := tx.ExecContext(ctx, `
			UPDATE platform_connections
			SET failure_count = ?, is_active = CASE WHEN ? THEN 0 ELSE is_active END,
				is_default = CASE WHEN ? THEN 0 ELSE is_default END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, count, deactivated, deactivated, id); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	return count, deactivated, nil
}

// RecordConnectionSuccess resets the failure counter.
func (s *Store) RecordConnectionSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_connections
		SET failure_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

func scanConnection(scanFn func(dest ...any) error) (*PlatformConnection, error) {
	var conn PlatformConnection
	if err := scanFn(
		&conn.ID,
		&conn.UserID,
		&conn.PlatformType,
		&conn.InstanceURL,
		&conn.Credentials,
		&conn.IsActive,
		&conn.IsDefault,
		&conn.FailureCount,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conn, nil
}
