// Package audit is the durable, append-only record of session lifecycle
// events. It is the compliance source of truth: writes go to a sqlite
// table and a JSONL mirror, and a failed append is always surfaced as
// ErrAuditWriteFailed, never swallowed. Records are immutable; only
// retention pruning removes them.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/altcap/internal/shared"
)

// ErrAuditWriteFailed means a durable audit append did not complete.
// Callers must treat this distinctly from live-store errors.
var ErrAuditWriteFailed = errors.New("audit write failed")

// EventType enumerates session lifecycle events.
type EventType string

const (
	EventCreate            EventType = "create"
	EventUpdate            EventType = "update"
	EventDestroy           EventType = "destroy"
	EventSecurityViolation EventType = "security_violation"
	EventPlatformSwitch    EventType = "platform_switch"
)

// Record is one appended audit entry.
type Record struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Event     EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Snapshot is a degraded-mode projection of a session's last known state,
// reconstructed from the audit trail when the live store is unreachable.
// It is read-only evidence, never resurrected into live traffic.
type Snapshot struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	LastEvent  EventType `json:"last_event"`
	PlatformID string    `json:"platform_connection_id,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Log writes session audit records. The sqlite table is authoritative; the
// JSONL file under <homeDir>/logs is an operator-greppable mirror.
type Log struct {
	db *sql.DB

	mu   sync.Mutex
	file *os.File
}

// Open prepares the audit table and the JSONL mirror.
func Open(db *sql.DB, homeDir string) (*Log, error) {
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS session_audit (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL CHECK(event_type IN ('create', 'update', 'destroy', 'security_violation', 'platform_switch')),
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_session_audit_session ON session_audit(session_id, audit_id);
		CREATE INDEX IF NOT EXISTS idx_session_audit_user ON session_audit(user_id, created_at);
	`); err != nil {
		return nil, fmt.Errorf("create session_audit table: %w", err)
	}

	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(logDir, "session_audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit mirror: %w", err)
	}

	return &Log{db: db, file: file}, nil
}

// Close closes the JSONL mirror. The caller owns the database handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append durably writes one record. The sqlite insert decides success; a
// mirror write failure alone does not fail the append.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	meta := map[string]string{}
	for k, v := range rec.Metadata {
		meta[k] = shared.Redact(shared.RedactKeyValue(k, v))
	}
	rec.Metadata = meta

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", ErrAuditWriteFailed, err)
	}

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO session_audit (session_id, user_id, event_type, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, rec.SessionID, rec.UserID, string(rec.Event), string(metaJSON), rec.Timestamp); err != nil {
		return fmt.Errorf("%w: insert session_audit: %v", ErrAuditWriteFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if line, err := json.Marshal(rec); err == nil {
			_, _ = l.file.Write(append(line, '\n'))
		}
	}
	return nil
}

// SessionEvents returns up to limit records for one session, oldest first.
func (l *Log) SessionEvents(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, user_id, event_type, metadata_json, created_at
		FROM session_audit
		WHERE session_id = ?
		ORDER BY audit_id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session audit: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountSessionEvents returns how many records of one event type exist for
// a session. Used to verify idempotency invariants.
func (l *Log) CountSessionEvents(ctx context.Context, sessionID string, event EventType) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM session_audit WHERE session_id = ? AND event_type = ?;
	`, sessionID, string(event)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session audit: %w", err)
	}
	return n, nil
}

// Projection reconstructs the last-known state of each of the user's
// sessions seen within the window. Degraded-mode reads only; the live
// store remains the source of session state.
func (l *Log) Projection(ctx context.Context, userID string, window time.Duration) ([]Snapshot, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, user_id, event_type, metadata_json, created_at
		FROM session_audit
		WHERE user_id = ? AND created_at >= ?
		ORDER BY audit_id ASC;
	`, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query audit projection: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Snapshot)
	var order []string
	for _, rec := range recs {
		snap, ok := byID[rec.SessionID]
		if !ok {
			snap = &Snapshot{SessionID: rec.SessionID, UserID: rec.UserID}
			byID[rec.SessionID] = snap
			order = append(order, rec.SessionID)
		}
		snap.LastEvent = rec.Event
		snap.LastSeen = rec.Timestamp
		if pid, ok := rec.Metadata["platform_connection_id"]; ok {
			snap.PlatformID = pid
		}
	}

	out := make([]Snapshot, 0, len(order))
	for _, id := range order {
		// Destroyed sessions have no last-known live state.
		if byID[id].LastEvent == EventDestroy {
			continue
		}
		out = append(out, *byID[id])
	}
	return out, nil
}

// Prune deletes records older than the retention window. Returns how many
// rows were removed.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention)
	res, err := l.db.ExecContext(ctx, `DELETE FROM session_audit WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune session audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec      Record
			event    string
			metaJSON string
		)
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &event, &metaJSON, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Event = EventType(event)
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
