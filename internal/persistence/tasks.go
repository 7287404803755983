package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is a task lifecycle state.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// allowedTransitions is the full state machine. Terminal states have no
// outgoing edges; a RUNNING self edge covers progress updates only.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskRunning, TaskCancelled},
	TaskRunning: {TaskRunning, TaskCompleted, TaskFailed, TaskCancelled},
}

// IsTerminal reports whether s admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

func transitionAllowed(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one unit of queued work bound to an owner and a platform
// connection.
type Task struct {
	ID                   string     `json:"id"`
	OwnerUserID          string     `json:"owner_user_id"`
	PlatformConnectionID string     `json:"platform_connection_id"`
	Status               TaskStatus `json:"status"`
	Priority             int        `json:"priority"`
	ProgressPercent      int        `json:"progress_percent"`
	CurrentStep          string     `json:"current_step,omitempty"`
	Params               string     `json:"params,omitempty"`
	Result               string     `json:"result,omitempty"`
	ErrorInfo            string     `json:"error_info,omitempty"`
	AdminNotes           string     `json:"admin_notes,omitempty"`
	CancelledBy          string     `json:"cancelled_by,omitempty"`
	LineageParentID      string     `json:"lineage_parent_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TaskEvent is one immutable row of a task's transition trail.
type TaskEvent struct {
	EventID     int64     `json:"event_id"`
	TaskID      string    `json:"task_id"`
	OwnerUserID string    `json:"owner_user_id"`
	EventType   string    `json:"event_type"`
	StateFrom   string    `json:"state_from,omitempty"`
	StateTo     string    `json:"state_to,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	PayloadJSON string    `json:"payload_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const taskColumns = `id, owner_user_id, platform_connection_id, status, priority, progress_percent,
	current_step, params, result, error_info, admin_notes, cancelled_by, lineage_parent_id,
	created_at, started_at, completed_at, updated_at`

// CreateTask enqueues a task. The per-platform concurrency limit counts
// non-terminal tasks for the same owner and connection; limitOverride
// skips the check (admin policy lives above this layer).
func (s *Store) CreateTask(ctx context.Context, ownerUserID, platformConnectionID, params string, priority, maxActive int, limitOverride bool) (*Task, error) {
	task := &Task{
		ID:                   uuid.NewString(),
		OwnerUserID:          ownerUserID,
		PlatformConnectionID: platformConnectionID,
		Status:               TaskQueued,
		Priority:             priority,
		Params:               params,
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if !limitOverride && maxActive > 0 {
			var active int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM tasks
				WHERE owner_user_id = ? AND platform_connection_id = ?
				  AND status IN ('QUEUED', 'RUNNING');
			`, ownerUserID, platformConnectionID).Scan(&active); err != nil {
				return fmt.Errorf("count active tasks: %w", err)
			}
			if active >= maxActive {
				return ErrConcurrencyLimitExceeded
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_user_id, platform_connection_id, status, priority, params)
			VALUES (?, ?, ?, 'QUEUED', ?, ?);
		`, task.ID, ownerUserID, platformConnectionID, priority, params); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, task.ID, ownerUserID, "task.enqueued", "", string(TaskQueued), ownerUserID, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, task.ID)
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ListTasksByOwner returns the owner's tasks, newest first. When
// platformConnectionID is non-empty it narrows the list to that
// connection; tasks from other connections never leak across a platform
// switch.
func (s *Store) ListTasksByOwner(ctx context.Context, ownerUserID, platformConnectionID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_user_id = ?`
	args := []any{ownerUserID}
	if platformConnectionID != "" {
		query += ` AND platform_connection_id = ?`
		args = append(args, platformConnectionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)
	return s.queryTasks(ctx, query, args...)
}

// ListActiveTasks returns all QUEUED and RUNNING tasks, optionally
// narrowed to one owner.
func (s *Store) ListActiveTasks(ctx context.Context, ownerUserID string) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN ('QUEUED', 'RUNNING')`
	args := []any{}
	if ownerUserID != "" {
		query += ` AND owner_user_id = ?`
		args = append(args, ownerUserID)
	}
	query += ` ORDER BY priority DESC, created_at ASC;`
	return s.queryTasks(ctx, query, args...)
}

// ClaimNextQueued atomically moves the best queued task to RUNNING and
// returns it. Returns ErrTaskNotFound when the queue is empty. Two
// workers racing for the same row resolve through the status guard; the
// loser simply claims the next candidate on its following poll.
func (s *Store) ClaimNextQueued(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'QUEUED'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1;
		`)
		task, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'RUNNING', started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'QUEUED';
		`, task.ID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			return ErrTaskNotFound
		}
		if err := appendTaskEventTx(ctx, tx, task.ID, task.OwnerUserID, "task.started", string(TaskQueued), string(TaskRunning), "worker", ""); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, claimed.ID)
}

// ProgressResult reports what a progress update did.
type ProgressResult struct {
	Applied bool
	Task    *Task
}

// UpdateProgress records progress on a RUNNING task. Regressions are
// discarded rather than rejected: a stale report after a newer one lands
// returns Applied=false with no state change. Progress on a non-RUNNING
// task is ErrInvalidStateTransition.
func (s *Store) UpdateProgress(ctx context.Context, id string, percent int, step string) (*ProgressResult, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET progress_percent = ?, current_step = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'RUNNING' AND progress_percent <= ?;
	`, percent, step, id, percent)
	if err != nil {
		return nil, fmt.Errorf("update progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("progress rows affected: %w", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if task.Status != TaskRunning {
			return nil, fmt.Errorf("%w: progress on %s task", ErrInvalidStateTransition, task.Status)
		}
		// Monotonic guard filtered a stale report.
		return &ProgressResult{Applied: false, Task: task}, nil
	}
	return &ProgressResult{Applied: true, Task: task}, nil
}

// CompleteTask moves a RUNNING task to COMPLETED with its result.
func (s *Store) CompleteTask(ctx context.Context, id, result, actor string) (*Task, error) {
	return s.transitionTask(ctx, id, TaskRunning, TaskCompleted, "task.completed", actor, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'COMPLETED', result = ?, progress_percent = 100,
				completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'RUNNING';
		`, result, id)
	})
}

// FailTask moves a RUNNING task to FAILED with diagnostic detail.
func (s *Store) FailTask(ctx context.Context, id, errorInfo, actor string) (*Task, error) {
	return s.transitionTask(ctx, id, TaskRunning, TaskFailed, "task.failed", actor, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'FAILED', error_info = ?,
				completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'RUNNING';
		`, errorInfo, id)
	})
}

// CancelResult reports whether a cancel changed state.
type CancelResult struct {
	Cancelled bool
	Task      *Task
}

// CancelTask moves a QUEUED or RUNNING task to CANCELLED, recording who
// asked. Cancelling an already-terminal task is a no-op: the stored task
// comes back with Cancelled=false so callers can log rather than fail.
func (s *Store) CancelTask(ctx context.Context, id, actor string) (*CancelResult, error) {
	var out *CancelResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var from TaskStatus
		var owner string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, owner_user_id FROM tasks WHERE id = ?;
		`, id).Scan(&from, &owner); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task status: %w", err)
		}
		if from.IsTerminal() {
			if err := tx.Commit(); err != nil {
				return err
			}
			out = &CancelResult{Cancelled: false}
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'CANCELLED', cancelled_by = ?,
				completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, actor, id, string(from))
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel rows affected: %w", err)
		}
		if affected == 0 {
			// Concurrent transition won; surface the loss.
			return fmt.Errorf("%w: cancel lost race from %s", ErrInvalidStateTransition, from)
		}
		if err := appendTaskEventTx(ctx, tx, id, owner, "task.cancelled", string(from), string(TaskCancelled), actor, ""); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = &CancelResult{Cancelled: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	out.Task = task
	return out, nil
}

// RestartTask creates a fresh QUEUED task carrying the failed task's
// params and a lineage pointer. The original row is never mutated and
// only a FAILED task may seed a restart.
func (s *Store) RestartTask(ctx context.Context, id, actor string) (*Task, error) {
	next := &Task{ID: uuid.NewString()}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin restart tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		orig, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("select task: %w", err)
		}
		if orig.Status != TaskFailed {
			return fmt.Errorf("%w: restart from %s", ErrInvalidStateTransition, orig.Status)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_user_id, platform_connection_id, status, priority, params, lineage_parent_id)
			VALUES (?, ?, ?, 'QUEUED', ?, ?, ?);
		`, next.ID, orig.OwnerUserID, orig.PlatformConnectionID, orig.Priority, orig.Params, orig.ID); err != nil {
			return fmt.Errorf("insert restarted task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, next.ID, orig.OwnerUserID, "task.restarted", "", string(TaskQueued), actor, fmt.Sprintf(`{"lineage_parent_id":%q}`, orig.ID)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, next.ID)
}

// SetTaskPriority re-ranks a non-terminal task.
func (s *Store) SetTaskPriority(ctx context.Context, id string, priority int, actor string) (*Task, error) {
	var updated *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin priority tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET priority = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('QUEUED', 'RUNNING');
		`, priority, id)
		if err != nil {
			return fmt.Errorf("set priority: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("priority rows affected: %w", err)
		}
		if affected == 0 {
			var status TaskStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			if err != nil {
				return fmt.Errorf("select task status: %w", err)
			}
			return fmt.Errorf("%w: priority change on %s task", ErrInvalidStateTransition, status)
		}
		var owner string
		if err := tx.QueryRowContext(ctx, `SELECT owner_user_id FROM tasks WHERE id = ?;`, id).Scan(&owner); err != nil {
			return fmt.Errorf("select task owner: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, id, owner, "task.priority_changed", "", "", actor, fmt.Sprintf(`{"priority":%d}`, priority)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	updated, err = s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetTaskNotes attaches or replaces operator notes. Notes are allowed in
// any state, terminal included, since they never touch the state machine.
func (s *Store) SetTaskNotes(ctx context.Context, id, notes, actor string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET admin_notes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, notes, id)
	if err != nil {
		return nil, fmt.Errorf("set notes: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("notes rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrTaskNotFound
	}
	return s.GetTask(ctx, id)
}

// SweepTimedOut force-fails RUNNING tasks older than maxDuration and
// returns the tasks it transitioned.
func (s *Store) SweepTimedOut(ctx context.Context, maxDuration time.Duration) ([]Task, error) {
	cutoff := time.Now().UTC().Add(-maxDuration)
	var swept []Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'RUNNING' AND started_at IS NOT NULL AND started_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("select timed out tasks: %w", err)
		}
		var stale []Task
		for rows.Next() {
			task, err := scanTask(rows.Scan)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan timed out task: %w", err)
			}
			stale = append(stale, *task)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("timed out rows: %w", err)
		}

		swept = swept[:0]
		for _, task := range stale {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'FAILED', error_info = 'timeout',
					completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = 'RUNNING';
			`, task.ID)
			if err != nil {
				return fmt.Errorf("fail timed out task: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("sweep rows affected: %w", err)
			}
			if affected == 0 {
				continue
			}
			if err := appendTaskEventTx(ctx, tx, task.ID, task.OwnerUserID, "task.failed", string(TaskRunning), string(TaskFailed), "sweeper", `{"reason":"timeout"}`); err != nil {
				return err
			}
			task.Status = TaskFailed
			task.ErrorInfo = "timeout"
			swept = append(swept, task)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// TaskEvents returns a task's transition trail in insertion order.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, owner_user_id, event_type, state_from, state_to, actor, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var from, to, actor, payload sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.OwnerUserID, &ev.EventType, &from, &to, &actor, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = from.String
		ev.StateTo = to.String
		ev.Actor = actor.String
		ev.PayloadJSON = payload.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// transitionTask applies one guarded status update plus its audit event
// in a single transaction. A zero-row update is classified by re-reading
// the current status.
func (s *Store) transitionTask(ctx context.Context, id string, from, to TaskStatus, eventType, actor string, update func(tx *sql.Tx) (sql.Result, error)) (*Task, error) {
	if !transitionAllowed(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := update(tx)
		if err != nil {
			return fmt.Errorf("transition %s -> %s: %w", from, to, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected == 0 {
			var current TaskStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			if err != nil {
				return fmt.Errorf("select task status: %w", err)
			}
			return fmt.Errorf("%w: %s -> %s, task is %s", ErrInvalidStateTransition, from, to, current)
		}
		var owner string
		if err := tx.QueryRowContext(ctx, `SELECT owner_user_id FROM tasks WHERE id = ?;`, id).Scan(&owner); err != nil {
			return fmt.Errorf("select task owner: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, id, owner, eventType, string(from), string(to), actor, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, ownerUserID, eventType, from, to, actor, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, owner_user_id, event_type, state_from, state_to, actor, payload_json)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, ownerUserID, eventType, from, to, actor, payload); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var task Task
	var step, params, result, errInfo, notes, cancelledBy, lineage sql.NullString
	var started, completed sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.OwnerUserID,
		&task.PlatformConnectionID,
		&task.Status,
		&task.Priority,
		&task.ProgressPercent,
		&step,
		&params,
		&result,
		&errInfo,
		&notes,
		&cancelledBy,
		&lineage,
		&task.CreatedAt,
		&started,
		&completed,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.CurrentStep = step.String
	task.Params = params.String
	task.Result = result.String
	task.ErrorInfo = errInfo.String
	task.AdminNotes = notes.String
	task.CancelledBy = cancelledBy.String
	task.LineageParentID = lineage.String
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}
	return &task, nil
}
