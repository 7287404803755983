// Package taskqueue fronts the persistent task store with ownership
// checks, parameter validation, live notifications, and the worker pool
// that drains the queue.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/altcap/internal/bus"
	altotel "github.com/basket/altcap/internal/otel"
	"github.com/basket/altcap/internal/persistence"
)

var (
	// ErrNotAuthorized means the actor may not perform the operation on
	// this task.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrInvalidParams means the enqueue payload failed schema validation.
	ErrInvalidParams = errors.New("invalid task params")
)

// Actor identifies who is asking. Admins act across owners; everyone
// else only sees their own tasks.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) String() string {
	if a.Admin {
		return "admin:" + a.UserID
	}
	return a.UserID
}

// Config holds Queue dependencies.
type Config struct {
	Store                *persistence.Store
	Bus                  *bus.Bus
	Logger               *slog.Logger
	Metrics              *altotel.Metrics
	MaxActivePerPlatform int
	TaskTimeout          time.Duration
}

// Queue is the task orchestration service.
type Queue struct {
	store   *persistence.Store
	bus     *bus.Bus
	schema  *jsonschema.Schema
	logger  *slog.Logger
	metrics *altotel.Metrics
	limit   int
	timeout time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New builds a Queue, compiling the params schema once.
func New(cfg Config) (*Queue, error) {
	schema, err := compileParamsSchema()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Queue{
		store:   cfg.Store,
		bus:     cfg.Bus,
		schema:  schema,
		logger:  logger.With("component", "taskqueue"),
		metrics: cfg.Metrics,
		limit:   cfg.MaxActivePerPlatform,
		timeout: timeout,
	}, nil
}

// TaskTimeout returns the per-task execution deadline.
func (q *Queue) TaskTimeout() time.Duration {
	return q.timeout
}

// Enqueue validates the params and creates a QUEUED task under the
// actor's identity. Only admins may override the per-platform concurrency
// limit, and only admins may enqueue with a non-zero priority.
func (q *Queue) Enqueue(ctx context.Context, actor Actor, platformConnectionID, params string, priority int, limitOverride bool) (*persistence.Task, error) {
	if err := q.validateParams(params); err != nil {
		return nil, err
	}
	if limitOverride && !actor.Admin {
		return nil, fmt.Errorf("%w: limit override requires admin", ErrNotAuthorized)
	}
	if !actor.Admin {
		priority = 0
	}
	task, err := q.store.CreateTask(ctx, actor.UserID, platformConnectionID, params, priority, q.limit, limitOverride)
	if err != nil {
		return nil, err
	}
	q.logger.Info("task enqueued",
		"task_id", task.ID, "user_id", task.OwnerUserID,
		"platform_connection_id", task.PlatformConnectionID, "priority", task.Priority)
	q.publish(task, bus.KindTaskQueued)
	return task, nil
}

// Get returns the task if the actor may see it. Foreign tasks look like
// missing ones to non-admins.
func (q *Queue) Get(ctx context.Context, actor Actor, id string) (*persistence.Task, error) {
	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && task.OwnerUserID != actor.UserID {
		return nil, persistence.ErrTaskNotFound
	}
	return task, nil
}

// List returns the actor's tasks, optionally narrowed to one platform
// connection. Admins passing an empty owner see everything active.
func (q *Queue) List(ctx context.Context, actor Actor, platformConnectionID string) ([]persistence.Task, error) {
	return q.store.ListTasksByOwner(ctx, actor.UserID, platformConnectionID, 0)
}

// ListActive returns all live tasks across owners. Admin only.
func (q *Queue) ListActive(ctx context.Context, actor Actor) ([]persistence.Task, error) {
	if !actor.Admin {
		return nil, fmt.Errorf("%w: active task listing requires admin", ErrNotAuthorized)
	}
	return q.store.ListActiveTasks(ctx, "")
}

// Events returns a task's transition trail under the same visibility
// rule as Get.
func (q *Queue) Events(ctx context.Context, actor Actor, id string) ([]persistence.TaskEvent, error) {
	if _, err := q.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return q.store.TaskEvents(ctx, id)
}

// Progress records worker progress and, when it sticks, notifies the
// owner. Stale reports vanish silently.
func (q *Queue) Progress(ctx context.Context, id string, percent int, step string) error {
	res, err := q.store.UpdateProgress(ctx, id, percent, step)
	if err != nil {
		return err
	}
	if !res.Applied {
		q.logger.Debug("stale progress discarded", "task_id", id, "percent", percent)
		return nil
	}
	q.publish(res.Task, bus.KindTaskProgress)
	return nil
}

// Cancel stops a task. Owners cancel their own; admins cancel anything.
// A running task's context is cancelled so the worker stops promptly.
// Cancelling an already-finished task is not an error, only a warning.
func (q *Queue) Cancel(ctx context.Context, actor Actor, id string) (*persistence.Task, error) {
	if _, err := q.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	res, err := q.store.CancelTask(ctx, id, actor.String())
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidStateTransition) {
			q.countLoss(ctx)
		}
		return nil, err
	}
	if !res.Cancelled {
		q.logger.Warn("cancel of finished task ignored",
			"task_id", id, "status", res.Task.Status, "actor", actor.String())
		return res.Task, nil
	}
	q.stopRunning(id)
	q.countTransition(ctx, persistence.TaskCancelled)
	q.publish(res.Task, bus.KindTaskCancelled)
	return res.Task, nil
}

// Restart clones a failed task into a fresh queued one with lineage.
func (q *Queue) Restart(ctx context.Context, actor Actor, id string) (*persistence.Task, error) {
	if _, err := q.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	task, err := q.store.RestartTask(ctx, id, actor.String())
	if err != nil {
		return nil, err
	}
	q.logger.Info("task restarted", "task_id", task.ID, "lineage_parent_id", id, "actor", actor.String())
	q.publish(task, bus.KindTaskRestarted)
	return task, nil
}

// SetPriority re-ranks a queued or running task. Admin only.
func (q *Queue) SetPriority(ctx context.Context, actor Actor, id string, priority int) (*persistence.Task, error) {
	if !actor.Admin {
		return nil, fmt.Errorf("%w: priority change requires admin", ErrNotAuthorized)
	}
	task, err := q.store.SetTaskPriority(ctx, id, priority, actor.String())
	if err != nil {
		return nil, err
	}
	q.publish(task, bus.KindTaskPriorityChanged)
	return task, nil
}

// SetNotes attaches operator notes to any task, terminal included. Admin
// only.
func (q *Queue) SetNotes(ctx context.Context, actor Actor, id, notes string) (*persistence.Task, error) {
	if !actor.Admin {
		return nil, fmt.Errorf("%w: notes require admin", ErrNotAuthorized)
	}
	return q.store.SetTaskNotes(ctx, id, notes, actor.String())
}

// SweepTimedOut force-fails stuck tasks and notifies their owners.
func (q *Queue) SweepTimedOut(ctx context.Context) (int, error) {
	swept, err := q.store.SweepTimedOut(ctx, q.timeout)
	if err != nil {
		return 0, err
	}
	for i := range swept {
		task := &swept[i]
		q.stopRunning(task.ID)
		q.countTransition(ctx, persistence.TaskFailed)
		q.publish(task, bus.KindTaskFailed)
		q.logger.Warn("task failed by timeout sweep", "task_id", task.ID, "timeout", q.timeout)
	}
	return len(swept), nil
}

func (q *Queue) registerRunning(id string, cancel context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == nil {
		q.running = make(map[string]context.CancelFunc)
	}
	q.running[id] = cancel
}

func (q *Queue) unregisterRunning(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
}

func (q *Queue) stopRunning(id string) {
	q.mu.Lock()
	cancel := q.running[id]
	delete(q.running, id)
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) publish(task *persistence.Task, kind string) {
	if q.bus == nil {
		return
	}
	payload := bus.TaskEventPayload{
		TaskID:          task.ID,
		OwnerUserID:     task.OwnerUserID,
		PlatformID:      task.PlatformConnectionID,
		Status:          string(task.Status),
		ProgressPercent: task.ProgressPercent,
		CurrentStep:     task.CurrentStep,
		Error:           task.ErrorInfo,
	}
	q.bus.Publish(bus.UserScope(task.OwnerUserID), kind, payload)
	q.bus.Publish(bus.ScopeAdmin, kind, payload)
	if q.metrics != nil {
		q.metrics.BusPublished.Add(context.Background(), 2)
	}
}

func (q *Queue) countTransition(ctx context.Context, to persistence.TaskStatus) {
	if q.metrics != nil {
		q.metrics.TaskTransitions.Add(ctx, 1, metric.WithAttributes(altotel.AttrTaskStatus.String(string(to))))
	}
}

func (q *Queue) countLoss(ctx context.Context) {
	if q.metrics != nil {
		q.metrics.TransitionLosses.Add(ctx, 1)
	}
}
