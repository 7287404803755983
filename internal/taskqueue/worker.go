package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/basket/altcap/internal/bus"
	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/shared"
)

const defaultPollInterval = 250 * time.Millisecond

// Runner executes one claimed task. The progress callback may be called
// any number of times; results are returned as a JSON document.
type Runner interface {
	Run(ctx context.Context, task *persistence.Task, progress func(percent int, step string)) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task *persistence.Task, progress func(percent int, step string)) (string, error)

func (f RunnerFunc) Run(ctx context.Context, task *persistence.Task, progress func(percent int, step string)) (string, error) {
	return f(ctx, task, progress)
}

// Pool drains the queue with a fixed number of workers. Each claimed
// task runs under its own deadline; cancels arriving through the queue
// stop the task's context mid-flight.
type Pool struct {
	queue        *Queue
	runner       Runner
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool builds a worker pool over the queue.
func NewPool(queue *Queue, runner Runner, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:        queue,
		runner:       runner,
		workers:      workers,
		pollInterval: defaultPollInterval,
		logger:       logger.With("component", "worker_pool"),
	}
}

// Start launches the workers. They run until ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight tasks to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.queue.store.ClaimNextQueued(ctx)
		if err != nil {
			if !errors.Is(err, persistence.ErrTaskNotFound) && ctx.Err() == nil {
				logger.Error("claim next task", "error", err)
			}
			p.sleep(ctx)
			continue
		}
		p.runOne(ctx, logger, task)
	}
}

func (p *Pool) runOne(ctx context.Context, logger *slog.Logger, task *persistence.Task) {
	q := p.queue
	q.publish(task, bus.KindTaskStarted)
	q.countTransition(ctx, persistence.TaskRunning)
	if q.metrics != nil {
		q.metrics.TasksActive.Add(ctx, 1)
		defer q.metrics.TasksActive.Add(ctx, -1)
	}

	taskCtx, cancel := context.WithTimeout(ctx, q.timeout)
	q.registerRunning(task.ID, cancel)
	defer func() {
		q.unregisterRunning(task.ID)
		cancel()
	}()

	start := time.Now()
	result, runErr := p.runner.Run(taskCtx, task, func(percent int, step string) {
		// Progress writes use the pool context so a report racing the
		// task deadline still lands or is discarded cleanly.
		if err := q.Progress(ctx, task.ID, percent, step); err != nil &&
			!errors.Is(err, persistence.ErrInvalidStateTransition) {
			logger.Debug("progress update", "task_id", task.ID, "error", err)
		}
	})
	if q.metrics != nil {
		q.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
	}

	switch {
	case runErr == nil:
		done, err := q.store.CompleteTask(ctx, task.ID, result, "worker")
		if err != nil {
			p.settleLoss(ctx, logger, task.ID, "complete", err)
			return
		}
		q.countTransition(ctx, persistence.TaskCompleted)
		q.publish(done, bus.KindTaskCompleted)
		logger.Info("task completed", "task_id", task.ID, "duration", time.Since(start))

	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		failed, err := q.store.FailTask(ctx, task.ID, "timeout", "worker")
		if err != nil {
			p.settleLoss(ctx, logger, task.ID, "timeout", err)
			return
		}
		q.countTransition(ctx, persistence.TaskFailed)
		q.publish(failed, bus.KindTaskFailed)
		logger.Warn("task timed out", "task_id", task.ID, "timeout", q.timeout)

	case errors.Is(taskCtx.Err(), context.Canceled):
		// A cancel through the queue already moved the row to CANCELLED.
		logger.Info("task cancelled mid-flight", "task_id", task.ID)

	default:
		failed, err := q.store.FailTask(ctx, task.ID, shared.Redact(runErr.Error()), "worker")
		if err != nil {
			p.settleLoss(ctx, logger, task.ID, "fail", err)
			return
		}
		q.countTransition(ctx, persistence.TaskFailed)
		q.publish(failed, bus.KindTaskFailed)
		logger.Warn("task failed", "task_id", task.ID, "error", runErr)
	}
}

// settleLoss handles a terminal write that lost the race against a
// concurrent transition, usually a cancel.
func (p *Pool) settleLoss(ctx context.Context, logger *slog.Logger, taskID, op string, err error) {
	if errors.Is(err, persistence.ErrInvalidStateTransition) {
		p.queue.countLoss(ctx)
		logger.Debug("terminal write lost to concurrent transition", "task_id", taskID, "op", op)
		return
	}
	if ctx.Err() == nil {
		logger.Error("settle task", "task_id", taskID, "op", op, "error", err)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(p.pollInterval / 2)))
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval + jitter):
	}
}
