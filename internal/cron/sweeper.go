// Package cron runs the periodic maintenance sweep: timing out stuck
// tasks, reaping expired sessions, and pruning old audit records.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/altcap/internal/audit"
	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/taskqueue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance sweeper.
type Config struct {
	// Schedule is a 5-field cron expression; defaults to every 5 minutes.
	Schedule string
	Queue    *taskqueue.Queue
	Audit    *audit.Log
	Store    *persistence.Store
	// AuditRetention bounds the audit trail; zero disables pruning.
	AuditRetention time.Duration
	Logger         *slog.Logger
	Interval       time.Duration // tick granularity; defaults to 30 seconds
}

// Sweeper fires the maintenance jobs on a cron schedule.
type Sweeper struct {
	schedule  string
	queue     *taskqueue.Queue
	audit     *audit.Log
	store     *persistence.Store
	retention time.Duration
	logger    *slog.Logger
	interval  time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config. The schedule is
// validated up front so a bad expression fails at startup, not silently
// at 3am.
func NewSweeper(cfg Config) (*Sweeper, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		schedule:  schedule,
		queue:     cfg.Queue,
		audit:     cfg.Audit,
		store:     cfg.Store,
		retention: cfg.AuditRetention,
		logger:    logger.With("component", "sweeper"),
		interval:  interval,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	next, _ := NextRunTime(s.schedule, time.Now())
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance sweeper started", "schedule", s.schedule, "next_run", next)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !now.Before(s.nextRun)
			s.mu.Unlock()
			if !due {
				continue
			}
			s.Sweep(ctx)
			next, _ := NextRunTime(s.schedule, now)
			s.mu.Lock()
			s.nextRun = next
			s.mu.Unlock()
		}
	}
}

// Sweep runs all maintenance jobs once. Each job failing is logged and
// skipped; one broken job never blocks the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.queue != nil {
		if n, err := s.queue.SweepTimedOut(ctx); err != nil {
			s.logger.Error("sweep timed out tasks", "error", err)
		} else if n > 0 {
			s.logger.Info("timed out tasks failed", "count", n)
		}
	}

	if s.store != nil {
		if n, err := s.store.PruneExpiredSessions(ctx); err != nil {
			s.logger.Error("prune expired sessions", "error", err)
		} else if n > 0 {
			s.logger.Info("expired sessions pruned", "count", n)
		}
	}

	if s.audit != nil && s.retention > 0 {
		if n, err := s.audit.Prune(ctx, s.retention); err != nil {
			s.logger.Error("prune audit records", "error", err)
		} else if n > 0 {
			s.logger.Info("audit records pruned", "count", n)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
