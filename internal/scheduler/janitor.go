package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one recurring maintenance job: sweeping idle sandbox sessions,
// vacuuming the store. Run must be safe to call repeatedly.
type Task struct {
	Name           string
	CronExpression string
	Run            func(ctx context.Context) error

	nextRunAt time.Time
}

// Janitor runs registered maintenance tasks on their cron schedules. It
// ticks on a fixed interval and fires every task whose next run time has
// passed; a task still executing is skipped, not stacked.
type Janitor struct {
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	tasks  []*Task
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewJanitor creates a Janitor ticking at the given interval. A
// non-positive interval defaults to 30s.
func NewJanitor(interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Register adds a task. The cron expression is validated immediately so a
// broken schedule fails at startup, not at the first tick.
func (j *Janitor) Register(task Task) error {
	schedule, err := j.parser.Parse(task.CronExpression)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for task %q: %w", task.CronExpression, task.Name, err)
	}

	t := task
	t.nextRunAt = schedule.Next(time.Now().UTC())

	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, &t)
	return nil
}

// Start launches the background loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(loopCtx)
	j.logger.Info("janitor started", slog.Duration("interval", j.interval))
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Tick(ctx)
		}
	}
}

// Tick fires every due task once. Exposed so tests and startup recovery
// can drive the janitor without waiting for the ticker.
func (j *Janitor) Tick(ctx context.Context) {
	now := time.Now().UTC()

	j.mu.Lock()
	due := make([]*Task, 0)
	for _, t := range j.tasks {
		if !t.nextRunAt.After(now) {
			due = append(due, t)
		}
	}
	j.mu.Unlock()

	for _, t := range due {
		if !j.tryAcquire(t.Name) {
			continue
		}
		j.runTask(ctx, t, now)
		j.release(t.Name)
	}
}

func (j *Janitor) runTask(ctx context.Context, t *Task, now time.Time) {
	if err := t.Run(ctx); err != nil {
		j.logger.Error("maintenance task failed",
			slog.String("task", t.Name),
			slog.String("error", err.Error()))
	} else {
		j.logger.Debug("maintenance task ran", slog.String("task", t.Name))
	}

	schedule, err := j.parser.Parse(t.CronExpression)
	if err != nil {
		return
	}
	j.mu.Lock()
	t.nextRunAt = schedule.Next(now)
	j.mu.Unlock()
}

func (j *Janitor) tryAcquire(name string) bool {
	j.inflightMu.Lock()
	defer j.inflightMu.Unlock()
	if _, ok := j.inflight[name]; ok {
		return false
	}
	j.inflight[name] = struct{}{}
	return true
}

func (j *Janitor) release(name string) {
	j.inflightMu.Lock()
	defer j.inflightMu.Unlock()
	delete(j.inflight, name)
}

// Stop shuts the loop down and waits for it to exit.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}
