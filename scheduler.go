package acton

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// LocalBackend is the in-process ExecutionBackend: CRON triggers ride a
// shared cron runner, the interval and one-time modes use timers.
type LocalBackend struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*localTask
}

type localTask struct {
	cronID  cron.EntryID
	hasCron bool
	stop    chan struct{}
	running atomic.Bool
}

// LocalBackendOption configures a LocalBackend.
type LocalBackendOption func(*LocalBackend)

// WithBackendLogger sets the structured logger.
func WithBackendLogger(l *slog.Logger) LocalBackendOption {
	return func(b *LocalBackend) { b.logger = l }
}

// NewLocalBackend creates a backend with its cron runner started.
func NewLocalBackend(opts ...LocalBackendOption) *LocalBackend {
	b := &LocalBackend{
		cron:   cron.New(cron.WithSeconds()),
		logger: nopLogger,
		tasks:  make(map[string]*localTask),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cron.Start()
	return b
}

// Close stops the cron runner and all timer tasks.
func (b *LocalBackend) Close() {
	b.cron.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, task := range b.tasks {
		if !task.hasCron {
			close(task.stop)
		}
		delete(b.tasks, id)
	}
}

// Schedule registers a task for the trigger and returns its task id.
func (b *LocalBackend) Schedule(ctx context.Context, t Trigger, fire func(context.Context)) (string, error) {
	taskID := NewID()
	task := &localTask{stop: make(chan struct{})}

	wrapped := func() {
		task.running.Store(true)
		defer task.running.Store(false)
		fire(context.WithoutCancel(ctx))
	}

	switch t.ScheduleMode {
	case ScheduleCron:
		entryID, err := b.cron.AddFunc(t.ScheduleValue, wrapped)
		if err != nil {
			return "", &ErrInvalidInput{What: "trigger " + t.TriggerID, Reason: fmt.Sprintf("bad cron expression %q: %v", t.ScheduleValue, err)}
		}
		task.cronID = entryID
		task.hasCron = true

	case ScheduleFixedDelay:
		delay, err := parseInterval(t.ScheduleValue)
		if err != nil {
			return "", &ErrInvalidInput{What: "trigger " + t.TriggerID, Reason: err.Error()}
		}
		go b.runFixedDelay(task, delay, wrapped)

	case ScheduleFixedRate:
		interval, err := parseInterval(t.ScheduleValue)
		if err != nil {
			return "", &ErrInvalidInput{What: "trigger " + t.TriggerID, Reason: err.Error()}
		}
		go b.runFixedRate(task, interval, wrapped)

	case ScheduleOneTime:
		at, err := parseInstant(t.ScheduleValue)
		if err != nil {
			return "", &ErrInvalidInput{What: "trigger " + t.TriggerID, Reason: err.Error()}
		}
		go b.runOneTime(task, at, wrapped)

	default:
		return "", &ErrInvalidInput{What: "trigger " + t.TriggerID, Reason: fmt.Sprintf("unknown schedule mode %q", t.ScheduleMode)}
	}

	b.mu.Lock()
	b.tasks[taskID] = task
	b.mu.Unlock()
	b.logger.Debug("task scheduled", "task", taskID, "trigger", t.TriggerID, "mode", t.ScheduleMode)
	return taskID, nil
}

// Cancel unregisters a task. Unknown ids are not an error: the task may
// have completed (ONE_TIME) already.
func (b *LocalBackend) Cancel(_ context.Context, taskID string) error {
	b.mu.Lock()
	task, ok := b.tasks[taskID]
	delete(b.tasks, taskID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if task.hasCron {
		b.cron.Remove(task.cronID)
	} else {
		close(task.stop)
	}
	return nil
}

// IsRunning reports whether the task's fire callback is executing now.
func (b *LocalBackend) IsRunning(taskID string) bool {
	b.mu.Lock()
	task, ok := b.tasks[taskID]
	b.mu.Unlock()
	return ok && task.running.Load()
}

// runFixedDelay waits the delay after each completion before re-firing.
func (b *LocalBackend) runFixedDelay(task *localTask, delay time.Duration, fire func()) {
	for {
		timer := time.NewTimer(delay)
		select {
		case <-task.stop:
			timer.Stop()
			return
		case <-timer.C:
			fire()
		}
	}
}

// runFixedRate fires at fixed wall-clock intervals regardless of how
// long each firing takes.
func (b *LocalBackend) runFixedRate(task *localTask, interval time.Duration, fire func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-task.stop:
			return
		case <-ticker.C:
			go fire()
		}
	}
}

// runOneTime fires once at the absolute instant.
func (b *LocalBackend) runOneTime(task *localTask, at time.Time, fire func()) {
	wait := time.Until(at)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-task.stop:
	case <-timer.C:
		fire()
	}
}

// parseInterval accepts a Go duration string ("30s") or a bare integer
// interpreted as milliseconds.
func parseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval %q must be positive", s)
		}
		return d, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("bad interval %q", s)
}

// parseInstant accepts RFC 3339 or unix seconds.
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("bad instant %q", s)
}
