// Package scheduler runs periodic tasks. A task never runs concurrently
// with itself: a tick that finds the previous run still in progress is
// skipped.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/tollgate/internal/clock"
	"grimm.is/tollgate/internal/logging"
)

// TaskFunc is the body of a task. ctx is cancelled when the scheduler stops
// or the task's timeout expires.
type TaskFunc func(ctx context.Context) error

// Task is a function run every Interval.
type Task struct {
	ID          string
	Name        string
	Description string
	Interval    time.Duration
	Func        TaskFunc
	Enabled     bool
	RunOnStart  bool // Run immediately when scheduler starts
	Timeout     time.Duration
}

// TaskStatus is the reported state of one task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	SkipCount    int64         `json:"skip_count"`
}

// Scheduler owns a set of tasks and the goroutines running them.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	logger  *logging.Logger
	clock   clock.Clock
	tick    time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task   *Task
	status TaskStatus
	active bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for due times and status.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTick sets how often due tasks are checked. Defaults to one second.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// New creates a stopped scheduler.
func New(logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[string]*taskEntry),
		logger: logging.OrDefault(logger).WithComponent("scheduler"),
		clock:  clock.Real,
		tick:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask registers task. The first scheduled run is one Interval from now.
func (s *Scheduler) AddTask(task *Task) error {
	switch {
	case task.ID == "":
		return fmt.Errorf("task ID is required")
	case task.Interval <= 0:
		return fmt.Errorf("task %s: interval must be positive", task.ID)
	case task.Func == nil:
		return fmt.Errorf("task %s: function is required", task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Enabled:     task.Enabled,
		},
	}
	if task.Enabled {
		entry.status.NextRun = s.clock.Now().Add(task.Interval)
	}
	s.tasks[task.ID] = entry
	s.logger.Debug("task added", "id", task.ID, "interval", task.Interval)
	return nil
}

// GetStatus returns the status of all tasks, sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Start launches RunOnStart tasks and the tick loop. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, entry := range s.tasks {
		if entry.task.Enabled && entry.task.RunOnStart {
			s.launchLocked(entry)
		}
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runDue(s.clock.Now())
		}
	}
}

func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	for _, entry := range s.tasks {
		next := entry.status.NextRun
		if !entry.task.Enabled || next.IsZero() || now.Before(next) {
			continue
		}
		if !s.launchLocked(entry) {
			entry.status.SkipCount++
			entry.status.NextRun = now.Add(entry.task.Interval)
			s.logger.Warn("task still running, skipping", "id", entry.task.ID)
		}
	}
}

// launchLocked starts entry unless it is already active.
func (s *Scheduler) launchLocked(entry *taskEntry) bool {
	if entry.active {
		return false
	}
	entry.active = true
	entry.status.Running = true
	s.wg.Add(1)
	go s.execute(entry)
	return true
}

func (s *Scheduler) execute(entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()

	start := s.clock.Now()
	err := call(ctx, task)
	duration := s.clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &entry.status
	entry.active = false
	st.Running = false
	st.LastRun = start
	st.LastDuration = duration
	st.RunCount++
	if err != nil {
		st.LastError = err.Error()
		st.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		st.LastError = ""
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}
	if task.Enabled {
		st.NextRun = s.clock.Now().Add(task.Interval)
	}
}

// call runs the task and reports a panic as an error.
func call(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Func(ctx)
}
