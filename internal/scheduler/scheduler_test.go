package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tollgate/internal/clock"
	"grimm.is/tollgate/internal/logging"
)

func newTestScheduler() *Scheduler {
	return New(logging.Discard(), WithTick(5*time.Millisecond))
}

func statusOf(s *Scheduler, id string) (TaskStatus, bool) {
	for _, st := range s.GetStatus() {
		if st.ID == id {
			return st, true
		}
	}
	return TaskStatus{}, false
}

func noop(ctx context.Context) error { return nil }

func TestScheduler_AddTask(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(logging.Discard(), WithClock(mock))

	task := &Task{
		ID:       "test-1",
		Name:     "Test Task",
		Enabled:  true,
		Interval: time.Hour,
		Func:     noop,
	}
	require.NoError(t, s.AddTask(task))

	st, exists := statusOf(s, "test-1")
	require.True(t, exists)
	assert.Equal(t, mock.Now().Add(time.Hour), st.NextRun)

	assert.Error(t, s.AddTask(task), "duplicate add")
	assert.Error(t, s.AddTask(&Task{ID: "x", Func: noop}), "missing interval")
	assert.Error(t, s.AddTask(&Task{ID: "y", Interval: time.Hour}), "missing func")
	assert.Error(t, s.AddTask(&Task{Interval: time.Hour, Func: noop}), "missing id")

	require.NoError(t, s.AddTask(&Task{ID: "off", Name: "Disabled", Interval: time.Hour, Func: noop}))
	off, _ := statusOf(s, "off")
	assert.True(t, off.NextRun.IsZero())

	statuses := s.GetStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "Disabled", statuses[0].Name, "sorted by name")
}

func TestScheduler_RunOnStart(t *testing.T) {
	s := newTestScheduler()
	done := make(chan struct{}, 1)

	require.NoError(t, s.AddTask(&Task{
		ID:         "start",
		Name:       "Start",
		Enabled:    true,
		RunOnStart: true,
		Interval:   time.Hour,
		Func: func(ctx context.Context) error {
			done <- struct{}{}
			return nil
		},
	}))

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnStart task did not run")
	}
}

func TestScheduler_IntervalRuns(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int32

	require.NoError(t, s.AddTask(&Task{
		ID:       "tick",
		Name:     "Tick",
		Enabled:  true,
		Interval: 10 * time.Millisecond,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	st, _ := statusOf(s, "tick")
	assert.GreaterOrEqual(t, st.RunCount, int64(3))
	assert.False(t, st.Running)
}

func TestScheduler_NoSelfOverlap(t *testing.T) {
	s := newTestScheduler()
	var active, maxActive atomic.Int32
	release := make(chan struct{})

	require.NoError(t, s.AddTask(&Task{
		ID:         "slow",
		Name:       "Slow",
		Enabled:    true,
		RunOnStart: true,
		Interval:   time.Millisecond,
		Func: func(ctx context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		st, _ := statusOf(s, "slow")
		return st.SkipCount >= 3
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	s.Stop()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestScheduler_FailureAndPanic(t *testing.T) {
	s := newTestScheduler()
	failed := make(chan struct{})
	panicked := make(chan struct{})

	require.NoError(t, s.AddTask(&Task{
		ID: "fail", Name: "Fail", Enabled: true, RunOnStart: true, Interval: time.Hour,
		Func: func(ctx context.Context) error {
			defer close(failed)
			return errors.New("boom")
		},
	}))
	require.NoError(t, s.AddTask(&Task{
		ID: "panic", Name: "Panic", Enabled: true, RunOnStart: true, Interval: time.Hour,
		Func: func(ctx context.Context) error {
			defer close(panicked)
			panic("bad state")
		},
	}))

	s.Start(context.Background())
	<-failed
	<-panicked

	assert.Eventually(t, func() bool {
		a, _ := statusOf(s, "fail")
		b, _ := statusOf(s, "panic")
		return a.ErrorCount == 1 && b.ErrorCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	st, _ := statusOf(s, "panic")
	assert.Contains(t, st.LastError, "panicked")
	st, _ = statusOf(s, "fail")
	assert.Equal(t, "boom", st.LastError)
}

func TestScheduler_Timeout(t *testing.T) {
	s := newTestScheduler()
	result := make(chan error, 1)

	require.NoError(t, s.AddTask(&Task{
		ID: "bounded", Name: "Bounded", Enabled: true, RunOnStart: true, Interval: time.Hour,
		Timeout: 20 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			result <- ctx.Err()
			return ctx.Err()
		},
	}))

	s.Start(context.Background())
	defer s.Stop()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
}

func TestTaskConstructors(t *testing.T) {
	var called atomic.Int32
	reg := &TaskRegistry{
		RunPass: func(ctx context.Context) error { called.Add(1); return nil },
	}

	sync := NewSyncTask(reg, time.Minute)
	assert.Equal(t, "sync", sync.ID)
	assert.Equal(t, time.Minute, sync.Interval)
	assert.False(t, sync.RunOnStart)
	require.NoError(t, sync.Func(context.Background()))
	assert.Equal(t, int32(1), called.Load())

	monitor := NewAuthMonitorTask(reg, time.Minute)
	assert.True(t, monitor.RunOnStart)
	assert.Error(t, monitor.Func(context.Background()), "unconfigured function")

	assert.Error(t, NewStateSnapshotTask(reg, time.Minute).Func(context.Background()))
	assert.Error(t, NewOnlineCheckTask(reg, time.Minute).Func(context.Background()))
}
