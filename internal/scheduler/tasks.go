package scheduler

import (
	"context"
	"fmt"
	"time"
)

// TaskRegistry holds references to system components for task execution.
type TaskRegistry struct {
	RunPass          func(ctx context.Context) error
	CheckAuthServers func(ctx context.Context) error
	CheckOnline      func(ctx context.Context) error
	SaveState        func(ctx context.Context) error
}

// NewSyncTask creates the client synchronization task.
func NewSyncTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "sync",
		Name:        "Client Sync",
		Description: "Reconcile firewall counters, roster and auth server",
		Interval:    interval,
		Enabled:     true,
		Func:        required("client sync", registry.RunPass),
	}
}

// NewAuthMonitorTask creates the auth server heartbeat task.
func NewAuthMonitorTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "auth-monitor",
		Name:        "Auth Server Monitor",
		Description: "Resolve and ping auth servers, toggle fail-open passthrough",
		Interval:    interval,
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     interval,
		Func:        required("auth monitor", registry.CheckAuthServers),
	}
}

// NewOnlineCheckTask creates the upstream connectivity task.
func NewOnlineCheckTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "online-check",
		Name:        "Online Check",
		Description: "Ping upstream probe targets",
		Interval:    interval,
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     interval,
		Func:        required("online check", registry.CheckOnline),
	}
}

// NewStateSnapshotTask creates the roster persistence task.
func NewStateSnapshotTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "state-snapshot",
		Name:        "State Snapshot",
		Description: "Persist the client roster",
		Interval:    interval,
		Enabled:     true,
		Timeout:     30 * time.Second,
		Func:        required("state snapshot", registry.SaveState),
	}
}

func required(name string, fn TaskFunc) TaskFunc {
	return func(ctx context.Context) error {
		if fn == nil {
			return fmt.Errorf("%s function not configured", name)
		}
		return fn(ctx)
	}
}
