package agent

import (
	"context"
	"time"

	"gobby/internal/store"
)

// WaitResult reports the state of one awaited task.
type WaitResult struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// taskSettled reports whether a task has left the open states.
func taskSettled(status string) bool {
	return status != store.TaskPending && status != store.TaskInProgress
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.cfg.PollInterval > 0 {
		return o.cfg.PollInterval
	}
	return 5 * time.Second
}

// WaitForTask polls until the task settles or the timeout expires.
func (o *Orchestrator) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*WaitResult, error) {
	results, timedOut, err := o.waitForTasks(ctx, []string{taskID}, timeout, false)
	if err != nil {
		return nil, err
	}
	res := results[0]
	res.TimedOut = timedOut
	return &res, nil
}

// WaitForAnyTask polls until at least one of the tasks settles.
func (o *Orchestrator) WaitForAnyTask(ctx context.Context, taskIDs []string, timeout time.Duration) ([]WaitResult, bool, error) {
	return o.waitForTasks(ctx, taskIDs, timeout, true)
}

// WaitForAllTasks polls until every task settles.
func (o *Orchestrator) WaitForAllTasks(ctx context.Context, taskIDs []string, timeout time.Duration) ([]WaitResult, bool, error) {
	return o.waitForTasks(ctx, taskIDs, timeout, false)
}

// waitForTasks is the shared poll loop. With any=true it returns on the
// first settled task; otherwise on all. On timeout it returns the current
// statuses with timedOut set rather than an error.
func (o *Orchestrator) waitForTasks(ctx context.Context, taskIDs []string, timeout time.Duration, any bool) ([]WaitResult, bool, error) {
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(o.pollInterval())
	defer ticker.Stop()

	for {
		results, done, err := o.snapshotTasks(ctx, taskIDs, any)
		if err != nil {
			return nil, false, err
		}
		if done {
			return results, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-deadline:
			return results, true, nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) snapshotTasks(ctx context.Context, taskIDs []string, any bool) ([]WaitResult, bool, error) {
	results := make([]WaitResult, 0, len(taskIDs))
	settled := 0
	for _, id := range taskIDs {
		task, err := o.store.Tasks.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		results = append(results, WaitResult{TaskID: task.ID, Status: task.Status})
		if taskSettled(task.Status) {
			settled++
		}
	}
	if any {
		return results, settled > 0, nil
	}
	return results, settled == len(taskIDs), nil
}
