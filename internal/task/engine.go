// Package task owns the task graph lifecycle beyond plain CRUD: closing
// with the validation loop, reopening, LLM-driven expansion, JSONL sync,
// and compaction of old closed tasks.
package task

import (
	"context"
	"time"

	"gobby/internal/config"
	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/gitops"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// completer is the slice of the llm router the engine needs.
type completer interface {
	Complete(ctx context.Context, ref string, req llm.Request) (*llm.Response, error)
}

// Engine coordinates task state transitions. The llm client may be nil, in
// which case validation, expansion, and compaction report unavailable.
type Engine struct {
	store  *store.Store
	git    *gitops.Git
	llm    completer
	bus    *events.Bus
	sync   *Syncer
	cfg    config.TasksConfig
	logger logging.Logger

	// External, when set together with use_external_validator, replaces the
	// in-process validation call with a spawned validator agent.
	External func(ctx context.Context, task *store.Task, diff string) (*Verdict, error)
}

// NewEngine wires the task engine. git, llmClient, bus, and sync are all
// optional; absent pieces disable the features that need them.
func NewEngine(st *store.Store, git *gitops.Git, llmClient completer, bus *events.Bus, sync *Syncer, cfg config.TasksConfig, logger logging.Logger) *Engine {
	return &Engine{
		store:  st,
		git:    git,
		llm:    llmClient,
		bus:    bus,
		sync:   sync,
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
}

// CloseParams drives a close_task call.
type CloseParams struct {
	TaskID         string
	SessionID      string
	CommitSHA      string
	ChangesSummary string
	ForceComplete  bool
	RepoDir        string // validation diff source; defaults to the project repo
}

// CloseResult reports the final task state and, when the validation loop
// ran, its verdict.
type CloseResult struct {
	Task       *store.Task       `json:"task"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// Close closes a task. Sessions with agent_depth > 0 land the task in
// review unless force_complete is set; everyone else completes it. When
// validation is enabled and the task has criteria, the validation loop runs
// first and a failed verdict leaves the task open.
func (e *Engine) Close(ctx context.Context, p CloseParams) (*CloseResult, error) {
	task, err := e.store.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status == store.TaskCompleted {
		return nil, gerrors.ConstraintViolation("task %s is already completed", task.ID)
	}

	depth := 0
	if p.SessionID != "" {
		sess, err := e.store.Sessions.Get(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		depth = sess.AgentDepth
	}

	result := &CloseResult{}
	if e.cfg.ValidationEnabled && task.ValidationCriteria != "" && !p.ForceComplete {
		verdict, err := e.Validate(ctx, task.ID, e.repoDir(ctx, task, p.RepoDir))
		if err != nil {
			return nil, err
		}
		result.Validation = verdict
		if verdict.Status != ValidationPassed {
			result.Task, err = e.store.Tasks.Get(ctx, task.ID)
			return result, err
		}
	}

	status := store.TaskCompleted
	if depth > 0 && !p.ForceComplete {
		status = store.TaskReview
	}
	if err := e.store.Tasks.SetStatus(ctx, task.ID, status, p.SessionID, p.CommitSHA); err != nil {
		return nil, err
	}
	if p.ChangesSummary != "" {
		e.logger.Info("task %s closed: %s", task.ID, p.ChangesSummary)
	}

	result.Task, err = e.store.Tasks.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	e.publish(events.Event{
		Type:      events.TypeTaskClosed,
		ProjectID: task.ProjectID,
		SessionID: p.SessionID,
		Payload: map[string]any{
			"task_id":         task.ID,
			"status":          status,
			"commit_sha":      p.CommitSHA,
			"changes_summary": p.ChangesSummary,
		},
	})
	if status == store.TaskCompleted {
		e.announceUnblocked(ctx, task)
	}
	e.markDirty(task.ProjectID)
	return result, nil
}

// Reopen moves a task from review, completed, or failed back to
// in_progress and clears its closing commit.
func (e *Engine) Reopen(ctx context.Context, taskID, sessionID, reason string) (*store.Task, error) {
	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case store.TaskReview, store.TaskCompleted, store.TaskFailed:
	default:
		return nil, gerrors.ConstraintViolation(
			"task %s cannot be reopened from %s", task.ID, task.Status)
	}
	if err := e.store.Tasks.SetStatus(ctx, task.ID, store.TaskInProgress, sessionID, ""); err != nil {
		return nil, err
	}
	if reason != "" {
		e.logger.Info("task %s reopened: %s", task.ID, reason)
	}
	task, err = e.store.Tasks.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	e.publish(events.Event{
		Type:      events.TypeTaskUpdated,
		ProjectID: task.ProjectID,
		SessionID: sessionID,
		Payload:   map[string]any{"task_id": task.ID, "status": task.Status, "reason": reason},
	})
	e.markDirty(task.ProjectID)
	return task, nil
}

// PersistTodos creates one pending task per todo line. Implements the
// workflow action dependency.
func (e *Engine) PersistTodos(ctx context.Context, sessionID string, todos []string, linkToSession bool) error {
	sess, err := e.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, todo := range todos {
		if todo == "" {
			continue
		}
		params := store.CreateTaskParams{
			ProjectID: sess.ProjectID,
			Title:     todo,
			Priority:  2,
			Type:      store.TypeTask,
		}
		if linkToSession {
			params.CreatedInSessionID = sessionID
		}
		if _, err := e.store.Tasks.Create(ctx, params); err != nil {
			return err
		}
	}
	e.markDirty(sess.ProjectID)
	return nil
}

// announceUnblocked publishes task.ready for dependents that the completed
// task was the last blocker of.
func (e *Engine) announceUnblocked(ctx context.Context, completed *store.Task) {
	deps, err := e.store.Tasks.Dependents(ctx, completed.ID)
	if err != nil {
		e.logger.Warn("list dependents of %s: %v", completed.ID, err)
		return
	}
	ready, err := e.store.Tasks.ListReady(ctx, store.ListFilters{ProjectID: completed.ProjectID})
	if err != nil {
		e.logger.Warn("list ready tasks: %v", err)
		return
	}
	readySet := make(map[string]bool, len(ready))
	for _, t := range ready {
		readySet[t.ID] = true
	}
	for _, d := range deps {
		if d.DepType != store.DepBlocks || !readySet[d.TaskID] {
			continue
		}
		e.publish(events.Event{
			Type:      events.TypeTaskReady,
			ProjectID: completed.ProjectID,
			Payload:   map[string]any{"task_id": d.TaskID, "unblocked_by": completed.ID},
		})
	}
}

// repoDir resolves where validation diffs come from: explicit override,
// else the project's repo path.
func (e *Engine) repoDir(ctx context.Context, task *store.Task, override string) string {
	if override != "" {
		return override
	}
	proj, err := e.store.Projects.Get(ctx, task.ProjectID)
	if err != nil {
		e.logger.Warn("resolve project %s: %v", task.ProjectID, err)
		return ""
	}
	return proj.RepoPath
}

func (e *Engine) publish(ev events.Event) {
	if e.bus == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.bus.Publish(ev)
}

func (e *Engine) markDirty(projectID string) {
	if e.sync != nil {
		e.sync.MarkDirty(projectID)
	}
}

func (e *Engine) requireLLM() error {
	if e.llm == nil {
		return gerrors.ConstraintViolation("no llm provider configured")
	}
	return nil
}
