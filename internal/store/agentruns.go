package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// AgentRuns manages the durable record of spawned subagents.
type AgentRuns struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Create inserts a run row in status running.
func (r *AgentRuns) Create(ctx context.Context, run *AgentRun) error {
	if run.ID == "" {
		run.ID = NewUUID()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.Result == nil {
		run.Result = JSONMap{}
	}
	run.StartedAt = now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, parent_session_id, child_session_id, workflow_name, provider, model,
			status, prompt, isolation, mode, worktree_id, clone_id, task_id, pid, result, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ParentSessionID, run.ChildSessionID, run.WorkflowName, run.Provider, run.Model,
		run.Status, run.Prompt, run.Isolation, run.Mode, run.WorktreeID, run.CloneID, run.TaskID,
		run.PID, run.Result, run.StartedAt)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "insert agent run")
	}
	return nil
}

// Get returns a run by id.
func (r *AgentRuns) Get(ctx context.Context, id string) (*AgentRun, error) {
	var run AgentRun
	err := r.db.GetContext(ctx, &run, `SELECT * FROM agent_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("agent run %s", id)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get agent run")
	}
	return &run, nil
}

// List returns runs for a parent session, newest first; empty parent lists all.
func (r *AgentRuns) List(ctx context.Context, parentSessionID string) ([]AgentRun, error) {
	query := `SELECT * FROM agent_runs`
	var args []any
	if parentSessionID != "" {
		query += ` WHERE parent_session_id = ?`
		args = append(args, parentSessionID)
	}
	query += ` ORDER BY started_at DESC`
	var out []AgentRun
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list agent runs")
	}
	return out, nil
}

// SetChildSession links the spawned child session to the run.
func (r *AgentRuns) SetChildSession(ctx context.Context, runID, childSessionID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agent_runs SET child_session_id = ? WHERE id = ?`, childSessionID, runID)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set child session")
	}
	return requireRow(res, "agent run %s", runID)
}

// SetPID records the spawned process id.
func (r *AgentRuns) SetPID(ctx context.Context, runID string, pid int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agent_runs SET pid = ? WHERE id = ?`, pid, runID)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set run pid")
	}
	return requireRow(res, "agent run %s", runID)
}

// Finish records the terminal status and result payload.
func (r *AgentRuns) Finish(ctx context.Context, runID, status string, result JSONMap) error {
	if result == nil {
		result = JSONMap{}
	}
	ts := now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		status, result, ts, runID)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "finish agent run")
	}
	return requireRow(res, "agent run %s", runID)
}

// Delete removes a run row (spawn failure cleanup).
func (r *AgentRuns) Delete(ctx context.Context, runID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agent_runs WHERE id = ?`, runID)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "delete agent run")
	}
	return requireRow(res, "agent run %s", runID)
}
