package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Worktrees manages git worktree rows.
type Worktrees struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Create inserts a worktree row.
func (w *Worktrees) Create(ctx context.Context, wt *Worktree) error {
	if wt.ID == "" {
		wt.ID = NewWorktreeID(wt.ProjectID)
	}
	if wt.Status == "" {
		wt.Status = WorktreeActive
	}
	ts := now()
	wt.CreatedAt = ts
	wt.UpdatedAt = ts
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, project_id, task_id, branch_name, worktree_path, base_branch,
			agent_session_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wt.ID, wt.ProjectID, wt.TaskID, wt.BranchName, wt.WorktreePath, wt.BaseBranch,
		wt.AgentSessionID, wt.Status, wt.CreatedAt, wt.UpdatedAt)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "insert worktree")
	}
	return nil
}

// Get returns a worktree by id.
func (w *Worktrees) Get(ctx context.Context, id string) (*Worktree, error) {
	var wt Worktree
	err := w.db.GetContext(ctx, &wt, `SELECT * FROM worktrees WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("worktree %s", id)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get worktree")
	}
	return &wt, nil
}

// FindByBranch returns the active worktree for a branch, or nil.
func (w *Worktrees) FindByBranch(ctx context.Context, projectID, branch string) (*Worktree, error) {
	var wt Worktree
	err := w.db.GetContext(ctx, &wt, `
		SELECT * FROM worktrees WHERE project_id = ? AND branch_name = ? AND status = ?`,
		projectID, branch, WorktreeActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "find worktree by branch")
	}
	return &wt, nil
}

// List returns worktrees for a project (all projects when empty).
func (w *Worktrees) List(ctx context.Context, projectID, status string) ([]Worktree, error) {
	query := `SELECT * FROM worktrees WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	var out []Worktree
	if err := w.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list worktrees")
	}
	return out, nil
}

// SetStatus transitions worktree status.
func (w *Worktrees) SetStatus(ctx context.Context, id, status string) error {
	res, err := w.db.ExecContext(ctx,
		`UPDATE worktrees SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set worktree status")
	}
	return requireRow(res, "worktree %s", id)
}

// SetAgentSession links a spawned agent session to the worktree.
func (w *Worktrees) SetAgentSession(ctx context.Context, id, sessionID string) error {
	res, err := w.db.ExecContext(ctx,
		`UPDATE worktrees SET agent_session_id = ?, updated_at = ? WHERE id = ?`, sessionID, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set worktree session")
	}
	return requireRow(res, "worktree %s", id)
}

// ListStale returns active worktrees whose last update is older than the
// threshold.
func (w *Worktrees) ListStale(ctx context.Context, threshold time.Duration) ([]Worktree, error) {
	cutoff := now().Add(-threshold)
	var out []Worktree
	err := w.db.SelectContext(ctx, &out,
		`SELECT * FROM worktrees WHERE status = ? AND updated_at < ?`, WorktreeActive, cutoff)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list stale worktrees")
	}
	return out, nil
}

// Delete removes a worktree row.
func (w *Worktrees) Delete(ctx context.Context, id string) error {
	res, err := w.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "delete worktree")
	}
	return requireRow(res, "worktree %s", id)
}
