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

// Clones manages shallow-clone rows.
type Clones struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Create inserts a clone row.
func (c *Clones) Create(ctx context.Context, cl *Clone) error {
	if cl.ID == "" {
		cl.ID = NewCloneID()
	}
	if cl.Status == "" {
		cl.Status = CloneActive
	}
	ts := now()
	cl.CreatedAt = ts
	cl.UpdatedAt = ts
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO clones (id, project_id, task_id, branch_name, clone_path, base_branch, remote_url,
			agent_session_id, status, last_sync_at, cleanup_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cl.ID, cl.ProjectID, cl.TaskID, cl.BranchName, cl.ClonePath, cl.BaseBranch, cl.RemoteURL,
		cl.AgentSessionID, cl.Status, cl.LastSyncAt, cl.CleanupAfter, cl.CreatedAt, cl.UpdatedAt)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "insert clone")
	}
	return nil
}

// Get returns a clone by id.
func (c *Clones) Get(ctx context.Context, id string) (*Clone, error) {
	var cl Clone
	err := c.db.GetContext(ctx, &cl, `SELECT * FROM clones WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("clone %s", id)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get clone")
	}
	return &cl, nil
}

// List returns clones for a project (all when empty).
func (c *Clones) List(ctx context.Context, projectID, status string) ([]Clone, error) {
	query := `SELECT * FROM clones WHERE 1=1`
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
	var out []Clone
	if err := c.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list clones")
	}
	return out, nil
}

// SetStatus transitions clone status.
func (c *Clones) SetStatus(ctx context.Context, id, status string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE clones SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set clone status")
	}
	return requireRow(res, "clone %s", id)
}

// SetAgentSession links a spawned agent session to the clone.
func (c *Clones) SetAgentSession(ctx context.Context, id, sessionID string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE clones SET agent_session_id = ?, updated_at = ? WHERE id = ?`, sessionID, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set clone session")
	}
	return requireRow(res, "clone %s", id)
}

// MarkSynced records a successful push/sync.
func (c *Clones) MarkSynced(ctx context.Context, id string) error {
	ts := now()
	res, err := c.db.ExecContext(ctx,
		`UPDATE clones SET status = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`,
		CloneSynced, ts, ts, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "mark clone synced")
	}
	return requireRow(res, "clone %s", id)
}

// MarkMerged sets status merged and schedules retention cleanup.
func (c *Clones) MarkMerged(ctx context.Context, id string, retention time.Duration) error {
	ts := now()
	cleanupAfter := ts.Add(retention)
	res, err := c.db.ExecContext(ctx,
		`UPDATE clones SET status = ?, cleanup_after = ?, updated_at = ? WHERE id = ?`,
		CloneMerged, cleanupAfter, ts, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "mark clone merged")
	}
	return requireRow(res, "clone %s", id)
}

// ListExpired returns merged clones past their retention deadline.
func (c *Clones) ListExpired(ctx context.Context) ([]Clone, error) {
	var out []Clone
	err := c.db.SelectContext(ctx, &out,
		`SELECT * FROM clones WHERE status = ? AND cleanup_after IS NOT NULL AND cleanup_after < ?`,
		CloneMerged, now())
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list expired clones")
	}
	return out, nil
}

// Delete removes a clone row.
func (c *Clones) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM clones WHERE id = ?`, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "delete clone")
	}
	return requireRow(res, "clone %s", id)
}
