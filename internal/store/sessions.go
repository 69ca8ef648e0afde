package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Sessions manages the sessions table.
type Sessions struct {
	db     *sqlx.DB
	logger logging.Logger
}

// CreateParams are the inputs for a new session row.
type CreateSessionParams struct {
	ProjectID        string
	Source           string
	ParentSessionID  string
	SpawnedByAgentID string
	AgentDepth       int
	TerminalContext  JSONMap
	MachineID        string
}

// Create inserts a session, assigning the next per-project sequence number
// inside the insert transaction.
func (s *Sessions) Create(ctx context.Context, params CreateSessionParams) (*Session, error) {
	if params.ProjectID == "" {
		return nil, gerrors.ConstraintViolation("session requires a project_id")
	}
	sess := &Session{
		ID:              NewUUID(),
		ProjectID:       params.ProjectID,
		Source:          params.Source,
		AgentDepth:      params.AgentDepth,
		Status:          SessionActive,
		TerminalContext: params.TerminalContext,
		MachineID:       params.MachineID,
		CreatedAt:       now(),
		UpdatedAt:       now(),
	}
	if params.ParentSessionID != "" {
		sess.ParentSessionID = &params.ParentSessionID
	}
	if params.SpawnedByAgentID != "" {
		sess.SpawnedByAgentID = &params.SpawnedByAgentID
	}
	if sess.TerminalContext == nil {
		sess.TerminalContext = JSONMap{}
	}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &sess.SeqNum,
			`SELECT COALESCE(MAX(seq_num), 0) + 1 FROM sessions WHERE project_id = ?`, sess.ProjectID); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "next session seq")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, project_id, source, seq_num, parent_session_id, spawned_by_agent_id,
				agent_depth, status, summary_markdown, terminal_context, machine_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)`,
			sess.ID, sess.ProjectID, sess.Source, sess.SeqNum, sess.ParentSessionID, sess.SpawnedByAgentID,
			sess.AgentDepth, sess.Status, sess.TerminalContext, sess.MachineID, sess.CreatedAt, sess.UpdatedAt)
		if err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "insert session")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session by id.
func (s *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("session %s", id)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get session")
	}
	return &sess, nil
}

// GetByCLIID finds the most recent session registered for a source CLI's
// native session id, recorded under terminal_context.cli_session_id.
func (s *Sessions) GetByCLIID(ctx context.Context, source, cliSessionID string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT * FROM sessions
		WHERE source = ? AND json_extract(terminal_context, '$.cli_session_id') = ?
		ORDER BY created_at DESC LIMIT 1`, source, cliSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("session for %s id %s", source, cliSessionID)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get session by cli id")
	}
	return &sess, nil
}

// List returns sessions, optionally filtered by project and status.
func (s *Sessions) List(ctx context.Context, projectID, status string) ([]Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
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
	var out []Session
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list sessions")
	}
	return out, nil
}

// ResolveRef resolves `N`, `#N`, a full UUID, or an unambiguous UUID prefix
// to a session id. Numeric refs require projectID; without it they are
// ambiguous whenever more than one project has that sequence number.
func (s *Sessions) ResolveRef(ctx context.Context, ref, projectID string) (string, error) {
	return resolveRef(ctx, s.db, "sessions", "session", ref, projectID)
}

// UpdateStatus transitions a session's status.
func (s *Sessions) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "update session status")
	}
	return requireRow(res, "session %s", id)
}

// SetSummary stores the handoff summary and marks the session handoff_ready.
func (s *Sessions) SetSummary(ctx context.Context, id, summaryMarkdown string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET summary_markdown = ?, status = ?, updated_at = ? WHERE id = ?`,
		summaryMarkdown, SessionHandoffReady, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set session summary")
	}
	return requireRow(res, "session %s", id)
}

// SetTerminalContext merges keys into the session's terminal context map.
func (s *Sessions) SetTerminalContext(ctx context.Context, id string, extra JSONMap) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.TerminalContext == nil {
		sess.TerminalContext = JSONMap{}
	}
	for k, v := range extra {
		sess.TerminalContext[k] = v
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET terminal_context = ?, updated_at = ? WHERE id = ?`,
		sess.TerminalContext, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set terminal context")
	}
	return nil
}

// End marks a session ended.
func (s *Sessions) End(ctx context.Context, id string) error {
	endedAt := now()
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, updated_at = ? WHERE id = ?`, endedAt, endedAt, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "end session")
	}
	return requireRow(res, "session %s", id)
}

// ConsumeHandoff returns the oldest handoff_ready session for the given
// project and machine, marking it expired. Returns nil when none exists.
func (s *Sessions) ConsumeHandoff(ctx context.Context, projectID, machineID string) (*Session, error) {
	var sess Session
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &sess, `
			SELECT * FROM sessions
			WHERE project_id = ? AND machine_id = ? AND status = ?
			ORDER BY updated_at ASC LIMIT 1`,
			projectID, machineID, SessionHandoffReady)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		if err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "find handoff session")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			SessionExpired, now(), sess.ID); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "expire handoff session")
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Delete removes a session row.
func (s *Sessions) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "delete session")
	}
	return requireRow(res, "session %s", id)
}

// resolveRef implements the shared reference grammar for tasks and sessions.
func resolveRef(ctx context.Context, db *sqlx.DB, table, noun, ref, projectID string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", gerrors.NotFound("%s reference is empty", noun)
	}

	// `#N` or bare `N`
	numeric := strings.TrimPrefix(ref, "#")
	if seq, err := strconv.Atoi(numeric); err == nil {
		var ids []string
		var qerr error
		if projectID != "" {
			qerr = db.SelectContext(ctx, &ids,
				`SELECT id FROM `+table+` WHERE project_id = ? AND seq_num = ?`, projectID, seq)
		} else {
			qerr = db.SelectContext(ctx, &ids,
				`SELECT id FROM `+table+` WHERE seq_num = ?`, seq)
		}
		if qerr != nil {
			return "", gerrors.Wrap(gerrors.KindIntegrity, qerr, "resolve numeric ref")
		}
		switch len(ids) {
		case 0:
			return "", gerrors.NotFound("%s #%d not found", noun, seq)
		case 1:
			return ids[0], nil
		default:
			return "", gerrors.AmbiguousReference("%s #%d exists in %d projects; pass a project", noun, seq, len(ids))
		}
	}

	// Exact id.
	var exact string
	err := db.GetContext(ctx, &exact, `SELECT id FROM `+table+` WHERE id = ?`, ref)
	if err == nil {
		return exact, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", gerrors.Wrap(gerrors.KindIntegrity, err, "resolve exact ref")
	}

	// Unambiguous prefix.
	var ids []string
	if err := db.SelectContext(ctx, &ids,
		`SELECT id FROM `+table+` WHERE id LIKE ? LIMIT 3`, ref+"%"); err != nil {
		return "", gerrors.Wrap(gerrors.KindIntegrity, err, "resolve prefix ref")
	}
	switch len(ids) {
	case 0:
		return "", gerrors.NotFound("%s %q not found", noun, ref)
	case 1:
		return ids[0], nil
	default:
		return "", gerrors.AmbiguousReference("%s prefix %q matches multiple ids", noun, ref)
	}
}

// touch is shared by managers that bump updated_at without other changes.
func touch(ctx context.Context, db *sqlx.DB, table, id string, ts time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE `+table+` SET updated_at = ? WHERE id = ?`, ts, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "touch row")
	}
	return nil
}
