package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Audit manages the append-only workflow audit log. Entries for a session
// are strictly ordered by (timestamp, insertion id).
type Audit struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Append writes one audit entry.
func (a *Audit) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now()
	}
	if entry.Context == nil {
		entry.Context = JSONMap{}
	}
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO workflow_audit (session_id, timestamp, phase, event_type, tool_name, rule_id,
			condition, result, reason, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Timestamp, entry.Phase, entry.EventType, entry.ToolName, entry.RuleID,
		entry.Condition, entry.Result, entry.Reason, entry.Context)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "append audit entry")
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// List returns a session's audit trail in insertion order.
func (a *Audit) List(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error) {
	query := `SELECT * FROM workflow_audit WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` DESC LIMIT ?`
		args = append(args, limit)
	}
	var out []AuditEntry
	if err := a.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list audit entries")
	}
	if limit > 0 {
		// The LIMIT query returns newest-first; flip back to insertion order.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}
