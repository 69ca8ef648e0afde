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

// WorkflowStates manages per-session workflow runtime rows.
type WorkflowStates struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Activate inserts a workflow state for a session. At most one phase-based
// workflow may be active per session; re-activating the same definition is
// idempotent, a different active definition returns AlreadyActive semantics
// via ConstraintViolation.
func (w *WorkflowStates) Activate(ctx context.Context, state *WorkflowState) error {
	if state.SessionID == "" || state.WorkflowName == "" {
		return gerrors.ConstraintViolation("workflow state requires session_id and workflow_name")
	}
	return withTx(ctx, w.db, func(tx *sqlx.Tx) error {
		if state.WorkflowType != "lifecycle" {
			var existing WorkflowState
			err := tx.GetContext(ctx, &existing, `
				SELECT * FROM workflow_states
				WHERE session_id = ? AND active = 1 AND workflow_type != 'lifecycle'`,
				state.SessionID)
			if err == nil {
				if existing.WorkflowName == state.WorkflowName && existing.Definition == state.Definition {
					return nil // idempotent re-activation
				}
				return gerrors.ConstraintViolation(
					"session %s already has active workflow %q", state.SessionID, existing.WorkflowName)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return gerrors.Wrap(gerrors.KindIntegrity, err, "check active workflow")
			}
		}
		ts := now()
		state.CreatedAt = ts
		state.UpdatedAt = ts
		state.Active = true
		if state.Variables == nil {
			state.Variables = JSONMap{}
		}
		if state.Artifacts == nil {
			state.Artifacts = JSONMap{}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_states (session_id, workflow_name, workflow_type, definition, current_phase,
				phase_entered_at, phase_action_count, total_action_count, variables, artifacts,
				approval_pending, context_injected, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (session_id, workflow_name) DO UPDATE SET
				workflow_type = excluded.workflow_type,
				definition = excluded.definition,
				current_phase = excluded.current_phase,
				phase_entered_at = excluded.phase_entered_at,
				phase_action_count = 0,
				total_action_count = 0,
				variables = excluded.variables,
				artifacts = excluded.artifacts,
				approval_pending = '',
				context_injected = 0,
				active = 1,
				updated_at = excluded.updated_at`,
			state.SessionID, state.WorkflowName, state.WorkflowType, state.Definition, state.CurrentPhase,
			state.PhaseEnteredAt, state.PhaseActionCount, state.TotalActionCount, state.Variables,
			state.Artifacts, state.ApprovalPending, state.ContextInjected, ts, ts)
		if err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "activate workflow")
		}
		return nil
	})
}

// ActivePhaseWorkflow returns the single active phase/step workflow for a
// session, or nil when none is active.
func (w *WorkflowStates) ActivePhaseWorkflow(ctx context.Context, sessionID string) (*WorkflowState, error) {
	var state WorkflowState
	err := w.db.GetContext(ctx, &state, `
		SELECT * FROM workflow_states
		WHERE session_id = ? AND active = 1 AND workflow_type != 'lifecycle'`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get active workflow")
	}
	return &state, nil
}

// ActiveLifecycleWorkflows returns all active lifecycle workflows for a session.
func (w *WorkflowStates) ActiveLifecycleWorkflows(ctx context.Context, sessionID string) ([]WorkflowState, error) {
	var out []WorkflowState
	err := w.db.SelectContext(ctx, &out, `
		SELECT * FROM workflow_states
		WHERE session_id = ? AND active = 1 AND workflow_type = 'lifecycle'
		ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list lifecycle workflows")
	}
	return out, nil
}

// Save persists mutations to an existing state row.
func (w *WorkflowStates) Save(ctx context.Context, state *WorkflowState) error {
	state.UpdatedAt = now()
	res, err := w.db.ExecContext(ctx, `
		UPDATE workflow_states SET current_phase = ?, phase_entered_at = ?, phase_action_count = ?,
			total_action_count = ?, variables = ?, artifacts = ?, approval_pending = ?,
			context_injected = ?, active = ?, updated_at = ?
		WHERE session_id = ? AND workflow_name = ?`,
		state.CurrentPhase, state.PhaseEnteredAt, state.PhaseActionCount,
		state.TotalActionCount, state.Variables, state.Artifacts, state.ApprovalPending,
		state.ContextInjected, state.Active, state.UpdatedAt,
		state.SessionID, state.WorkflowName)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "save workflow state")
	}
	return requireRow(res, "workflow state %s/%s", state.SessionID, state.WorkflowName)
}

// Deactivate ends a workflow for a session.
func (w *WorkflowStates) Deactivate(ctx context.Context, sessionID, workflowName string) error {
	res, err := w.db.ExecContext(ctx, `
		UPDATE workflow_states SET active = 0, updated_at = ?
		WHERE session_id = ? AND workflow_name = ?`, now(), sessionID, workflowName)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "deactivate workflow")
	}
	return requireRow(res, "workflow state %s/%s", sessionID, workflowName)
}

// EnterPhase updates phase bookkeeping in one statement.
func (w *WorkflowStates) EnterPhase(ctx context.Context, sessionID, workflowName, phase string, at time.Time) error {
	res, err := w.db.ExecContext(ctx, `
		UPDATE workflow_states SET current_phase = ?, phase_entered_at = ?, phase_action_count = 0, updated_at = ?
		WHERE session_id = ? AND workflow_name = ?`, phase, at, now(), sessionID, workflowName)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "enter phase")
	}
	return requireRow(res, "workflow state %s/%s", sessionID, workflowName)
}
