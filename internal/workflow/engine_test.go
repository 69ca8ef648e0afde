package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/logging"
	"gobby/internal/store"
)

type fakeContextProvider struct{}

func (fakeContextProvider) Inject(_ context.Context, _, source string) (string, error) {
	return "context:" + source, nil
}

func newTestEngine(t *testing.T, workflows map[string]string) (*Engine, *store.Store, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proj, err := st.Projects.Create(ctx, "demo", t.TempDir(), "main")
	require.NoError(t, err)
	sess, err := st.Sessions.Create(ctx, store.CreateSessionParams{ProjectID: proj.ID, Source: "claude"})
	require.NoError(t, err)

	dir := t.TempDir()
	for name, body := range workflows {
		writeWorkflow(t, dir, name, body)
	}
	loader := NewLoader(logging.Nop(), dir)
	actions := NewActions(ActionsConfig{
		Sessions: st.Sessions,
		Context:  fakeContextProvider{},
		Logger:   logging.Nop(),
	})
	engine := NewEngine(st.Workflows, st.Audit, loader, actions, nil, logging.Nop())
	return engine, st, sess.ID
}

const planExecute = `
name: plan-execute
type: phase
phases:
  - name: plan
    allowed_tools: [Read, Glob, Grep]
    transitions:
      - when: file_is_plan()
        to: execute
  - name: execute
    allowed_tools: [all]
`

func TestPhaseBlocksDisallowedTool(t *testing.T) {
	ctx := context.Background()
	engine, st, sessID := newTestEngine(t, map[string]string{"plan-execute": planExecute})
	require.NoError(t, engine.Activate(ctx, sessID, "plan-execute"))

	dec, err := engine.HandleToolCall(ctx, sessID, "Edit", nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, dec.Decision)
	assert.Equal(t, "Tool 'Edit' not allowed in plan phase. Allowed: Read, Glob, Grep", dec.Message)

	entries, err := st.Audit.List(ctx, sessID, 0)
	require.NoError(t, err)
	var blocks int
	for _, e := range entries {
		if e.EventType == store.AuditToolCall && e.Result == "block" {
			blocks++
			assert.Equal(t, "Edit", e.ToolName)
		}
	}
	assert.Equal(t, 1, blocks)
}

func TestAllowedToolPassesAndCounts(t *testing.T) {
	ctx := context.Background()
	engine, st, sessID := newTestEngine(t, map[string]string{"plan-execute": planExecute})
	require.NoError(t, engine.Activate(ctx, sessID, "plan-execute"))

	dec, err := engine.HandleToolCall(ctx, sessID, "Read", map[string]any{"file_path": "main.go"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, dec.Decision)

	state, err := st.Workflows.ActivePhaseWorkflow(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.PhaseActionCount)
	assert.Equal(t, 1, state.TotalActionCount)
}

func TestTransitionOnMatch(t *testing.T) {
	ctx := context.Background()
	engine, st, sessID := newTestEngine(t, map[string]string{"plan-execute": planExecute})
	require.NoError(t, engine.Activate(ctx, sessID, "plan-execute"))

	// Reading the plan file satisfies the transition condition.
	dec, err := engine.HandleToolCall(ctx, sessID, "Read", map[string]any{"file_path": "docs/plan.md"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, dec.Decision)

	state, err := st.Workflows.ActivePhaseWorkflow(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "execute", state.CurrentPhase)

	// Edit is allowed now.
	dec, err = engine.HandleToolCall(ctx, sessID, "Edit", nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, dec.Decision)
}

const approvalWorkflow = `
name: guarded
type: phase
phases:
  - name: work
    allowed_tools: [all]
    rules:
      - id: push-guard
        when: command_contains("git push")
        action: require_approval
        prompt: "Push to remote?"
`

func TestRequireApprovalFlow(t *testing.T) {
	ctx := context.Background()
	engine, st, sessID := newTestEngine(t, map[string]string{"guarded": approvalWorkflow})
	require.NoError(t, engine.Activate(ctx, sessID, "guarded"))

	dec, err := engine.HandleToolCall(ctx, sessID, "Bash", map[string]any{"command": "git push origin main"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAsk, dec.Decision)
	assert.Equal(t, "Push to remote?", dec.Message)

	// Qualified replies leave the approval pending.
	dec, err = engine.HandleUserMessage(ctx, sessID, "yes, but later")
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, DecisionAsk, dec.Decision)

	// A second approval-requiring call is denied while one is pending.
	dec, err = engine.HandleToolCall(ctx, sessID, "Bash", map[string]any{"command": "git push --force"})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, dec.Decision)

	dec, err = engine.HandleUserMessage(ctx, sessID, "Yes")
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, DecisionAllow, dec.Decision)

	state, err := st.Workflows.ActivePhaseWorkflow(ctx, sessID)
	require.NoError(t, err)
	assert.Empty(t, state.ApprovalPending)
}

const exitWorkflow = `
name: counted
type: phase
phases:
  - name: first
    allowed_tools: [all]
    exit_conditions:
      - phase_action_count >= 1
  - name: second
    allowed_tools: [all]
    on_enter:
      - action: inject_context
        source: handoff
`

func TestExitConditionsAutoAdvance(t *testing.T) {
	ctx := context.Background()
	engine, st, sessID := newTestEngine(t, map[string]string{"counted": exitWorkflow})
	require.NoError(t, engine.Activate(ctx, sessID, "counted"))

	// First call: count is 0 at evaluation time, stays in first.
	_, err := engine.HandleToolCall(ctx, sessID, "Read", nil)
	require.NoError(t, err)
	state, err := st.Workflows.ActivePhaseWorkflow(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "first", state.CurrentPhase)

	// Second call sees count 1, advances and injects on_enter context.
	dec, err := engine.HandleToolCall(ctx, sessID, "Read", nil)
	require.NoError(t, err)
	assert.Contains(t, dec.InjectContext, "context:handoff")

	state, err = st.Workflows.ActivePhaseWorkflow(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "second", state.CurrentPhase)
}

func TestNoWorkflowAllowsEverything(t *testing.T) {
	ctx := context.Background()
	engine, _, sessID := newTestEngine(t, nil)

	dec, err := engine.HandleToolCall(ctx, sessID, "Edit", nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, dec.Decision)
}

func TestListAllowedToolsFilters(t *testing.T) {
	ctx := context.Background()
	engine, _, sessID := newTestEngine(t, map[string]string{"plan-execute": planExecute})
	require.NoError(t, engine.Activate(ctx, sessID, "plan-execute"))

	out, err := engine.ListAllowedTools(ctx, sessID, []string{"Read", "Edit", "Grep", "Bash"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Read", "Grep"}, out)
}
