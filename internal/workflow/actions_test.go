package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/logging"
	"gobby/internal/store"
)

type fakeInvoker struct {
	server, tool string
	args         map[string]any
	out          string
	err          error
}

func (f *fakeInvoker) Invoke(_ context.Context, _, server, tool string, args map[string]any) (string, error) {
	f.server, f.tool, f.args = server, tool, args
	return f.out, f.err
}

// newSessionPair seeds a parent session with a handoff summary and a child
// hanging off it.
func newSessionPair(t *testing.T) (*store.Store, *store.Session, *store.Session) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proj, err := st.Projects.Create(ctx, "demo", t.TempDir(), "main")
	require.NoError(t, err)
	parent, err := st.Sessions.Create(ctx, store.CreateSessionParams{ProjectID: proj.ID, Source: "claude"})
	require.NoError(t, err)
	require.NoError(t, st.Sessions.SetSummary(ctx, parent.ID, "refactored the auth flow"))
	child, err := st.Sessions.Create(ctx, store.CreateSessionParams{
		ProjectID:       proj.ID,
		Source:          "claude",
		ParentSessionID: parent.ID,
		AgentDepth:      1,
	})
	require.NoError(t, err)
	return st, parent, child
}

func newState(sessionID string) *store.WorkflowState {
	return &store.WorkflowState{
		SessionID: sessionID,
		Variables: store.JSONMap{},
		Artifacts: store.JSONMap{},
	}
}

func TestCallMCPToolAction(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{out: `[{"id":"t-1"}]`}
	a := NewActions(ActionsConfig{MCP: inv, Logger: logging.Nop()})

	st := newState("s1")
	st.Variables["project"] = "p1"
	ns := Namespace{"variables": map[string]any(st.Variables)}
	err := a.runOne(ctx, ActionSpec{
		Action:   "call_mcp_tool",
		Server:   "gobby-tasks",
		Tool:     "list_ready",
		Args:     map[string]any{"project_id": "{{ variables.project }}"},
		OutputAs: "ready",
	}, st, ns, &ActionResult{})
	require.NoError(t, err)

	assert.Equal(t, "gobby-tasks", inv.server)
	assert.Equal(t, "list_ready", inv.tool)
	assert.Equal(t, "p1", inv.args["project_id"])
	assert.Equal(t, `[{"id":"t-1"}]`, st.Variables["ready"])
}

func TestCallMCPToolActionRequiresAddress(t *testing.T) {
	a := NewActions(ActionsConfig{MCP: &fakeInvoker{}, Logger: logging.Nop()})
	err := a.runOne(context.Background(), ActionSpec{Action: "call_mcp_tool", Tool: "list_ready"},
		newState("s1"), Namespace{}, &ActionResult{})
	assert.Error(t, err)

	none := NewActions(ActionsConfig{Logger: logging.Nop()})
	err = none.runOne(context.Background(), ActionSpec{Action: "call_mcp_tool", Server: "x", Tool: "y"},
		newState("s1"), Namespace{}, &ActionResult{})
	assert.Error(t, err)
}

func TestFindParentSessionAction(t *testing.T) {
	ctx := context.Background()
	st, parent, child := newSessionPair(t)
	a := NewActions(ActionsConfig{Sessions: st.Sessions, Logger: logging.Nop()})

	state := newState(child.ID)
	require.NoError(t, a.runOne(ctx, ActionSpec{Action: "find_parent_session"}, state, Namespace{}, &ActionResult{}))
	assert.Equal(t, parent.ID, state.Variables["parent_session_id"])

	state = newState(child.ID)
	require.NoError(t, a.runOne(ctx, ActionSpec{Action: "find_parent_session", OutputAs: "up"}, state, Namespace{}, &ActionResult{}))
	assert.Equal(t, parent.ID, state.Variables["up"])

	// The root session has no parent to find.
	err := a.runOne(ctx, ActionSpec{Action: "find_parent_session"}, newState(parent.ID), Namespace{}, &ActionResult{})
	assert.Error(t, err)
}

func TestRestoreContextAction(t *testing.T) {
	ctx := context.Background()
	st, parent, child := newSessionPair(t)
	a := NewActions(ActionsConfig{Sessions: st.Sessions, Logger: logging.Nop()})

	result := &ActionResult{}
	require.NoError(t, a.runOne(ctx, ActionSpec{Action: "restore_context"}, newState(child.ID), Namespace{}, result))
	require.Len(t, result.InjectContext, 1)
	assert.Contains(t, result.InjectContext[0], "refactored the auth flow")

	err := a.runOne(ctx, ActionSpec{Action: "restore_context"}, newState(parent.ID), Namespace{}, &ActionResult{})
	assert.Error(t, err)
}

func TestUnknownActionErrorsButRunStaysFailOpen(t *testing.T) {
	a := NewActions(ActionsConfig{Logger: logging.Nop()})
	err := a.runOne(context.Background(), ActionSpec{Action: "teleport"}, newState("s1"), Namespace{}, &ActionResult{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")

	// Run skips the failing action and still executes the rest.
	state := newState("s1")
	result := a.Run(context.Background(), []ActionSpec{
		{Action: "teleport"},
		{Action: "set_variable", Name: "mode", Value: "tdd"},
	}, state, Namespace{})
	assert.NotNil(t, result)
	assert.Equal(t, "tdd", state.Variables["mode"])
}
