package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
	"gobby/internal/store"
	"gobby/internal/workflow"
)

func TestNormalizeClaudePayload(t *testing.T) {
	ev, err := Normalize("claude", map[string]any{
		"hook_event_name": "PreToolUse",
		"session_id":      "cc-123",
		"tool_name":       "Bash",
		"tool_input":      map[string]any{"command": "git status"},
		"cwd":             "/work/repo",
	})
	require.NoError(t, err)
	assert.Equal(t, EventToolCall, ev.EventType)
	assert.Equal(t, "cc-123", ev.SessionID)
	assert.Equal(t, "Bash", ev.ToolName)
	assert.Equal(t, "git status", ev.ToolArgs["command"])
}

func TestNormalizeGenericPayload(t *testing.T) {
	ev, err := Normalize("gemini", map[string]any{
		"event":      "prompt_submit",
		"session_id": "g-9",
		"message":    "please deploy",
	})
	require.NoError(t, err)
	assert.Equal(t, EventPromptSubmit, ev.EventType)
	assert.Equal(t, "please deploy", ev.Prompt)
}

func TestNormalizeRejectsUnknownEvent(t *testing.T) {
	_, err := Normalize("codex", map[string]any{"event": "mystery"})
	require.Error(t, err)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))

	_, err = Normalize("codex", map[string]any{"session_id": "x"})
	require.Error(t, err)
}

type testEnv struct {
	store   *store.Store
	project *store.Project
	engine  *workflow.Engine
	dir     string
}

func newTestEnv(t *testing.T, workflows map[string]string) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	proj, err := st.Projects.Create(ctx, "demo", dir, "main")
	require.NoError(t, err)

	wfDir := t.TempDir()
	for name, body := range workflows {
		require.NoError(t, os.WriteFile(filepath.Join(wfDir, name+".yaml"), []byte(body), 0o644))
	}
	loader := workflow.NewLoader(logging.Nop(), wfDir)
	actions := workflow.NewActions(workflow.ActionsConfig{Sessions: st.Sessions, Logger: logging.Nop()})
	eng := workflow.NewEngine(st.Workflows, st.Audit, loader, actions, nil, logging.Nop())
	return &testEnv{store: st, project: proj, engine: eng, dir: dir}
}

func writeProjectFile(t *testing.T, dir, projectID string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".gobby"), 0o755))
	data, err := json.Marshal(projectFile{ProjectID: projectID})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gobby", "project.json"), data, 0o644))
}

func TestSessionStartRegistersAndInjectsRef(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	writeProjectFile(t, env.dir, env.project.ID)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())

	resp := d.Dispatch(ctx, &HookEvent{
		EventType: EventSessionStart,
		Source:    "claude",
		SessionID: "cc-1",
		CWD:       env.dir,
	})
	assert.Equal(t, DecisionAllow, resp.Decision)
	require.NotEmpty(t, resp.InjectContext)
	assert.Contains(t, resp.InjectContext[0], "session #1")

	sess, err := env.store.Sessions.GetByCLIID(ctx, "claude", "cc-1")
	require.NoError(t, err)
	assert.Equal(t, env.project.ID, sess.ProjectID)

	// A second start for the same CLI session reuses the row.
	d.Dispatch(ctx, &HookEvent{EventType: EventSessionStart, Source: "claude", SessionID: "cc-1", CWD: env.dir})
	sessions, err := env.store.Sessions.List(ctx, env.project.ID, "")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionStartInSubdirectoryFindsProjectFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	writeProjectFile(t, env.dir, env.project.ID)
	sub := filepath.Join(env.dir, "pkg", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())
	d.Dispatch(ctx, &HookEvent{EventType: EventSessionStart, Source: "claude", SessionID: "cc-2", CWD: sub})

	sess, err := env.store.Sessions.GetByCLIID(ctx, "claude", "cc-2")
	require.NoError(t, err)
	assert.Equal(t, env.project.ID, sess.ProjectID)
}

const gatedWorkflow = `
name: gated
type: phase
phases:
  - name: plan
    allowed_tools: [Read]
`

func startSession(t *testing.T, d *Dispatcher, env *testEnv, cliID string) *store.Session {
	t.Helper()
	ctx := context.Background()
	d.Dispatch(ctx, &HookEvent{EventType: EventSessionStart, Source: "claude", SessionID: cliID, CWD: env.dir})
	sess, err := env.store.Sessions.GetByCLIID(ctx, "claude", cliID)
	require.NoError(t, err)
	return sess
}

func TestToolCallDelegatesToWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"gated": gatedWorkflow})
	writeProjectFile(t, env.dir, env.project.ID)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())
	sess := startSession(t, d, env, "cc-3")
	require.NoError(t, env.engine.Activate(ctx, sess.ID, "gated"))

	resp := d.Dispatch(ctx, &HookEvent{
		EventType: EventToolCall,
		Source:    "claude",
		SessionID: "cc-3",
		ToolName:  "Edit",
	})
	assert.Equal(t, DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Message, "not allowed in plan phase")

	resp = d.Dispatch(ctx, &HookEvent{
		EventType: EventToolCall,
		Source:    "claude",
		SessionID: "cc-3",
		ToolName:  "Read",
	})
	assert.Equal(t, DecisionAllow, resp.Decision)
}

func TestToolResultBumpsCounters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"gated": gatedWorkflow})
	writeProjectFile(t, env.dir, env.project.ID)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())
	sess := startSession(t, d, env, "cc-4")
	require.NoError(t, env.engine.Activate(ctx, sess.ID, "gated"))

	d.Dispatch(ctx, &HookEvent{EventType: EventToolResult, Source: "claude", SessionID: "cc-4", ToolName: "Read"})
	d.Dispatch(ctx, &HookEvent{EventType: EventToolResult, Source: "claude", SessionID: "cc-4", ToolName: "Edit"})
	d.Dispatch(ctx, &HookEvent{EventType: EventToolResult, Source: "claude", SessionID: "cc-4", ToolName: "Bash", IsError: true})

	st, err := env.store.Workflows.ActivePhaseWorkflow(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), st.Variables["files_read"])
	assert.Equal(t, float64(1), st.Variables["files_modified"])
	assert.Equal(t, float64(1), st.Variables["errors"])
}

type pluginFunc struct {
	name     string
	priority int
	fn       func(ctx context.Context, ev *HookEvent) (*Response, error)
	calls    int
}

func (p *pluginFunc) Name() string  { return p.name }
func (p *pluginFunc) Priority() int { return p.priority }
func (p *pluginFunc) Handle(ctx context.Context, ev *HookEvent) (*Response, error) {
	p.calls++
	if p.fn == nil {
		return nil, nil
	}
	return p.fn(ctx, ev)
}

func TestPrePluginDenyShortCircuits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	writeProjectFile(t, env.dir, env.project.ID)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())
	startSession(t, d, env, "cc-5")

	deny := &pluginFunc{name: "guard", priority: 10, fn: func(context.Context, *HookEvent) (*Response, error) {
		return &Response{Decision: DecisionDeny, Message: "vetoed"}, nil
	}}
	post := &pluginFunc{name: "audit", priority: 90}
	d.Register(post)
	d.Register(deny)

	resp := d.Dispatch(ctx, &HookEvent{EventType: EventToolCall, Source: "claude", SessionID: "cc-5", ToolName: "Bash"})
	assert.Equal(t, DecisionDeny, resp.Decision)
	assert.Equal(t, "vetoed", resp.Message)
	// Post-plugins still observe the denied event.
	assert.Equal(t, 1, post.calls)
}

func TestPrePluginModifyRewritesArgs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	writeProjectFile(t, env.dir, env.project.ID)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())
	startSession(t, d, env, "cc-6")

	d.Register(&pluginFunc{name: "rewrite", priority: 5, fn: func(_ context.Context, ev *HookEvent) (*Response, error) {
		return &Response{Decision: DecisionAllow, ModifyRequest: map[string]any{"command": "git status"}}, nil
	}})

	ev := &HookEvent{
		EventType: EventToolCall,
		Source:    "claude",
		SessionID: "cc-6",
		ToolName:  "Bash",
		ToolArgs:  map[string]any{"command": "git push --force"},
	}
	resp := d.Dispatch(ctx, ev)
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Equal(t, "git status", ev.ToolArgs["command"])
	assert.Equal(t, map[string]any{"command": "git status"}, resp.ModifyRequest)
}

func TestPluginErrorsFailOpen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	writeProjectFile(t, env.dir, env.project.ID)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())
	startSession(t, d, env, "cc-7")

	d.Register(&pluginFunc{name: "broken", priority: 1, fn: func(context.Context, *HookEvent) (*Response, error) {
		return nil, gerrors.Internal("plugin exploded")
	}})

	resp := d.Dispatch(ctx, &HookEvent{EventType: EventToolCall, Source: "claude", SessionID: "cc-7", ToolName: "Read"})
	assert.Equal(t, DecisionAllow, resp.Decision)
}

func TestUnknownSessionFailsOpen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())

	resp := d.Dispatch(ctx, &HookEvent{EventType: EventToolCall, Source: "claude", SessionID: "never-seen", ToolName: "Read"})
	assert.Equal(t, DecisionAllow, resp.Decision)
}

func TestSessionEndMarksEnded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	writeProjectFile(t, env.dir, env.project.ID)
	d := NewDispatcher(env.store, env.engine, nil, logging.Nop())
	sess := startSession(t, d, env, "cc-8")

	resp := d.Dispatch(ctx, &HookEvent{EventType: EventSessionEnd, Source: "claude", SessionID: "cc-8"})
	assert.Equal(t, DecisionAllow, resp.Decision)

	got, err := env.store.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
}
