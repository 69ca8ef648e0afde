package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/gerrors"
	"gobby/internal/gitops"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// scriptCompleter adapts a scripted fake provider to the router-shaped
// interface.
type scriptCompleter struct{ fake *llm.Fake }

func (c scriptCompleter) Complete(ctx context.Context, _ string, req llm.Request) (*llm.Response, error) {
	return c.fake.Complete(ctx, req)
}

// blockingCompleter hangs until its context is cancelled.
type blockingCompleter struct{ started chan struct{} }

func (b blockingCompleter) Complete(ctx context.Context, _ string, _ llm.Request) (*llm.Response, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type env struct {
	store   *store.Store
	project *store.Project
	parent  *store.Session
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proj, err := st.Projects.Create(ctx, "demo", t.TempDir(), "main")
	require.NoError(t, err)
	parent, err := st.Sessions.Create(ctx, store.CreateSessionParams{ProjectID: proj.ID, Source: "claude"})
	require.NoError(t, err)
	return &env{store: st, project: proj, parent: parent}
}

func newOrch(t *testing.T, e *env, c completer) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(OrchestratorConfig{
		Store: e.store,
		Git:   gitops.New(logging.Nop()),
		LLM:   c,
		Defs:  NewDefLoader(logging.Nop()),
		Agents: config.AgentsConfig{
			GlobalDir:    t.TempDir(),
			MaxDepth:     2,
			PollInterval: 10 * time.Millisecond,
			KillTimeout:  200 * time.Millisecond,
		},
		Logger: logging.Nop(),
	})
	require.NoError(t, err)
	return o
}

func completeCall(output string) *llm.Response {
	input, _ := json.Marshal(map[string]any{"output": output})
	return &llm.Response{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCall{{ID: "call-1", Name: "complete", Input: input}},
	}
}

func TestMergedAppliesIsolationDefaults(t *testing.T) {
	def := merged(cloneDef(&generic), SpawnParams{Isolation: IsolationWorktree})
	assert.Equal(t, IsolationWorktree, def.Isolation)
	assert.Equal(t, ModeHeadless, def.Mode)
	assert.Equal(t, DefaultWorkflow, def.Workflow)

	def = merged(cloneDef(&generic), SpawnParams{Mode: ModeInProcess, Model: "opus"})
	assert.Equal(t, IsolationCurrent, def.Isolation)
	assert.Empty(t, def.Workflow)
	assert.Equal(t, "opus", def.Model)
}

func TestDefLoaderProjectShadowsGlobal(t *testing.T) {
	global := t.TempDir()
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(global, "reviewer.yaml"),
		[]byte("name: reviewer\nmodel: haiku\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "reviewer.yaml"),
		[]byte("name: reviewer\nmodel: sonnet\nisolation: worktree\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "broken.yaml"),
		[]byte(":\tnot yaml"), 0o644))

	l := NewDefLoader(logging.Nop(), global, project)
	def, err := l.Get("reviewer")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", def.Model)
	assert.Equal(t, IsolationWorktree, def.Isolation)

	_, err = l.Get("missing")
	assert.Equal(t, gerrors.KindNotFound, gerrors.KindOf(err))

	gen, err := l.Get("")
	require.NoError(t, err)
	assert.Equal(t, "generic", gen.Name)
}

func TestSynthesizeBranch(t *testing.T) {
	task := &store.Task{SeqNum: 7, Title: "Add Retry Logic"}
	assert.Equal(t, "task-7-add-retry-logic", synthesizeBranch(task, "agent"))
	assert.True(t, strings.HasPrefix(synthesizeBranch(nil, "fix"), "fix-"))
}

func TestSpawnInProcessRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	fake := llm.NewFake(completeCall("migrated the schema"))
	o := newOrch(t, e, scriptCompleter{fake})

	run, err := o.Spawn(ctx, SpawnParams{
		ParentSessionID: e.parent.ID,
		Prompt:          "migrate the schema",
		Mode:            ModeInProcess,
	})
	require.NoError(t, err)
	require.NotNil(t, run.ChildSessionID)

	child, err := e.store.Sessions.Get(ctx, *run.ChildSessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, child.AgentDepth)
	assert.Equal(t, child.ID, child.TerminalContext["cli_session_id"])

	require.Eventually(t, func() bool {
		got, err := e.store.Runs.Get(ctx, run.ID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := e.store.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "migrated the schema", got.Result["output"])
	assert.Empty(t, o.Registry().List())
}

func TestSpawnRejectsDepthOverflow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	deep, err := e.store.Sessions.Create(ctx, store.CreateSessionParams{
		ProjectID:       e.project.ID,
		Source:          "claude",
		ParentSessionID: e.parent.ID,
		AgentDepth:      2,
	})
	require.NoError(t, err)

	o := newOrch(t, e, scriptCompleter{llm.NewFake(completeCall("x"))})
	_, err = o.Spawn(ctx, SpawnParams{ParentSessionID: deep.ID, Prompt: "p", Mode: ModeInProcess})
	assert.Equal(t, gerrors.KindPermissionDenied, gerrors.KindOf(err))
}

func TestSpawnRejectsUnknownMode(t *testing.T) {
	e := newEnv(t)
	o := newOrch(t, e, nil)
	_, err := o.Spawn(context.Background(), SpawnParams{
		ParentSessionID: e.parent.ID, Prompt: "p", Mode: "warp",
	})
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
}

type failingActivator struct{ err error }

func (f failingActivator) Activate(context.Context, string, string) error { return f.err }

func TestSpawnFailsWhenWorkflowCannotActivate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := newOrch(t, e, scriptCompleter{llm.NewFake(completeCall("x"))})
	o.workflow = failingActivator{gerrors.NotFound("workflow missing not found")}

	_, err := o.Spawn(ctx, SpawnParams{
		ParentSessionID: e.parent.ID,
		Prompt:          "p",
		Mode:            ModeInProcess,
		Workflow:        "missing",
	})
	require.Error(t, err)
	assert.Equal(t, gerrors.KindNotFound, gerrors.KindOf(err))

	// The half-spawned run and session are rolled back.
	runs, err := e.store.Runs.List(ctx, e.parent.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestKillInProcessAgent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	block := blockingCompleter{started: make(chan struct{}, 1)}
	o := newOrch(t, e, block)

	run, err := o.Spawn(ctx, SpawnParams{ParentSessionID: e.parent.ID, Prompt: "p", Mode: ModeInProcess})
	require.NoError(t, err)
	<-block.started

	res, err := o.Kill(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyDead)
	assert.Equal(t, StatusKilled, res.Status)

	got, err := e.store.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, got.Status)

	// A second kill reports the run as already gone.
	res, err = o.Kill(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyDead)
}

func TestWaitForTaskTimesOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := newOrch(t, e, nil)
	task, err := e.store.Tasks.Create(ctx, store.CreateTaskParams{
		ProjectID: e.project.ID, Title: "slow", Priority: 2, Type: store.TypeTask,
	})
	require.NoError(t, err)

	res, err := o.WaitForTask(ctx, task.ID, 40*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, store.TaskPending, res.Status)
}

func TestWaitForAnyTaskReturnsOnFirstSettled(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := newOrch(t, e, nil)
	a, err := e.store.Tasks.Create(ctx, store.CreateTaskParams{
		ProjectID: e.project.ID, Title: "a", Priority: 2, Type: store.TypeTask,
	})
	require.NoError(t, err)
	b, err := e.store.Tasks.Create(ctx, store.CreateTaskParams{
		ProjectID: e.project.ID, Title: "b", Priority: 2, Type: store.TypeTask,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = e.store.Tasks.SetStatus(ctx, b.ID, store.TaskCompleted, "", "")
	}()

	results, timedOut, err := o.WaitForAnyTask(ctx, []string{a.ID, b.ID}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, timedOut)
	require.Len(t, results, 2)
	assert.Equal(t, store.TaskCompleted, results[1].Status)
}

func TestMessagesBetweenParentAndChild(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	fake := llm.NewFake(completeCall("done"))
	o := newOrch(t, e, scriptCompleter{fake})

	run, err := o.Spawn(ctx, SpawnParams{ParentSessionID: e.parent.ID, Prompt: "p", Mode: ModeInProcess})
	require.NoError(t, err)
	childID := *run.ChildSessionID

	msg, err := o.SendToChild(ctx, e.parent.ID, run.ID, "stop after the current file", "")
	require.NoError(t, err)
	assert.Equal(t, store.PriorityNormal, msg.Priority)

	inbox, err := o.PollMessages(ctx, childID, true)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "stop after the current file", inbox[0].Content)

	require.NoError(t, o.MarkMessageRead(ctx, inbox[0].ID))
	inbox, err = o.PollMessages(ctx, childID, true)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	_, err = o.SendToParent(ctx, childID, "need the API key", store.PriorityUrgent)
	require.NoError(t, err)
	up, err := o.PollMessages(ctx, e.parent.ID, true)
	require.NoError(t, err)
	require.Len(t, up, 1)
	assert.Equal(t, store.PriorityUrgent, up[0].Priority)
}

func TestEnhancePromptCarriesWorkspaceFacts(t *testing.T) {
	def := cloneDef(&generic)
	ws := &Workspace{Dir: "/tmp/wt", Branch: "task-3-fix-auth", Note: "commits stay local"}
	task := &store.Task{SeqNum: 3, Title: "fix auth"}

	out := enhancePrompt("fix the login bug", def, ws, task)
	assert.Contains(t, out, "fix the login bug")
	assert.Contains(t, out, "/tmp/wt")
	assert.Contains(t, out, "task-3-fix-auth")
	assert.Contains(t, out, "#3 fix auth")
	assert.Contains(t, out, "commits stay local")
}

func TestRegistryTracksLiveRuns(t *testing.T) {
	r := NewRegistry()
	r.Add(&Running{RunID: "r1", Mode: ModeHeadless})
	r.Add(&Running{RunID: "r2", Mode: ModeInProcess})

	got, ok := r.Get("r1")
	require.True(t, ok)
	assert.Equal(t, ModeHeadless, got.Mode)
	assert.Len(t, r.List(), 2)

	r.Remove("r1")
	_, ok = r.Get("r1")
	assert.False(t, ok)
}
