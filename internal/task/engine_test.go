package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// providerCompleter adapts a bare provider to the router-shaped interface.
type providerCompleter struct{ p llm.Provider }

func (c providerCompleter) Complete(ctx context.Context, _ string, req llm.Request) (*llm.Response, error) {
	return c.p.Complete(ctx, req)
}

type fixture struct {
	store   *store.Store
	project *store.Project
	human   *store.Session
	agent   *store.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proj, err := st.Projects.Create(ctx, "demo", t.TempDir(), "main")
	require.NoError(t, err)
	human, err := st.Sessions.Create(ctx, store.CreateSessionParams{ProjectID: proj.ID, Source: "claude"})
	require.NoError(t, err)
	agent, err := st.Sessions.Create(ctx, store.CreateSessionParams{
		ProjectID:       proj.ID,
		Source:          "claude",
		ParentSessionID: human.ID,
		AgentDepth:      1,
	})
	require.NoError(t, err)
	return &fixture{store: st, project: proj, human: human, agent: agent}
}

func (f *fixture) newTask(t *testing.T, params store.CreateTaskParams) *store.Task {
	t.Helper()
	params.ProjectID = f.project.ID
	if params.Priority == 0 {
		params.Priority = 2
	}
	if params.Type == "" {
		params.Type = store.TypeTask
	}
	task, err := f.store.Tasks.Create(context.Background(), params)
	require.NoError(t, err)
	return task
}

func newEngine(f *fixture, p llm.Provider, cfg config.TasksConfig, bus *events.Bus) *Engine {
	var c completer
	if p != nil {
		c = providerCompleter{p}
	}
	return NewEngine(f.store, nil, c, bus, nil, cfg, logging.Nop())
}

func TestCloseByAgentGoesToReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := newEngine(f, nil, config.TasksConfig{}, nil)
	task := f.newTask(t, store.CreateTaskParams{Title: "add retry"})

	res, err := e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.agent.ID, CommitSHA: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, store.TaskReview, res.Task.Status)
	assert.NotNil(t, res.Task.ReviewAt)
	assert.Equal(t, "abc123", res.Task.ClosedCommitSHA)
}

func TestCloseByHumanCompletesAndUnblocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bus := events.NewBus(logging.Nop())
	t.Cleanup(bus.Close)

	ready := make(chan events.Event, 4)
	bus.Subscribe([]string{events.TypeTaskReady}, func(ev events.Event) { ready <- ev })

	e := newEngine(f, nil, config.TasksConfig{}, bus)
	blocker := f.newTask(t, store.CreateTaskParams{Title: "schema migration"})
	blocked := f.newTask(t, store.CreateTaskParams{Title: "api endpoint", Blocks: []string{blocker.ID}})

	res, err := e.Close(ctx, CloseParams{TaskID: blocker.ID, SessionID: f.human.ID})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, res.Task.Status)

	select {
	case ev := <-ready:
		assert.Equal(t, blocked.ID, ev.Payload["task_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no task.ready event")
	}
}

func TestCloseAgentForceCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := newEngine(f, nil, config.TasksConfig{}, nil)
	task := f.newTask(t, store.CreateTaskParams{Title: "quick fix"})

	res, err := e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.agent.ID, ForceComplete: true})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, res.Task.Status)
}

func TestCloseValidationLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fake := llm.NewFake(
		&llm.Response{Text: `{"passed": false, "feedback": "no tests added"}`},
		&llm.Response{Text: `{"passed": true, "feedback": "looks good"}`},
	)
	cfg := config.TasksConfig{
		ValidationEnabled:  true,
		MaxValidationFails: 3,
		CreateFixSubtask:   true,
	}
	e := newEngine(f, fake, cfg, nil)
	task := f.newTask(t, store.CreateTaskParams{
		Title:              "add caching",
		ValidationCriteria: "unit tests cover the cache layer",
	})

	res, err := e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.human.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Validation)
	assert.Equal(t, ValidationFailed, res.Validation.Status)
	assert.Equal(t, 1, res.Validation.FailCount)
	assert.NotEmpty(t, res.Validation.FixTaskID)
	assert.NotEqual(t, store.TaskCompleted, res.Task.Status)

	fix, err := f.store.Tasks.Get(ctx, res.Validation.FixTaskID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, *fix.ParentTaskID)
	assert.Equal(t, "no tests added", fix.Description)

	// The open fix subtask does not gate closing; the validator does.
	res, err = e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.human.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Validation)
	assert.Equal(t, ValidationPassed, res.Validation.Status)
	assert.Equal(t, store.TaskCompleted, res.Task.Status)
}

func TestValidationFailureCapFailsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fake := llm.NewFake(&llm.Response{Text: `{"passed": false, "feedback": "criteria unmet"}`})
	cfg := config.TasksConfig{ValidationEnabled: true, MaxValidationFails: 1}
	e := newEngine(f, fake, cfg, nil)
	task := f.newTask(t, store.CreateTaskParams{
		Title:              "doomed",
		ValidationCriteria: "impossible",
	})

	res, err := e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.human.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.TaskFailed)
	assert.Equal(t, store.TaskFailed, res.Task.Status)
}

func TestValidationErrorLeavesStatusPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fake := llm.NewFake(&llm.Response{Text: "not json at all"})
	cfg := config.TasksConfig{ValidationEnabled: true, MaxValidationFails: 3}
	e := newEngine(f, fake, cfg, nil)
	task := f.newTask(t, store.CreateTaskParams{
		Title:              "flaky validator",
		ValidationCriteria: "something",
	})

	_, err := e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.human.ID})
	require.Error(t, err)
	assert.Equal(t, gerrors.KindProvider, gerrors.KindOf(err))

	got, err := f.store.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status)
	assert.Equal(t, 0, got.ValidationFailCount)
}

func TestReopenOnlyFromClosedStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := newEngine(f, nil, config.TasksConfig{}, nil)
	task := f.newTask(t, store.CreateTaskParams{Title: "toggle"})

	_, err := e.Reopen(ctx, task.ID, f.human.ID, "not done yet")
	require.Error(t, err)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))

	_, err = e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.human.ID, CommitSHA: "def456"})
	require.NoError(t, err)

	got, err := e.Reopen(ctx, task.ID, f.human.ID, "regression found")
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, got.Status)
	assert.Empty(t, got.ClosedCommitSHA)
}

func TestCloseAlreadyCompletedRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := newEngine(f, nil, config.TasksConfig{}, nil)
	task := f.newTask(t, store.CreateTaskParams{Title: "once"})

	_, err := e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.human.ID})
	require.NoError(t, err)
	_, err = e.Close(ctx, CloseParams{TaskID: task.ID, SessionID: f.human.ID})
	require.Error(t, err)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
}

func TestPersistTodosCreatesTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := newEngine(f, nil, config.TasksConfig{}, nil)

	require.NoError(t, e.PersistTodos(ctx, f.human.ID, []string{"wire metrics", "", "fix flaky test"}, true))

	tasks, err := f.store.Tasks.List(ctx, store.ListFilters{ProjectID: f.project.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.NotNil(t, task.CreatedInSessionID)
		assert.Equal(t, f.human.ID, *task.CreatedInSessionID)
	}
}

func TestCompactClosedSummarizesOldTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fake := llm.NewFake(&llm.Response{Text: "Added the cache layer with LRU eviction."})
	cfg := config.TasksConfig{CompactionAge: time.Millisecond}
	e := newEngine(f, fake, cfg, nil)
	task := f.newTask(t, store.CreateTaskParams{
		Title:       "cache layer",
		Description: "a very long description of everything that happened",
	})
	require.NoError(t, f.store.Tasks.SetStatus(ctx, task.ID, store.TaskCompleted, "", ""))
	time.Sleep(5 * time.Millisecond)

	n, err := e.CompactClosed(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Added the cache layer with LRU eviction.", got.Description)
	assert.Equal(t, "cache layer", got.Title)
	assert.NotNil(t, got.CompactedAt)
}
