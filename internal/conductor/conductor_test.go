package conductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/agent"
	"gobby/internal/config"
	"gobby/internal/llm"
	"gobby/internal/store"
)

type fakeOrch struct {
	mu      sync.Mutex
	spawned []agent.SpawnParams
	merged  []string
	release chan struct{}
	settled string
	timeout bool
}

func (f *fakeOrch) Spawn(_ context.Context, p agent.SpawnParams) (*store.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, p)
	wtID := "wt-" + p.Task
	return &store.AgentRun{ID: "run-" + p.Task, Status: store.RunRunning, WorktreeID: &wtID}, nil
}

func (f *fakeOrch) WaitForTask(ctx context.Context, taskID string, _ time.Duration) (*agent.WaitResult, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &agent.WaitResult{TaskID: taskID, Status: f.settled, TimedOut: f.timeout}, nil
}

func (f *fakeOrch) MergeStart(_ context.Context, sourceID string) (*agent.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, sourceID)
	return &agent.MergeResult{SourceID: sourceID, Branch: "b", Merged: true}, nil
}

func (f *fakeOrch) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeOrch) mergedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.merged...)
}

func seedTasks(t *testing.T, st *store.Store, n int) *store.Project {
	t.Helper()
	ctx := context.Background()
	proj, err := st.Projects.Create(ctx, "demo", t.TempDir(), "main")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := st.Tasks.Create(ctx, store.CreateTaskParams{
			ProjectID: proj.ID,
			Title:     "task",
			Priority:  2,
		})
		require.NoError(t, err)
	}
	return proj
}

func newConductor(t *testing.T, orch orchestrator, provider llm.Provider, cfg config.ConductorConfig) (*Conductor, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, orch, provider, cfg, nil), st
}

func TestAutonomousEnvOverridesConfig(t *testing.T) {
	c, _ := newConductor(t, &fakeOrch{}, nil, config.ConductorConfig{Autonomous: false})
	assert.False(t, c.Autonomous())

	t.Setenv(EnvAutonomous, "true")
	assert.True(t, c.Autonomous())

	t.Setenv(EnvAutonomous, "0")
	c.cfg.Autonomous = true
	assert.False(t, c.Autonomous())
}

func TestDispatchClaimsUpToMaxParallel(t *testing.T) {
	t.Setenv(EnvAutonomous, "1")
	orch := &fakeOrch{release: make(chan struct{}), settled: store.TaskCompleted}
	c, st := newConductor(t, orch, nil, config.ConductorConfig{MaxParallel: 2})
	seedTasks(t, st, 3)

	c.dispatch(context.Background())
	assert.Equal(t, 2, orch.spawnCount())
	assert.Len(t, c.Statusz().ClaimedTask, 2)

	// Parallel claims force clone isolation and headless mode.
	assert.Equal(t, agent.IsolationClone, orch.spawned[0].Isolation)
	assert.Equal(t, agent.ModeHeadless, orch.spawned[0].Mode)

	close(orch.release)
	require.Eventually(t, func() bool {
		return len(orch.mergedIDs()) == 2 && len(c.Statusz().ClaimedTask) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchSkipsTasksAlreadyInProgress(t *testing.T) {
	t.Setenv(EnvAutonomous, "1")
	orch := &fakeOrch{settled: store.TaskCompleted}
	c, st := newConductor(t, orch, nil, config.ConductorConfig{MaxParallel: 5})
	proj := seedTasks(t, st, 2)

	ctx := context.Background()
	tasks, err := st.Tasks.List(ctx, store.ListFilters{ProjectID: proj.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	// A live task from before a restart: in_progress but unclaimed in memory.
	require.NoError(t, st.Tasks.SetStatus(ctx, tasks[0].ID, store.TaskInProgress, "", ""))

	c.dispatch(ctx)
	require.Equal(t, 1, orch.spawnCount())
	assert.Equal(t, tasks[1].ID, orch.spawned[0].Task)

	// The launched task now carries the durable claim itself.
	launched, err := st.Tasks.Get(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, launched.Status)
}

func TestDispatchIdleWithoutAutonomousMode(t *testing.T) {
	t.Setenv(EnvAutonomous, "0")
	orch := &fakeOrch{}
	c, st := newConductor(t, orch, nil, config.ConductorConfig{Autonomous: true})
	seedTasks(t, st, 1)

	c.dispatch(context.Background())
	assert.Zero(t, orch.spawnCount())
}

func TestDispatchPausesWhenBudgetSpent(t *testing.T) {
	t.Setenv(EnvAutonomous, "1")
	t.Setenv(EnvTokenBudget, "10")
	orch := &fakeOrch{}
	c, st := newConductor(t, orch, nil, config.ConductorConfig{})
	seedTasks(t, st, 1)
	c.spent = 20

	c.dispatch(context.Background())
	assert.Zero(t, orch.spawnCount())
}

func TestSuperviseSkipsMergeOnFailedTask(t *testing.T) {
	t.Setenv(EnvAutonomous, "1")
	orch := &fakeOrch{settled: store.TaskFailed}
	c, st := newConductor(t, orch, nil, config.ConductorConfig{MaxParallel: 1})
	seedTasks(t, st, 1)

	c.dispatch(context.Background())
	require.Eventually(t, func() bool {
		return len(c.Statusz().ClaimedTask) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, orch.mergedIDs())
}

func TestSuperviseMergesReviewTask(t *testing.T) {
	t.Setenv(EnvAutonomous, "1")
	orch := &fakeOrch{settled: store.TaskReview}
	c, st := newConductor(t, orch, nil, config.ConductorConfig{MaxParallel: 1})
	seedTasks(t, st, 1)

	c.dispatch(context.Background())
	require.Eventually(t, func() bool {
		return len(orch.mergedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStopLifecycle(t *testing.T) {
	c, _ := newConductor(t, &fakeOrch{}, nil, config.ConductorConfig{})
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	assert.True(t, c.Statusz().Running)
	c.Stop()
	assert.False(t, c.Statusz().Running)
	c.Stop() // idempotent
}

func TestChatTracksTokenSpend(t *testing.T) {
	fake := llm.NewFake(&llm.Response{
		Text:  "Spawn an agent for task #1.",
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 5},
	})
	c, st := newConductor(t, &fakeOrch{}, fake, config.ConductorConfig{})
	proj := seedTasks(t, st, 1)

	reply, err := c.Chat(context.Background(), proj.ID, "what next?")
	require.NoError(t, err)
	assert.Contains(t, reply, "task #1")
	assert.Equal(t, 15, c.Statusz().TokensSpent)

	_, err = c.Chat(context.Background(), "", "  ")
	assert.Error(t, err)
}

func TestChatWithoutProvider(t *testing.T) {
	c, _ := newConductor(t, &fakeOrch{}, nil, config.ConductorConfig{})
	_, err := c.Chat(context.Background(), "", "hello")
	assert.Error(t, err)
}
