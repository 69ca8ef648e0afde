package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/store"
)

// expandScript drives the expansion loop: each step may read the ids
// returned by earlier create_task calls to wire blocks edges.
type expandScript struct {
	step    int
	created []string
	steps   []func(created []string) (*llm.Response, error)
}

func (s *expandScript) Complete(_ context.Context, _ string, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		for _, tr := range last.ToolResults {
			if !tr.IsError {
				s.created = append(s.created, tr.Content)
			}
		}
	}
	if s.step >= len(s.steps) {
		return &llm.Response{Text: "done"}, nil
	}
	fn := s.steps[s.step]
	s.step++
	return fn(s.created)
}

func createCall(id string, in createTaskInput) llm.ToolCall {
	raw, _ := json.Marshal(in)
	return llm.ToolCall{ID: id, Name: "create_task", Input: raw}
}

func TestExpandWiresSubtaskDependencies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := &expandScript{steps: []func([]string) (*llm.Response, error){
		func(_ []string) (*llm.Response, error) {
			return &llm.Response{
				StopReason: llm.StopToolUse,
				ToolCalls:  []llm.ToolCall{createCall("t1", createTaskInput{Title: "write cache tests"})},
			}, nil
		},
		func(created []string) (*llm.Response, error) {
			return &llm.Response{
				StopReason: llm.StopToolUse,
				ToolCalls: []llm.ToolCall{createCall("t2", createTaskInput{
					Title:  "implement cache",
					Blocks: []string{created[0]},
				})},
			}, nil
		},
	}}
	e := NewEngine(f.store, nil, script, nil, nil, config.TasksConfig{}, nil)
	parent := f.newTask(t, store.CreateTaskParams{Title: "cache layer", Type: store.TypeEpic})

	created, err := e.Expand(ctx, ExpandParams{TaskID: parent.ID, TDDMode: true, SessionID: f.human.ID})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "write cache tests", created[0].Title)
	assert.Equal(t, parent.ID, *created[1].ParentTaskID)

	deps, err := f.store.Tasks.Dependencies(ctx, created[1].ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, created[0].ID, deps[0].DependsOn)
	assert.Equal(t, store.DepBlocks, deps[0].DepType)

	// The implementation subtask is blocked until its test subtask closes.
	ready, err := f.store.Tasks.ListReady(ctx, store.ListFilters{ProjectID: f.project.ID})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, task := range ready {
		ids[task.ID] = true
	}
	assert.True(t, ids[created[0].ID])
	assert.False(t, ids[created[1].ID])
}

func TestExpandRollsBackOnProviderError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := &expandScript{steps: []func([]string) (*llm.Response, error){
		func(_ []string) (*llm.Response, error) {
			return &llm.Response{
				StopReason: llm.StopToolUse,
				ToolCalls:  []llm.ToolCall{createCall("t1", createTaskInput{Title: "half done"})},
			}, nil
		},
		func(_ []string) (*llm.Response, error) {
			return nil, gerrors.Provider("model overloaded")
		},
	}}
	e := NewEngine(f.store, nil, script, nil, nil, config.TasksConfig{}, nil)
	parent := f.newTask(t, store.CreateTaskParams{Title: "doomed expansion"})

	_, err := e.Expand(ctx, ExpandParams{TaskID: parent.ID})
	require.Error(t, err)

	children, err := f.store.Tasks.List(ctx, store.ListFilters{ProjectID: f.project.ID, ParentTaskID: parent.ID})
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestExpandEnforcesSubtaskLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := &expandScript{steps: []func([]string) (*llm.Response, error){
		func(_ []string) (*llm.Response, error) {
			return &llm.Response{
				StopReason: llm.StopToolUse,
				ToolCalls: []llm.ToolCall{
					createCall("t1", createTaskInput{Title: "one"}),
					createCall("t2", createTaskInput{Title: "two"}),
				},
			}, nil
		},
	}}
	e := NewEngine(f.store, nil, script, nil, nil, config.TasksConfig{}, nil)
	parent := f.newTask(t, store.CreateTaskParams{Title: "small"})

	created, err := e.Expand(ctx, ExpandParams{TaskID: parent.ID, MaxSubtasks: 1})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestAutoStrategy(t *testing.T) {
	assert.Equal(t, StrategyPhased, autoStrategy(&store.Task{Type: store.TypeEpic}))
	assert.Equal(t, StrategyParallel, autoStrategy(&store.Task{
		Type:        store.TypeTask,
		Description: "three independent refactors",
	}))
	assert.Equal(t, StrategySequential, autoStrategy(&store.Task{Type: store.TypeFeature}))
}

func TestExpandWithoutProvider(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store, nil, nil, nil, nil, config.TasksConfig{}, nil)
	parent := f.newTask(t, store.CreateTaskParams{Title: "no llm"})

	_, err := e.Expand(context.Background(), ExpandParams{TaskID: parent.ID})
	require.Error(t, err)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
}
