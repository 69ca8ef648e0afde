package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/hooks"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// recordingTools is a scripted ToolRunner.
type recordingTools struct {
	mu    sync.Mutex
	calls []string
	out   map[string]string
}

func (r *recordingTools) Tools(context.Context, string) []llm.ToolDef {
	return []llm.ToolDef{{Name: "read_file", Description: "read a file"}}
}

func (r *recordingTools) Call(_ context.Context, _ string, name string, args map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.out[name], nil
}

// denyingHooks blocks every tool call with a fixed message.
type denyingHooks struct{ events []string }

func (d *denyingHooks) Dispatch(_ context.Context, ev *hooks.HookEvent) *hooks.Response {
	d.events = append(d.events, ev.EventType)
	if ev.EventType == hooks.EventToolCall {
		return &hooks.Response{Decision: hooks.DecisionDeny, Message: "reads only during planning"}
	}
	return &hooks.Response{Decision: hooks.DecisionAllow}
}

func runLoop(t *testing.T, x *InProcessExecutor, fake *llm.Fake) (string, store.JSONMap) {
	t.Helper()
	done := make(chan struct{})
	var status string
	var result store.JSONMap
	x.OnDone = func(_, s string, r store.JSONMap) {
		status, result = s, r
		close(done)
	}
	_, err := x.Start(context.Background(), &SpawnContext{
		Run:       &store.AgentRun{ID: "run-1"},
		Def:       &Definition{Mode: ModeInProcess, MaxTurns: 5},
		Workspace: &Workspace{Dir: "/tmp"},
		Prompt:    "do the thing",
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish")
	}
	return status, result
}

func toolCall(name string, args map[string]any) *llm.Response {
	input, _ := json.Marshal(args)
	return &llm.Response{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCall{{ID: "c1", Name: name, Input: input}},
	}
}

func TestInProcessLoopRunsToolsThenCompletes(t *testing.T) {
	tools := &recordingTools{out: map[string]string{"read_file": "package main"}}
	fake := llm.NewFake(
		toolCall("read_file", map[string]any{"path": "main.go"}),
		completeCall("reviewed main.go"),
	)
	x := &InProcessExecutor{LLM: scriptCompleter{fake}, Tools: tools, Logger: logging.Nop()}

	status, result := runLoop(t, x, fake)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, "reviewed main.go", result["output"])
	assert.Equal(t, []string{"read_file"}, tools.calls)

	// The tool output went back to the model on the next turn.
	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "package main", last.ToolResults[0].Content)
}

func TestInProcessLoopHonorsHookDeny(t *testing.T) {
	tools := &recordingTools{out: map[string]string{}}
	hk := &denyingHooks{}
	fake := llm.NewFake(
		toolCall("read_file", map[string]any{"path": "secrets.env"}),
		completeCall("stopped"),
	)
	x := &InProcessExecutor{LLM: scriptCompleter{fake}, Tools: tools, Hooks: hk, Logger: logging.Nop()}

	status, _ := runLoop(t, x, fake)
	assert.Equal(t, StatusCompleted, status)
	assert.Empty(t, tools.calls)

	reqs := fake.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.Equal(t, "reads only during planning", last.ToolResults[0].Content)
}

func TestInProcessLoopCompleteStatusError(t *testing.T) {
	input, _ := json.Marshal(map[string]any{"output": "could not build", "status": "error", "next_steps": "fix go.mod"})
	fake := llm.NewFake(&llm.Response{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "complete", Input: input}},
	})
	x := &InProcessExecutor{LLM: scriptCompleter{fake}, Logger: logging.Nop()}

	status, result := runLoop(t, x, fake)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "could not build", result["output"])
	assert.Equal(t, "fix go.mod", result["next_steps"])
}

func TestInProcessLoopPlainTextCompletes(t *testing.T) {
	fake := llm.NewFake(&llm.Response{Text: "nothing to do"})
	x := &InProcessExecutor{LLM: scriptCompleter{fake}, Logger: logging.Nop()}

	status, result := runLoop(t, x, fake)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, "nothing to do", result["output"])
}

func TestInProcessLoopMaxTurns(t *testing.T) {
	tools := &recordingTools{out: map[string]string{"read_file": "x"}}
	fake := llm.NewFake(toolCall("read_file", map[string]any{"path": "a"}))
	x := &InProcessExecutor{LLM: scriptCompleter{fake}, Tools: tools, Logger: logging.Nop()}

	status, result := runLoop(t, x, fake)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "max turns exhausted", result["error"])
}
