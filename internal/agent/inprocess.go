package agent

import (
	"context"
	"encoding/json"
	"errors"

	"gobby/internal/hooks"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// completer is the slice of the llm router the agent layer needs.
type completer interface {
	Complete(ctx context.Context, ref string, req llm.Request) (*llm.Response, error)
}

// ToolRunner exposes the tool surface an in-process agent can call.
type ToolRunner interface {
	Tools(ctx context.Context, sessionID string) []llm.ToolDef
	Call(ctx context.Context, sessionID, name string, args map[string]any) (string, error)
}

// hookDispatcher routes in-process tool calls through the same decision
// pipeline spawned CLIs go through.
type hookDispatcher interface {
	Dispatch(ctx context.Context, ev *hooks.HookEvent) *hooks.Response
}

// hookSource identifies in-process agents to the dispatcher.
const hookSource = "gobby"

const defaultMaxTurns = 20

// completeTool signals the agent is done.
var completeTool = llm.ToolDef{
	Name:        "complete",
	Description: "Finish the assignment and report the outcome. Call exactly once, when done.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"output":         map[string]any{"type": "string", "description": "what was accomplished"},
			"status":         map[string]any{"type": "string", "enum": []string{"completed", "error"}},
			"artifacts":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"files_modified": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"next_steps":     map[string]any{"type": "string"},
		},
		"required": []string{"output"},
	},
}

type completeInput struct {
	Output        string   `json:"output"`
	Status        string   `json:"status"`
	Artifacts     []string `json:"artifacts"`
	FilesModified []string `json:"files_modified"`
	NextSteps     string   `json:"next_steps"`
}

// InProcessExecutor drives an agentic loop directly against the LLM,
// routing every tool call through the hook dispatcher so workflow
// restrictions apply to in-process agents too.
type InProcessExecutor struct {
	LLM    completer
	Hooks  hookDispatcher
	Tools  ToolRunner
	Logger logging.Logger
	OnDone func(runID, status string, result store.JSONMap)
}

func (x *InProcessExecutor) Start(ctx context.Context, sc *SpawnContext) (*Running, error) {
	loopCtx := context.Background()
	var cancel context.CancelFunc
	if sc.Timeout > 0 {
		loopCtx, cancel = context.WithTimeout(loopCtx, sc.Timeout)
	} else {
		loopCtx, cancel = context.WithCancel(loopCtx)
	}
	running := &Running{
		RunID:     sc.Run.ID,
		SessionID: sc.SessionID,
		Mode:      ModeInProcess,
		cancel:    cancel,
	}
	go func() {
		defer cancel()
		status, result := x.loop(loopCtx, sc)
		if x.OnDone != nil {
			x.OnDone(sc.Run.ID, status, result)
		}
	}()
	return running, nil
}

func (x *InProcessExecutor) loop(ctx context.Context, sc *SpawnContext) (string, store.JSONMap) {
	logger := logging.OrNop(x.Logger)
	maxTurns := sc.Def.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	tools := []llm.ToolDef{completeTool}
	if x.Tools != nil {
		tools = append(x.Tools.Tools(ctx, sc.SessionID), completeTool)
	}
	messages := []llm.Message{{Role: llm.RoleUser, Content: sc.Prompt}}

	for turn := 0; turn < maxTurns; turn++ {
		resp, err := x.LLM.Complete(ctx, sc.Def.Provider, llm.Request{
			Model:    sc.Def.Model,
			System:   sc.Def.SystemPrompt,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return StatusTimeout, store.JSONMap{"error": "deadline exceeded"}
			case errors.Is(err, context.Canceled):
				return StatusCancelled, store.JSONMap{"error": "cancelled"}
			}
			logger.Error("agent %s llm call: %v", sc.Run.ID, err)
			return StatusError, store.JSONMap{"error": err.Error()}
		}

		if resp.StopReason != llm.StopToolUse || len(resp.ToolCalls) == 0 {
			return StatusCompleted, store.JSONMap{"output": resp.Text}
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		var results []llm.ToolResult
		for _, call := range resp.ToolCalls {
			if call.Name == completeTool.Name {
				return finishFromComplete(call.Input)
			}
			results = append(results, x.runTool(ctx, sc, call))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}
	return StatusError, store.JSONMap{"error": "max turns exhausted"}
}

func (x *InProcessExecutor) runTool(ctx context.Context, sc *SpawnContext, call llm.ToolCall) llm.ToolResult {
	var args map[string]any
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return llm.ToolResult{ToolCallID: call.ID, Content: "invalid tool input: " + err.Error(), IsError: true}
	}

	if x.Hooks != nil {
		dec := x.Hooks.Dispatch(ctx, &hooks.HookEvent{
			EventType: hooks.EventToolCall,
			Source:    hookSource,
			SessionID: sc.SessionID,
			ToolName:  call.Name,
			ToolArgs:  args,
			CWD:       sc.Workspace.Dir,
		})
		if dec.Decision != hooks.DecisionAllow {
			msg := dec.Message
			if msg == "" {
				msg = "tool call blocked"
			}
			return llm.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
		}
	}

	if x.Tools == nil {
		return llm.ToolResult{ToolCallID: call.ID, Content: "no tool runner available", IsError: true}
	}
	out, err := x.Tools.Call(ctx, sc.SessionID, call.Name, args)
	isErr := err != nil
	if isErr {
		out = err.Error()
	}

	if x.Hooks != nil {
		x.Hooks.Dispatch(ctx, &hooks.HookEvent{
			EventType: hooks.EventToolResult,
			Source:    hookSource,
			SessionID: sc.SessionID,
			ToolName:  call.Name,
			ToolArgs:  args,
			IsError:   isErr,
		})
	}
	return llm.ToolResult{ToolCallID: call.ID, Content: out, IsError: isErr}
}

func finishFromComplete(input json.RawMessage) (string, store.JSONMap) {
	var in completeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return StatusError, store.JSONMap{"error": "invalid complete input: " + err.Error()}
	}
	status := in.Status
	if status != StatusError {
		status = StatusCompleted
	}
	result := store.JSONMap{"output": in.Output}
	if len(in.Artifacts) > 0 {
		result["artifacts"] = in.Artifacts
	}
	if len(in.FilesModified) > 0 {
		result["files_modified"] = in.FilesModified
	}
	if in.NextSteps != "" {
		result["next_steps"] = in.NextSteps
	}
	return status, result
}

// interrupt cancels the in-process loop.
func (r *Running) interrupt() bool {
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}
