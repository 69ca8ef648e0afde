// Package llm abstracts the model providers used for conflict resolution,
// task expansion, and the in-process agent loop. Adapters translate the
// neutral request/response types into provider SDK calls.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolDef describes a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult carries the outcome of a tool call back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one turn in a conversation. Assistant turns may carry tool
// calls; user turns may carry tool results from the preceding assistant turn.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is a provider-neutral completion request.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	MaxTokens     int
	Temperature   float64
	Tools         []ToolDef
	StopSequences []string
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a provider-neutral completion response.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// StopToolUse is reported when the model stopped to call tools.
const StopToolUse = "tool_use"

// Provider issues completions against one configured backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
