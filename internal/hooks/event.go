// Package hooks is the entry point for CLI hook events: it normalizes
// source-specific payloads, runs the plugin pipeline around the workflow
// engine, and returns the decision the CLI acts on.
package hooks

import (
	"gobby/internal/gerrors"
)

// Normalized hook event types.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventPromptSubmit = "prompt_submit"
	EventToolCall     = "tool_call"
	EventToolResult   = "tool_result"
	EventBeforeAgent  = "before_agent"
	EventStop         = "stop"
)

// HookEvent is the uniform shape every source CLI's payload normalizes to.
// SessionID is the CLI's native session id, not a store id.
type HookEvent struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	CWD       string         `json:"cwd,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// claudeEvents maps Claude Code hook names to normalized event types.
var claudeEvents = map[string]string{
	"SessionStart":     EventSessionStart,
	"SessionEnd":       EventSessionEnd,
	"UserPromptSubmit": EventPromptSubmit,
	"PreToolUse":       EventToolCall,
	"PostToolUse":      EventToolResult,
	"Stop":             EventStop,
	"SubagentStop":     EventStop,
	"PreCompact":       EventBeforeAgent,
}

// Normalize converts a raw CLI payload into a HookEvent. Unknown sources
// fall through to the generic field names.
func Normalize(source string, payload map[string]any) (*HookEvent, error) {
	name := str(payload, "hook_event_name", "event", "event_type", "type")
	if name == "" {
		return nil, gerrors.ConstraintViolation("hook payload from %q has no event name", source)
	}
	eventType := name
	if mapped, ok := claudeEvents[name]; ok {
		eventType = mapped
	}
	switch eventType {
	case EventSessionStart, EventSessionEnd, EventPromptSubmit,
		EventToolCall, EventToolResult, EventBeforeAgent, EventStop:
	default:
		return nil, gerrors.ConstraintViolation("unknown hook event %q from %q", name, source)
	}

	ev := &HookEvent{
		EventType: eventType,
		Source:    source,
		SessionID: str(payload, "session_id", "sessionId"),
		ToolName:  str(payload, "tool_name", "tool"),
		Prompt:    str(payload, "prompt", "user_prompt", "message"),
		CWD:       str(payload, "cwd", "working_directory"),
		Data:      payload,
	}
	if args, ok := firstMap(payload, "tool_input", "tool_args", "args"); ok {
		ev.ToolArgs = args
	}
	if resp, ok := firstMap(payload, "tool_response", "tool_result"); ok {
		if isErr, ok := resp["is_error"].(bool); ok {
			ev.IsError = isErr
		}
	}
	if isErr, ok := payload["is_error"].(bool); ok {
		ev.IsError = isErr
	}
	return ev, nil
}

func str(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstMap(payload map[string]any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		if v, ok := payload[k].(map[string]any); ok {
			return v, true
		}
	}
	return nil, false
}
