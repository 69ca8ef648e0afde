package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/store"
)

// Expansion strategies.
const (
	StrategyPhased     = "phased"
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"
)

const (
	defaultMaxSubtasks = 10
	maxExpandTurns     = 12
)

// ExpandParams drives expand_task.
type ExpandParams struct {
	TaskID      string
	Strategy    string // empty = auto-select
	MaxSubtasks int
	TDDMode     bool
	SessionID   string
	Provider    string // llm reference, empty = default
}

var createTaskTool = llm.ToolDef{
	Name:        "create_task",
	Description: "Create one subtask of the task being expanded. Returns the new task id.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"details":     map[string]any{"type": "string"},
			"priority":    map[string]any{"type": "integer", "minimum": 1, "maximum": 3},
			"type":        map[string]any{"type": "string", "enum": []string{"bug", "feature", "task", "chore"}},
			"blocks": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "ids of subtasks created earlier in this expansion that must finish first",
			},
			"validation_criteria": map[string]any{"type": "string"},
		},
		"required": []string{"title"},
	},
}

type createTaskInput struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Details            string   `json:"details"`
	Priority           int      `json:"priority"`
	Type               string   `json:"type"`
	Blocks             []string `json:"blocks"`
	ValidationCriteria string   `json:"validation_criteria"`
}

// Expand breaks a task into subtasks through an LLM agent holding only the
// create_task tool. Dependencies are wired as the agent goes; the whole
// expansion rolls back if it errors or introduces a cycle.
func (e *Engine) Expand(ctx context.Context, p ExpandParams) ([]store.Task, error) {
	if err := e.requireLLM(); err != nil {
		return nil, err
	}
	parent, err := e.store.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}

	strategy := p.Strategy
	if strategy == "" {
		strategy = autoStrategy(parent)
	}
	switch strategy {
	case StrategyPhased, StrategySequential, StrategyParallel:
	default:
		return nil, gerrors.ConstraintViolation("unknown expansion strategy %q", strategy)
	}
	maxSubtasks := p.MaxSubtasks
	if maxSubtasks <= 0 {
		maxSubtasks = e.cfg.MaxSubtasks
	}
	if maxSubtasks <= 0 {
		maxSubtasks = defaultMaxSubtasks
	}

	var createdIDs []string
	created, err := e.runExpansion(ctx, parent, strategy, maxSubtasks, p, &createdIDs)
	if err == nil {
		err = e.store.Tasks.VerifyAcyclic(ctx, parent.ProjectID)
	}
	if err != nil {
		if rbErr := e.store.Tasks.DeleteMany(ctx, createdIDs); rbErr != nil {
			e.logger.Error("rollback expansion of %s: %v", parent.ID, rbErr)
		}
		return nil, err
	}

	e.publish(events.Event{
		Type:      events.TypeTaskCreated,
		ProjectID: parent.ProjectID,
		SessionID: p.SessionID,
		Payload:   map[string]any{"parent_task_id": parent.ID, "task_ids": createdIDs},
	})
	e.markDirty(parent.ProjectID)
	return created, nil
}

func (e *Engine) runExpansion(ctx context.Context, parent *store.Task, strategy string, maxSubtasks int, p ExpandParams, createdIDs *[]string) ([]store.Task, error) {
	messages := []llm.Message{{Role: llm.RoleUser, Content: expandUserPrompt(parent)}}
	var created []store.Task

	for turn := 0; turn < maxExpandTurns; turn++ {
		resp, err := e.llm.Complete(ctx, p.Provider, llm.Request{
			System:   expandSystemPrompt(strategy, maxSubtasks, p.TDDMode),
			Messages: messages,
			Tools:    []llm.ToolDef{createTaskTool},
		})
		if err != nil {
			return created, err
		}
		if resp.StopReason != llm.StopToolUse || len(resp.ToolCalls) == 0 {
			return created, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		var results []llm.ToolResult
		for _, call := range resp.ToolCalls {
			if call.Name != "create_task" {
				results = append(results, llm.ToolResult{
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("unknown tool %q", call.Name),
					IsError:    true,
				})
				continue
			}
			content, isErr := e.handleCreateTask(ctx, parent, p.SessionID, call.Input, maxSubtasks, createdIDs, &created)
			results = append(results, llm.ToolResult{ToolCallID: call.ID, Content: content, IsError: isErr})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}
	return created, nil
}

func (e *Engine) handleCreateTask(ctx context.Context, parent *store.Task, sessionID string, input json.RawMessage, maxSubtasks int, createdIDs *[]string, created *[]store.Task) (string, bool) {
	if len(*createdIDs) >= maxSubtasks {
		return fmt.Sprintf("subtask limit of %d reached; stop creating tasks", maxSubtasks), true
	}
	var in createTaskInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "invalid create_task input: " + err.Error(), true
	}
	if in.Priority == 0 {
		in.Priority = parent.Priority
	}
	if in.Type == "" {
		in.Type = store.TypeTask
	}
	task, err := e.store.Tasks.Create(ctx, store.CreateTaskParams{
		ProjectID:          parent.ProjectID,
		ParentTaskID:       parent.ID,
		Title:              in.Title,
		Description:        in.Description,
		Details:            in.Details,
		Priority:           in.Priority,
		Type:               in.Type,
		ValidationCriteria: in.ValidationCriteria,
		CreatedInSessionID: sessionID,
		Blocks:             in.Blocks,
	})
	if err != nil {
		return err.Error(), true
	}
	*createdIDs = append(*createdIDs, task.ID)
	*created = append(*created, *task)
	return task.ID, false
}

// autoStrategy picks phased for epics and parallel for tasks whose
// description flags independent work, else sequential.
func autoStrategy(task *store.Task) string {
	if task.Type == store.TypeEpic {
		return StrategyPhased
	}
	text := strings.ToLower(task.Description)
	if strings.Contains(text, "independent") || strings.Contains(text, "in parallel") {
		return StrategyParallel
	}
	return StrategySequential
}

func expandSystemPrompt(strategy string, maxSubtasks int, tddMode bool) string {
	var b strings.Builder
	b.WriteString("You break a software task into concrete subtasks using the create_task tool. ")
	b.WriteString("Call create_task once per subtask; each call returns the new task id. ")
	switch strategy {
	case StrategyPhased:
		b.WriteString("Group work into ordered phases: every subtask in a phase lists the previous phase's subtask ids in blocks. ")
	case StrategySequential:
		b.WriteString("Order subtasks strictly: each one lists the previous subtask's id in blocks. ")
	case StrategyParallel:
		b.WriteString("Keep subtasks independent: leave blocks empty unless an ordering is genuinely required. ")
	}
	if tddMode {
		b.WriteString("For each implementation subtask, first create a test-writing subtask and pass its id in the implementation subtask's blocks. ")
	}
	fmt.Fprintf(&b, "Create at most %d subtasks. When done, reply with a one-line summary instead of calling the tool.", maxSubtasks)
	return b.String()
}

func expandUserPrompt(task *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Expand this task into subtasks.\n\nTitle: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.Details != "" {
		fmt.Fprintf(&b, "Details: %s\n", task.Details)
	}
	if task.TestStrategy != "" {
		fmt.Fprintf(&b, "Test strategy: %s\n", task.TestStrategy)
	}
	return b.String()
}
