package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// ContextProvider resolves inject_context sources (handoff, skills,
// task_context, memories, ...) to text for a session.
type ContextProvider interface {
	Inject(ctx context.Context, sessionID, source string) (string, error)
}

// TaskPersister lets the persist_tasks action hand captured todos to the
// task engine.
type TaskPersister interface {
	PersistTodos(ctx context.Context, sessionID string, todos []string, linkToSession bool) error
}

// Completer is the LLM surface actions need.
type Completer interface {
	Complete(ctx context.Context, ref string, req llm.Request) (*llm.Response, error)
}

// ToolInvoker routes call_mcp_tool through the MCP hub.
type ToolInvoker interface {
	Invoke(ctx context.Context, sessionID, server, tool string, args map[string]any) (string, error)
}

// Actions executes on_enter/on_exit/trigger action lists. Every action is
// fail-open: an action error is logged and skipped unless it is a
// PermissionDenied from path validation.
type Actions struct {
	renderer *Renderer
	llm      Completer
	sessions *store.Sessions
	webhooks *events.WebhookDispatcher
	context  ContextProvider
	tasks    TaskPersister
	mcp      ToolInvoker
	repoRoot func(sessionID string) string
	logger   logging.Logger
}

// ActionsConfig wires the optional collaborators.
type ActionsConfig struct {
	LLM      Completer
	Sessions *store.Sessions
	Webhooks *events.WebhookDispatcher
	Context  ContextProvider
	Tasks    TaskPersister
	MCP      ToolInvoker
	// RepoRoot maps a session to its workspace root for capture_artifact.
	RepoRoot func(sessionID string) string
	Logger   logging.Logger
}

// NewActions builds an action executor.
func NewActions(cfg ActionsConfig) *Actions {
	return &Actions{
		renderer: NewRenderer(cfg.Logger),
		llm:      cfg.LLM,
		sessions: cfg.Sessions,
		webhooks: cfg.Webhooks,
		context:  cfg.Context,
		tasks:    cfg.Tasks,
		mcp:      cfg.MCP,
		repoRoot: cfg.RepoRoot,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// ActionResult accumulates the observable output of an action list.
type ActionResult struct {
	InjectContext []string
	Messages      []string
}

// Run executes specs in order against the state, mutating variables and
// artifacts in place.
func (a *Actions) Run(ctx context.Context, specs []ActionSpec, st *store.WorkflowState, ns Namespace) *ActionResult {
	result := &ActionResult{}
	for _, spec := range specs {
		if err := a.runOne(ctx, spec, st, ns, result); err != nil {
			a.logger.Warn("action %s failed (skipped): %v", spec.Action, err)
		}
	}
	return result
}

func (a *Actions) runOne(ctx context.Context, spec ActionSpec, st *store.WorkflowState, ns Namespace, result *ActionResult) error {
	switch spec.Action {
	case "inject_context":
		for _, source := range spec.Sources() {
			if a.context == nil {
				return fmt.Errorf("no context provider configured")
			}
			text, err := a.context.Inject(ctx, st.SessionID, source)
			if err != nil {
				return err
			}
			if text != "" {
				result.InjectContext = append(result.InjectContext, text)
			}
		}
	case "inject_message":
		result.Messages = append(result.Messages, a.renderer.Render(spec.Template, ns))
	case "set_variable":
		st.Variables[spec.Name] = renderValue(a.renderer, spec.Value, ns)
	case "increment_variable":
		cur, _ := toFloat(st.Variables[spec.Name])
		st.Variables[spec.Name] = cur + 1
	case "capture_artifact":
		return a.captureArtifact(spec, st, ns)
	case "call_llm":
		return a.callLLM(ctx, spec.Prompt, spec.OutputAs, st, ns)
	case "generate_summary":
		out := spec.OutputAs
		if out == "" {
			out = "summary"
		}
		return a.callLLM(ctx,
			"Summarize this session's work so the next session can pick up where it left off. Session state:\n{{workflow_state}}", out, st, ns)
	case "synthesize_title":
		out := spec.OutputAs
		if out == "" {
			out = "title"
		}
		return a.callLLM(ctx,
			"Produce a short title (max 8 words) for this session's work. Session state:\n{{workflow_state}}", out, st, ns)
	case "write_todos":
		st.Variables["todos"] = renderValue(a.renderer, spec.Value, ns)
	case "mark_todo_complete":
		return markTodoComplete(st, a.renderer.Render(spec.Name, ns))
	case "persist_tasks":
		if a.tasks == nil {
			return fmt.Errorf("no task persister configured")
		}
		return a.tasks.PersistTodos(ctx, st.SessionID, todoList(st), true)
	case "webhook":
		if a.webhooks == nil {
			return fmt.Errorf("no webhook dispatcher configured")
		}
		a.webhooks.Notify(ctx, spec.URL, events.Event{
			Type:      spec.Event,
			SessionID: st.SessionID,
			Payload:   map[string]any{"phase": st.CurrentPhase, "workflow": st.WorkflowName},
		})
	case "mark_session_status":
		if a.sessions == nil {
			return fmt.Errorf("no session store configured")
		}
		return a.sessions.UpdateStatus(ctx, st.SessionID, spec.Status)
	case "switch_mode":
		st.Variables["mode"] = renderValue(a.renderer, spec.Value, ns)
	case "call_mcp_tool":
		return a.callTool(ctx, spec, st, ns)
	case "find_parent_session":
		return a.findParentSession(ctx, spec, st)
	case "restore_context":
		return a.restoreContext(ctx, st, result)
	default:
		return fmt.Errorf("unknown action %q", spec.Action)
	}
	return nil
}

func renderValue(r *Renderer, v any, ns Namespace) any {
	if s, ok := v.(string); ok {
		return r.Render(s, ns)
	}
	return v
}

// captureArtifact reads a workspace file into the artifacts map. The pattern
// must stay inside the workspace root.
func (a *Actions) captureArtifact(spec ActionSpec, st *store.WorkflowState, ns Namespace) error {
	if a.repoRoot == nil {
		return fmt.Errorf("no workspace resolver configured")
	}
	root := a.repoRoot(st.SessionID)
	if root == "" {
		return fmt.Errorf("no workspace for session %s", st.SessionID)
	}
	pattern := a.renderer.Render(spec.Pattern, ns)
	full := filepath.Join(root, pattern)
	cleaned, err := filepath.Abs(full)
	if err != nil {
		return err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(cleaned, rootAbs+string(filepath.Separator)) {
		return gerrors.PermissionDenied("artifact pattern %q escapes workspace", spec.Pattern)
	}
	matches, err := filepath.Glob(cleaned)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no artifact matches %q", pattern)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return err
	}
	name := spec.As
	if name == "" {
		name = filepath.Base(matches[0])
	}
	st.Artifacts[name] = string(raw)
	return nil
}

func (a *Actions) callLLM(ctx context.Context, prompt, outputAs string, st *store.WorkflowState, ns Namespace) error {
	if a.llm == nil {
		return fmt.Errorf("no llm configured")
	}
	if outputAs == "" {
		return fmt.Errorf("call_llm requires output_as")
	}
	resp, err := a.llm.Complete(ctx, "", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: a.renderer.Render(prompt, ns)}},
	})
	if err != nil {
		return err
	}
	st.Variables[outputAs] = resp.Text
	return nil
}

// callTool invokes a namespaced MCP tool with rendered arguments. The
// result lands in Variables when output_as is set.
func (a *Actions) callTool(ctx context.Context, spec ActionSpec, st *store.WorkflowState, ns Namespace) error {
	if a.mcp == nil {
		return fmt.Errorf("no tool surface configured")
	}
	if spec.Server == "" || spec.Tool == "" {
		return fmt.Errorf("call_mcp_tool requires server and tool")
	}
	args := make(map[string]any, len(spec.Args))
	for k, v := range spec.Args {
		args[k] = renderValue(a.renderer, v, ns)
	}
	out, err := a.mcp.Invoke(ctx, st.SessionID, spec.Server, spec.Tool, args)
	if err != nil {
		return err
	}
	if spec.OutputAs != "" {
		st.Variables[spec.OutputAs] = out
	}
	return nil
}

// findParentSession stores the session's parent id in a variable
// (parent_session_id unless output_as overrides).
func (a *Actions) findParentSession(ctx context.Context, spec ActionSpec, st *store.WorkflowState) error {
	if a.sessions == nil {
		return fmt.Errorf("no session store configured")
	}
	sess, err := a.sessions.Get(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if sess.ParentSessionID == nil || *sess.ParentSessionID == "" {
		return fmt.Errorf("session %s has no parent", st.SessionID)
	}
	out := spec.OutputAs
	if out == "" {
		out = "parent_session_id"
	}
	st.Variables[out] = *sess.ParentSessionID
	return nil
}

// restoreContext injects the parent session's handoff summary.
func (a *Actions) restoreContext(ctx context.Context, st *store.WorkflowState, result *ActionResult) error {
	if a.sessions == nil {
		return fmt.Errorf("no session store configured")
	}
	sess, err := a.sessions.Get(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if sess.ParentSessionID == nil || *sess.ParentSessionID == "" {
		return fmt.Errorf("session %s has no parent", st.SessionID)
	}
	parent, err := a.sessions.Get(ctx, *sess.ParentSessionID)
	if err != nil {
		return err
	}
	if parent.SummaryMarkdown == "" {
		return nil
	}
	result.InjectContext = append(result.InjectContext,
		fmt.Sprintf("## Context from parent session #%d\n\n%s", parent.SeqNum, parent.SummaryMarkdown))
	return nil
}

func todoList(st *store.WorkflowState) []string {
	raw, _ := st.Variables["todos"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func markTodoComplete(st *store.WorkflowState, name string) error {
	raw, _ := st.Variables["todos"].([]any)
	for i, v := range raw {
		if s, ok := v.(string); ok && s == name {
			raw[i] = "[done] " + s
			st.Variables["todos"] = raw
			return nil
		}
	}
	return fmt.Errorf("todo %q not found", name)
}
