package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/logging"
	"gobby/internal/store"
	"gobby/internal/workflow"
)

// Hook decisions returned to the CLI.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// Response is what the CLI adapter receives for a hook event.
type Response struct {
	Decision      string         `json:"decision"`
	Message       string         `json:"message,omitempty"`
	InjectContext []string       `json:"inject_context,omitempty"`
	ModifyRequest map[string]any `json:"modify_request,omitempty"`
}

func allow() *Response { return &Response{Decision: DecisionAllow} }

// Handler is a plugin in the dispatch pipeline. Priorities below
// corePriority run before core handling and may veto or modify; the rest
// observe after it.
type Handler interface {
	Name() string
	Priority() int
	Handle(ctx context.Context, ev *HookEvent) (*Response, error)
}

// corePriority splits pre-plugins from post-plugins.
const corePriority = 50

// engine is the slice of the workflow engine the dispatcher uses.
type engine interface {
	HandleToolCall(ctx context.Context, sessionID, tool string, args map[string]any) (*workflow.Decision, error)
	HandleUserMessage(ctx context.Context, sessionID, message string) (*workflow.Decision, error)
	RecordToolResult(ctx context.Context, sessionID, tool string, isError bool)
	RunTriggers(ctx context.Context, sessionID, event string) (*workflow.ActionResult, error)
}

// Dispatcher routes every hook event through pre-plugins, core session and
// workflow handling, and post-plugins, then broadcasts the decision.
type Dispatcher struct {
	store  *store.Store
	engine engine
	bus    *events.Bus
	logger logging.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewDispatcher wires the hook pipeline. engine and bus may be nil.
func NewDispatcher(st *store.Store, eng engine, bus *events.Bus, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		engine: eng,
		bus:    bus,
		logger: logging.OrNop(logger),
	}
}

// Register adds a plugin handler, kept in priority order.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
	sort.SliceStable(d.handlers, func(i, j int) bool {
		return d.handlers[i].Priority() < d.handlers[j].Priority()
	})
}

// Dispatch runs the pipeline for one event. It never returns an error for
// plugin or core failures; those log and fail open.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *HookEvent) *Response {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	final := allow()
	for _, h := range handlers {
		if h.Priority() >= corePriority {
			break
		}
		resp, err := h.Handle(ctx, ev)
		if err != nil {
			d.logger.Warn("hook plugin %s: %v", h.Name(), err)
			continue
		}
		if resp == nil {
			continue
		}
		final.InjectContext = append(final.InjectContext, resp.InjectContext...)
		if len(resp.ModifyRequest) > 0 {
			if ev.ToolArgs == nil {
				ev.ToolArgs = map[string]any{}
			}
			for k, v := range resp.ModifyRequest {
				ev.ToolArgs[k] = v
			}
			final.ModifyRequest = resp.ModifyRequest
		}
		if resp.Decision == DecisionDeny || resp.Decision == DecisionAsk {
			final.Decision = resp.Decision
			final.Message = resp.Message
			d.finish(ev, final, handlers)
			return final
		}
	}

	core, err := d.core(ctx, ev)
	if err != nil {
		d.logger.Error("hook core handling for %s/%s: %v", ev.Source, ev.EventType, err)
		core = allow()
	}
	final.Decision = core.Decision
	if core.Message != "" {
		final.Message = core.Message
	}
	final.InjectContext = append(final.InjectContext, core.InjectContext...)

	d.finish(ev, final, handlers)
	return final
}

// finish runs the observing post-plugins and broadcasts the decision.
func (d *Dispatcher) finish(ev *HookEvent, final *Response, handlers []Handler) {
	for _, h := range handlers {
		if h.Priority() < corePriority {
			continue
		}
		if _, err := h.Handle(context.Background(), ev); err != nil {
			d.logger.Warn("hook plugin %s: %v", h.Name(), err)
		}
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:      events.TypeHookDecision,
			Timestamp: time.Now().UTC(),
			Payload: map[string]any{
				"event_type": ev.EventType,
				"source":     ev.Source,
				"tool":       ev.ToolName,
				"decision":   final.Decision,
			},
		})
	}
}

func (d *Dispatcher) core(ctx context.Context, ev *HookEvent) (*Response, error) {
	switch ev.EventType {
	case EventSessionStart:
		return d.sessionStart(ctx, ev)
	case EventSessionEnd:
		return d.sessionEnd(ctx, ev)
	case EventPromptSubmit:
		return d.promptSubmit(ctx, ev)
	case EventToolCall:
		return d.toolCall(ctx, ev)
	case EventToolResult:
		return d.toolResult(ctx, ev)
	default:
		return d.lifecycle(ctx, ev)
	}
}

func (d *Dispatcher) sessionStart(ctx context.Context, ev *HookEvent) (*Response, error) {
	sess, err := d.store.Sessions.GetByCLIID(ctx, ev.Source, ev.SessionID)
	if gerrors.KindOf(err) == gerrors.KindNotFound {
		sess, err = d.registerSession(ctx, ev)
	}
	if err != nil {
		return nil, err
	}

	resp := allow()
	resp.InjectContext = append(resp.InjectContext, fmt.Sprintf(
		"You are gobby session #%d (%s). Refer to yourself as session #%d when using gobby tools.",
		sess.SeqNum, sess.ID, sess.SeqNum))
	d.runTriggers(ctx, sess.ID, EventSessionStart, resp)
	return resp, nil
}

func (d *Dispatcher) sessionEnd(ctx context.Context, ev *HookEvent) (*Response, error) {
	sess, err := d.store.Sessions.GetByCLIID(ctx, ev.Source, ev.SessionID)
	if err != nil {
		return nil, err
	}
	resp := allow()
	d.runTriggers(ctx, sess.ID, EventSessionEnd, resp)
	if err := d.store.Sessions.End(ctx, sess.ID); err != nil {
		return nil, err
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:      events.TypeSessionEnded,
			SessionID: sess.ID,
			ProjectID: sess.ProjectID,
			Timestamp: time.Now().UTC(),
		})
	}
	return resp, nil
}

func (d *Dispatcher) promptSubmit(ctx context.Context, ev *HookEvent) (*Response, error) {
	sess, err := d.store.Sessions.GetByCLIID(ctx, ev.Source, ev.SessionID)
	if err != nil {
		return nil, err
	}
	if d.engine == nil {
		return allow(), nil
	}
	dec, err := d.engine.HandleUserMessage(ctx, sess.ID, ev.Prompt)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		resp := allow()
		d.runTriggers(ctx, sess.ID, EventPromptSubmit, resp)
		return resp, nil
	}
	return fromDecision(dec), nil
}

func (d *Dispatcher) toolCall(ctx context.Context, ev *HookEvent) (*Response, error) {
	sess, err := d.store.Sessions.GetByCLIID(ctx, ev.Source, ev.SessionID)
	if err != nil {
		return nil, err
	}
	if d.engine == nil {
		return allow(), nil
	}
	dec, err := d.engine.HandleToolCall(ctx, sess.ID, ev.ToolName, ev.ToolArgs)
	if err != nil {
		return nil, err
	}
	return fromDecision(dec), nil
}

func (d *Dispatcher) toolResult(ctx context.Context, ev *HookEvent) (*Response, error) {
	sess, err := d.store.Sessions.GetByCLIID(ctx, ev.Source, ev.SessionID)
	if err != nil {
		return nil, err
	}
	if d.engine != nil {
		d.engine.RecordToolResult(ctx, sess.ID, ev.ToolName, ev.IsError)
	}
	resp := allow()
	d.runTriggers(ctx, sess.ID, EventToolResult, resp)
	return resp, nil
}

func (d *Dispatcher) lifecycle(ctx context.Context, ev *HookEvent) (*Response, error) {
	sess, err := d.store.Sessions.GetByCLIID(ctx, ev.Source, ev.SessionID)
	if err != nil {
		return nil, err
	}
	resp := allow()
	d.runTriggers(ctx, sess.ID, ev.EventType, resp)
	return resp, nil
}

func (d *Dispatcher) runTriggers(ctx context.Context, sessionID, event string, resp *Response) {
	if d.engine == nil {
		return
	}
	result, err := d.engine.RunTriggers(ctx, sessionID, event)
	if err != nil {
		d.logger.Warn("lifecycle triggers for %s on %s: %v", sessionID, event, err)
		return
	}
	if result != nil {
		resp.InjectContext = append(resp.InjectContext, result.InjectContext...)
		resp.InjectContext = append(resp.InjectContext, result.Messages...)
	}
}

// registerSession creates the session row for a CLI the daemon has not seen
// yet, resolving the project from .gobby/project.json near the CWD (falling
// back to registering the CWD itself).
func (d *Dispatcher) registerSession(ctx context.Context, ev *HookEvent) (*store.Session, error) {
	proj, err := d.resolveProject(ctx, ev.CWD)
	if err != nil {
		return nil, err
	}
	params := store.CreateSessionParams{
		ProjectID:       proj.ID,
		Source:          ev.Source,
		TerminalContext: store.JSONMap{"cli_session_id": ev.SessionID, "cwd": ev.CWD},
	}
	if depth, ok := ev.Data["agent_depth"].(float64); ok {
		params.AgentDepth = int(depth)
	}
	if parent, ok := ev.Data["parent_session_id"].(string); ok {
		params.ParentSessionID = parent
	}
	sess, err := d.store.Sessions.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:      events.TypeSessionStarted,
			SessionID: sess.ID,
			ProjectID: proj.ID,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"source": ev.Source, "seq_num": sess.SeqNum},
		})
	}
	return sess, nil
}

type projectFile struct {
	ProjectID string `json:"project_id"`
}

func (d *Dispatcher) resolveProject(ctx context.Context, cwd string) (*store.Project, error) {
	if cwd == "" {
		return nil, gerrors.ConstraintViolation("session start without a working directory")
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		data, err := os.ReadFile(filepath.Join(dir, ".gobby", "project.json"))
		if err == nil {
			var pf projectFile
			if err := json.Unmarshal(data, &pf); err == nil && pf.ProjectID != "" {
				if proj, err := d.store.Projects.Get(ctx, pf.ProjectID); err == nil {
					return proj, nil
				}
				d.logger.Warn("project.json in %s names unknown project %s", dir, pf.ProjectID)
			}
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return d.store.Projects.GetOrCreateByPath(ctx, cwd)
}

func fromDecision(dec *workflow.Decision) *Response {
	resp := &Response{
		Decision:      DecisionAllow,
		Message:       dec.Message,
		InjectContext: dec.InjectContext,
	}
	switch dec.Decision {
	case workflow.DecisionBlock:
		resp.Decision = DecisionDeny
	case workflow.DecisionAsk:
		resp.Decision = DecisionAsk
	}
	return resp
}
