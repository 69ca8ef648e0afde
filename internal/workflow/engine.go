package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gobby/internal/events"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// Decision is the engine's verdict on a tool call or user message.
type Decision struct {
	Decision      string   `json:"decision"` // allow | block | ask
	Message       string   `json:"message,omitempty"`
	InjectContext []string `json:"inject_context,omitempty"`
}

func allowDecision() *Decision { return &Decision{Decision: DecisionAllow} }

// Engine drives per-session workflow state machines. All mutations for one
// session are serialized under a per-session lock so audit order and
// counters stay consistent.
type Engine struct {
	states  *store.WorkflowStates
	audit   *store.Audit
	loader  *Loader
	eval    *Evaluator
	actions *Actions
	bus     *events.Bus
	logger  logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires the engine.
func NewEngine(states *store.WorkflowStates, audit *store.Audit, loader *Loader, actions *Actions, bus *events.Bus, logger logging.Logger) *Engine {
	return &Engine{
		states:  states,
		audit:   audit,
		loader:  loader,
		eval:    NewEvaluator(),
		actions: actions,
		bus:     bus,
		logger:  logging.OrNop(logger),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// Activate freezes the named workflow definition into a WorkflowState for
// the session and enters its first phase.
func (e *Engine) Activate(ctx context.Context, sessionID, workflowName string) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	def, err := e.loader.Get(workflowName)
	if err != nil {
		return err
	}
	snapshot, err := def.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot workflow %s: %w", workflowName, err)
	}

	st := &store.WorkflowState{
		SessionID:    sessionID,
		WorkflowName: def.Name,
		WorkflowType: def.Type,
		Definition:   snapshot,
		Variables:    store.JSONMap{},
		Artifacts:    store.JSONMap{},
	}
	for k, v := range def.Variables {
		st.Variables[k] = v
	}
	phases := def.PhaseList()
	if len(phases) > 0 {
		st.CurrentPhase = phases[0].Name
		entered := time.Now().UTC()
		st.PhaseEnteredAt = &entered
	}
	if err := e.states.Activate(ctx, st); err != nil {
		return err
	}
	if len(phases) > 0 {
		e.actions.Run(ctx, phases[0].OnEnter, st, e.namespace(st, "", nil))
		e.appendAudit(ctx, st, store.AuditTransition, "", "", "transition",
			fmt.Sprintf("activated %s, entered phase %s", def.Name, st.CurrentPhase), nil)
		if err := e.states.Save(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Deactivate ends the named workflow for a session.
func (e *Engine) Deactivate(ctx context.Context, sessionID, workflowName string) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return e.states.Deactivate(ctx, sessionID, workflowName)
}

// HandleToolCall runs the decision algorithm for one tool call.
func (e *Engine) HandleToolCall(ctx context.Context, sessionID, tool string, args map[string]any) (*Decision, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.states.ActivePhaseWorkflow(ctx, sessionID)
	if err != nil {
		e.logger.Error("load workflow state for %s: %v", sessionID, err)
		return allowDecision(), nil
	}
	if st == nil {
		return allowDecision(), nil
	}
	def, err := ParseSnapshot(st.Definition)
	if err != nil {
		e.logger.Error("corrupt workflow snapshot for %s: %v", sessionID, err)
		return allowDecision(), nil
	}
	phase := def.FindPhase(st.CurrentPhase)
	if phase == nil {
		return allowDecision(), nil
	}

	ns := e.namespace(st, tool, args)

	// Tool allow/block sets.
	if blocked(phase, tool) {
		msg := blockMessage(phase, st.CurrentPhase, tool)
		e.appendAudit(ctx, st, store.AuditToolCall, tool, "", "block", msg, nil)
		e.publish(events.TypeWorkflowBlocked, st, map[string]any{"tool": tool, "reason": msg})
		return &Decision{Decision: DecisionBlock, Message: msg}, nil
	}

	// Rules in order.
	var warnings []string
	explicitAllow := false
	for i := range phase.Rules {
		rule := &phase.Rules[i]
		match, evalErr := e.eval.Eval(rule.When, ns)
		ruleID := rule.ID
		if ruleID == "" {
			ruleID = fmt.Sprintf("rule[%d]", i)
		}
		if evalErr != nil {
			e.appendAudit(ctx, st, store.AuditRuleEval, tool, ruleID, "skip", evalErr.Error(), nil)
			if rule.BlockOnError {
				msg := fmt.Sprintf("rule %s failed to evaluate", ruleID)
				e.appendAudit(ctx, st, store.AuditToolCall, tool, ruleID, "block", msg, nil)
				return &Decision{Decision: DecisionBlock, Message: msg}, nil
			}
			continue
		}
		result := "unmet"
		if match {
			result = "met"
		}
		e.appendAudit(ctx, st, store.AuditRuleEval, tool, ruleID, result, rule.When, nil)
		if !match {
			continue
		}
		switch rule.Action {
		case "block":
			msg := e.actions.renderer.Render(rule.Message, ns)
			if msg == "" {
				msg = fmt.Sprintf("blocked by rule %s in %s phase", ruleID, st.CurrentPhase)
			}
			e.appendAudit(ctx, st, store.AuditToolCall, tool, ruleID, "block", msg, nil)
			e.publish(events.TypeWorkflowBlocked, st, map[string]any{"tool": tool, "reason": msg})
			return &Decision{Decision: DecisionBlock, Message: msg}, nil
		case "require_approval":
			if st.ApprovalPending != "" {
				msg := "an approval is already pending for this session"
				e.appendAudit(ctx, st, store.AuditApproval, tool, ruleID, "rejected", msg, nil)
				return &Decision{Decision: DecisionBlock, Message: msg}, nil
			}
			prompt := e.actions.renderer.Render(rule.Prompt, ns)
			st.ApprovalPending = prompt
			if err := e.states.Save(ctx, st); err != nil {
				return nil, err
			}
			e.appendAudit(ctx, st, store.AuditApproval, tool, ruleID, "pending", prompt, nil)
			return &Decision{Decision: DecisionAsk, Message: prompt}, nil
		case "warn":
			warnings = append(warnings, e.actions.renderer.Render(rule.Message, ns))
		case "allow":
			explicitAllow = true
		}
		if explicitAllow {
			break
		}
	}

	decision := allowDecision()
	decision.Message = strings.Join(warnings, "\n")

	// Transitions, then exit conditions.
	transitioned := false
	for _, tr := range phase.Transitions {
		match, evalErr := e.eval.Eval(tr.When, ns)
		if evalErr != nil {
			e.logger.Warn("transition eval in %s: %v", st.CurrentPhase, evalErr)
			continue
		}
		if match {
			result := e.transition(ctx, st, def, phase, tr.To, ns)
			decision.InjectContext = append(decision.InjectContext, result.InjectContext...)
			if len(result.Messages) > 0 {
				decision.Message = strings.TrimSpace(decision.Message + "\n" + strings.Join(result.Messages, "\n"))
			}
			transitioned = true
			break
		}
	}
	if !transitioned && len(phase.ExitConditions) > 0 {
		allMet := true
		for _, cond := range phase.ExitConditions {
			met, evalErr := e.eval.Eval(cond, ns)
			result := "unmet"
			if evalErr != nil {
				e.logger.Warn("exit condition eval in %s: %v", st.CurrentPhase, evalErr)
				met = false
			} else if met {
				result = "met"
			}
			e.appendAudit(ctx, st, store.AuditExitCheck, tool, "", result, cond, nil)
			if !met {
				allMet = false
			}
		}
		if allMet {
			next := def.NextPhase(st.CurrentPhase)
			if next == "" {
				e.complete(ctx, st, phase, ns)
			} else {
				result := e.transition(ctx, st, def, phase, next, ns)
				decision.InjectContext = append(decision.InjectContext, result.InjectContext...)
			}
		}
	}

	st.PhaseActionCount++
	st.TotalActionCount++
	if st.Active {
		if err := e.states.Save(ctx, st); err != nil {
			return nil, err
		}
	}
	e.appendAudit(ctx, st, store.AuditToolCall, tool, "", "allow", decision.Message, nil)
	return decision, nil
}

// transition runs on_exit, enters the target phase, and runs its on_enter.
func (e *Engine) transition(ctx context.Context, st *store.WorkflowState, def *Definition, from *Phase, to string, ns Namespace) *ActionResult {
	result := e.actions.Run(ctx, from.OnExit, st, ns)

	target := def.FindPhase(to)
	prev := st.CurrentPhase
	st.CurrentPhase = to
	entered := time.Now().UTC()
	st.PhaseEnteredAt = &entered
	st.PhaseActionCount = 0

	if target != nil {
		enter := e.actions.Run(ctx, target.OnEnter, st, ns)
		result.InjectContext = append(result.InjectContext, enter.InjectContext...)
		result.Messages = append(result.Messages, enter.Messages...)
	}
	e.appendAudit(ctx, st, store.AuditTransition, "", "", "transition",
		fmt.Sprintf("%s -> %s", prev, to), nil)
	e.publish(events.TypeWorkflowPhase, st, map[string]any{"from": prev, "to": to})
	return result
}

// complete runs the final phase's on_exit and deactivates the workflow.
func (e *Engine) complete(ctx context.Context, st *store.WorkflowState, last *Phase, ns Namespace) {
	e.actions.Run(ctx, last.OnExit, st, ns)
	st.Active = false
	if err := e.states.Save(ctx, st); err != nil {
		e.logger.Error("complete workflow %s/%s: %v", st.SessionID, st.WorkflowName, err)
		return
	}
	e.appendAudit(ctx, st, store.AuditTransition, "", "", "transition",
		fmt.Sprintf("%s -> complete", st.CurrentPhase), nil)
	e.publish(events.TypeWorkflowPhase, st, map[string]any{"from": st.CurrentPhase, "to": "complete"})
}

// Approval keywords, matched as the entire (trimmed) user message so that
// qualified replies like "yes, but later" do not approve.
var (
	approvalWords  = map[string]bool{"yes": true, "y": true, "approve": true, "approved": true, "ok": true, "proceed": true, "continue": true}
	rejectionWords = map[string]bool{"no": true, "n": true, "reject": true, "rejected": true, "stop": true, "cancel": true, "deny": true}
)

// HandleUserMessage resolves a pending approval. Returns nil when the
// session has no approval outstanding.
func (e *Engine) HandleUserMessage(ctx context.Context, sessionID, message string) (*Decision, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.states.ActivePhaseWorkflow(ctx, sessionID)
	if err != nil || st == nil || st.ApprovalPending == "" {
		return nil, err
	}

	word := strings.ToLower(strings.TrimRight(strings.TrimSpace(message), ".!"))
	switch {
	case approvalWords[word]:
		st.ApprovalPending = ""
		if err := e.states.Save(ctx, st); err != nil {
			return nil, err
		}
		e.appendAudit(ctx, st, store.AuditApproval, "", "", "approved", message, nil)
		return &Decision{Decision: DecisionAllow, Message: "approved"}, nil
	case rejectionWords[word]:
		st.ApprovalPending = ""
		if err := e.states.Save(ctx, st); err != nil {
			return nil, err
		}
		e.appendAudit(ctx, st, store.AuditApproval, "", "", "rejected", message, nil)
		return &Decision{Decision: DecisionBlock, Message: "rejected"}, nil
	}
	// Anything else leaves the approval pending.
	return &Decision{Decision: DecisionAsk, Message: st.ApprovalPending}, nil
}

// ListAllowedTools filters a tool listing through the current phase so the
// MCP surface never advertises blocked tools.
func (e *Engine) ListAllowedTools(ctx context.Context, sessionID string, tools []string) ([]string, error) {
	st, err := e.states.ActivePhaseWorkflow(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return tools, nil
	}
	def, err := ParseSnapshot(st.Definition)
	if err != nil {
		return tools, nil
	}
	phase := def.FindPhase(st.CurrentPhase)
	if phase == nil {
		return tools, nil
	}
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if !blocked(phase, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// fileReadTools and fileWriteTools feed the session counters rules can
// reference as session.files_read / session.files_modified.
var (
	fileReadTools  = map[string]bool{"Read": true, "Glob": true, "Grep": true, "NotebookRead": true}
	fileWriteTools = map[string]bool{"Edit": true, "Write": true, "MultiEdit": true, "NotebookEdit": true}
)

// RecordToolResult bumps the session counters after a tool ran. No-op when
// the session has no active phase workflow.
func (e *Engine) RecordToolResult(ctx context.Context, sessionID, tool string, isError bool) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.states.ActivePhaseWorkflow(ctx, sessionID)
	if err != nil || st == nil {
		return
	}
	if st.Variables == nil {
		st.Variables = store.JSONMap{}
	}
	bump := func(key string) {
		n, _ := st.Variables[key].(float64)
		st.Variables[key] = n + 1
	}
	switch {
	case isError:
		bump("errors")
	case fileReadTools[tool]:
		bump("files_read")
	case fileWriteTools[tool]:
		bump("files_modified")
	}
	if err := e.states.Save(ctx, st); err != nil {
		e.logger.Warn("save counters for %s: %v", sessionID, err)
	}
}

// RunTriggers fires lifecycle trigger actions matching event for every
// active lifecycle workflow of the session.
func (e *Engine) RunTriggers(ctx context.Context, sessionID, event string) (*ActionResult, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	states, err := e.states.ActiveLifecycleWorkflows(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	combined := &ActionResult{}
	for i := range states {
		st := &states[i]
		def, err := ParseSnapshot(st.Definition)
		if err != nil {
			e.logger.Warn("corrupt lifecycle snapshot %s/%s: %v", sessionID, st.WorkflowName, err)
			continue
		}
		for _, trigger := range def.Triggers {
			if trigger.Event != event {
				continue
			}
			result := e.actions.Run(ctx, trigger.Actions, st, e.namespace(st, "", nil))
			combined.InjectContext = append(combined.InjectContext, result.InjectContext...)
			combined.Messages = append(combined.Messages, result.Messages...)
		}
		if err := e.states.Save(ctx, st); err != nil {
			e.logger.Warn("save lifecycle state %s/%s: %v", sessionID, st.WorkflowName, err)
		}
	}
	return combined, nil
}

// namespace assembles the restricted data rules and templates may read.
func (e *Engine) namespace(st *store.WorkflowState, tool string, args map[string]any) Namespace {
	session := map[string]any{}
	for _, key := range []string{"files_read", "files_modified", "errors"} {
		if v, ok := st.Variables[key]; ok {
			session[key] = v
		}
	}
	ns := Namespace{
		"tool":               tool,
		"args":               args,
		"session":            session,
		"phase":              st.CurrentPhase,
		"phase_action_count": float64(st.PhaseActionCount),
		"total_action_count": float64(st.TotalActionCount),
		"workflow_state": map[string]any{
			"variables": map[string]any(st.Variables),
			"phase":     st.CurrentPhase,
		},
		"variables": map[string]any(st.Variables),
		"artifacts": map[string]any(st.Artifacts),
	}
	return ns
}

func blocked(phase *Phase, tool string) bool {
	for _, t := range phase.BlockedTools {
		if strings.EqualFold(t, tool) {
			return true
		}
	}
	if phase.AllowsAll() {
		return false
	}
	for _, t := range phase.AllowedTools {
		if strings.EqualFold(t, tool) {
			return false
		}
	}
	return true
}

func blockMessage(phase *Phase, phaseName, tool string) string {
	if phase.AllowsAll() || containsFold(phase.AllowedTools, tool) {
		return fmt.Sprintf("Tool '%s' is blocked in %s phase", tool, phaseName)
	}
	return fmt.Sprintf("Tool '%s' not allowed in %s phase. Allowed: %s",
		tool, phaseName, strings.Join(phase.AllowedTools, ", "))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func (e *Engine) appendAudit(ctx context.Context, st *store.WorkflowState, eventType, tool, ruleID, result, reason string, extra map[string]any) {
	entry := &store.AuditEntry{
		SessionID: st.SessionID,
		Phase:     st.CurrentPhase,
		EventType: eventType,
		ToolName:  tool,
		RuleID:    ruleID,
		Result:    result,
		Reason:    reason,
		Context:   extra,
	}
	if eventType == store.AuditRuleEval {
		entry.Condition = reason
		entry.Reason = ""
	}
	if eventType == store.AuditExitCheck {
		entry.Condition = reason
		entry.Reason = ""
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		e.logger.Error("append audit for %s: %v", st.SessionID, err)
	}
}

func (e *Engine) publish(eventType string, st *store.WorkflowState, payload map[string]any) {
	if e.bus == nil {
		return
	}
	payload["workflow"] = st.WorkflowName
	payload["phase"] = st.CurrentPhase
	e.bus.Publish(events.Event{Type: eventType, SessionID: st.SessionID, Payload: payload})
}
