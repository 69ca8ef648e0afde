package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gobby/internal/config"
	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/gitops"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// activator pre-saves workflow state on freshly spawned sessions.
type activator interface {
	Activate(ctx context.Context, sessionID, workflowName string) error
}

// Orchestrator owns the full subagent lifecycle.
type Orchestrator struct {
	store    *store.Store
	git      *gitops.Git
	llm      completer
	bus      *events.Bus
	workflow activator
	defs     *DefLoader
	cfg      config.AgentsConfig
	logger   logging.Logger

	registry  *Registry
	isolation map[string]IsolationHandler
	spawners  map[string]Spawner
	resolver  *gitops.Resolver
	finishMu  sync.Mutex
}

// OrchestratorConfig wires the orchestrator's collaborators. LLM, Hooks,
// Tools, and Workflow are optional; modes needing an absent piece fail at
// spawn time.
type OrchestratorConfig struct {
	Store    *store.Store
	Git      *gitops.Git
	LLM      completer
	Bus      *events.Bus
	Workflow activator
	Hooks    hookDispatcher
	Tools    ToolRunner
	Defs     *DefLoader
	Agents   config.AgentsConfig
	Logger   logging.Logger
}

// NewOrchestrator builds the orchestrator and its per-mode spawners.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	worktreeRoot, cloneRoot, err := isolationRoots(cfg.Agents)
	if err != nil {
		return nil, err
	}
	logger := logging.OrNop(cfg.Logger)

	o := &Orchestrator{
		store:    cfg.Store,
		git:      cfg.Git,
		llm:      cfg.LLM,
		bus:      cfg.Bus,
		workflow: cfg.Workflow,
		defs:     cfg.Defs,
		cfg:      cfg.Agents,
		logger:   logger,
		registry: NewRegistry(),
		resolver: gitops.NewResolver(cfg.Git, cfg.LLM, "", logger),
	}
	o.isolation = map[string]IsolationHandler{
		IsolationCurrent:  CurrentIsolation{},
		IsolationWorktree: &WorktreeIsolation{Git: cfg.Git, Store: cfg.Store, Root: worktreeRoot, Logger: logger},
		IsolationClone:    &CloneIsolation{Git: cfg.Git, Store: cfg.Store, Root: cloneRoot, Logger: logger},
	}
	logDir := filepath.Join(filepath.Dir(worktreeRoot), "logs", "agents")
	o.spawners = map[string]Spawner{
		ModeHeadless: &HeadlessSpawner{LogDir: logDir, Logger: logger, OnExit: o.onProcessExit},
		ModeTerminal: &TerminalSpawner{Logger: logger},
		ModeEmbedded: &EmbeddedSpawner{Logger: logger, OnExit: o.onProcessExit},
		ModeInProcess: &InProcessExecutor{
			LLM:    cfg.LLM,
			Hooks:  cfg.Hooks,
			Tools:  cfg.Tools,
			Logger: logger,
			OnDone: o.onLoopDone,
		},
	}
	return o, nil
}

// Registry exposes the live-agent registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// SpawnParams are the call-site inputs to Spawn; zero values defer to the
// agent definition.
type SpawnParams struct {
	ParentSessionID string
	Prompt          string
	Agent           string
	Isolation       string
	Branch          string
	Task            string // task ref: N, #N, id, or prefix
	Workflow        string
	Mode            string
	Provider        string
	Model           string
	Timeout         time.Duration
	MaxTurns        int
}

// Spawn runs the full spawn flow and returns the durable run record.
func (o *Orchestrator) Spawn(ctx context.Context, p SpawnParams) (*store.AgentRun, error) {
	parent, err := o.store.Sessions.Get(ctx, p.ParentSessionID)
	if err != nil {
		return nil, err
	}
	maxDepth := o.cfg.MaxDepth
	if maxDepth < 1 {
		maxDepth = 1
	}
	if parent.AgentDepth+1 > maxDepth {
		return nil, gerrors.PermissionDenied(
			"agent depth %d exceeds max_agent_depth %d", parent.AgentDepth+1, maxDepth)
	}

	base, err := o.defs.Get(p.Agent)
	if err != nil {
		return nil, err
	}
	def := merged(base, p)
	spawner, ok := o.spawners[def.Mode]
	if !ok {
		return nil, gerrors.ConstraintViolation("unknown agent mode %q", def.Mode)
	}
	handler, ok := o.isolation[def.Isolation]
	if !ok {
		return nil, gerrors.ConstraintViolation("unknown isolation %q", def.Isolation)
	}
	if def.Mode == ModeInProcess && o.llm == nil {
		return nil, gerrors.ConstraintViolation("in_process mode requires a configured llm provider")
	}

	proj, err := o.store.Projects.Get(ctx, parent.ProjectID)
	if err != nil {
		return nil, err
	}

	var task *store.Task
	if p.Task != "" {
		id, err := o.store.Tasks.ResolveRef(ctx, p.Task, proj.ID)
		if err != nil {
			return nil, err
		}
		if task, err = o.store.Tasks.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	branch := p.Branch
	if branch == "" && def.Isolation != IsolationCurrent {
		branch = synthesizeBranch(task, def.BranchPrefix)
	}

	ws, err := handler.Prepare(ctx, proj, branch, taskIDOf(task), "")
	if err != nil {
		return nil, err
	}

	run := &store.AgentRun{
		ID:              store.NewUUID(),
		ParentSessionID: parent.ID,
		WorkflowName:    def.Workflow,
		Provider:        def.Provider,
		Model:           def.Model,
		Status:          StatusRunning,
		Prompt:          enhancePrompt(p.Prompt, def, ws, task),
		Isolation:       def.Isolation,
		Mode:            def.Mode,
	}
	if task != nil {
		id := task.ID
		run.TaskID = &id
	}
	if ws.WorktreeID != "" {
		run.WorktreeID = &ws.WorktreeID
	}
	if ws.CloneID != "" {
		run.CloneID = &ws.CloneID
	}
	if err := o.store.Runs.Create(ctx, run); err != nil {
		return nil, err
	}

	child, err := o.store.Sessions.Create(ctx, store.CreateSessionParams{
		ProjectID:        proj.ID,
		Source:           hookSource,
		ParentSessionID:  parent.ID,
		SpawnedByAgentID: run.ID,
		AgentDepth:       parent.AgentDepth + 1,
	})
	if err != nil {
		o.cleanupSpawn(ctx, run, nil)
		return nil, err
	}
	// In-process agents resolve their session through the hook pipeline by
	// this id, same as an external CLI would.
	if err := o.store.Sessions.SetTerminalContext(ctx, child.ID, store.JSONMap{"cli_session_id": child.ID}); err != nil {
		o.cleanupSpawn(ctx, run, child)
		return nil, err
	}
	if err := o.store.Runs.SetChildSession(ctx, run.ID, child.ID); err != nil {
		o.cleanupSpawn(ctx, run, child)
		return nil, err
	}
	if ws.WorktreeID != "" {
		_ = o.store.Worktrees.SetAgentSession(ctx, ws.WorktreeID, child.ID)
	}
	if ws.CloneID != "" {
		_ = o.store.Clones.SetAgentSession(ctx, ws.CloneID, child.ID)
	}

	// A spawn whose restricting workflow cannot activate must not run with
	// an open tool surface.
	if def.Workflow != "" && o.workflow != nil {
		if err := o.workflow.Activate(ctx, child.ID, def.Workflow); err != nil {
			o.cleanupSpawn(ctx, run, child)
			return nil, fmt.Errorf("activate workflow %s: %w", def.Workflow, err)
		}
	}

	timeout := time.Duration(def.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	running, err := spawner.Start(ctx, &SpawnContext{
		Run:       run,
		Def:       def,
		Workspace: ws,
		Prompt:    run.Prompt,
		SessionID: child.ID,
		Timeout:   timeout,
	})
	if err != nil {
		o.cleanupSpawn(ctx, run, child)
		return nil, err
	}
	if running.PID > 0 {
		_ = o.store.Runs.SetPID(ctx, run.ID, running.PID)
		run.PID = running.PID
	}
	o.registry.Add(running)
	o.watchTimeout(running, timeout)

	o.publish(events.Event{
		Type:      events.TypeAgentSpawned,
		SessionID: parent.ID,
		ProjectID: proj.ID,
		Payload: map[string]any{
			"run_id":    run.ID,
			"mode":      def.Mode,
			"isolation": def.Isolation,
			"branch":    ws.Branch,
		},
	})
	childID := child.ID
	run.ChildSessionID = &childID
	return run, nil
}

// watchTimeout stops external-process agents that outlive their deadline.
func (o *Orchestrator) watchTimeout(running *Running, timeout time.Duration) {
	if timeout <= 0 || running.proc == nil {
		return
	}
	go func() {
		select {
		case <-running.proc.Done():
		case <-time.After(timeout):
			o.logger.Warn("agent %s timed out after %s", running.RunID, timeout)
			// Record the timeout before signalling so the exit callback
			// does not race in a different status.
			o.finishRun(running.RunID, StatusTimeout, store.JSONMap{"error": "timeout"})
			running.proc.Stop(o.killGrace())
		}
	}()
}

// onProcessExit finishes a run when its subprocess ends on its own. A run
// already claimed by Kill or the timeout watcher is left alone.
func (o *Orchestrator) onProcessExit(runID string, exitErr error) {
	if _, live := o.registry.Get(runID); !live {
		return
	}
	status := StatusCompleted
	result := store.JSONMap{}
	if exitErr != nil {
		status = StatusError
		result["error"] = exitErr.Error()
	}
	o.finishRun(runID, status, result)
}

// onLoopDone is onProcessExit's in-process twin.
func (o *Orchestrator) onLoopDone(runID, status string, result store.JSONMap) {
	if _, live := o.registry.Get(runID); !live {
		return
	}
	o.finishRun(runID, status, result)
}

func (o *Orchestrator) finishRun(runID, status string, result store.JSONMap) {
	ctx := context.Background()
	o.finishMu.Lock()
	defer o.finishMu.Unlock()
	o.registry.Remove(runID)
	run, err := o.store.Runs.Get(ctx, runID)
	if err != nil {
		o.logger.Warn("finish run %s: %v", runID, err)
		return
	}
	if run.CompletedAt != nil {
		return
	}
	if err := o.store.Runs.Finish(ctx, runID, status, result); err != nil {
		o.logger.Warn("finish run %s: %v", runID, err)
	}
	if run.ChildSessionID != nil {
		_ = o.store.Sessions.End(ctx, *run.ChildSessionID)
	}
	evType := events.TypeAgentCompleted
	if status == StatusKilled {
		evType = events.TypeAgentKilled
	}
	o.publish(events.Event{
		Type:      evType,
		SessionID: run.ParentSessionID,
		Payload:   map[string]any{"run_id": runID, "status": status},
	})
}

// cleanupSpawn removes rows created by a failed spawn.
func (o *Orchestrator) cleanupSpawn(ctx context.Context, run *store.AgentRun, child *store.Session) {
	if child != nil {
		if err := o.store.Sessions.Delete(ctx, child.ID); err != nil {
			o.logger.Warn("cleanup session %s: %v", child.ID, err)
		}
	}
	if err := o.store.Runs.Delete(ctx, run.ID); err != nil {
		o.logger.Warn("cleanup run %s: %v", run.ID, err)
	}
}

func (o *Orchestrator) killGrace() time.Duration {
	if o.cfg.KillTimeout > 0 {
		return o.cfg.KillTimeout
	}
	return 5 * time.Second
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	o.bus.Publish(ev)
}

func taskIDOf(task *store.Task) string {
	if task == nil {
		return ""
	}
	return task.ID
}

// enhancePrompt wraps the caller's prompt with workspace facts and the
// stop rule.
func enhancePrompt(prompt string, def *Definition, ws *Workspace, task *store.Task) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Workspace: %s\n", ws.Dir)
	if ws.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s (commit here, never to the base branch)\n", ws.Branch)
	}
	if task != nil {
		fmt.Fprintf(&b, "Assigned task: #%d %s\n", task.SeqNum, task.Title)
		b.WriteString("Stop when the assigned task is done; close it rather than picking up new work.\n")
	} else {
		b.WriteString("Stop when the assignment above is done.\n")
	}
	if ws.Note != "" {
		b.WriteString(ws.Note)
		b.WriteString("\n")
	}
	if def.SystemPrompt != "" && def.Mode != ModeInProcess {
		b.WriteString(def.SystemPrompt)
		b.WriteString("\n")
	}
	return b.String()
}
