// Package conductor runs the autonomous orchestration loop: pull ready
// tasks, spawn isolated agents for them, wait for the work to settle, and
// drive the merge pipeline. The loop only acts when autonomous mode is
// enabled; otherwise the conductor is a passive status and chat surface.
package conductor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gobby/internal/agent"
	"gobby/internal/config"
	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// Autonomous-mode and budget environment overrides.
const (
	EnvAutonomous  = "GOBBY_CONDUCTOR_AUTONOMOUS"
	EnvTokenBudget = "GOBBY_TOKEN_BUDGET"
)

// orchestrator is the slice of the agent layer the loop drives.
type orchestrator interface {
	Spawn(ctx context.Context, p agent.SpawnParams) (*store.AgentRun, error)
	WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*agent.WaitResult, error)
	MergeStart(ctx context.Context, sourceID string) (*agent.MergeResult, error)
}

// Conductor owns the loop goroutine and its claims.
type Conductor struct {
	store  *store.Store
	orch   orchestrator
	llm    llm.Provider
	cfg    config.ConductorConfig
	logger logging.Logger

	tick        time.Duration
	waitTimeout time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	claimed  map[string]string // task id -> run id
	sessions map[string]string // project id -> conductor session id
	spent    int               // chat tokens consumed against the budget
	wg       sync.WaitGroup
}

// Status is the conductor snapshot reported over the tool surface.
type Status struct {
	Running     bool     `json:"running"`
	Autonomous  bool     `json:"autonomous"`
	MaxParallel int      `json:"max_parallel"`
	TokenBudget int      `json:"token_budget,omitempty"`
	TokensSpent int      `json:"tokens_spent,omitempty"`
	ClaimedTask []string `json:"claimed_tasks,omitempty"`
}

// New builds a conductor. provider may be nil; chat is then unavailable.
func New(st *store.Store, orch orchestrator, provider llm.Provider, cfg config.ConductorConfig, logger logging.Logger) *Conductor {
	return &Conductor{
		store:       st,
		orch:        orch,
		llm:         provider,
		cfg:         cfg,
		logger:      logging.OrNop(logger),
		tick:        15 * time.Second,
		waitTimeout: time.Hour,
		claimed:     make(map[string]string),
		sessions:    make(map[string]string),
	}
}

// Autonomous reports whether the loop may act. The environment variable
// overrides the config in either direction when set.
func (c *Conductor) Autonomous() bool {
	if raw, ok := os.LookupEnv(EnvAutonomous); ok {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true", "yes", "on":
			return true
		default:
			return false
		}
	}
	return c.cfg.Autonomous
}

func (c *Conductor) tokenBudget() int {
	if raw := os.Getenv(EnvTokenBudget); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return c.cfg.TokenBudget
}

func (c *Conductor) maxParallel() int {
	if c.cfg.MaxParallel > 0 {
		return c.cfg.MaxParallel
	}
	return 2
}

// Start launches the loop goroutine. Starting twice is an error.
func (c *Conductor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return gerrors.ConstraintViolation("conductor already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(loopCtx)
	c.logger.Info("conductor started (autonomous=%v, max_parallel=%d)", c.Autonomous(), c.maxParallel())
	return nil
}

// Stop cancels the loop and waits for supervisors to stand down.
func (c *Conductor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	c.wg.Wait()
	c.logger.Info("conductor stopped")
}

// Statusz snapshots the loop state.
func (c *Conductor) Statusz() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	claimed := make([]string, 0, len(c.claimed))
	for taskID := range c.claimed {
		claimed = append(claimed, taskID)
	}
	return Status{
		Running:     c.running,
		Autonomous:  c.Autonomous(),
		MaxParallel: c.maxParallel(),
		TokenBudget: c.tokenBudget(),
		TokensSpent: c.spent,
		ClaimedTask: claimed,
	}
}

func (c *Conductor) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatch(ctx)
		}
	}
}

// dispatch claims ready tasks up to the parallel limit and spawns an agent
// for each.
func (c *Conductor) dispatch(ctx context.Context) {
	if !c.Autonomous() {
		return
	}
	if budget := c.tokenBudget(); budget > 0 && c.tokensSpent() >= budget {
		c.logger.Warn("token budget exhausted (%d), pausing dispatch", budget)
		return
	}
	projects, err := c.store.Projects.List(ctx)
	if err != nil {
		c.logger.Error("conductor list projects: %v", err)
		return
	}
	for _, proj := range projects {
		ready, err := c.store.Tasks.ListReady(ctx, store.ListFilters{ProjectID: proj.ID})
		if err != nil {
			c.logger.Error("conductor ready tasks for %s: %v", proj.Name, err)
			continue
		}
		for i := range ready {
			// Ready includes in_progress; that status is the durable claim,
			// so a restart does not hand a live task to a second agent.
			if ready[i].Status != store.TaskPending {
				continue
			}
			if !c.claim(ready[i].ID) {
				continue
			}
			if err := c.launch(ctx, &proj, &ready[i]); err != nil {
				c.unclaim(ready[i].ID)
				c.logger.Warn("conductor launch task #%d: %v", ready[i].SeqNum, err)
			}
		}
	}
}

// claim reserves a task slot; false when already claimed or slots are full.
func (c *Conductor) claim(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.claimed[taskID]; taken {
		return false
	}
	if len(c.claimed) >= c.maxParallel() {
		return false
	}
	c.claimed[taskID] = ""
	return true
}

func (c *Conductor) unclaim(taskID string) {
	c.mu.Lock()
	delete(c.claimed, taskID)
	c.mu.Unlock()
}

func (c *Conductor) tokensSpent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent
}

func (c *Conductor) launch(ctx context.Context, proj *store.Project, t *store.Task) error {
	sessionID, err := c.conductorSession(ctx, proj.ID)
	if err != nil {
		return err
	}
	run, err := c.orch.Spawn(ctx, agent.SpawnParams{
		ParentSessionID: sessionID,
		Prompt:          taskPrompt(t),
		Task:            t.ID,
		Isolation:       c.isolation(),
		Mode:            agent.ModeHeadless,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.claimed[t.ID] = run.ID
	c.mu.Unlock()
	// The status transition is the claim that survives a restart.
	if err := c.store.Tasks.SetStatus(ctx, t.ID, store.TaskInProgress, sessionID, ""); err != nil {
		c.logger.Warn("conductor mark task #%d in_progress: %v", t.SeqNum, err)
	}
	c.logger.Info("conductor claimed task #%d with agent %s", t.SeqNum, run.ID)

	c.wg.Add(1)
	go c.supervise(ctx, t.ID, run)
	return nil
}

// isolation picks clone when agents run in parallel; the main working tree
// is not safe for concurrent worktree merges.
func (c *Conductor) isolation() string {
	if c.maxParallel() > 1 {
		return agent.IsolationClone
	}
	return agent.IsolationWorktree
}

// supervise waits for the task to settle and merges the agent's workspace.
func (c *Conductor) supervise(ctx context.Context, taskID string, run *store.AgentRun) {
	defer c.wg.Done()
	defer c.unclaim(taskID)

	res, err := c.orch.WaitForTask(ctx, taskID, c.waitTimeout)
	if err != nil {
		c.logger.Warn("conductor wait for %s: %v", taskID, err)
		return
	}
	if res.TimedOut {
		c.logger.Warn("conductor: task %s still %s after %s", taskID, res.Status, c.waitTimeout)
		return
	}
	if res.Status != store.TaskReview && res.Status != store.TaskCompleted {
		c.logger.Info("conductor: task %s settled as %s, no merge", taskID, res.Status)
		return
	}

	sourceID := ""
	switch {
	case run.WorktreeID != nil:
		sourceID = *run.WorktreeID
	case run.CloneID != nil:
		sourceID = *run.CloneID
	}
	if sourceID == "" {
		return
	}
	merge, err := c.orch.MergeStart(ctx, sourceID)
	if err != nil {
		c.logger.Warn("conductor merge %s: %v", sourceID, err)
		return
	}
	if merge.Merged {
		c.logger.Info("conductor merged %s (tier %s)", merge.Branch, merge.Tier)
	} else {
		c.logger.Warn("conductor: %s needs human review (%d conflicts)", merge.Branch, merge.Conflicts)
	}
}

// conductorSession lazily creates the conductor's own session per project;
// spawned agents hang off it.
func (c *Conductor) conductorSession(ctx context.Context, projectID string) (string, error) {
	c.mu.Lock()
	if id, ok := c.sessions[projectID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	sess, err := c.store.Sessions.Create(ctx, store.CreateSessionParams{
		ProjectID: projectID,
		Source:    "conductor",
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.sessions[projectID] = sess.ID
	c.mu.Unlock()
	return sess.ID, nil
}

func taskPrompt(t *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on task #%d: %s\n", t.SeqNum, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if t.Details != "" {
		fmt.Fprintf(&b, "\nDetails:\n%s\n", t.Details)
	}
	b.WriteString("\nCommit your work and close the task when done.")
	return b.String()
}

const chatSystem = `You are the gobby conductor, coordinating autonomous
coding agents. Answer questions about orchestration state and suggest
concrete next actions (expanding tasks, spawning agents, merging branches).
Be brief.`

// Chat answers an operator message with the orchestration state in context.
func (c *Conductor) Chat(ctx context.Context, projectID, message string) (string, error) {
	if c.llm == nil {
		return "", gerrors.ConstraintViolation("chat needs a configured llm provider")
	}
	if strings.TrimSpace(message) == "" {
		return "", gerrors.ConstraintViolation("empty chat message")
	}

	status := c.Statusz()
	contextLine := fmt.Sprintf("Conductor state: running=%v autonomous=%v claimed=%d/%d.",
		status.Running, status.Autonomous, len(status.ClaimedTask), status.MaxParallel)
	if projectID != "" {
		if counts, err := c.store.Tasks.CountByStatus(ctx, projectID); err == nil {
			contextLine += fmt.Sprintf(" Task counts: %v.", counts)
		}
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		System: chatSystem,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: contextLine + "\n\n" + message},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.spent += resp.Usage.InputTokens + resp.Usage.OutputTokens
	c.mu.Unlock()
	return resp.Text, nil
}
