package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gobby/internal/agent"
	"gobby/internal/conductor"
	"gobby/internal/config"
	"gobby/internal/events"
	"gobby/internal/gitops"
	"gobby/internal/handoff"
	"gobby/internal/hooks"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/mcpsurface"
	"gobby/internal/memory"
	"gobby/internal/server"
	"gobby/internal/skills"
	"gobby/internal/store"
	"gobby/internal/task"
	"gobby/internal/workflow"
)

// daemon holds the wired component graph. Shutdown order reverses the
// build order: surfaces first, then the conductor, the bus, the store.
type daemon struct {
	cfg   *config.Config
	store *store.Store
	bus   *events.Bus
	wsHub *events.Hub
	sync  *task.Syncer
	cond  *conductor.Conductor
	mcp   *mcpsurface.Hub
	srv   *server.Server

	skills *skillSource
	logger logging.Logger
}

// toolProxy breaks the hub/orchestrator construction cycle: the
// orchestrator is built first, the hub afterwards with the orchestrator
// mounted into its agent namespace.
type toolProxy struct {
	hub *mcpsurface.Hub
}

func (p *toolProxy) Tools(ctx context.Context, sessionID string) []llm.ToolDef {
	if p.hub == nil {
		return nil
	}
	return p.hub.Tools(ctx, sessionID)
}

func (p *toolProxy) Call(ctx context.Context, sessionID, name string, args map[string]any) (string, error) {
	if p.hub == nil {
		return "", fmt.Errorf("tool surface not ready")
	}
	return p.hub.Call(ctx, sessionID, name, args)
}

func (p *toolProxy) Invoke(ctx context.Context, sessionID, server, tool string, args map[string]any) (string, error) {
	if p.hub == nil {
		return "", fmt.Errorf("tool surface not ready")
	}
	return p.hub.Invoke(ctx, sessionID, server, tool, args)
}

// skillSource reloads the library lazily so new skill files appear without
// a daemon restart.
type skillSource struct {
	globalDir  string
	projectDir string
	logger     logging.Logger

	mu     sync.Mutex
	lib    *skills.Library
	loaded time.Time
}

const skillReloadInterval = 10 * time.Second

func (s *skillSource) current() *skills.Library {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lib != nil && time.Since(s.loaded) < skillReloadInterval {
		return s.lib
	}
	lib, err := skills.Load(s.globalDir, s.projectDir)
	if err != nil {
		s.logger.Warn("skill reload failed, keeping previous library: %v", err)
		if s.lib == nil {
			s.lib = &skills.Library{}
		}
		return s.lib
	}
	s.lib = lib
	s.loaded = time.Now()
	return s.lib
}

func (s *skillSource) invalidate() {
	s.mu.Lock()
	s.loaded = time.Time{}
	s.mu.Unlock()
}

// watch drops the cached library as soon as a skill file changes, so edits
// land before the reload interval elapses.
func (s *skillSource) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("skill watcher unavailable: %v", err)
		return
	}
	defer w.Close()
	for _, dir := range []string{s.globalDir, s.projectDir} {
		if err := w.Add(dir); err != nil {
			s.logger.Debug("not watching %s: %v", dir, err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("skill watcher: %v", err)
		}
	}
}

// buildDaemon wires the full component graph from configuration.
func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	if err := logging.Configure(cfg.Logging.Dir, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Stderr); err != nil {
		return nil, err
	}
	logger := logging.NewComponentLogger("daemon")

	home, err := config.Home()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logging.NewComponentLogger("events"))
	git := gitops.New(logging.NewComponentLogger("git"))
	router := llm.NewRouter(cfg.LLM, logging.NewLLMLogger("router"))

	// A missing provider config is fine; LLM-backed features degrade to
	// their mechanical fallbacks.
	var defaultProvider llm.Provider
	if p, _, err := router.Resolve(""); err == nil {
		defaultProvider = p
	} else {
		logger.Warn("no llm provider configured: %v", err)
	}

	syncer := task.NewSyncer(st, cfg.Tasks, logging.NewComponentLogger("tasks"))
	tasks := task.NewEngine(st, git, router, bus, syncer, cfg.Tasks, logging.NewComponentLogger("tasks"))

	mem, err := memory.New(filepath.Join(home, "memory"), nil, logging.NewComponentLogger("memory"))
	if err != nil {
		logger.Warn("memory store unavailable: %v", err)
		mem = nil
	}

	skillSrc := &skillSource{
		globalDir:  filepath.Join(home, "skills"),
		projectDir: filepath.Join(".gobby", "skills"),
		logger:     logging.NewComponentLogger("skills"),
	}

	hostname, _ := os.Hostname()
	handoffProv := handoff.New(st, defaultProvider, mem, skillSrc.current, hostname,
		logging.NewComponentLogger("handoff"))

	loader := workflow.NewLoader(logging.NewComponentLogger("workflow"),
		cfg.Workflows.GlobalDir, filepath.Join(".gobby", "workflows"))
	webhooks := events.NewWebhookDispatcher(bus, cfg.Webhooks, logging.NewComponentLogger("webhooks"))
	proxy := &toolProxy{}
	actions := workflow.NewActions(workflow.ActionsConfig{
		LLM:      router,
		Sessions: st.Sessions,
		Webhooks: webhooks,
		Context:  handoffProv,
		Tasks:    tasks,
		MCP:      proxy,
		RepoRoot: sessionRepoRoot(st),
		Logger:   logging.NewComponentLogger("workflow"),
	})
	eng := workflow.NewEngine(st.Workflows, st.Audit, loader, actions, bus,
		logging.NewComponentLogger("workflow"))

	disp := hooks.NewDispatcher(st, eng, bus, logging.NewHookLogger("dispatcher"))
	disp.Register(handoff.NewPlugin(handoffProv))

	defs := agent.NewDefLoader(logging.NewComponentLogger("agents"),
		cfg.Agents.GlobalDir, filepath.Join(".gobby", "agents"))
	orch, err := agent.NewOrchestrator(agent.OrchestratorConfig{
		Store:    st,
		Git:      git,
		LLM:      router,
		Bus:      bus,
		Workflow: eng,
		Hooks:    disp,
		Tools:    proxy,
		Defs:     defs,
		Agents:   cfg.Agents,
		Logger:   logging.NewComponentLogger("agents"),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mcpHub := mcpsurface.BuildHub(mcpsurface.Deps{
		Store:    st,
		Tasks:    tasks,
		Sync:     syncer,
		Agents:   orch,
		Workflow: eng,
		Loader:   loader,
		Memory:   mem,
		Skills:   skillSrc.current,
		Logger:   logging.NewComponentLogger("mcp"),
	})
	proxy.hub = mcpHub

	cond := conductor.New(st, orch, defaultProvider, cfg.Conductor,
		logging.NewComponentLogger("conductor"))
	mcpHub.Mount(cond.Registry())

	wsHub := events.NewHub(bus, logging.NewComponentLogger("events"))

	addr := fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
	srv := server.New(addr, server.Deps{
		Store:     st,
		Tasks:     tasks,
		Sync:      syncer,
		Agents:    orch,
		Workflow:  eng,
		Loader:    loader,
		Memory:    mem,
		Skills:    skillSrc.current,
		Hooks:     disp,
		Hub:       wsHub,
		Conductor: cond,
		Logger:    logging.NewComponentLogger("http"),
		Version:   version,
	})

	return &daemon{
		cfg:    cfg,
		store:  st,
		bus:    bus,
		wsHub:  wsHub,
		sync:   syncer,
		cond:   cond,
		mcp:    mcpHub,
		srv:    srv,
		skills: skillSrc,
		logger: logger,
	}, nil
}

// sessionRepoRoot maps a session to its project's repository root for
// workflow artifact capture.
func sessionRepoRoot(st *store.Store) func(sessionID string) string {
	return func(sessionID string) string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess, err := st.Sessions.Get(ctx, sessionID)
		if err != nil {
			return ""
		}
		proj, err := st.Projects.Get(ctx, sess.ProjectID)
		if err != nil {
			return ""
		}
		return proj.RepoPath
	}
}

// flushLoop drains dirty task exports on the configured debounce.
func (d *daemon) flushLoop(ctx context.Context) {
	interval := d.cfg.Tasks.SyncDebounce
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.sync.Flush(context.Background())
			return
		case <-ticker.C:
			d.sync.Flush(ctx)
		}
	}
}

func (d *daemon) close() {
	d.cond.Stop()
	d.wsHub.Close()
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close store: %v", err)
	}
	logging.Close()
}
