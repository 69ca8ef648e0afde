package mcpsurface

import (
	"context"
	"time"

	"gobby/internal/agent"
	"gobby/internal/gerrors"
	"gobby/internal/logging"
	"gobby/internal/memory"
	"gobby/internal/store"
	"gobby/internal/task"
	"gobby/internal/workflow"
)

// Deps are the engines the domain namespaces call into. Nil members skip
// their namespace.
type Deps struct {
	Store    *store.Store
	Tasks    *task.Engine
	Sync     *task.Syncer
	Agents   *agent.Orchestrator
	Workflow *workflow.Engine
	Loader   *workflow.Loader
	Memory   *memory.Store
	Skills   SkillSource
	Logger   logging.Logger
}

// BuildHub assembles the hub with every available namespace mounted.
func BuildHub(deps Deps) *Hub {
	var filter toolFilter
	if deps.Workflow != nil {
		filter = deps.Workflow
	}
	hub := NewHub(filter, deps.Logger)
	if deps.Store != nil && deps.Tasks != nil {
		hub.Mount(taskRegistry(deps))
		hub.Mount(sessionRegistry(deps))
	}
	if deps.Agents != nil {
		hub.Mount(agentRegistry(deps))
		hub.Mount(worktreeRegistry(deps))
		hub.Mount(cloneRegistry(deps))
	}
	if deps.Workflow != nil && deps.Store != nil {
		hub.Mount(workflowRegistry(deps))
	}
	if deps.Memory != nil {
		hub.Mount(memoryRegistry(deps))
	}
	if deps.Skills != nil {
		hub.Mount(skillRegistry(deps))
	}
	return hub
}

// schema builders keep the specs readable.
func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func strsProp(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

// arg readers tolerate JSON numbers arriving as float64.
func argStr(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argStrs(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// projectFor resolves the acting project: explicit project_id wins, else the
// calling session's project.
func projectFor(ctx context.Context, st *store.Store, sessionID string, args map[string]any) (string, error) {
	if id := argStr(args, "project_id"); id != "" {
		return id, nil
	}
	if sessionID == "" {
		return "", gerrors.ConstraintViolation("project_id is required without a session")
	}
	sess, err := st.Sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.ProjectID, nil
}

func resolveTask(ctx context.Context, st *store.Store, sessionID string, args map[string]any) (string, error) {
	ref := argStr(args, "task")
	if ref == "" {
		return "", gerrors.ConstraintViolation("task reference is required")
	}
	projectID, err := projectFor(ctx, st, sessionID, args)
	if err != nil {
		return "", err
	}
	return st.Tasks.ResolveRef(ctx, ref, projectID)
}

func taskRegistry(deps Deps) *Registry {
	st, eng := deps.Store, deps.Tasks
	r := NewRegistry("gobby-tasks", "Create, inspect, close, and expand tasks with dependency tracking.")

	r.Add(&ToolSpec{
		Name: "create_task", Category: "write",
		Description: "Create a task; optional blocks list wires dependencies.",
		InputSchema: objSchema(map[string]any{
			"title":               strProp("short imperative title"),
			"description":         strProp("what done looks like"),
			"details":             strProp("implementation notes"),
			"priority":            intProp("1 high, 2 normal, 3 low"),
			"type":                strProp("task, bug, epic, or chore"),
			"parent_task":         strProp("parent task reference"),
			"blocks":              strsProp("task refs this task depends on"),
			"validation_criteria": strProp("how to verify the work"),
			"project_id":          strProp("project id, defaults to the session's project"),
		}, "title"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			params := store.CreateTaskParams{
				ProjectID:          projectID,
				Title:              argStr(args, "title"),
				Description:        argStr(args, "description"),
				Details:            argStr(args, "details"),
				Priority:           argInt(args, "priority"),
				Type:               argStr(args, "type"),
				ValidationCriteria: argStr(args, "validation_criteria"),
				CreatedInSessionID: sessionID,
			}
			if params.Priority == 0 {
				params.Priority = 2
			}
			if params.Type == "" {
				params.Type = store.TypeTask
			}
			if ref := argStr(args, "parent_task"); ref != "" {
				id, err := st.Tasks.ResolveRef(ctx, ref, projectID)
				if err != nil {
					return nil, err
				}
				params.ParentTaskID = id
			}
			for _, ref := range argStrs(args, "blocks") {
				id, err := st.Tasks.ResolveRef(ctx, ref, projectID)
				if err != nil {
					return nil, err
				}
				params.Blocks = append(params.Blocks, id)
			}
			return st.Tasks.Create(ctx, params)
		},
	})

	r.Add(&ToolSpec{
		Name: "list_tasks", Category: "read",
		Description: "List tasks, optionally filtered by status, type, or label.",
		InputSchema: objSchema(map[string]any{
			"project_id": strProp("project id, defaults to the session's project"),
			"status":     strProp("pending, in_progress, review, completed, failed"),
			"type":       strProp("task type filter"),
			"label":      strProp("label filter"),
		}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return st.Tasks.List(ctx, store.ListFilters{
				ProjectID: projectID,
				Status:    argStr(args, "status"),
				Type:      argStr(args, "type"),
				Label:     argStr(args, "label"),
			})
		},
	})

	r.Add(&ToolSpec{
		Name: "show_task", Category: "read",
		Description: "Show one task with its dependencies.",
		InputSchema: objSchema(map[string]any{"task": strProp("task reference: N, #N, id, or prefix")}, "task"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			id, err := resolveTask(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			t, err := st.Tasks.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			deps, err := st.Tasks.Dependencies(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": t, "dependencies": deps}, nil
		},
	})

	r.Add(&ToolSpec{
		Name: "list_ready", Category: "read",
		Description: "List tasks whose blockers are all completed.",
		InputSchema: objSchema(map[string]any{"project_id": strProp("project id, defaults to the session's project")}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return st.Tasks.ListReady(ctx, store.ListFilters{ProjectID: projectID})
		},
	})

	r.Add(&ToolSpec{
		Name: "close_task", Category: "write",
		Description: "Close a task: agents land in review, humans complete; runs validation when configured.",
		InputSchema: objSchema(map[string]any{
			"task":            strProp("task reference"),
			"commit_sha":      strProp("commit that finished the work"),
			"changes_summary": strProp("one-line summary of the change"),
			"force":           boolProp("complete even from an agent session"),
		}, "task"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			id, err := resolveTask(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return eng.Close(ctx, task.CloseParams{
				TaskID:         id,
				SessionID:      sessionID,
				CommitSHA:      argStr(args, "commit_sha"),
				ChangesSummary: argStr(args, "changes_summary"),
				ForceComplete:  argBool(args, "force"),
			})
		},
	})

	r.Add(&ToolSpec{
		Name: "reopen_task", Category: "write",
		Description: "Reopen a reviewed, completed, or failed task.",
		InputSchema: objSchema(map[string]any{
			"task":   strProp("task reference"),
			"reason": strProp("why it is being reopened"),
		}, "task"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			id, err := resolveTask(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return eng.Reopen(ctx, id, sessionID, argStr(args, "reason"))
		},
	})

	r.Add(&ToolSpec{
		Name: "expand_task", Category: "write",
		Description: "Break a task into subtasks with an LLM; wires dependencies per strategy.",
		InputSchema: objSchema(map[string]any{
			"task":         strProp("task reference"),
			"strategy":     strProp("auto, phased, sequential, or parallel"),
			"max_subtasks": intProp("cap on generated subtasks, default 10"),
			"tdd_mode":     boolProp("pair each implementation subtask with a blocking test subtask"),
		}, "task"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			id, err := resolveTask(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return eng.Expand(ctx, task.ExpandParams{
				TaskID:      id,
				Strategy:    argStr(args, "strategy"),
				MaxSubtasks: argInt(args, "max_subtasks"),
				TDDMode:     argBool(args, "tdd_mode"),
				SessionID:   sessionID,
			})
		},
	})

	r.Add(&ToolSpec{
		Name: "validate_task", Category: "write",
		Description: "Run the validation criteria against the task's diff.",
		InputSchema: objSchema(map[string]any{"task": strProp("task reference")}, "task"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			id, err := resolveTask(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return eng.Validate(ctx, id, "")
		},
	})

	r.Add(&ToolSpec{
		Name: "add_dependency", Category: "write",
		Description: "Add a dependency edge between two tasks.",
		InputSchema: objSchema(map[string]any{
			"task":       strProp("dependent task reference"),
			"depends_on": strProp("blocking task reference"),
			"dep_type":   strProp("blocks, related, or discovered-from; default blocks"),
		}, "task", "depends_on"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			from, err := st.Tasks.ResolveRef(ctx, argStr(args, "task"), projectID)
			if err != nil {
				return nil, err
			}
			to, err := st.Tasks.ResolveRef(ctx, argStr(args, "depends_on"), projectID)
			if err != nil {
				return nil, err
			}
			depType := argStr(args, "dep_type")
			if depType == "" {
				depType = store.DepBlocks
			}
			if err := st.Tasks.AddDependency(ctx, from, to, depType); err != nil {
				return nil, err
			}
			return map[string]any{"task_id": from, "depends_on": to, "dep_type": depType}, nil
		},
	})

	r.Add(&ToolSpec{
		Name: "remove_dependency", Category: "write",
		Description: "Remove a dependency edge.",
		InputSchema: objSchema(map[string]any{
			"task":       strProp("dependent task reference"),
			"depends_on": strProp("blocking task reference"),
			"dep_type":   strProp("edge type; default blocks"),
		}, "task", "depends_on"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			from, err := st.Tasks.ResolveRef(ctx, argStr(args, "task"), projectID)
			if err != nil {
				return nil, err
			}
			to, err := st.Tasks.ResolveRef(ctx, argStr(args, "depends_on"), projectID)
			if err != nil {
				return nil, err
			}
			depType := argStr(args, "dep_type")
			if depType == "" {
				depType = store.DepBlocks
			}
			if err := st.Tasks.RemoveDependency(ctx, from, to, depType); err != nil {
				return nil, err
			}
			return map[string]any{"removed": true}, nil
		},
	})

	if deps.Sync != nil {
		r.Add(&ToolSpec{
			Name: "sync_tasks", Category: "write",
			Description: "Export tasks to the project JSONL file, or import from it.",
			InputSchema: objSchema(map[string]any{
				"project_id": strProp("project id, defaults to the session's project"),
				"direction":  strProp("export or import; default export"),
			}),
			Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
				projectID, err := projectFor(ctx, st, sessionID, args)
				if err != nil {
					return nil, err
				}
				if argStr(args, "direction") == "import" {
					if err := deps.Sync.Import(ctx, projectID); err != nil {
						return nil, err
					}
					return map[string]any{"imported": true}, nil
				}
				if err := deps.Sync.Export(ctx, projectID); err != nil {
					return nil, err
				}
				return map[string]any{"exported": true}, nil
			},
		})
	}

	return r
}

func sessionRegistry(deps Deps) *Registry {
	st := deps.Store
	r := NewRegistry("gobby-sessions", "Inspect sessions and their lineage.")

	r.Add(&ToolSpec{
		Name: "list_sessions", Category: "read",
		Description: "List sessions for a project.",
		InputSchema: objSchema(map[string]any{
			"project_id": strProp("project id, defaults to the session's project"),
			"status":     strProp("active or ended"),
		}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return st.Sessions.List(ctx, projectID, argStr(args, "status"))
		},
	})

	r.Add(&ToolSpec{
		Name: "show_session", Category: "read",
		Description: "Show one session; defaults to the calling session.",
		InputSchema: objSchema(map[string]any{"session": strProp("session reference, defaults to the caller")}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			id := argStr(args, "session")
			if id == "" {
				id = sessionID
			}
			if id == "" {
				return nil, gerrors.ConstraintViolation("session reference is required")
			}
			return st.Sessions.Get(ctx, id)
		},
	})

	return r
}

func agentRegistry(deps Deps) *Registry {
	orch, st := deps.Agents, deps.Store
	r := NewRegistry("gobby-agents", "Spawn, supervise, and message subagents.")

	r.Add(&ToolSpec{
		Name: "start_agent", Category: "write",
		Description: "Spawn a subagent; isolation and mode default from the agent definition.",
		InputSchema: objSchema(map[string]any{
			"prompt":    strProp("the assignment"),
			"agent":     strProp("agent definition name, default generic"),
			"isolation": strProp("current, worktree, or clone"),
			"mode":      strProp("headless, terminal, embedded, or in_process"),
			"task":      strProp("task reference to link"),
			"branch":    strProp("branch name override"),
			"workflow":  strProp("workflow to activate on the child session"),
			"provider":  strProp("llm provider override"),
			"model":     strProp("model override"),
		}, "prompt"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			if sessionID == "" {
				return nil, gerrors.ConstraintViolation("start_agent requires a session")
			}
			return orch.Spawn(ctx, agent.SpawnParams{
				ParentSessionID: sessionID,
				Prompt:          argStr(args, "prompt"),
				Agent:           argStr(args, "agent"),
				Isolation:       argStr(args, "isolation"),
				Mode:            argStr(args, "mode"),
				Task:            argStr(args, "task"),
				Branch:          argStr(args, "branch"),
				Workflow:        argStr(args, "workflow"),
				Provider:        argStr(args, "provider"),
				Model:           argStr(args, "model"),
			})
		},
	})

	r.Add(&ToolSpec{
		Name: "list_agents", Category: "read",
		Description: "List agent runs for a session.",
		InputSchema: objSchema(map[string]any{"session": strProp("parent session, defaults to the caller")}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			parent := argStr(args, "session")
			if parent == "" {
				parent = sessionID
			}
			return st.Runs.List(ctx, parent)
		},
	})

	r.Add(&ToolSpec{
		Name: "agent_status", Category: "read",
		Description: "Show one agent run.",
		InputSchema: objSchema(map[string]any{"run_id": strProp("agent run id")}, "run_id"),
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			return st.Runs.Get(ctx, argStr(args, "run_id"))
		},
	})

	r.Add(&ToolSpec{
		Name: "kill_agent", Category: "write",
		Description: "Terminate a running agent; reports already_dead for finished runs.",
		InputSchema: objSchema(map[string]any{"run_id": strProp("agent run id")}, "run_id"),
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			return orch.Kill(ctx, argStr(args, "run_id"))
		},
	})

	r.Add(&ToolSpec{
		Name: "wait_for_task", Category: "read",
		Description: "Block until a task settles or the timeout passes.",
		InputSchema: objSchema(map[string]any{
			"task":         strProp("task reference"),
			"timeout_secs": intProp("max seconds to wait"),
		}, "task"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			id, err := resolveTask(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return orch.WaitForTask(ctx, id, time.Duration(argInt(args, "timeout_secs"))*time.Second)
		},
	})

	r.Add(&ToolSpec{
		Name: "wait_for_tasks", Category: "read",
		Description: "Block until any (or all) of the tasks settle.",
		InputSchema: objSchema(map[string]any{
			"tasks":        strsProp("task references"),
			"mode":         strProp("any or all; default all"),
			"timeout_secs": intProp("max seconds to wait"),
		}, "tasks"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			var ids []string
			for _, ref := range argStrs(args, "tasks") {
				id, err := st.Tasks.ResolveRef(ctx, ref, projectID)
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
			}
			timeout := time.Duration(argInt(args, "timeout_secs")) * time.Second
			var results []agent.WaitResult
			var timedOut bool
			if argStr(args, "mode") == "any" {
				results, timedOut, err = orch.WaitForAnyTask(ctx, ids, timeout)
			} else {
				results, timedOut, err = orch.WaitForAllTasks(ctx, ids, timeout)
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"results": results, "timed_out": timedOut}, nil
		},
	})

	r.Add(&ToolSpec{
		Name: "send_to_child", Category: "write",
		Description: "Send a message to an agent's session.",
		InputSchema: objSchema(map[string]any{
			"run_id":   strProp("agent run id"),
			"content":  strProp("message body"),
			"priority": strProp("normal or urgent"),
		}, "run_id", "content"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			return orch.SendToChild(ctx, sessionID, argStr(args, "run_id"), argStr(args, "content"), argStr(args, "priority"))
		},
	})

	r.Add(&ToolSpec{
		Name: "send_to_parent", Category: "write",
		Description: "Send a message up to the parent session.",
		InputSchema: objSchema(map[string]any{
			"content":  strProp("message body"),
			"priority": strProp("normal or urgent"),
		}, "content"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			return orch.SendToParent(ctx, sessionID, argStr(args, "content"), argStr(args, "priority"))
		},
	})

	r.Add(&ToolSpec{
		Name: "poll_messages", Category: "read",
		Description: "Fetch this session's messages.",
		InputSchema: objSchema(map[string]any{"unread_only": boolProp("only unread messages; default true")}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			unreadOnly := true
			if _, set := args["unread_only"]; set {
				unreadOnly = argBool(args, "unread_only")
			}
			return orch.PollMessages(ctx, sessionID, unreadOnly)
		},
	})

	r.Add(&ToolSpec{
		Name: "mark_read", Category: "write",
		Description: "Mark a message as read.",
		InputSchema: objSchema(map[string]any{"message_id": strProp("message id")}, "message_id"),
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			if err := orch.MarkMessageRead(ctx, argStr(args, "message_id")); err != nil {
				return nil, err
			}
			return map[string]any{"marked": true}, nil
		},
	})

	return r
}

func worktreeRegistry(deps Deps) *Registry {
	orch, st := deps.Agents, deps.Store
	r := NewRegistry("gobby-worktrees", "Inspect and merge git worktree workspaces.")

	r.Add(&ToolSpec{
		Name: "list_worktrees", Category: "read",
		Description: "List worktrees for a project.",
		InputSchema: objSchema(map[string]any{
			"project_id": strProp("project id, defaults to the session's project"),
			"status":     strProp("active, stale, merged, or abandoned"),
		}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return st.Worktrees.List(ctx, projectID, argStr(args, "status"))
		},
	})

	r.Add(&ToolSpec{
		Name: "merge_worktree", Category: "write",
		Description: "Merge a worktree branch back into the base branch, escalating conflicts through resolution tiers.",
		InputSchema: objSchema(map[string]any{"worktree_id": strProp("worktree id (wt-...)")}, "worktree_id"),
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			return orch.MergeStart(ctx, argStr(args, "worktree_id"))
		},
	})

	r.Add(&ToolSpec{
		Name: "cleanup_stale", Category: "write",
		Description: "Mark worktrees idle beyond the threshold as stale.",
		InputSchema: objSchema(map[string]any{"idle_hours": intProp("idle threshold in hours, default 72")}),
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			hours := argInt(args, "idle_hours")
			if hours <= 0 {
				hours = 72
			}
			n, err := orch.SweepStaleWorktrees(ctx, time.Duration(hours)*time.Hour)
			if err != nil {
				return nil, err
			}
			return map[string]any{"marked_stale": n}, nil
		},
	})

	return r
}

func cloneRegistry(deps Deps) *Registry {
	orch, st := deps.Agents, deps.Store
	r := NewRegistry("gobby-clones", "Inspect and merge shallow-clone workspaces.")

	r.Add(&ToolSpec{
		Name: "list_clones", Category: "read",
		Description: "List clones for a project.",
		InputSchema: objSchema(map[string]any{
			"project_id": strProp("project id, defaults to the session's project"),
			"status":     strProp("active, synced, merged, or abandoned"),
		}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return st.Clones.List(ctx, projectID, argStr(args, "status"))
		},
	})

	r.Add(&ToolSpec{
		Name: "merge_clone", Category: "write",
		Description: "Push a clone's branch and merge it into the base branch.",
		InputSchema: objSchema(map[string]any{"clone_id": strProp("clone id (clone-...)")}, "clone_id"),
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			return orch.MergeStart(ctx, argStr(args, "clone_id"))
		},
	})

	r.Add(&ToolSpec{
		Name: "cleanup_merged", Category: "write",
		Description: "Delete merged clones whose retention window passed.",
		InputSchema: objSchema(map[string]any{}),
		Handler: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
			n, err := orch.SweepExpiredClones(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"removed": n}, nil
		},
	})

	return r
}

func workflowRegistry(deps Deps) *Registry {
	eng, st := deps.Workflow, deps.Store
	r := NewRegistry("gobby-workflows", "Activate workflows and inspect phase state.")

	if deps.Loader != nil {
		r.Add(&ToolSpec{
			Name: "list_workflows", Category: "read",
			Description: "List the loadable workflow definitions.",
			InputSchema: objSchema(map[string]any{}),
			Handler: func(_ context.Context, _ string, _ map[string]any) (any, error) {
				return deps.Loader.Names()
			},
		})
	}

	r.Add(&ToolSpec{
		Name: "set_workflow", Category: "write",
		Description: "Activate a workflow on this session.",
		InputSchema: objSchema(map[string]any{"workflow": strProp("workflow name")}, "workflow"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			if sessionID == "" {
				return nil, gerrors.ConstraintViolation("set_workflow requires a session")
			}
			if err := eng.Activate(ctx, sessionID, argStr(args, "workflow")); err != nil {
				return nil, err
			}
			return map[string]any{"activated": argStr(args, "workflow")}, nil
		},
	})

	r.Add(&ToolSpec{
		Name: "clear_workflow", Category: "write",
		Description: "Deactivate a workflow on this session.",
		InputSchema: objSchema(map[string]any{"workflow": strProp("workflow name")}, "workflow"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			if err := eng.Deactivate(ctx, sessionID, argStr(args, "workflow")); err != nil {
				return nil, err
			}
			return map[string]any{"deactivated": argStr(args, "workflow")}, nil
		},
	})

	r.Add(&ToolSpec{
		Name: "workflow_status", Category: "read",
		Description: "Show the session's active workflows, phase, and variables.",
		InputSchema: objSchema(map[string]any{}),
		Handler: func(ctx context.Context, sessionID string, _ map[string]any) (any, error) {
			phase, err := st.Workflows.ActivePhaseWorkflow(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			lifecycle, err := st.Workflows.ActiveLifecycleWorkflows(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"phase_workflow": phase, "lifecycle_workflows": lifecycle}, nil
		},
	})

	return r
}

func memoryRegistry(deps Deps) *Registry {
	mem, st := deps.Memory, deps.Store
	r := NewRegistry("gobby-memory", "Store and retrieve durable notes across sessions.")

	r.Add(&ToolSpec{
		Name: "add_memory", Category: "write",
		Description: "Save a note scoped to the project or globally.",
		InputSchema: objSchema(map[string]any{
			"content":      strProp("the note"),
			"tags":         strsProp("optional tags"),
			"always_apply": boolProp("inject into every new session"),
			"global":       boolProp("store globally instead of per-project"),
		}, "content"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			scope := memory.GlobalScope
			if !argBool(args, "global") {
				projectID, err := projectFor(ctx, st, sessionID, args)
				if err != nil {
					return nil, err
				}
				scope = projectID
			}
			return mem.Add(ctx, scope, argStr(args, "content"), argStrs(args, "tags"), argBool(args, "always_apply"))
		},
	})

	r.Add(&ToolSpec{
		Name: "search_memories", Category: "read",
		Description: "Search project and global memories.",
		InputSchema: objSchema(map[string]any{
			"query": strProp("search terms"),
			"limit": intProp("max results, default 5"),
		}, "query"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return mem.Search(ctx, projectID, argStr(args, "query"), argInt(args, "limit"))
		},
	})

	r.Add(&ToolSpec{
		Name: "list_memories", Category: "read",
		Description: "List this project's memories.",
		InputSchema: objSchema(map[string]any{"global": boolProp("list the global scope instead")}),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			if argBool(args, "global") {
				return mem.List(memory.GlobalScope)
			}
			projectID, err := projectFor(ctx, st, sessionID, args)
			if err != nil {
				return nil, err
			}
			return mem.List(projectID)
		},
	})

	r.Add(&ToolSpec{
		Name: "delete_memory", Category: "write",
		Description: "Delete a memory by id.",
		InputSchema: objSchema(map[string]any{
			"memory_id": strProp("memory id"),
			"global":    boolProp("the memory lives in the global scope"),
		}, "memory_id"),
		Handler: func(ctx context.Context, sessionID string, args map[string]any) (any, error) {
			scope := memory.GlobalScope
			if !argBool(args, "global") {
				projectID, err := projectFor(ctx, st, sessionID, args)
				if err != nil {
					return nil, err
				}
				scope = projectID
			}
			if err := mem.Delete(ctx, scope, argStr(args, "memory_id")); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true}, nil
		},
	})

	return r
}

func skillRegistry(deps Deps) *Registry {
	src := deps.Skills
	r := NewRegistry("gobby-skills", "Discover instruction playbooks progressively.")

	r.Add(&ToolSpec{
		Name: "list_skills", Category: "read",
		Description: "List skills: name, one-line description, scope.",
		InputSchema: objSchema(map[string]any{}),
		Handler: func(_ context.Context, _ string, _ map[string]any) (any, error) {
			return src().List(), nil
		},
	})

	r.Add(&ToolSpec{
		Name: "get_skill", Category: "read",
		Description: "Fetch the full body of one skill.",
		InputSchema: objSchema(map[string]any{"name": strProp("skill name")}, "name"),
		Handler: func(_ context.Context, _ string, args map[string]any) (any, error) {
			return src().Get(argStr(args, "name"))
		},
	})

	r.Add(&ToolSpec{
		Name: "search_skills", Category: "read",
		Description: "Search skills by keyword.",
		InputSchema: objSchema(map[string]any{
			"query": strProp("search terms"),
			"limit": intProp("max results, default 5"),
		}, "query"),
		Handler: func(_ context.Context, _ string, args map[string]any) (any, error) {
			limit := argInt(args, "limit")
			if limit <= 0 {
				limit = 5
			}
			return src().Search(argStr(args, "query"), limit), nil
		},
	})

	return r
}
