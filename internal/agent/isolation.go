package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gobby/internal/config"
	"gobby/internal/gerrors"
	"gobby/internal/gitops"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// Workspace is the prepared execution environment for one agent.
type Workspace struct {
	Dir        string
	Branch     string
	WorktreeID string
	CloneID    string
	Note       string // appended to the agent prompt
}

// IsolationHandler prepares and tears down an agent workspace.
type IsolationHandler interface {
	Prepare(ctx context.Context, proj *store.Project, branch, taskID, sessionID string) (*Workspace, error)
}

// CurrentIsolation runs the agent directly in the project repo.
type CurrentIsolation struct{}

func (CurrentIsolation) Prepare(_ context.Context, proj *store.Project, _, _, _ string) (*Workspace, error) {
	return &Workspace{Dir: proj.RepoPath}, nil
}

// WorktreeIsolation creates (or reuses) a git worktree on a fresh branch.
type WorktreeIsolation struct {
	Git    *gitops.Git
	Store  *store.Store
	Root   string // base directory for worktree checkouts
	Logger logging.Logger
}

func (h *WorktreeIsolation) Prepare(ctx context.Context, proj *store.Project, branch, taskID, sessionID string) (*Workspace, error) {
	if existing, err := h.Store.Worktrees.FindByBranch(ctx, proj.ID, branch); err == nil && existing.Status == store.WorktreeActive {
		return &Workspace{
			Dir:        existing.WorktreePath,
			Branch:     existing.BranchName,
			WorktreeID: existing.ID,
		}, nil
	}

	// Concurrent git operations on the main repo corrupt each other; fail
	// fast instead of queueing behind an unknown writer.
	if _, err := os.Stat(filepath.Join(proj.RepoPath, ".git", "index.lock")); err == nil {
		return nil, gerrors.Git("repo %s is locked by another git operation", proj.RepoPath)
	}

	path := filepath.Join(h.Root, proj.ID, branch)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "create worktree root")
	}
	if err := h.Git.AddWorktree(ctx, proj.RepoPath, path, branch, proj.BaseBranch); err != nil {
		return nil, err
	}

	wt := &store.Worktree{
		ID:           store.NewWorktreeID(proj.ID),
		ProjectID:    proj.ID,
		BranchName:   branch,
		WorktreePath: path,
		BaseBranch:   proj.BaseBranch,
		Status:       store.WorktreeActive,
	}
	if taskID != "" {
		wt.TaskID = &taskID
	}
	if sessionID != "" {
		wt.AgentSessionID = &sessionID
	}
	if err := h.Store.Worktrees.Create(ctx, wt); err != nil {
		if rmErr := h.Git.RemoveWorktree(ctx, proj.RepoPath, path, true); rmErr != nil {
			logging.OrNop(h.Logger).Warn("remove orphan worktree %s: %v", path, rmErr)
		}
		return nil, err
	}
	return &Workspace{Dir: path, Branch: branch, WorktreeID: wt.ID}, nil
}

// CloneIsolation makes a shallow clone of the remote and checks out a fresh
// feature branch, so parallel agents never share a working tree.
type CloneIsolation struct {
	Git    *gitops.Git
	Store  *store.Store
	Root   string
	Logger logging.Logger
}

func (h *CloneIsolation) Prepare(ctx context.Context, proj *store.Project, branch, taskID, sessionID string) (*Workspace, error) {
	remote, err := h.Git.RemoteURL(ctx, proj.RepoPath)
	if err != nil {
		return nil, err
	}

	id := store.NewCloneID()
	path := filepath.Join(h.Root, id)
	if err := os.MkdirAll(h.Root, 0o755); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "create clone root")
	}
	if err := h.Git.ShallowClone(ctx, remote, path, proj.BaseBranch); err != nil {
		return nil, err
	}
	if err := h.Git.CheckoutNewBranch(ctx, path, branch); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}

	cl := &store.Clone{
		ID:         id,
		ProjectID:  proj.ID,
		BranchName: branch,
		ClonePath:  path,
		BaseBranch: proj.BaseBranch,
		RemoteURL:  remote,
		Status:     store.CloneActive,
	}
	if taskID != "" {
		cl.TaskID = &taskID
	}
	if sessionID != "" {
		cl.AgentSessionID = &sessionID
	}
	if err := h.Store.Clones.Create(ctx, cl); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	return &Workspace{
		Dir:     path,
		Branch:  branch,
		CloneID: id,
		Note:    "Your commits stay local to this clone until the daemon syncs the branch to the remote.",
	}, nil
}

// synthesizeBranch names the feature branch: task-<seq>-<slug> when a task
// is linked, else <prefix>-<timestamp>.
func synthesizeBranch(task *store.Task, prefix string) string {
	if task != nil {
		return fmt.Sprintf("task-%d-%s", task.SeqNum, store.TitleSlug(task.Title, 32))
	}
	return fmt.Sprintf("%s-%d", prefix, time.Now().Unix())
}

// isolationRoots resolves where worktrees and clones live under the gobby
// home directory.
func isolationRoots(cfg config.AgentsConfig) (worktrees, clones string, err error) {
	home := cfg.GlobalDir
	if home == "" {
		home, err = config.Home()
		if err != nil {
			return "", "", err
		}
	}
	return filepath.Join(home, "worktrees"), filepath.Join(home, "clones"), nil
}
