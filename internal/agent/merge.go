package agent

import (
	"context"
	"os"
	"strings"
	"time"

	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/store"
)

// MergeResult reports how merging an isolated workspace back concluded.
type MergeResult struct {
	SourceID  string `json:"source_id"`
	Branch    string `json:"branch"`
	Merged    bool   `json:"merged"`
	Tier      string `json:"tier"`
	Conflicts int    `json:"conflicts,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// MergeStart merges a worktree or clone branch back into the project's base
// branch, escalating conflicts through the resolver tiers. Unresolvable
// merges park the linked task in review and emit an urgent conflict event.
func (o *Orchestrator) MergeStart(ctx context.Context, sourceID string) (*MergeResult, error) {
	switch {
	case strings.HasPrefix(sourceID, "wt-"):
		return o.mergeWorktree(ctx, sourceID)
	case strings.HasPrefix(sourceID, "clone-"):
		return o.mergeClone(ctx, sourceID)
	}
	return nil, gerrors.ConstraintViolation("merge source %q is neither a worktree nor a clone id", sourceID)
}

func (o *Orchestrator) mergeWorktree(ctx context.Context, worktreeID string) (*MergeResult, error) {
	wt, err := o.store.Worktrees.Get(ctx, worktreeID)
	if err != nil {
		return nil, err
	}
	proj, err := o.store.Projects.Get(ctx, wt.ProjectID)
	if err != nil {
		return nil, err
	}

	outcome, err := o.resolver.MergeBranch(ctx, proj.RepoPath, wt.BranchName)
	if err != nil {
		return nil, err
	}
	res := &MergeResult{
		SourceID:  worktreeID,
		Branch:    wt.BranchName,
		Merged:    outcome.Merged,
		Tier:      outcome.Tier,
		Conflicts: len(outcome.Conflicts),
		TaskID:    derefOr(wt.TaskID),
	}
	if !outcome.Merged {
		o.escalateMerge(ctx, proj.ID, res)
		return res, nil
	}

	if err := o.git.RemoveWorktree(ctx, proj.RepoPath, wt.WorktreePath, true); err != nil {
		o.logger.Warn("remove worktree %s: %v", wt.WorktreePath, err)
	}
	if err := o.git.DeleteBranch(ctx, proj.RepoPath, wt.BranchName, false); err != nil {
		o.logger.Warn("delete branch %s: %v", wt.BranchName, err)
	}
	if err := o.store.Worktrees.SetStatus(ctx, worktreeID, store.WorktreeMerged); err != nil {
		o.logger.Warn("mark worktree %s merged: %v", worktreeID, err)
	}
	o.completeMerge(ctx, proj.ID, res)
	return res, nil
}

// mergeClone pushes the clone's branch to the remote, fetches it in the main
// repo, and merges the remote-tracking ref. The clone directory itself is
// left for the retention sweep.
func (o *Orchestrator) mergeClone(ctx context.Context, cloneID string) (*MergeResult, error) {
	cl, err := o.store.Clones.Get(ctx, cloneID)
	if err != nil {
		return nil, err
	}
	proj, err := o.store.Projects.Get(ctx, cl.ProjectID)
	if err != nil {
		return nil, err
	}

	if err := o.git.Push(ctx, cl.ClonePath, "origin", cl.BranchName); err != nil {
		return nil, err
	}
	if err := o.store.Clones.MarkSynced(ctx, cloneID); err != nil {
		o.logger.Warn("mark clone %s synced: %v", cloneID, err)
	}
	if err := o.git.Fetch(ctx, proj.RepoPath, "origin", cl.BranchName); err != nil {
		return nil, err
	}

	outcome, err := o.resolver.MergeBranch(ctx, proj.RepoPath, "origin/"+cl.BranchName)
	if err != nil {
		return nil, err
	}
	res := &MergeResult{
		SourceID:  cloneID,
		Branch:    cl.BranchName,
		Merged:    outcome.Merged,
		Tier:      outcome.Tier,
		Conflicts: len(outcome.Conflicts),
		TaskID:    derefOr(cl.TaskID),
	}
	if !outcome.Merged {
		o.escalateMerge(ctx, proj.ID, res)
		return res, nil
	}

	retention := o.cfg.CloneRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if err := o.store.Clones.MarkMerged(ctx, cloneID, retention); err != nil {
		o.logger.Warn("mark clone %s merged: %v", cloneID, err)
	}
	o.completeMerge(ctx, proj.ID, res)
	return res, nil
}

func (o *Orchestrator) completeMerge(ctx context.Context, projectID string, res *MergeResult) {
	if res.TaskID != "" {
		if task, err := o.store.Tasks.Get(ctx, res.TaskID); err == nil && !taskSettled(task.Status) {
			if err := o.store.Tasks.SetStatus(ctx, res.TaskID, store.TaskCompleted, "", ""); err != nil {
				o.logger.Warn("complete task %s after merge: %v", res.TaskID, err)
			}
		}
	}
	o.publish(events.Event{
		Type:      events.TypeMergeCompleted,
		ProjectID: projectID,
		Payload: map[string]any{
			"source_id": res.SourceID,
			"branch":    res.Branch,
			"tier":      res.Tier,
			"task_id":   res.TaskID,
		},
	})
}

func (o *Orchestrator) escalateMerge(ctx context.Context, projectID string, res *MergeResult) {
	if res.TaskID != "" {
		if err := o.store.Tasks.SetStatus(ctx, res.TaskID, store.TaskReview, "", ""); err != nil {
			o.logger.Warn("park task %s for review: %v", res.TaskID, err)
		}
	}
	o.publish(events.Event{
		Type:      events.TypeMergeConflict,
		ProjectID: projectID,
		Payload: map[string]any{
			"source_id": res.SourceID,
			"branch":    res.Branch,
			"conflicts": res.Conflicts,
			"task_id":   res.TaskID,
			"priority":  store.PriorityUrgent,
		},
	})
}

// SweepExpiredClones deletes merged clones whose retention window passed.
func (o *Orchestrator) SweepExpiredClones(ctx context.Context) (int, error) {
	expired, err := o.store.Clones.ListExpired(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, cl := range expired {
		if cl.ClonePath != "" {
			if err := os.RemoveAll(cl.ClonePath); err != nil {
				o.logger.Warn("remove clone dir %s: %v", cl.ClonePath, err)
				continue
			}
		}
		if err := o.store.Clones.Delete(ctx, cl.ID); err != nil {
			o.logger.Warn("delete clone row %s: %v", cl.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepStaleWorktrees marks long-idle active worktrees stale so the UI can
// surface them.
func (o *Orchestrator) SweepStaleWorktrees(ctx context.Context, idle time.Duration) (int, error) {
	stale, err := o.store.Worktrees.ListStale(ctx, idle)
	if err != nil {
		return 0, err
	}
	for _, wt := range stale {
		if err := o.store.Worktrees.SetStatus(ctx, wt.ID, store.WorktreeStale); err != nil {
			o.logger.Warn("mark worktree %s stale: %v", wt.ID, err)
		}
	}
	return len(stale), nil
}

// RemoveWorktree detaches a worktree from the repo and drops its row,
// regardless of merge state.
func (o *Orchestrator) RemoveWorktree(ctx context.Context, worktreeID string) error {
	wt, err := o.store.Worktrees.Get(ctx, worktreeID)
	if err != nil {
		return err
	}
	proj, err := o.store.Projects.Get(ctx, wt.ProjectID)
	if err != nil {
		return err
	}
	if err := o.git.RemoveWorktree(ctx, proj.RepoPath, wt.WorktreePath, true); err != nil {
		o.logger.Warn("remove worktree dir %s: %v", wt.WorktreePath, err)
	}
	return o.store.Worktrees.Delete(ctx, worktreeID)
}

// RemoveClone deletes a clone directory and its row.
func (o *Orchestrator) RemoveClone(ctx context.Context, cloneID string) error {
	cl, err := o.store.Clones.Get(ctx, cloneID)
	if err != nil {
		return err
	}
	if cl.ClonePath != "" {
		if err := os.RemoveAll(cl.ClonePath); err != nil {
			return gerrors.Wrap(gerrors.KindGit, err, "remove clone dir")
		}
	}
	return o.store.Clones.Delete(ctx, cloneID)
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
