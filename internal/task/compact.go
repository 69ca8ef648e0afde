package task

import (
	"context"
	"fmt"
	"time"

	"gobby/internal/llm"
)

const defaultCompactionAge = 30 * 24 * time.Hour

const compactSystem = `Summarize a finished software task in at most three sentences. Keep
concrete outcomes and file or component names; drop process detail.`

// CompactClosed replaces the descriptions of long-closed tasks with short
// LLM summaries, preserving titles and ids. Returns how many tasks were
// compacted; per-task failures are logged and skipped.
func (e *Engine) CompactClosed(ctx context.Context, projectID string) (int, error) {
	if err := e.requireLLM(); err != nil {
		return 0, err
	}
	age := e.cfg.CompactionAge
	if age <= 0 {
		age = defaultCompactionAge
	}
	candidates, err := e.store.Tasks.ListCompactable(ctx, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}

	compacted := 0
	for i := range candidates {
		t := &candidates[i]
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		prompt := fmt.Sprintf("Task: %s\n\nDescription:\n%s", t.Title, t.Description)
		if t.Details != "" {
			prompt += "\n\nDetails:\n" + t.Details
		}
		resp, err := e.llm.Complete(ctx, "", llm.Request{
			System:   compactSystem,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			e.logger.Warn("compact task %s: %v", t.ID, err)
			continue
		}
		if resp.Text == "" {
			continue
		}
		if err := e.store.Tasks.Compact(ctx, t.ID, resp.Text); err != nil {
			e.logger.Warn("store compacted task %s: %v", t.ID, err)
			continue
		}
		compacted++
	}
	if compacted > 0 && projectID != "" {
		e.markDirty(projectID)
	}
	return compacted, nil
}
