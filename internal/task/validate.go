package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/store"
)

// Validation statuses recorded on the task row.
const (
	ValidationPassed = "passed"
	ValidationFailed = "failed"
)

const defaultDiffTruncationBytes = 100_000

// Verdict is the validator's parsed answer.
type Verdict struct {
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback"`
}

// ValidationResult reports one run of the validation loop.
type ValidationResult struct {
	Status     string `json:"status"`
	Feedback   string `json:"feedback,omitempty"`
	FailCount  int    `json:"fail_count"`
	TaskFailed bool   `json:"task_failed,omitempty"`
	FixTaskID  string `json:"fix_task_id,omitempty"`
}

const validatorSystem = `You are a strict code reviewer. Judge whether the change satisfies the
given acceptance criteria based only on the diff provided. Respond with a
single JSON object: {"passed": true|false, "feedback": "..."}. Feedback must
name the specific unmet criteria when failing.`

// Validate runs the task's acceptance criteria against its recorded commit
// diffs (or the working tree when no commits are recorded). A failed verdict
// bumps the fail counter, stores feedback, optionally creates a fix subtask,
// and fails the task once the counter reaches the configured limit. Errors
// leave validation_status untouched.
func (e *Engine) Validate(ctx context.Context, taskID, repoDir string) (*ValidationResult, error) {
	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ValidationCriteria == "" {
		return nil, gerrors.ConstraintViolation("task %s has no validation criteria", task.ID)
	}

	diff, err := e.gatherDiff(ctx, task, repoDir)
	if err != nil {
		return nil, err
	}

	var verdict *Verdict
	if e.cfg.UseExternalValidator && e.External != nil {
		verdict, err = e.External(ctx, task, diff)
	} else {
		verdict, err = e.validateInProcess(ctx, task, diff)
	}
	if err != nil {
		return nil, err
	}

	if verdict.Passed {
		if err := e.store.Tasks.RecordValidation(ctx, task.ID, ValidationPassed, verdict.Feedback, task.ValidationFailCount); err != nil {
			return nil, err
		}
		return &ValidationResult{
			Status:    ValidationPassed,
			Feedback:  verdict.Feedback,
			FailCount: task.ValidationFailCount,
		}, nil
	}

	failCount := task.ValidationFailCount + 1
	if err := e.store.Tasks.RecordValidation(ctx, task.ID, ValidationFailed, verdict.Feedback, failCount); err != nil {
		return nil, err
	}
	result := &ValidationResult{
		Status:    ValidationFailed,
		Feedback:  verdict.Feedback,
		FailCount: failCount,
	}

	maxFails := e.cfg.MaxValidationFails
	if maxFails < 1 {
		maxFails = 3
	}
	if failCount >= maxFails {
		if err := e.store.Tasks.SetStatus(ctx, task.ID, store.TaskFailed, "", ""); err != nil {
			return nil, err
		}
		result.TaskFailed = true
		e.markDirty(task.ProjectID)
		return result, nil
	}

	if e.cfg.CreateFixSubtask {
		fix, err := e.store.Tasks.Create(ctx, store.CreateTaskParams{
			ProjectID:    task.ProjectID,
			ParentTaskID: task.ID,
			Title:        "Fix: " + task.Title,
			Description:  verdict.Feedback,
			Priority:     task.Priority,
			Type:         store.TypeBug,
		})
		if err != nil {
			e.logger.Warn("create fix subtask for %s: %v", task.ID, err)
		} else {
			result.FixTaskID = fix.ID
			e.markDirty(task.ProjectID)
		}
	}
	return result, nil
}

func (e *Engine) validateInProcess(ctx context.Context, task *store.Task, diff string) (*Verdict, error) {
	if err := e.requireLLM(); err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "\nAcceptance criteria:\n%s\n", task.ValidationCriteria)
	if diff == "" {
		b.WriteString("\nNo diff is available; judge from the criteria alone and fail anything unverifiable.\n")
	} else {
		fmt.Fprintf(&b, "\nDiff:\n%s\n", diff)
	}

	resp, err := e.llm.Complete(ctx, "", llm.Request{
		System:   validatorSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	})
	if err != nil {
		return nil, err
	}
	return parseVerdict(resp.Text)
}

// gatherDiff returns per-commit diffs when the task has recorded commits,
// else the staged plus unstaged working-tree diff, bounded by the configured
// truncation size.
func (e *Engine) gatherDiff(ctx context.Context, task *store.Task, repoDir string) (string, error) {
	if e.git == nil || repoDir == "" {
		return "", nil
	}
	maxBytes := e.cfg.DiffTruncationBytes
	if maxBytes <= 0 {
		maxBytes = defaultDiffTruncationBytes
	}
	if len(task.Commits) == 0 {
		return e.git.Diff(ctx, repoDir, maxBytes)
	}
	var b strings.Builder
	for _, sha := range task.Commits {
		if b.Len() >= maxBytes {
			break
		}
		part, err := e.git.DiffRange(ctx, repoDir, sha+"^", sha, maxBytes-b.Len())
		if err != nil {
			e.logger.Warn("diff for commit %s: %v", sha, err)
			continue
		}
		fmt.Fprintf(&b, "commit %s\n%s\n", sha, part)
	}
	return b.String(), nil
}

// parseVerdict extracts the JSON verdict from model output, tolerating
// surrounding prose and code fences.
func parseVerdict(text string) (*Verdict, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, gerrors.Wrap(gerrors.KindProvider, err, "parse validation verdict")
	}
	return &v, nil
}
