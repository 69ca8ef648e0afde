package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Tasks manages the tasks and task_dependencies tables.
type Tasks struct {
	db     *sqlx.DB
	logger logging.Logger
}

// CreateTaskParams are the inputs for a new task.
type CreateTaskParams struct {
	ProjectID          string
	ParentTaskID       string
	Title              string
	Description        string
	Details            string
	TestStrategy       string
	Priority           int
	Type               string
	Labels             []string
	ValidationCriteria string
	CreatedInSessionID string
	Blocks             []string // ids this task depends on (blocks edges)
}

// Create inserts a task. Any missing Blocks id or a cycle the new edges
// would induce rejects the whole call.
func (t *Tasks) Create(ctx context.Context, params CreateTaskParams) (*Task, error) {
	if strings.TrimSpace(params.Title) == "" {
		return nil, gerrors.ConstraintViolation("task title is required")
	}
	if params.ProjectID == "" {
		return nil, gerrors.ConstraintViolation("task requires a project_id")
	}
	if params.Priority == 0 {
		params.Priority = 2
	}
	if params.Priority < 1 || params.Priority > 3 {
		return nil, gerrors.ConstraintViolation("priority must be 1-3, got %d", params.Priority)
	}
	if params.Type == "" {
		params.Type = TypeTask
	}
	switch params.Type {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore:
	default:
		return nil, gerrors.ConstraintViolation("unknown task type %q", params.Type)
	}

	task := &Task{
		ProjectID:          params.ProjectID,
		Title:              params.Title,
		Description:        params.Description,
		Details:            params.Details,
		TestStrategy:       params.TestStrategy,
		Status:             TaskPending,
		Priority:           params.Priority,
		Type:               params.Type,
		Labels:             params.Labels,
		ValidationCriteria: params.ValidationCriteria,
		Commits:            JSONStrings{},
		CreatedAt:          now(),
		UpdatedAt:          now(),
	}
	if task.Labels == nil {
		task.Labels = JSONStrings{}
	}
	if params.ParentTaskID != "" {
		task.ParentTaskID = &params.ParentTaskID
	}
	if params.CreatedInSessionID != "" {
		task.CreatedInSessionID = &params.CreatedInSessionID
	}

	err := withTx(ctx, t.db, func(tx *sqlx.Tx) error {
		if task.ParentTaskID != nil {
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, *task.ParentTaskID); err != nil {
				return gerrors.Wrap(gerrors.KindIntegrity, err, "check parent task")
			}
			if exists == 0 {
				return gerrors.NotFound("parent task %s", *task.ParentTaskID)
			}
		}
		for _, dep := range params.Blocks {
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, dep); err != nil {
				return gerrors.Wrap(gerrors.KindIntegrity, err, "check blocker")
			}
			if exists == 0 {
				return gerrors.NotFound("blocking task %s", dep)
			}
		}
		if err := tx.GetContext(ctx, &task.SeqNum,
			`SELECT COALESCE(MAX(seq_num), 0) + 1 FROM tasks WHERE project_id = ?`, task.ProjectID); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "next task seq")
		}

		// Short-hash ids can collide; retry with a fresh salt.
		for attempt := 0; attempt < 5; attempt++ {
			task.ID = NewTaskID(task.ProjectID)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, project_id, parent_task_id, seq_num, title, description, details,
					test_strategy, status, priority, type, labels, validation_criteria, commits,
					created_in_session_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				task.ID, task.ProjectID, task.ParentTaskID, task.SeqNum, task.Title, task.Description,
				task.Details, task.TestStrategy, task.Status, task.Priority, task.Type, task.Labels,
				task.ValidationCriteria, task.Commits, task.CreatedInSessionID, task.CreatedAt, task.UpdatedAt)
			if err == nil {
				break
			}
			if isUniqueViolation(err) && strings.Contains(err.Error(), "tasks.id") {
				continue
			}
			return gerrors.Wrap(gerrors.KindIntegrity, err, "insert task")
		}

		for _, dep := range params.Blocks {
			if err := addDependencyTx(ctx, tx, task.ID, dep, DepBlocks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Get returns a task by id.
func (t *Tasks) Get(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := t.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("task %s", id)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get task")
	}
	return &task, nil
}

// ResolveRef resolves `N`, `#N`, a full id, or an unambiguous prefix.
func (t *Tasks) ResolveRef(ctx context.Context, ref, projectID string) (string, error) {
	return resolveRef(ctx, t.db, "tasks", "task", ref, projectID)
}

// ListFilters narrow List and ListReady.
type ListFilters struct {
	ProjectID    string
	Status       string
	Type         string
	Label        string
	ParentTaskID string
}

// List returns tasks matching the filters, priority then age ordered.
func (t *Tasks) List(ctx context.Context, f ListFilters) ([]Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.ParentTaskID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, f.ParentTaskID)
	}
	query += ` ORDER BY priority ASC, created_at ASC`
	var out []Task
	if err := t.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list tasks")
	}
	if f.Label != "" {
		filtered := out[:0]
		for _, task := range out {
			for _, l := range task.Labels {
				if l == f.Label {
					filtered = append(filtered, task)
					break
				}
			}
		}
		out = filtered
	}
	return out, nil
}

// ListReady returns tasks that are pending or in_progress with no
// non-completed blocker and no non-completed child. Parents are blocked by
// every child.
func (t *Tasks) ListReady(ctx context.Context, f ListFilters) ([]Task, error) {
	query := `
		SELECT * FROM tasks t
		WHERE t.status IN (?, ?)
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks b ON b.id = d.depends_on
			WHERE d.task_id = t.id AND d.dep_type = ? AND b.status != ?
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM tasks c
			WHERE c.parent_task_id = t.id AND c.status != ?
		  )`
	args := []any{TaskPending, TaskInProgress, DepBlocks, TaskCompleted, TaskCompleted}
	if f.ProjectID != "" {
		query += ` AND t.project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		query += ` AND t.type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY t.priority ASC, t.created_at ASC`
	var out []Task
	if err := t.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list ready tasks")
	}
	return out, nil
}

// ListBlocked returns open tasks that are not ready.
func (t *Tasks) ListBlocked(ctx context.Context, f ListFilters) ([]Task, error) {
	ready, err := t.ListReady(ctx, f)
	if err != nil {
		return nil, err
	}
	readySet := make(map[string]bool, len(ready))
	for _, task := range ready {
		readySet[task.ID] = true
	}
	all, err := t.List(ctx, ListFilters{ProjectID: f.ProjectID, Type: f.Type})
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, task := range all {
		if task.Open() && !readySet[task.ID] {
			out = append(out, task)
		}
	}
	return out, nil
}

// UpdateFields patches mutable task fields; nil means unchanged.
type UpdateFields struct {
	Title              *string
	Description        *string
	Details            *string
	TestStrategy       *string
	Priority           *int
	Type               *string
	Labels             *[]string
	ValidationCriteria *string
}

// Update applies field changes and bumps updated_at.
func (t *Tasks) Update(ctx context.Context, id string, f UpdateFields) (*Task, error) {
	task, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Title != nil {
		task.Title = *f.Title
	}
	if f.Description != nil {
		task.Description = *f.Description
	}
	if f.Details != nil {
		task.Details = *f.Details
	}
	if f.TestStrategy != nil {
		task.TestStrategy = *f.TestStrategy
	}
	if f.Priority != nil {
		if *f.Priority < 1 || *f.Priority > 3 {
			return nil, gerrors.ConstraintViolation("priority must be 1-3, got %d", *f.Priority)
		}
		task.Priority = *f.Priority
	}
	if f.Type != nil {
		task.Type = *f.Type
	}
	if f.Labels != nil {
		task.Labels = *f.Labels
	}
	if f.ValidationCriteria != nil {
		task.ValidationCriteria = *f.ValidationCriteria
	}
	task.UpdatedAt = now()
	_, err = t.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, details = ?, test_strategy = ?, priority = ?,
			type = ?, labels = ?, validation_criteria = ?, updated_at = ?
		WHERE id = ?`,
		task.Title, task.Description, task.Details, task.TestStrategy, task.Priority,
		task.Type, task.Labels, task.ValidationCriteria, task.UpdatedAt, id)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "update task")
	}
	return task, nil
}

// SetStatus transitions task status, recording session/commit on close and
// review_at when entering review.
func (t *Tasks) SetStatus(ctx context.Context, id, status, sessionID, commitSHA string) error {
	ts := now()
	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{status, ts}
	switch status {
	case TaskReview:
		query += `, review_at = ?`
		args = append(args, ts)
	case TaskInProgress:
		// Reopen clears the closing commit.
		query += `, closed_commit_sha = ''`
	}
	if sessionID != "" {
		query += `, closed_in_session_id = ?`
		args = append(args, sessionID)
	}
	if commitSHA != "" {
		query += `, closed_commit_sha = ?`
		args = append(args, commitSHA)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set task status")
	}
	return requireRow(res, "task %s", id)
}

// RecordValidation stores a validation outcome.
func (t *Tasks) RecordValidation(ctx context.Context, id, status, feedback string, failCount int) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE tasks SET validation_status = ?, validation_feedback = ?, validation_fail_count = ?, updated_at = ?
		WHERE id = ?`, status, feedback, failCount, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "record validation")
	}
	return requireRow(res, "task %s", id)
}

// AddCommit appends a commit SHA to the task's commit list.
func (t *Tasks) AddCommit(ctx context.Context, id, sha string) error {
	task, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, existing := range task.Commits {
		if existing == sha {
			return nil
		}
	}
	task.Commits = append(task.Commits, sha)
	_, err = t.db.ExecContext(ctx, `UPDATE tasks SET commits = ?, updated_at = ? WHERE id = ?`,
		task.Commits, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "add task commit")
	}
	return nil
}

// Compact replaces the description with an LLM summary, preserving title
// and ids.
func (t *Tasks) Compact(ctx context.Context, id, summary string) error {
	ts := now()
	res, err := t.db.ExecContext(ctx, `
		UPDATE tasks SET summary = ?, description = ?, compacted_at = ?, updated_at = ? WHERE id = ?`,
		summary, summary, ts, ts, id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "compact task")
	}
	return requireRow(res, "task %s", id)
}

// ListCompactable returns completed tasks closed before the cutoff that have
// not been compacted.
func (t *Tasks) ListCompactable(ctx context.Context, cutoff time.Time) ([]Task, error) {
	var out []Task
	err := t.db.SelectContext(ctx, &out, `
		SELECT * FROM tasks
		WHERE status = ? AND compacted_at IS NULL AND updated_at < ? AND description != ''`,
		TaskCompleted, cutoff)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list compactable")
	}
	return out, nil
}

// Delete removes a task and its dependency edges.
func (t *Tasks) Delete(ctx context.Context, id string) error {
	return withTx(ctx, t.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on = ?`, id, id); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "delete task deps")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "delete task")
		}
		return requireRow(res, "task %s", id)
	})
}

// DeleteMany removes a batch of tasks in one transaction (expansion rollback).
func (t *Tasks) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withTx(ctx, t.db, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on = ?`, id, id); err != nil {
				return gerrors.Wrap(gerrors.KindIntegrity, err, "delete task deps")
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return gerrors.Wrap(gerrors.KindIntegrity, err, "delete task")
			}
		}
		return nil
	})
}

// AddDependency inserts a typed edge task_id -> depends_on. Self-edges are
// rejected; blocks edges additionally run a full cycle check over the
// blocks sub-graph. related and discovered-from never participate in cycle
// checks or readiness.
func (t *Tasks) AddDependency(ctx context.Context, taskID, dependsOn, depType string) error {
	return withTx(ctx, t.db, func(tx *sqlx.Tx) error {
		return addDependencyTx(ctx, tx, taskID, dependsOn, depType)
	})
}

func addDependencyTx(ctx context.Context, tx *sqlx.Tx, taskID, dependsOn, depType string) error {
	switch depType {
	case DepBlocks, DepRelated, DepDiscoveredFrom:
	default:
		return gerrors.ConstraintViolation("unknown dependency type %q", depType)
	}
	if taskID == dependsOn {
		return gerrors.ConstraintViolation("task %s cannot depend on itself", taskID)
	}
	for _, id := range []string{taskID, dependsOn} {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "check task")
		}
		if exists == 0 {
			return gerrors.NotFound("task %s", id)
		}
	}
	if depType == DepBlocks {
		if path, cyclic := blocksCyclePath(ctx, tx, taskID, dependsOn); cyclic {
			return gerrors.ConstraintViolation("cycle: %s", strings.Join(path, " -> "))
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on, dep_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id, depends_on, dep_type) DO NOTHING`,
		taskID, dependsOn, depType, now())
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "insert dependency")
	}
	return nil
}

// blocksCyclePath checks whether adding taskID -> dependsOn would close a
// cycle in the blocks graph, via iterative DFS from dependsOn looking for
// taskID. Returns the precise path when found.
func blocksCyclePath(ctx context.Context, tx *sqlx.Tx, taskID, dependsOn string) ([]string, bool) {
	type frame struct {
		id   string
		path []string
	}
	stack := []frame{{id: dependsOn, path: []string{taskID, dependsOn}}}
	visited := map[string]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.id == taskID {
			return cur.path, true
		}
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		var next []string
		if err := tx.SelectContext(ctx, &next,
			`SELECT depends_on FROM task_dependencies WHERE task_id = ? AND dep_type = ?`,
			cur.id, DepBlocks); err != nil {
			return nil, false
		}
		for _, n := range next {
			stack = append(stack, frame{id: n, path: append(append([]string{}, cur.path...), n)})
		}
	}
	return nil, false
}

// RemoveDependency deletes an edge.
func (t *Tasks) RemoveDependency(ctx context.Context, taskID, dependsOn, depType string) error {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = ? AND depends_on = ? AND dep_type = ?`,
		taskID, dependsOn, depType)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "remove dependency")
	}
	return requireRow(res, "dependency %s -> %s (%s)", taskID, dependsOn, depType)
}

// Dependencies returns all outgoing edges for a task.
func (t *Tasks) Dependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	var out []Dependency
	if err := t.db.SelectContext(ctx, &out,
		`SELECT * FROM task_dependencies WHERE task_id = ? ORDER BY created_at`, taskID); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list dependencies")
	}
	return out, nil
}

// Dependents returns all incoming edges (tasks that depend on taskID).
func (t *Tasks) Dependents(ctx context.Context, taskID string) ([]Dependency, error) {
	var out []Dependency
	if err := t.db.SelectContext(ctx, &out,
		`SELECT * FROM task_dependencies WHERE depends_on = ? ORDER BY created_at`, taskID); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list dependents")
	}
	return out, nil
}

// VerifyAcyclic runs a full cycle check over the blocks sub-graph of one
// project, returning the first cycle path found. Used after task expansion.
func (t *Tasks) VerifyAcyclic(ctx context.Context, projectID string) error {
	var edges []Dependency
	err := t.db.SelectContext(ctx, &edges, `
		SELECT d.* FROM task_dependencies d
		JOIN tasks tk ON tk.id = d.task_id
		WHERE d.dep_type = ? AND tk.project_id = ?`, DepBlocks, projectID)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "load blocks graph")
	}
	adj := map[string][]string{}
	for _, e := range edges {
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOn)
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(node string, path []string) []string
	visit = func(node string, path []string) []string {
		color[node] = gray
		path = append(path, node)
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				return append(path, next)
			case white:
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			}
		}
		color[node] = black
		return nil
	}
	for node := range adj {
		if color[node] == white {
			if cycle := visit(node, nil); cycle != nil {
				return gerrors.ConstraintViolation("cycle: %s", strings.Join(cycle, " -> "))
			}
		}
	}
	return nil
}

// Upsert writes a task row preserving its id, used by JSONL import. An
// existing row is only overwritten when the incoming updated_at is newer
// (last-write-wins). Reports whether the row changed.
func (t *Tasks) Upsert(ctx context.Context, task *Task) (bool, error) {
	changed := false
	err := withTx(ctx, t.db, func(tx *sqlx.Tx) error {
		var existing Task
		err := tx.GetContext(ctx, &existing, `SELECT * FROM tasks WHERE id = ?`, task.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, project_id, parent_task_id, seq_num, title, description, details,
					test_strategy, status, priority, type, labels, validation_criteria, commits,
					created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				task.ID, task.ProjectID, task.ParentTaskID, task.SeqNum, task.Title, task.Description,
				task.Details, task.TestStrategy, task.Status, task.Priority, task.Type, task.Labels,
				task.ValidationCriteria, task.Commits, task.CreatedAt, task.UpdatedAt)
			if err != nil {
				return gerrors.Wrap(gerrors.KindIntegrity, err, "import task")
			}
			changed = true
			return nil
		case err != nil:
			return gerrors.Wrap(gerrors.KindIntegrity, err, "read task for import")
		}
		if !task.UpdatedAt.After(existing.UpdatedAt) {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET parent_task_id = ?, title = ?, description = ?, details = ?,
				test_strategy = ?, status = ?, priority = ?, type = ?, labels = ?,
				validation_criteria = ?, commits = ?, updated_at = ?
			WHERE id = ?`,
			task.ParentTaskID, task.Title, task.Description, task.Details, task.TestStrategy,
			task.Status, task.Priority, task.Type, task.Labels, task.ValidationCriteria,
			task.Commits, task.UpdatedAt, task.ID)
		if err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "update imported task")
		}
		changed = true
		return nil
	})
	return changed, err
}

// ReplaceDependencies swaps a task's outgoing edges for the given set, used
// by JSONL import. Edges pointing at tasks not yet present are skipped; the
// importer retries them on a later pass.
func (t *Tasks) ReplaceDependencies(ctx context.Context, taskID string, deps []Dependency) error {
	return withTx(ctx, t.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "clear dependencies")
		}
		for _, d := range deps {
			err := addDependencyTx(ctx, tx, taskID, d.DependsOn, d.DepType)
			if gerrors.KindOf(err) == gerrors.KindNotFound {
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CountByStatus returns a status histogram for a project.
func (t *Tasks) CountByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := t.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "count by status")
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "scan count")
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TitleSlug is used by branch synthesis: lowercase, dashes, bounded length.
func TitleSlug(title string, maxLen int) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
