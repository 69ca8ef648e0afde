package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gobby/internal/gerrors"
	"gobby/internal/store"
	"gobby/internal/task"
)

func intQuery(c *gin.Context, key string, def int) int {
	if raw := c.Query(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

// resolveTaskRef turns the :id path segment (seq number, #N, id, or prefix)
// into a task id, scoped by the project_id query when given.
func (s *Server) resolveTaskRef(c *gin.Context, ref string) (string, bool) {
	id, err := s.deps.Store.Tasks.ResolveRef(c.Request.Context(), ref, c.Query("project_id"))
	if err != nil {
		fail(c, err)
		return "", false
	}
	return id, true
}

type createTaskReq struct {
	ProjectID          string   `json:"project_id" binding:"required"`
	Title              string   `json:"title" binding:"required"`
	Description        string   `json:"description"`
	Details            string   `json:"details"`
	Priority           int      `json:"priority"`
	Type               string   `json:"type"`
	ParentTask         string   `json:"parent_task"`
	Blocks             []string `json:"blocks"`
	ValidationCriteria string   `json:"validation_criteria"`
	SessionID          string   `json:"session_id"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	ctx := c.Request.Context()
	params := store.CreateTaskParams{
		ProjectID:          req.ProjectID,
		Title:              req.Title,
		Description:        req.Description,
		Details:            req.Details,
		Priority:           req.Priority,
		Type:               req.Type,
		ValidationCriteria: req.ValidationCriteria,
		CreatedInSessionID: req.SessionID,
	}
	if params.Priority == 0 {
		params.Priority = 2
	}
	if req.ParentTask != "" {
		id, err := s.deps.Store.Tasks.ResolveRef(ctx, req.ParentTask, req.ProjectID)
		if err != nil {
			fail(c, err)
			return
		}
		params.ParentTaskID = id
	}
	for _, ref := range req.Blocks {
		id, err := s.deps.Store.Tasks.ResolveRef(ctx, ref, req.ProjectID)
		if err != nil {
			fail(c, err)
			return
		}
		params.Blocks = append(params.Blocks, id)
	}
	t, err := s.deps.Store.Tasks.Create(ctx, params)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, t)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.deps.Store.Tasks.List(c.Request.Context(), store.ListFilters{
		ProjectID: c.Query("project_id"),
		Status:    c.Query("status"),
		Type:      c.Query("type"),
		Label:     c.Query("label"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, tasks)
}

func (s *Server) listReadyTasks(c *gin.Context) {
	tasks, err := s.deps.Store.Tasks.ListReady(c.Request.Context(), store.ListFilters{
		ProjectID: c.Query("project_id"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, tasks)
}

func (s *Server) listBlockedTasks(c *gin.Context) {
	tasks, err := s.deps.Store.Tasks.ListBlocked(c.Request.Context(), store.ListFilters{
		ProjectID: c.Query("project_id"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, tasks)
}

type updateTaskReq struct {
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	Details            *string   `json:"details"`
	TestStrategy       *string   `json:"test_strategy"`
	Priority           *int      `json:"priority"`
	Type               *string   `json:"type"`
	Labels             *[]string `json:"labels"`
	ValidationCriteria *string   `json:"validation_criteria"`
}

func (s *Server) updateTask(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	var req updateTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	t, err := s.deps.Store.Tasks.Update(c.Request.Context(), id, store.UpdateFields{
		Title:              req.Title,
		Description:        req.Description,
		Details:            req.Details,
		TestStrategy:       req.TestStrategy,
		Priority:           req.Priority,
		Type:               req.Type,
		Labels:             req.Labels,
		ValidationCriteria: req.ValidationCriteria,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) deleteTask(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	if err := s.deps.Store.Tasks.Delete(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type compactTasksReq struct {
	ProjectID string `json:"project_id" binding:"required"`
}

func (s *Server) compactTasks(c *gin.Context) {
	var req compactTasksReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	n, err := s.deps.Tasks.CompactClosed(c.Request.Context(), req.ProjectID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"compacted": n})
}

func (s *Server) getTask(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	ctx := c.Request.Context()
	t, err := s.deps.Store.Tasks.Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	deps, err := s.deps.Store.Tasks.Dependencies(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"task": t, "dependencies": deps})
}

type closeTaskReq struct {
	SessionID      string `json:"session_id"`
	CommitSHA      string `json:"commit_sha"`
	ChangesSummary string `json:"changes_summary"`
	Force          bool   `json:"force"`
}

func (s *Server) closeTask(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	var req closeTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	result, err := s.deps.Tasks.Close(c.Request.Context(), task.CloseParams{
		TaskID:         id,
		SessionID:      req.SessionID,
		CommitSHA:      req.CommitSHA,
		ChangesSummary: req.ChangesSummary,
		ForceComplete:  req.Force,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

type reopenTaskReq struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (s *Server) reopenTask(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	var req reopenTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	t, err := s.deps.Tasks.Reopen(c.Request.Context(), id, req.SessionID, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, t)
}

type expandTaskReq struct {
	Strategy    string `json:"strategy"`
	MaxSubtasks int    `json:"max_subtasks"`
	TDDMode     bool   `json:"tdd_mode"`
	SessionID   string `json:"session_id"`
}

func (s *Server) expandTask(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	var req expandTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	subtasks, err := s.deps.Tasks.Expand(c.Request.Context(), task.ExpandParams{
		TaskID:      id,
		Strategy:    req.Strategy,
		MaxSubtasks: req.MaxSubtasks,
		TDDMode:     req.TDDMode,
		SessionID:   req.SessionID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, subtasks)
}

func (s *Server) validateTask(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	result, err := s.deps.Tasks.Validate(c.Request.Context(), id, "")
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

type addDepReq struct {
	DependsOn string `json:"depends_on" binding:"required"`
	DepType   string `json:"dep_type"`
}

func (s *Server) addDependency(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	var req addDepReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	dep, done := s.resolveTaskRef(c, req.DependsOn)
	if !done {
		return
	}
	if req.DepType == "" {
		req.DepType = store.DepBlocks
	}
	if err := s.deps.Store.Tasks.AddDependency(c.Request.Context(), id, dep, req.DepType); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"task_id": id, "depends_on": dep, "dep_type": req.DepType})
}

func (s *Server) removeDependency(c *gin.Context) {
	id, done := s.resolveTaskRef(c, c.Param("id"))
	if !done {
		return
	}
	dep, done := s.resolveTaskRef(c, c.Param("dep"))
	if !done {
		return
	}
	depType := c.Query("dep_type")
	if depType == "" {
		depType = store.DepBlocks
	}
	if err := s.deps.Store.Tasks.RemoveDependency(c.Request.Context(), id, dep, depType); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"removed": true})
}

type syncTasksReq struct {
	ProjectID string `json:"project_id" binding:"required"`
	Direction string `json:"direction"`
}

func (s *Server) syncTasks(c *gin.Context) {
	var req syncTasksReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	ctx := c.Request.Context()
	if req.Direction == "import" {
		if err := s.deps.Sync.Import(ctx, req.ProjectID); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"imported": true})
		return
	}
	if err := s.deps.Sync.Export(ctx, req.ProjectID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"exported": true})
}
