package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gobby/internal/gerrors"
	"gobby/internal/hooks"
	"gobby/internal/memory"
)

// --- hooks ---

func (s *Server) handleHook(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid hook payload: %v", err))
		return
	}
	ev, err := hooks.Normalize(c.Param("source"), payload)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, s.deps.Hooks.Dispatch(c.Request.Context(), ev))
}

// --- projects ---

type createProjectReq struct {
	Name       string `json:"name" binding:"required"`
	RepoPath   string `json:"repo_path" binding:"required"`
	BaseBranch string `json:"base_branch"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}
	proj, err := s.deps.Store.Projects.Create(c.Request.Context(), req.Name, req.RepoPath, req.BaseBranch)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, proj)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.deps.Store.Projects.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, projects)
}

func (s *Server) getProject(c *gin.Context) {
	proj, err := s.deps.Store.Projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, proj)
}

type updateProjectReq struct {
	Name       *string `json:"name"`
	RepoPath   *string `json:"repo_path"`
	BaseBranch *string `json:"base_branch"`
	GithubURL  *string `json:"github_url"`
}

func (s *Server) updateProject(c *gin.Context) {
	var req updateProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if req.Name != nil {
		if err := s.deps.Store.Projects.Rename(ctx, id, *req.Name); err != nil {
			fail(c, err)
			return
		}
	}
	if req.RepoPath != nil || req.BaseBranch != nil || req.GithubURL != nil {
		if err := s.deps.Store.Projects.Update(ctx, id, req.RepoPath, req.BaseBranch, req.GithubURL); err != nil {
			fail(c, err)
			return
		}
	}
	proj, err := s.deps.Store.Projects.Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, proj)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.deps.Store.Projects.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- sessions ---

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.deps.Store.Sessions.List(c.Request.Context(), c.Query("project_id"), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, sessions)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.deps.Store.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, sess)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.deps.Store.Sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sessionAudit(c *gin.Context) {
	entries, err := s.deps.Store.Audit.List(c.Request.Context(), c.Param("id"), intQuery(c, "limit", 50))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entries)
}

// --- workflows ---

func (s *Server) listWorkflows(c *gin.Context) {
	if s.deps.Loader == nil {
		ok(c, []string{})
		return
	}
	names, err := s.deps.Loader.Names()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, names)
}

func (s *Server) getWorkflow(c *gin.Context) {
	if s.deps.Loader == nil {
		fail(c, gerrors.NotFound("workflow %q", c.Param("name")))
		return
	}
	def, err := s.deps.Loader.Get(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, def)
}

func (s *Server) workflowStatus(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	phase, err := s.deps.Store.Workflows.ActivePhaseWorkflow(ctx, sessionID)
	if err != nil {
		fail(c, err)
		return
	}
	lifecycle, err := s.deps.Store.Workflows.ActiveLifecycleWorkflows(ctx, sessionID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"phase_workflow": phase, "lifecycle_workflows": lifecycle})
}

type activateWorkflowReq struct {
	Workflow string `json:"workflow" binding:"required"`
}

func (s *Server) activateWorkflow(c *gin.Context) {
	var req activateWorkflowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	if err := s.deps.Workflow.Activate(c.Request.Context(), c.Param("id"), req.Workflow); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"activated": req.Workflow})
}

func (s *Server) deactivateWorkflow(c *gin.Context) {
	if err := s.deps.Workflow.Deactivate(c.Request.Context(), c.Param("id"), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- memory ---

func memScope(c *gin.Context) string {
	if scope := c.Query("project_id"); scope != "" {
		return scope
	}
	return memory.GlobalScope
}

type addMemoryReq struct {
	Content     string   `json:"content" binding:"required"`
	ProjectID   string   `json:"project_id"`
	Tags        []string `json:"tags"`
	AlwaysApply bool     `json:"always_apply"`
}

func (s *Server) addMemory(c *gin.Context) {
	var req addMemoryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	scope := req.ProjectID
	if scope == "" {
		scope = memory.GlobalScope
	}
	mem, err := s.deps.Memory.Add(c.Request.Context(), scope, req.Content, req.Tags, req.AlwaysApply)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, mem)
}

func (s *Server) listMemories(c *gin.Context) {
	list, err := s.deps.Memory.List(memScope(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, list)
}

func (s *Server) searchMemories(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		fail(c, gerrors.ConstraintViolation("query parameter q is required"))
		return
	}
	results, err := s.deps.Memory.Search(c.Request.Context(), memScope(c), query, intQuery(c, "limit", 5))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, results)
}

func (s *Server) deleteMemory(c *gin.Context) {
	if err := s.deps.Memory.Delete(c.Request.Context(), memScope(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- skills ---

func (s *Server) listSkills(c *gin.Context) {
	lib := s.deps.Skills()
	if query := c.Query("q"); query != "" {
		ok(c, lib.Search(query, intQuery(c, "limit", 5)))
		return
	}
	ok(c, lib.List())
}

func (s *Server) getSkill(c *gin.Context) {
	skill, err := s.deps.Skills().Get(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, skill)
}
