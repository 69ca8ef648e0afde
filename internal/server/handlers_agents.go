package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gobby/internal/agent"
	"gobby/internal/gerrors"
)

type spawnAgentReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
	Agent     string `json:"agent"`
	Isolation string `json:"isolation"`
	Mode      string `json:"mode"`
	Task      string `json:"task"`
	Branch    string `json:"branch"`
	Workflow  string `json:"workflow"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

func (s *Server) spawnAgent(c *gin.Context) {
	var req spawnAgentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	run, err := s.deps.Agents.Spawn(c.Request.Context(), agent.SpawnParams{
		ParentSessionID: req.SessionID,
		Prompt:          req.Prompt,
		Agent:           req.Agent,
		Isolation:       req.Isolation,
		Mode:            req.Mode,
		Task:            req.Task,
		Branch:          req.Branch,
		Workflow:        req.Workflow,
		Provider:        req.Provider,
		Model:           req.Model,
	})
	if err != nil {
		fail(c, err)
		return
	}
	created(c, run)
}

func (s *Server) listAgents(c *gin.Context) {
	runs, err := s.deps.Store.Runs.List(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, runs)
}

func (s *Server) getAgent(c *gin.Context) {
	run, err := s.deps.Store.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, run)
}

func (s *Server) killAgent(c *gin.Context) {
	result, err := s.deps.Agents.Kill(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

func (s *Server) listWorktrees(c *gin.Context) {
	wts, err := s.deps.Store.Worktrees.List(c.Request.Context(), c.Query("project_id"), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, wts)
}

func (s *Server) listClones(c *gin.Context) {
	clones, err := s.deps.Store.Clones.List(c.Request.Context(), c.Query("project_id"), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, clones)
}

func (s *Server) getWorktree(c *gin.Context) {
	wt, err := s.deps.Store.Worktrees.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, wt)
}

func (s *Server) deleteWorktree(c *gin.Context) {
	if err := s.deps.Agents.RemoveWorktree(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getClone(c *gin.Context) {
	cl, err := s.deps.Store.Clones.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, cl)
}

func (s *Server) deleteClone(c *gin.Context) {
	if err := s.deps.Agents.RemoveClone(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// mergeWorkspace handles both worktree and clone ids; the prefix routes.
func (s *Server) mergeWorkspace(c *gin.Context) {
	result, err := s.deps.Agents.MergeStart(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

func (s *Server) cleanupWorktrees(c *gin.Context) {
	hours := intQuery(c, "idle_hours", 72)
	n, err := s.deps.Agents.SweepStaleWorktrees(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"marked_stale": n})
}

func (s *Server) cleanupClones(c *gin.Context) {
	n, err := s.deps.Agents.SweepExpiredClones(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"removed": n})
}
