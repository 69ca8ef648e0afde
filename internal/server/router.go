package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"gobby/internal/gerrors"
)

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		AllowOriginFunc:  func(string) bool { return true }, // local daemon
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", s.health)

	if s.deps.Hooks != nil {
		r.POST("/hooks/:source", s.handleHook)
	}
	if s.deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			s.deps.Hub.HandleWS(c.Writer, c.Request)
		})
	}

	api := r.Group("/api")

	api.GET("/projects", s.listProjects)
	api.POST("/projects", s.createProject)
	api.GET("/projects/:id", s.getProject)
	api.PUT("/projects/:id", s.updateProject)
	api.DELETE("/projects/:id", s.deleteProject)

	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.GET("/sessions/:id/audit", s.sessionAudit)

	if s.deps.Tasks != nil {
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/ready", s.listReadyTasks)
		api.GET("/tasks/blocked", s.listBlockedTasks)
		api.POST("/tasks", s.createTask)
		api.POST("/tasks/compact", s.compactTasks)
		api.GET("/tasks/:id", s.getTask)
		api.PUT("/tasks/:id", s.updateTask)
		api.DELETE("/tasks/:id", s.deleteTask)
		api.POST("/tasks/:id/close", s.closeTask)
		api.POST("/tasks/:id/reopen", s.reopenTask)
		api.POST("/tasks/:id/expand", s.expandTask)
		api.POST("/tasks/:id/validate", s.validateTask)
		api.POST("/tasks/:id/deps", s.addDependency)
		api.DELETE("/tasks/:id/deps/:dep", s.removeDependency)
	}
	if s.deps.Sync != nil {
		api.POST("/tasks/sync", s.syncTasks)
	}

	if s.deps.Agents != nil {
		api.POST("/agents", s.spawnAgent)
		api.GET("/agents", s.listAgents)
		api.GET("/agents/:id", s.getAgent)
		api.DELETE("/agents/:id", s.killAgent)

		api.GET("/worktrees", s.listWorktrees)
		api.GET("/worktrees/:id", s.getWorktree)
		api.DELETE("/worktrees/:id", s.deleteWorktree)
		api.GET("/clones", s.listClones)
		api.GET("/clones/:id", s.getClone)
		api.DELETE("/clones/:id", s.deleteClone)
		api.POST("/merge/:id", s.mergeWorkspace)
		api.POST("/worktrees/cleanup", s.cleanupWorktrees)
		api.POST("/clones/cleanup", s.cleanupClones)
	}

	if s.deps.Conductor != nil {
		api.GET("/conductor", s.conductorStatus)
		api.POST("/conductor/start", s.conductorStart)
		api.POST("/conductor/stop", s.conductorStop)
		api.POST("/conductor/chat", s.conductorChat)
	}

	if s.deps.Workflow != nil {
		api.GET("/workflows", s.listWorkflows)
		api.GET("/workflows/:name", s.getWorkflow)
		api.GET("/sessions/:id/workflows", s.workflowStatus)
		api.POST("/sessions/:id/workflows", s.activateWorkflow)
		api.DELETE("/sessions/:id/workflows/:name", s.deactivateWorkflow)
	}

	if s.deps.Memory != nil {
		api.GET("/memories", s.listMemories)
		api.POST("/memories", s.addMemory)
		api.GET("/memories/search", s.searchMemories)
		api.DELETE("/memories/:id", s.deleteMemory)
	}

	if s.deps.Skills != nil {
		api.GET("/skills", s.listSkills)
		api.GET("/skills/:name", s.getSkill)
	}

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond))
	}
}

// fail maps domain error kinds onto HTTP statuses.
func fail(c *gin.Context, err error) {
	c.JSON(gerrors.HTTPStatus(err), gin.H{
		"error": err.Error(),
		"kind":  string(gerrors.KindOf(err)),
	})
}

func ok(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}

func created(c *gin.Context, v any) {
	c.JSON(http.StatusCreated, v)
}
