// Package server is the daemon's HTTP surface: REST endpoints for the
// CLI, the hook ingress for coding CLIs, and the websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gobby/internal/agent"
	"gobby/internal/conductor"
	"gobby/internal/events"
	"gobby/internal/hooks"
	"gobby/internal/logging"
	"gobby/internal/memory"
	"gobby/internal/skills"
	"gobby/internal/store"
	"gobby/internal/task"
	"gobby/internal/workflow"
)

// Deps are the engines the handlers call into. Store and Hooks are
// required; nil optionals disable their routes.
type Deps struct {
	Store     *store.Store
	Tasks     *task.Engine
	Sync      *task.Syncer
	Agents    *agent.Orchestrator
	Workflow  *workflow.Engine
	Loader    *workflow.Loader
	Memory    *memory.Store
	Skills    func() *skills.Library
	Hooks     *hooks.Dispatcher
	Hub       *events.Hub
	Conductor *conductor.Conductor
	Logger    logging.Logger
	Version   string
}

// Server owns the listener lifecycle around the gin router.
type Server struct {
	deps    Deps
	logger  logging.Logger
	httpSrv *http.Server
	started time.Time
}

// New builds the server on addr (host:port).
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:    deps,
		logger:  logging.OrNop(deps.Logger),
		started: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.deps.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}
