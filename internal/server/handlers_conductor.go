package server

import (
	"context"

	"github.com/gin-gonic/gin"

	"gobby/internal/gerrors"
)

func (s *Server) conductorStatus(c *gin.Context) {
	ok(c, s.deps.Conductor.Statusz())
}

func (s *Server) conductorStart(c *gin.Context) {
	// The loop outlives the request.
	if err := s.deps.Conductor.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		fail(c, err)
		return
	}
	ok(c, s.deps.Conductor.Statusz())
}

func (s *Server) conductorStop(c *gin.Context) {
	s.deps.Conductor.Stop()
	ok(c, s.deps.Conductor.Statusz())
}

type conductorChatReq struct {
	Message   string `json:"message" binding:"required"`
	ProjectID string `json:"project_id"`
}

func (s *Server) conductorChat(c *gin.Context) {
	var req conductorChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, gerrors.ConstraintViolation("invalid request: %v", err))
		return
	}
	reply, err := s.deps.Conductor.Chat(c.Request.Context(), req.ProjectID, req.Message)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"reply": reply})
}
