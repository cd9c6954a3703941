package api

import (
	"strconv"

	"github.com/Aidin1998/intentex/api/responses"
	"github.com/Aidin1998/intentex/internal/intents"
	"github.com/gin-gonic/gin"
)

func (s *Server) submitIntent(c *gin.Context) {
	var draft intents.Draft
	if !bindJSON(c, &draft) {
		return
	}
	intent, err := s.intents.Submit(c.Request.Context(), scopeOf(c), draft)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Accepted(c, intent)
}

func (s *Server) listIntents(c *gin.Context) {
	list, err := s.intents.List(c.Request.Context(), scopeOf(c), intents.Status(c.Query("status")))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.List(c, list)
}

func (s *Server) getIntent(c *gin.Context) {
	intent, err := s.intents.Get(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, intent)
}

func (s *Server) cancelIntent(c *gin.Context) {
	ok, err := s.intents.Cancel(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"id": c.Param("id"), "cancelled": ok})
}

func (s *Server) intentHistory(c *gin.Context) {
	logs, err := s.intents.History(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.List(c, logs)
}

func (s *Server) listExecutions(c *gin.Context) {
	execs, err := s.intents.ListExecutions(c.Request.Context(), scopeOf(c), c.Query("chain"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.List(c, execs)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.intents.GetExecution(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, exec)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.intents.Stats(c.Request.Context(), scopeOf(c), c.DefaultQuery("period", intents.Period24h))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, st)
}

func (s *Server) listNotes(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			responses.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	notes, err := s.notes.List(c.Request.Context(), scopeOf(c), limit)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, notes)
}
