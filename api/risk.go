package api

import (
	"strings"

	"github.com/Aidin1998/intentex/api/responses"
	"github.com/Aidin1998/intentex/internal/risk"
	"github.com/gin-gonic/gin"
)

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.risk.ListRules(c.Request.Context(), scopeOf(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.List(c, rules)
}

func (s *Server) addRule(c *gin.Context) {
	var draft risk.RuleDraft
	if !bindJSON(c, &draft) {
		return
	}
	rule, err := s.risk.AddRule(c.Request.Context(), scopeOf(c), draft)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, rule)
}

func (s *Server) enableRule(c *gin.Context)  { s.setRuleEnabled(c, true) }
func (s *Server) disableRule(c *gin.Context) { s.setRuleEnabled(c, false) }

func (s *Server) setRuleEnabled(c *gin.Context, enabled bool) {
	rule, err := s.risk.SetRuleEnabled(c.Request.Context(), scopeOf(c), c.Param("id"), enabled)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, rule)
}

func (s *Server) riskSnapshot(c *gin.Context) {
	responses.Success(c, s.risk.Snapshot(scopeOf(c)))
}

func (s *Server) listLimits(c *gin.Context) {
	limits, err := s.risk.Limits(c.Request.Context(), scopeOf(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.List(c, limits)
}

func (s *Server) setLimit(c *gin.Context) {
	var draft risk.LimitDraft
	if !bindJSON(c, &draft) {
		return
	}
	limit, err := s.risk.SetLimit(c.Request.Context(), scopeOf(c), c.Param("chain"), draft)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, limit)
}

// openStream upgrades to a websocket streaming quotes, fills and pnl for the
// venues listed in the venues query parameter.
func (s *Server) openStream(c *gin.Context) {
	var venues []string
	for _, raw := range c.QueryArray("venues") {
		venues = append(venues, strings.Split(raw, ",")...)
	}
	if err := s.stream.ServeWS(c.Writer, c.Request, scopeOf(c), venues); err != nil {
		responses.Error(c, err)
	}
}
