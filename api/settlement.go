package api

import (
	"strings"

	"github.com/Aidin1998/intentex/api/responses"
	"github.com/Aidin1998/intentex/internal/settlement"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (s *Server) openCustody(c *gin.Context) {
	var req settlement.Request
	if !bindJSON(c, &req) {
		return
	}
	escrow, err := s.settlement.OpenCustody(c.Request.Context(), scopeOf(c), req)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, escrow)
}

func (s *Server) getEscrow(c *gin.Context) {
	escrow, err := s.settlement.GetEscrow(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, escrow)
}

func (s *Server) closeCustody(c *gin.Context) {
	res, err := s.settlement.CloseCustody(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, res)
}

func (s *Server) createClaim(c *gin.Context) {
	var req settlement.Request
	if !bindJSON(c, &req) {
		return
	}
	claim, err := s.settlement.CreateClaim(c.Request.Context(), scopeOf(c), req)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, claim)
}

func (s *Server) listClaims(c *gin.Context) {
	claims, err := s.settlement.ListClaims(c.Request.Context(), scopeOf(c), settlement.ClaimStatus(c.Query("status")))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.List(c, claims)
}

func (s *Server) getClaim(c *gin.Context) {
	claim, err := s.settlement.GetClaim(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, claim)
}

func (s *Server) settleClaim(c *gin.Context) {
	claim, err := s.settlement.SettleClaim(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, claim)
}

func (s *Server) redeemClaim(c *gin.Context) {
	claim, err := s.settlement.RedeemClaim(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, claim)
}

func (s *Server) requestDeferred(c *gin.Context) {
	var req settlement.Request
	if !bindJSON(c, &req) {
		return
	}
	receipt, err := s.settlement.RequestDeferred(c.Request.Context(), scopeOf(c), req)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Accepted(c, receipt)
}

func (s *Server) deferredStatus(c *gin.Context) {
	mint, err := s.settlement.DeferredStatus(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, mint)
}

func (s *Server) mint(c *gin.Context) {
	var req settlement.Request
	if !bindJSON(c, &req) {
		return
	}
	receipt, err := s.settlement.Mint(c.Request.Context(), scopeOf(c), req)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, receipt)
}

// feeRequest reads amount, asset, chain and settlement_type from the query.
func feeRequest(c *gin.Context) (settlement.Request, bool) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		responses.BadRequest(c, "amount must be a decimal number")
		return settlement.Request{}, false
	}
	return settlement.Request{
		Amount:         amount,
		Asset:          c.Query("asset"),
		Chain:          c.Query("chain"),
		SettlementType: settlement.SettlementType(c.Query("settlement_type")),
	}, true
}

func (s *Server) previewFees(c *gin.Context) {
	req, ok := feeRequest(c)
	if !ok {
		return
	}
	preview, err := s.settlement.PreviewFees(req)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, preview)
}

func (s *Server) compareChains(c *gin.Context) {
	req, ok := feeRequest(c)
	if !ok {
		return
	}
	var chains []string
	for _, raw := range c.QueryArray("chains") {
		for _, chain := range strings.Split(raw, ",") {
			if chain = strings.TrimSpace(chain); chain != "" {
				chains = append(chains, chain)
			}
		}
	}
	cmp, err := s.settlement.CompareChains(req, chains)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cmp)
}
