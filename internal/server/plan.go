package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListPlans(c *gin.Context) {
	tiers, err := s.plansvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"plans": tiers})
}

type changePlanRequest struct {
	TierCode string `json:"tier_code"`
}

func (s *Server) ChangePlan(c *gin.Context) {
	principalID, err := parsePrincipalID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	prorated, err := s.periodsvc.ApplyPlanChange(c.Request.Context(), principalID, req.TierCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, prorated)
}
