package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
)

func (s *Server) CheckAllowance(c *gin.Context) {
	principalID, err := parsePrincipalID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var quantity int64
	if raw := strings.TrimSpace(c.Query("quantity")); raw != "" {
		quantity, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	resp, err := s.allowancesvc.CheckAllowance(c.Request.Context(), allowancedomain.CheckAllowanceRequest{
		PrincipalID: principalID,
		ActionType:  c.Query("action_type"),
		Quantity:    quantity,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListLedger(c *gin.Context) {
	pageSize := 0
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		pageSize = parsed
	}

	resp, err := s.allowancesvc.ListLedger(c.Request.Context(), allowancedomain.ListLedgerRequest{
		PrincipalID: c.Param("principal_id"),
		PageToken:   c.Query("page_token"),
		PageSize:    int32(pageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) Refund(c *gin.Context) {
	entryID, err := snowflake.ParseString(c.Param("entry_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.allowancesvc.Refund(c.Request.Context(), entryID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func parsePrincipalID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(c.Param("principal_id"))
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
