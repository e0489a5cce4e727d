package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
)

type reserveRequest struct {
	PrincipalID     string `json:"principal_id"`
	EstimatedTokens int64  `json:"estimated_tokens"`
	Kind            string `json:"kind"`
}

func (s *Server) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	principalID, err := snowflake.ParseString(req.PrincipalID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	reservation, err := s.reservationsvc.Reserve(c.Request.Context(), reservationdomain.ReserveRequest{
		PrincipalID:     principalID,
		EstimatedTokens: req.EstimatedTokens,
		Kind:            req.Kind,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reservation)
}

type commitRequest struct {
	ActualTokens int64  `json:"actual_tokens"`
	WorkRef      string `json:"work_ref"`
}

func (s *Server) Commit(c *gin.Context) {
	reservationID, err := snowflake.ParseString(c.Param("reservation_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	charged, err := s.reservationsvc.Commit(c.Request.Context(), reservationdomain.CommitRequest{
		ReservationID: reservationID,
		ActualTokens:  req.ActualTokens,
		WorkRef:       req.WorkRef,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"charged_tokens": charged})
}

func (s *Server) Release(c *gin.Context) {
	reservationID, err := snowflake.ParseString(c.Param("reservation_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	released, err := s.reservationsvc.Release(c.Request.Context(), reservationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": released})
}
