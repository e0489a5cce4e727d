package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	addondomain "github.com/taskora/metering/internal/addon/domain"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	billingdomain "github.com/taskora/metering/internal/billingperiod/domain"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Available *int64 `json:"available,omitempty"`
	Required  *int64 `json:"required,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var capacityErr *reservationdomain.InsufficientCapacityError
	if errors.As(err, &capacityErr) {
		// 402 carries the numbers for an upgrade prompt.
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_capacity",
			Message:   capacityErr.Error(),
			Available: &capacityErr.Available,
			Required:  &capacityErr.Required,
		}
	}

	var capErr *addondomain.CapExceededError
	if errors.As(err, &capErr) {
		return http.StatusConflict, errorPayload{
			Type:    "addon_cap_exceeded",
			Message: capErr.Error(),
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, reservationdomain.ErrReservationExpired):
		return http.StatusGone, errorPayload{
			Type:    "reservation_expired",
			Message: "reservation expired, re-reserve and retry",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, allowancedomain.ErrInvalidPrincipal),
		errors.Is(err, allowancedomain.ErrInvalidAmount),
		errors.Is(err, allowancedomain.ErrInvalidCorrelationID),
		errors.Is(err, reservationdomain.ErrInvalidPrincipal),
		errors.Is(err, reservationdomain.ErrInvalidEstimate),
		errors.Is(err, reservationdomain.ErrInvalidActualTokens),
		errors.Is(err, billingdomain.ErrInvalidPrincipal),
		errors.Is(err, plandomain.ErrInvalidPrincipal),
		errors.Is(err, plandomain.ErrInvalidTierCode),
		errors.Is(err, addondomain.ErrInvalidPrincipal),
		errors.Is(err, addondomain.ErrInvalidCredits),
		errors.Is(err, addondomain.ErrInvalidProviderRef):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, allowancedomain.ErrRecordNotFound),
		errors.Is(err, allowancedomain.ErrEntryNotFound),
		errors.Is(err, reservationdomain.ErrReservationNotFound),
		errors.Is(err, plandomain.ErrTierNotFound),
		errors.Is(err, addondomain.ErrSubscriptionUnknown):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, allowancedomain.ErrNotRefundable),
		errors.Is(err, allowancedomain.ErrAlreadyRefunded),
		errors.Is(err, reservationdomain.ErrAlreadyCommitted),
		errors.Is(err, reservationdomain.ErrNotReserved):
		return true
	default:
		return false
	}
}
