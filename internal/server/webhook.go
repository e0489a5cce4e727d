package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	addondomain "github.com/taskora/metering/internal/addon/domain"
)

type paymentWebhookRequest struct {
	Provider  string `json:"provider"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`

	PrincipalID     string         `json:"principal_id"`
	AddOnType       string         `json:"addon_type"`
	CreditsGranted  int64          `json:"credits_granted"`
	ExpiryDays      int            `json:"expiry_days"`
	Recurring       bool           `json:"recurring"`
	SubscriptionRef string         `json:"subscription_ref"`
	Metadata        map[string]any `json:"metadata"`
}

// PaymentWebhook handles provider callbacks. Providers retry until they see
// 2xx, so every branch below is idempotent.
func (s *Server) PaymentWebhook(c *gin.Context) {
	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	switch req.EventType {
	case "purchase.confirmed":
		principalID, err := snowflake.ParseString(req.PrincipalID)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		purchase, err := s.addonsvc.OnPurchaseConfirmed(c.Request.Context(), addondomain.PurchaseConfirmation{
			Provider:        req.Provider,
			ProviderEventID: req.EventID,
			PrincipalID:     principalID,
			AddOnType:       addondomain.AddOnType(req.AddOnType),
			CreditsGranted:  req.CreditsGranted,
			ExpiryDays:      req.ExpiryDays,
			Recurring:       req.Recurring,
			SubscriptionRef: req.SubscriptionRef,
			Metadata:        req.Metadata,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "applied", "purchase": purchase})

	case "subscription.cancelled":
		if err := s.addonsvc.OnSubscriptionCancelled(c.Request.Context(), req.SubscriptionRef); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})

	default:
		// Unknown event types are acknowledged so the provider stops
		// retrying them.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}
