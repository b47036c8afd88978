package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
)

// Stripe caps event payloads well below this.
const maxWebhookBody = 1 << 20

// HandleStripeWebhook acknowledges a delivery only once it is applied or deliberately dropped.
// Anything but a verification failure answers 500 so the sender retries.
func (s *Server) HandleStripeWebhook(signingDomain webhookdomain.SigningDomain) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}

		c.Set("signing_domain", string(signingDomain))
		event, _, err := s.webhooks.Ingest(c.Request.Context(), signingDomain, payload, c.GetHeader("Stripe-Signature"))
		if event.Kind != "" {
			c.Set("event_type", string(event.Kind))
			c.Set("event_id", event.ID)
		}
		if err != nil {
			if webhookdomain.IsVerificationError(err) {
				AbortWithError(c, err)
				return
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: errorPayload{
				Type:    "internal_error",
				Message: "internal server error",
			}})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
