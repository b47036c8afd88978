package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type createInvoiceCheckoutRequest struct {
	ExpiresInMinutes int `json:"expires_in_minutes"`
}

func (s *Server) CreateInvoiceCheckout(c *gin.Context) {
	actor, ok := s.actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	invoiceID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req createInvoiceCheckoutRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if req.ExpiresInMinutes < 0 {
		AbortWithError(c, newValidationError("expires_in_minutes", "invalid_expiry", "expiry must be positive"))
		return
	}

	session, err := s.checkout.CreateInvoiceCheckout(c.Request.Context(), actor, invoiceID, time.Duration(req.ExpiresInMinutes)*time.Minute)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) CreateLegacyCheckout(c *gin.Context) {
	actor, ok := s.actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	invoiceID, ok := pathID(c, "id")
	if !ok {
		return
	}

	session, err := s.checkout.CreateLegacyCheckout(c.Request.Context(), actor, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) CreateSubscriptionCheckout(c *gin.Context) {
	actor, ok := s.actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	session, err := s.checkout.CreateSubscriptionCheckout(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError(name, "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}
