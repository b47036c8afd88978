package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tallybill/internal/authorization"
)

func (s *Server) StartConnectOnboarding(c *gin.Context) {
	actor, ok := s.actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	ctx := c.Request.Context()
	if err := s.authzSvc.Authorize(ctx, actor, authorization.ObjectConnect, authorization.ActionConnectOnboard); err != nil {
		AbortWithError(c, err)
		return
	}

	onboarding, err := s.connect.StartOnboarding(ctx, actor.TenantID, actor.ProfileID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account_id": onboarding.AccountID,
		"url":        onboarding.URL,
	}})
}

// GetQuota answers 404 for any tenant other than the caller's.
func (s *Server) GetQuota(c *gin.Context) {
	actor, ok := s.actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	tenantID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if tenantID != actor.TenantID {
		AbortWithError(c, ErrNotFound)
		return
	}
	ctx := c.Request.Context()
	if err := s.authzSvc.Authorize(ctx, actor, authorization.ObjectQuota, authorization.ActionQuotaView); err != nil {
		AbortWithError(c, err)
		return
	}

	quota, err := s.quota.CheckQuota(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, quota)
}
