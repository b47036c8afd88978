package server

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/tallybill/internal/authorization"
	obscontext "github.com/smallbiznis/tallybill/internal/observability/context"
	"go.uber.org/zap"
)

const actorContextKey = "tallybill.actor"

// tokenClaims is the bearer token minted by the account service.
type tokenClaims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// RequireActor authenticates the bearer token and stores the actor on the request.
func (s *Server) RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor, err := s.parseActor(raw)
		if err != nil {
			s.log.Debug("bearer token rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithTenantID(c.Request.Context(), actor.TenantID.String())
		ctx = obscontext.WithActor(ctx, "profile", actor.ProfileID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

func (s *Server) parseActor(raw string) (authorization.Actor, error) {
	secret := strings.TrimSpace(s.cfg.AuthJWTSecret)
	if secret == "" {
		s.log.Error("auth jwt secret not configured")
		return authorization.Actor{}, ErrUnauthorized
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.clock != nil {
		opts = append(opts, jwt.WithTimeFunc(s.clock.Now))
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return authorization.Actor{}, err
	}

	profileID, err := snowflake.ParseString(strings.TrimSpace(claims.Subject))
	if err != nil || profileID == 0 {
		return authorization.Actor{}, fmt.Errorf("invalid subject: %w", authorization.ErrInvalidActor)
	}
	tenantID, err := snowflake.ParseString(strings.TrimSpace(claims.TenantID))
	if err != nil || tenantID == 0 {
		return authorization.Actor{}, fmt.Errorf("invalid tenant: %w", authorization.ErrInvalidActor)
	}
	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		return authorization.Actor{}, fmt.Errorf("missing role: %w", authorization.ErrInvalidActor)
	}

	return authorization.Actor{
		ProfileID: profileID,
		TenantID:  tenantID,
		Role:      role,
	}, nil
}

func (s *Server) actorFromContext(c *gin.Context) (authorization.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return authorization.Actor{}, false
	}
	actor, ok := value.(authorization.Actor)
	return actor, ok
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
