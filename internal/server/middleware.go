package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/iapsync/internal/audit/domain"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	obscontext "github.com/smallbiznis/iapsync/internal/observability/context"
	"github.com/smallbiznis/iapsync/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	contextUserIDKey      = "user_id"
	contextAccessTokenKey = "access_token"
)

// BearerAuthRequired authenticates the request with an access token and
// stores the principal on the request context.
func (s *Server) BearerAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.authsvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := authdomain.WithPrincipal(c.Request.Context(), *principal)
		ctx = obscontext.WithUserID(ctx, principal.UserID.String())
		ctx = auditdomain.WithClient(ctx, c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextUserIDKey, principal.UserID.String())
		c.Set(contextAccessTokenKey, raw)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

// VerifyPurchaseRateLimit applies the per-user verify-purchase bucket. A
// failing limiter lets the request through.
func (s *Server) VerifyPurchaseRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.guard.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID := c.GetString(contextUserIDKey)
		result, err := s.guard.AllowVerify(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("verify purchase rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			logger.FromContext(ctx).Warn("verify purchase rate limit exceeded", zap.String("user_id", userID))
			c.Header("Retry-After", retryAfterSeconds(result))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
