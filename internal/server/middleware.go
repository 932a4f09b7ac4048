package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDContextKey = "userID"

// UserRequired pulls the caller identity from the X-User-ID header set by
// the auth proxy in front of this service.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

func userIDFrom(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// BillingKeyRequired gates the billing trigger behind the pre-shared
// service key. With no key configured the endpoint is disabled outright.
func (s *Server) BillingKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.BillingServiceKey == "" {
			AbortWithError(c, ErrForbidden)
			return
		}
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.BillingServiceKey)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
