package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"sanctuary-live/internal/auth"
)

const (
	participantIDContextKey = "participantID"
	aliasContextKey         = "alias"
)

func ParticipantIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(participantIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := v.(string)
	return value, ok && value != ""
}

func AliasFromContext(c *gin.Context) string {
	return c.GetString(aliasContextKey)
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token", "code": "invalid_token"})
			return
		}

		claims, err := auth.VerifyToken(tok, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token", "code": "invalid_token"})
			return
		}

		c.Set(participantIDContextKey, claims.ParticipantID)
		c.Set(aliasContextKey, claims.Alias)
		c.Next()
	}
}

// OptionalAuth attaches the participant when a valid bearer token is present
// and lets anonymous requests through untouched.
func OptionalAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok, ok := bearer(c); ok {
			if claims, err := auth.VerifyToken(tok, cfg); err == nil {
				c.Set(participantIDContextKey, claims.ParticipantID)
				c.Set(aliasContextKey, claims.Alias)
			}
		}
		c.Next()
	}
}
