package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
)

// corsMiddleware handles CORS headers for the local HTTP shell.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// apiKeyAuthMiddleware validates the proxy's own API key on /v1/* routes
// when one is configured; an unset APIKey leaves the routes open, matching
// a local-only deployment.
func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var provided string
		auth := c.GetHeader("Authorization")
		switch {
		case strings.HasPrefix(auth, "Bearer "):
			provided = strings.TrimPrefix(auth, "Bearer ")
		case c.GetHeader("X-API-Key") != "":
			provided = c.GetHeader("X-API-Key")
		}

		if provided == "" || provided != cfg.APIKey {
			logging.Warn("httpapi: rejected request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "invalid or missing API key"},
			})
			return
		}
		c.Next()
	}
}

// requestLoggingMiddleware logs every request at a level chosen by its
// resulting status code.
func requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		switch {
		case status >= 500:
			logging.Error("[%s] %s %d (%dms)", c.Request.Method, path, status, duration.Milliseconds())
		case status >= 400:
			logging.Warn("[%s] %s %d (%dms)", c.Request.Method, path, status, duration.Milliseconds())
		default:
			logging.Debug("[%s] %s %d (%dms)", c.Request.Method, path, status, duration.Milliseconds())
		}
	}
}
