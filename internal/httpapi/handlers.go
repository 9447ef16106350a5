package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/catalog"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
	"github.com/poemonsense/codex-account-proxy/internal/orchestrator"
)

// responsesHandler proxies POST /v1/responses through the orchestrator and
// relays the upstream response byte-for-byte, flushing as it goes so a
// streamed reply isn't buffered at this hop.
func responsesHandler(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request", "message": err.Error()}})
			return
		}

		resp, err := o.Fetch(c.Request.Context(), body)
		if err != nil {
			if c.Request.Context().Err() != nil {
				c.Status(499)
				return
			}
			logging.Error("httpapi: orchestrator fetch failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"type": "upstream_error", "message": err.Error()}})
			return
		}
		defer resp.Body.Close()

		for k, values := range resp.Header {
			for _, v := range values {
				c.Writer.Header().Add(k, v)
			}
		}
		c.Writer.WriteHeader(resp.StatusCode)

		flusher, canFlush := c.Writer.(http.Flusher)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				logging.Warn("httpapi: error streaming upstream response: %v", readErr)
				return
			}
		}
	}
}

// healthHandler reports whether at least one account is currently usable.
func healthHandler(manager *account.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := manager.GetStatus()
		code := http.StatusOK
		if status.Available == 0 {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    map[bool]string{true: "ok", false: "degraded"}[status.Available > 0],
			"total":     status.Total,
			"available": status.Available,
		})
	}
}

// accountsStatusHandler exposes the account pool's admin-facing snapshot,
// read-only: no route in this package mutates the pool, that lives in
// cmd/accounts against the same store.
func accountsStatusHandler(manager *account.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, manager.GetStatus())
	}
}

// modelsHandler lists the model slugs this proxy knows how to route,
// OpenAI-compatible shape, sourced from the catalog's bundled static
// templates rather than a live per-account fetch: listing models shouldn't
// require selecting and charging an account just to enumerate slugs.
func modelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		slugs := catalog.StaticSlugs()
		data := make([]gin.H, 0, len(slugs))
		for _, slug := range slugs {
			data = append(data, gin.H{"id": slug, "object": "model", "owned_by": "codex-account-proxy"})
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}
