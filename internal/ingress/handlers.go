package ingress

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Handlers contains the ingress's own endpoints, served without proxying.
type Handlers struct {
	started time.Time
}

// NewHandlers creates a new handler set.
func NewHandlers() *Handlers {
	return &Handlers{started: time.Now()}
}

// Health handles the liveness probe.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// DebugHeaders echoes the request exactly as the proxy sees it. Useful for
// diagnosing what a load balancer in front of the ingress rewrites.
func (h *Handlers) DebugHeaders(c *gin.Context) {
	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	headers["Host"] = c.Request.Host

	c.JSON(http.StatusOK, gin.H{
		"method":      c.Request.Method,
		"url":         c.Request.URL.String(),
		"httpVersion": c.Request.Proto,
		"headers":     headers,
	})
}

// Version reports build and feature information.
func (h *Handlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": Version,
		"runtime": gin.H{
			"go":     runtime.Version(),
			"uptime": time.Since(h.started).Round(time.Second).String(),
		},
		"features": []string{"http", "websocket", "cors", "metrics"},
	})
}
