// Package tracing propagates request identifiers through the proxy so a
// forwarded request can be correlated across the ingress and the backend.
package tracing

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/cmux-dev/gateway/internal/shared/id"
)

// Header carries the request id on both the inbound response and the
// forwarded request.
const Header = "X-Request-ID"

type contextKey struct{}

// Middleware assigns every request an id, honoring one supplied by an
// upstream load balancer.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(Header)
		if requestID == "" {
			requestID = id.NewRequestID().String()
		}

		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), contextKey{}, requestID))
		c.Writer.Header().Set(Header, requestID)
		c.Next()
	}
}

// FromContext returns the request id, or "" when none was assigned.
func FromContext(ctx context.Context) string {
	v, _ := ctx.Value(contextKey{}).(string)
	return v
}
