package mcpserver

import (
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods  = "GET, POST, OPTIONS, DELETE"
	corsAllowHeaders  = "Content-Type, MCP-Session-Id, MCP-Protocol-Version"
	corsExposeHeaders = "MCP-Session-Id"
)

// clientIP prefers the first X-Forwarded-For entry and falls back to the
// connection address. The value is informational only.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestContextMiddleware attaches a request-scoped logger carrying the client address.
func requestContextMiddleware(base logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := base.With("client_ip", clientIP(c.Request))
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), log))
		c.Next()
	}
}

// loggerMiddleware logs one line per completed request.
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.FromContext(c.Request.Context()).Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.EscapedPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAny := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAny:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowedOrigins, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", corsAllowMethods)
		c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
		c.Header("Access-Control-Expose-Headers", corsExposeHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// abortWithError writes the uniform {code, message, details} body.
func abortWithError(c *gin.Context, status int, err error) {
	coreErr := core.AsError(err)
	recordRejection(c.Request.Context(), string(coreErr.Code))
	c.AbortWithStatusJSON(status, coreErr)
}
