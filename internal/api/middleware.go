package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

const identityKey = "identity"

// requireAuth resolves the bearer token into an identity stored on the context
func requireAuth(verifier interfaces.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortWithError(c, interfaces.ErrUnauthorized)
			return
		}

		identity, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func identityFrom(c *gin.Context) *types.Identity {
	v, _ := c.Get(identityKey)
	identity, _ := v.(*types.Identity)
	return identity
}

// noStore keeps intermediaries from caching realtime state
func noStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// requestLogger records every request with zap, errors at warn level
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		latency := time.Since(start)
		s.metrics.HTTPRequest(c.Request.Method, route, strconv.Itoa(status), latency.Seconds())

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			s.logger.Warn("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		s.logger.Debug("request", fields...)
	}
}
