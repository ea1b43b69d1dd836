package server

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	"go.uber.org/zap"
)

const contextWorkspaceIDKey = "workspace_id"

// WorkspaceRequired resolves the billed workspace from the workflow
// execution context header.
func (s *Server) WorkspaceRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-Workspace-Id"))
		if raw == "" {
			AbortWithError(c, newValidationError("X-Workspace-Id", "required", "workspace header is required"))
			return
		}
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("X-Workspace-Id", "invalid", "workspace id must be a snowflake id"))
			return
		}
		c.Set(contextWorkspaceIDKey, id)
		c.Next()
	}
}

func workspaceFromContext(c *gin.Context) snowflake.ID {
	return c.MustGet(contextWorkspaceIDKey).(snowflake.ID)
}

// RateGuard admits or throttles the request per workspace. Every
// response carries the X-RateLimit-* headers; denials add Retry-After.
func (s *Server) RateGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws := workspaceFromContext(c)
		decision := s.guard.Admit(c.Request.Context(), ws)

		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}
		if !decision.Allowed {
			retryAfter := decision.RetryAfter(s.clock.Now())
			c.Header("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
			AbortWithError(c, gatewaydomain.ErrRateLimited)
			return
		}
		c.Next()
	}
}

// AdminRequired authenticates the admin API with the static token from
// configuration.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Server.AdminToken
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if len(c.Errors) > 0 {
			s.log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("error", c.Errors.String()))
			return
		}
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
