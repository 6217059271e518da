package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/services"
)

const (
	agentKeyHeader = "X-Agent-API-Key"

	ctxAgent    = "auth_agent"
	ctxTenantID = "auth_tenant_id"
	ctxUserID   = "auth_user_id"
	ctxProject  = "auth_project_id"
)

// userClaims is the JWT payload minted by the account system. UserID rides
// in the standard subject.
type userClaims struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	jwt.RegisteredClaims
}

// agentAuth authenticates the agent key header and stores the agent on the
// context. 401 for a missing or unknown key.
func (s *Server) agentAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(agentKeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing agent api key"})
			return
		}
		agent, err := s.agents.GetByAPIKey(c.Request.Context(), key)
		if errors.Is(err, services.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent api key"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "backing store unavailable"})
			return
		}
		c.Set(ctxAgent, agent)
		c.Set(ctxTenantID, agent.TenantID)
		c.Set(ctxUserID, agent.UserID)
		c.Next()
	}
}

// userAuth validates the bearer JWT and stores the identity claims.
func (s *Server) userAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &userClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.auth.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.TenantID == "" || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token missing identity claims"})
			return
		}

		c.Set(ctxTenantID, claims.TenantID)
		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxProject, claims.ProjectID)
		c.Next()
	}
}

// requestLogger emits one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func currentAgent(c *gin.Context) *models.Agent {
	agent, _ := c.MustGet(ctxAgent).(*models.Agent)
	return agent
}

func tenantID(c *gin.Context) string { return c.GetString(ctxTenantID) }
func userID(c *gin.Context) string   { return c.GetString(ctxUserID) }
func projectID(c *gin.Context) string {
	return c.GetString(ctxProject)
}
