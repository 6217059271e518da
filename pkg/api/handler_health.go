package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/formscout/formscout/pkg/version"
)

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
	})
}

// readyz checks the stores and the worker pool. Any failing dependency
// takes the instance out of rotation.
func (s *Server) readyz(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if s.fast != nil {
		if err := s.fast.Ping(ctx); err != nil {
			checks["fast_store"] = err.Error()
			healthy = false
		} else {
			checks["fast_store"] = "ok"
		}
	}
	if s.pool != nil {
		ph := s.pool.Health(ctx)
		checks["worker_pool"] = ph
		if !ph.IsHealthy {
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": healthy, "checks": checks})
}
