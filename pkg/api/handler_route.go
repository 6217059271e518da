package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/formscout/formscout/pkg/models"
)

func (s *Server) createFormRoute(c *gin.Context) {
	var route models.FormRoute
	if err := c.ShouldBindJSON(&route); err != nil {
		badRequest(c, "malformed form route")
		return
	}
	if route.ProjectID == "" {
		route.ProjectID = projectID(c)
	}
	if route.ProjectID == "" || route.NetworkID == "" || route.Name == "" {
		badRequest(c, "project_id, network_id, and name are required")
		return
	}

	created, err := s.routes.Create(c.Request.Context(), &route)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getFormRoute(c *gin.Context) {
	route, err := s.routes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, route)
}

func (s *Server) listFormRoutes(c *gin.Context) {
	project := c.Query("project_id")
	if project == "" {
		project = projectID(c)
	}
	if project == "" {
		badRequest(c, "project_id is required")
		return
	}
	routes, err := s.routes.ListByProject(c.Request.Context(), project, c.Query("network_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"form_routes": routes})
}
