package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/secrets"
)

// storedCredentials is the JSON shape held under the network_credentials
// secret kind.
type storedCredentials struct {
	LoginURL string `json:"login_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Hints    string `json:"hints,omitempty"`
}

// createSession validates tenant access, writes the durable row, and hands
// the session to the engine. Access and budget rejections surface here,
// before anything is persisted.
func (s *Server) createSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed session request")
		return
	}
	// Identity comes from the token, never the body.
	req.TenantID = tenantID(c)
	req.UserID = userID(c)
	if req.ProjectID == "" {
		req.ProjectID = projectID(c)
	}
	ctx := c.Request.Context()

	if err := s.gate.CheckAccess(ctx, req.TenantID); err != nil {
		respondError(c, err)
		return
	}

	sess, err := s.sessions.Create(ctx, req)
	if err != nil {
		respondError(c, err)
		return
	}

	login, err := s.loginParams(c, req.TenantID, req.NetworkID)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.engine.Start(ctx, sess, login); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// loginParams resolves the network credentials. A network with no stored
// credentials maps without logging in.
func (s *Server) loginParams(c *gin.Context, tenant, networkID string) (*models.LoginParams, error) {
	raw, err := s.vault.Get(c.Request.Context(), tenant, secrets.KindNetworkCredentials, networkID)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var creds storedCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, err
	}
	login := &models.LoginParams{
		LoginURL: creds.LoginURL,
		Username: creds.Username,
		Password: creds.Password,
		Hints:    creds.Hints,
	}

	if seed, err := s.vault.Get(c.Request.Context(), tenant, secrets.KindTOTPSeed, networkID); err == nil {
		login.TOTPSeed = seed
	} else if !errors.Is(err, secrets.ErrSecretNotFound) {
		return nil, err
	}
	return login, nil
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	filters := models.SessionFilters{
		TenantID:     tenantID(c),
		UserID:       c.Query("user_id"),
		Status:       c.Query("status"),
		ActivityType: c.Query("activity_type"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Offset = n
		}
	}
	if v := c.Query("started_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.StartedAfter = &t
		}
	}

	resp, err := s.sessions.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err := s.engine.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	ok(c)
}

func (s *Server) sessionLogs(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.logs.Tail(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) sessionTasks(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	tasks, err := s.tasks.ListBySession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
