package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/secrets"
)

func (s *Server) logBatch(c *gin.Context) {
	var req models.LogBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed log batch")
		return
	}
	agent := currentAgent(c)
	resp, err := s.logs.SubmitBatch(c.Request.Context(), agent.TenantID, orUnscoped(req.ProjectID), agent.ID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) logBundlePosted(c *gin.Context) {
	var posted models.LogBundlePosted
	if err := c.ShouldBindJSON(&posted); err != nil {
		badRequest(c, "malformed bundle notification")
		return
	}
	agent := currentAgent(c)
	if err := s.logs.BundlePosted(c.Request.Context(), agent.TenantID, agent.ID, &posted); err != nil {
		respondError(c, err)
		return
	}
	ok(c)
}

// credentialsRequest carries network login material. The TOTP seed is
// stored under its own secret kind so rotating one does not touch the
// other.
type credentialsRequest struct {
	LoginURL string `json:"login_url" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Hints    string `json:"hints"`
	TOTPSeed string `json:"totp_seed"`
}

func (s *Server) putNetworkCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed credentials")
		return
	}
	networkID := c.Param("id")
	tenant := tenantID(c)
	ctx := c.Request.Context()

	payload, err := json.Marshal(storedCredentials{
		LoginURL: req.LoginURL,
		Username: req.Username,
		Password: req.Password,
		Hints:    req.Hints,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.vault.Put(ctx, tenant, secrets.KindNetworkCredentials, networkID, string(payload)); err != nil {
		respondError(c, err)
		return
	}

	if req.TOTPSeed != "" {
		if err := s.vault.Put(ctx, tenant, secrets.KindTOTPSeed, networkID, req.TOTPSeed); err != nil {
			respondError(c, err)
			return
		}
	}
	ok(c)
}

type tenantKeyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// putTenantAPIKey stores a tenant's own model API key. Tenants with a
// stored key are billed against it instead of the shared pool.
func (s *Server) putTenantAPIKey(c *gin.Context) {
	var req tenantKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed api key request")
		return
	}
	if err := s.vault.Put(c.Request.Context(), tenantID(c), secrets.KindAPIKey, "", req.APIKey); err != nil {
		respondError(c, err)
		return
	}
	ok(c)
}
