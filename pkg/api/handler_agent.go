package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/objectstore"
	"github.com/formscout/formscout/pkg/orchestrator"
	"github.com/formscout/formscout/pkg/queue"
	"github.com/formscout/formscout/pkg/services"
)

func (s *Server) registerAgent(c *gin.Context) {
	var req models.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed registration request")
		return
	}
	resp, err := s.agents.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed heartbeat")
		return
	}
	if err := s.agents.Heartbeat(c.Request.Context(), currentAgent(c).ID, req.Status); err != nil {
		respondError(c, err)
		return
	}
	ok(c)
}

// pollTask pops the head of the calling agent's user queue. An envelope
// whose durable row vanished is logged and reported as empty; the agent
// just polls again.
func (s *Server) pollTask(c *gin.Context) {
	agent := currentAgent(c)
	ctx := c.Request.Context()

	// The claimed identity must be the one the API key resolved to.
	if id := c.Query("agent_id"); id != "" && id != agent.ID {
		slog.Warn("Poll with mismatched agent id rejected",
			"agent_id", agent.ID, "claimed_agent_id", id)
		c.JSON(http.StatusForbidden, gin.H{"error": "agent_id does not match API key"})
		return
	}

	env, err := s.queue.PopAgentTask(ctx, agent.UserID)
	if errors.Is(err, queue.ErrNoTasksAvailable) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	task, err := s.tasks.Assign(ctx, env.TaskID, agent.ID)
	if errors.Is(err, services.ErrNotFound) {
		slog.Warn("Queued task has no claimable row, dropping envelope",
			"task_id", env.TaskID, "agent_id", agent.ID)
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.PollTaskResponse{
		TaskID:     task.ID,
		TaskType:   task.TaskType,
		Parameters: task.Parameters,
	})
}

// taskResult writes the durable result and feeds the orchestrator. A
// duplicate submission acks without re-feeding.
func (s *Server) taskResult(c *gin.Context) {
	var req models.TaskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed task result")
		return
	}
	if req.Status != models.TaskStatusCompleted && req.Status != models.TaskStatusFailed {
		badRequest(c, "status must be completed or failed")
		return
	}
	ctx := c.Request.Context()

	task, applied, err := s.tasks.Complete(ctx, req)
	if err != nil {
		respondError(c, err)
		return
	}
	if !applied {
		slog.Info("Duplicate task result ignored", "task_id", req.TaskID)
		ok(c)
		return
	}

	if err := s.engine.Intake(ctx, task.SessionID, orchestrator.Input{
		Kind:        orchestrator.InputAgentResult,
		TaskID:      task.ID,
		TaskType:    task.TaskType,
		AgentStatus: req.Status,
		AgentResult: req.Result,
		AgentError:  req.Error,
	}); err != nil {
		respondError(c, err)
		return
	}
	ok(c)
}

// taskProgress is best-effort observability. The first report moves the
// task from assigned to running; nothing else is persisted.
func (s *Server) taskProgress(c *gin.Context) {
	var req models.TaskProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed progress report")
		return
	}
	agent := currentAgent(c)

	if _, err := s.tasks.MarkRunning(c.Request.Context(), req.TaskID, agent.ID); err != nil && !errors.Is(err, services.ErrNotFound) {
		slog.Warn("Failed to mark task running", "task_id", req.TaskID, "error", err)
	}

	slog.Info("Agent task progress",
		"agent_id", agent.ID,
		"task_id", req.TaskID,
		"progress", req.Progress,
		"message", req.Message)
	ok(c)
}

// uploadRequest asks for presigned PUT URLs for session artifacts
// (screenshots, DOM snapshots).
type uploadRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	ProjectID string `json:"project_id"`
	Files     []struct {
		Filename    string `json:"filename" binding:"required"`
		ContentType string `json:"content_type"`
	} `json:"files" binding:"required"`
}

type uploadResponse struct {
	Uploads []objectstore.PutURL `json:"uploads"`
}

func (s *Server) presignUploads(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed upload request")
		return
	}
	agent := currentAgent(c)

	reqs := make([]objectstore.PutRequest, 0, len(req.Files))
	for _, f := range req.Files {
		reqs = append(reqs, objectstore.PutRequest{
			Key:         objectstore.BuildKey(objectstore.KindScreenshot, agent.TenantID, orUnscoped(req.ProjectID), req.SessionID, fmt.Sprintf("%s-%s", uuid.NewString()[:8], f.Filename)),
			ContentType: f.ContentType,
		})
	}
	urls, err := s.uploads.PresignPutBatch(c.Request.Context(), agent.TenantID, reqs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &uploadResponse{Uploads: urls})
}

func (s *Server) regenerateAPIKey(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := s.agents.GetByUserID(ctx, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	key, err := s.agents.RotateKey(ctx, agent.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &models.RegisterAgentResponse{AgentID: agent.ID, APIKey: key})
}

func orUnscoped(projectID string) string {
	if projectID == "" {
		return "unscoped"
	}
	return projectID
}
