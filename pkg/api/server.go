// Package api is the HTTP surface: agent endpoints behind X-Agent-API-Key,
// user endpoints behind JWT, and unauthenticated health probes. Handlers
// validate, delegate, and map errors; no business logic lives here.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/objectstore"
	"github.com/formscout/formscout/pkg/orchestrator"
	"github.com/formscout/formscout/pkg/queue"
	"github.com/formscout/formscout/pkg/secrets"
)

// AgentDirectory manages agent identity and liveness.
type AgentDirectory interface {
	Register(ctx context.Context, req models.RegisterAgentRequest) (*models.RegisterAgentResponse, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*models.Agent, error)
	Heartbeat(ctx context.Context, agentID string, status models.AgentStatus) error
	RotateKey(ctx context.Context, agentID string) (string, error)
	GetByUserID(ctx context.Context, userID string) (*models.Agent, error)
}

// TaskStore reads and writes durable agent task rows.
type TaskStore interface {
	Get(ctx context.Context, id string) (*models.AgentTask, error)
	Assign(ctx context.Context, taskID, agentID string) (*models.AgentTask, error)
	MarkRunning(ctx context.Context, taskID, agentID string) (*models.AgentTask, error)
	Complete(ctx context.Context, req models.TaskResultRequest) (*models.AgentTask, bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]*models.AgentTask, error)
}

// SessionDirectory manages durable session rows.
type SessionDirectory interface {
	Create(ctx context.Context, req models.CreateSessionRequest) (*models.MappingSession, error)
	Get(ctx context.Context, id string) (*models.MappingSession, error)
	List(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error)
}

// RouteDirectory manages form routes.
type RouteDirectory interface {
	Create(ctx context.Context, route *models.FormRoute) (*models.FormRoute, error)
	Get(ctx context.Context, id string) (*models.FormRoute, error)
	ListByProject(ctx context.Context, projectID, networkID string) ([]*models.FormRoute, error)
}

// Orchestrator is the session engine surface the handlers drive.
type Orchestrator interface {
	Start(ctx context.Context, sess *models.MappingSession, login *models.LoginParams) error
	Intake(ctx context.Context, sessionID string, in orchestrator.Input) error
	Cancel(ctx context.Context, sessionID string) error
}

// TaskQueue pops agent task envelopes.
type TaskQueue interface {
	PopAgentTask(ctx context.Context, userID string) (*models.AgentTaskEnvelope, error)
}

// AccessGate is the access-only slice of the budget gate used at session
// create.
type AccessGate interface {
	CheckAccess(ctx context.Context, tenantID string) error
}

// SecretVault stores and resolves tenant credentials.
type SecretVault interface {
	Put(ctx context.Context, tenantID string, kind secrets.Kind, networkID, plaintext string) error
	Get(ctx context.Context, tenantID string, kind secrets.Kind, networkID string) (string, error)
	Delete(ctx context.Context, tenantID string, kind secrets.Kind, networkID string) error
}

// UploadPresigner issues presigned PUT URLs for agent artifact uploads.
type UploadPresigner interface {
	PresignPutBatch(ctx context.Context, tenantID string, reqs []objectstore.PutRequest) ([]objectstore.PutURL, error)
	PresignGet(ctx context.Context, tenantID, key string) (string, error)
}

// LogIntake fronts the activity log pipeline.
type LogIntake interface {
	SubmitBatch(ctx context.Context, tenantID, projectID, agentID string, req *models.LogBatchRequest) (*models.LogBatchResponse, error)
	BundlePosted(ctx context.Context, tenantID, agentID string, posted *models.LogBundlePosted) error
	Tail(ctx context.Context, sessionID string, limit int) ([]*models.ActivityLog, error)
}

// Pinger verifies a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolHealth exposes the worker pool snapshot for readiness.
type PoolHealth interface {
	Health(ctx context.Context) *queue.PoolHealth
}

// Server holds the wired dependencies behind the HTTP routes.
type Server struct {
	agents   AgentDirectory
	tasks    TaskStore
	sessions SessionDirectory
	routes   RouteDirectory
	engine   Orchestrator
	queue    TaskQueue
	gate     AccessGate
	vault    SecretVault
	uploads  UploadPresigner
	logs     LogIntake

	db   Pinger
	fast Pinger
	pool PoolHealth

	auth *config.AuthConfig
}

// NewServer wires the API server. db, fast, and pool feed the readiness
// probe and may be nil in tests.
func NewServer(agents AgentDirectory, tasks TaskStore, sessions SessionDirectory, routes RouteDirectory, engine Orchestrator, taskQueue TaskQueue, gate AccessGate, vault SecretVault, uploads UploadPresigner, logs LogIntake, db, fast Pinger, pool PoolHealth, auth *config.AuthConfig) *Server {
	return &Server{
		agents:   agents,
		tasks:    tasks,
		sessions: sessions,
		routes:   routes,
		engine:   engine,
		queue:    taskQueue,
		gate:     gate,
		vault:    vault,
		uploads:  uploads,
		logs:     logs,
		db:       db,
		fast:     fast,
		pool:     pool,
		auth:     auth,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.healthz)
	router.GET("/readyz", s.readyz)

	v1 := router.Group("/api/v1")

	// Registration is the one agent call made before a key exists.
	v1.POST("/agent/register", s.registerAgent)

	agent := v1.Group("/", s.agentAuth())
	{
		agent.POST("agent/heartbeat", s.heartbeat)
		agent.GET("agent/poll-task", s.pollTask)
		agent.POST("agent/task-result", s.taskResult)
		agent.POST("agent/task-progress", s.taskProgress)
		agent.POST("agent/uploads", s.presignUploads)
		agent.POST("logs/batch", s.logBatch)
		agent.POST("logs/bundle-posted", s.logBundlePosted)
	}

	user := v1.Group("/", s.userAuth())
	{
		user.POST("agent/regenerate-api-key", s.regenerateAPIKey)
		user.POST("sessions", s.createSession)
		user.GET("sessions", s.listSessions)
		user.GET("sessions/:id", s.getSession)
		user.POST("sessions/:id/cancel", s.cancelSession)
		user.GET("sessions/:id/logs", s.sessionLogs)
		user.GET("sessions/:id/tasks", s.sessionTasks)
		user.POST("form-routes", s.createFormRoute)
		user.GET("form-routes/:id", s.getFormRoute)
		user.GET("form-routes", s.listFormRoutes)
		user.PUT("networks/:id/credentials", s.putNetworkCredentials)
		user.PUT("tenant/api-key", s.putTenantAPIKey)
	}

	return router
}

func ok(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
