package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/pkg/budget"
	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/objectstore"
	"github.com/formscout/formscout/pkg/orchestrator"
	"github.com/formscout/formscout/pkg/queue"
	"github.com/formscout/formscout/pkg/secrets"
	"github.com/formscout/formscout/pkg/services"
)

const testJWTSecret = "test-signing-secret"

// ---- fakes ----

type fakeAgents struct {
	byKey  map[string]*models.Agent
	byUser map[string]*models.Agent

	heartbeats []string
	rotated    []string
}

func (f *fakeAgents) Register(_ context.Context, req models.RegisterAgentRequest) (*models.RegisterAgentResponse, error) {
	return &models.RegisterAgentResponse{AgentID: "ag_new", APIKey: "key_new"}, nil
}

func (f *fakeAgents) GetByAPIKey(_ context.Context, apiKey string) (*models.Agent, error) {
	agent, found := f.byKey[apiKey]
	if !found {
		return nil, services.ErrNotFound
	}
	return agent, nil
}

func (f *fakeAgents) Heartbeat(_ context.Context, agentID string, _ models.AgentStatus) error {
	f.heartbeats = append(f.heartbeats, agentID)
	return nil
}

func (f *fakeAgents) RotateKey(_ context.Context, agentID string) (string, error) {
	f.rotated = append(f.rotated, agentID)
	return "key_rotated", nil
}

func (f *fakeAgents) GetByUserID(_ context.Context, userID string) (*models.Agent, error) {
	agent, found := f.byUser[userID]
	if !found {
		return nil, services.ErrNotFound
	}
	return agent, nil
}

type fakeTaskStore struct {
	tasks map[string]*models.AgentTask

	completeApplied bool
	completed       []models.TaskResultRequest
}

func (f *fakeTaskStore) Get(_ context.Context, id string) (*models.AgentTask, error) {
	task, found := f.tasks[id]
	if !found {
		return nil, services.ErrNotFound
	}
	return task, nil
}

func (f *fakeTaskStore) Assign(_ context.Context, taskID, agentID string) (*models.AgentTask, error) {
	task, found := f.tasks[taskID]
	if !found || task.Status != models.TaskStatusPending {
		return nil, services.ErrNotFound
	}
	task.AgentID = &agentID
	task.Status = models.TaskStatusAssigned
	return task, nil
}

func (f *fakeTaskStore) MarkRunning(_ context.Context, taskID, agentID string) (*models.AgentTask, error) {
	task, found := f.tasks[taskID]
	if !found || task.Status != models.TaskStatusAssigned ||
		task.AgentID == nil || *task.AgentID != agentID {
		return nil, services.ErrNotFound
	}
	task.Status = models.TaskStatusRunning
	return task, nil
}

func (f *fakeTaskStore) Complete(_ context.Context, req models.TaskResultRequest) (*models.AgentTask, bool, error) {
	task, found := f.tasks[req.TaskID]
	if !found {
		return nil, false, services.ErrNotFound
	}
	f.completed = append(f.completed, req)
	return task, f.completeApplied, nil
}

func (f *fakeTaskStore) ListBySession(_ context.Context, sessionID string) ([]*models.AgentTask, error) {
	var out []*models.AgentTask
	for _, t := range f.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeSessionDir struct {
	sessions map[string]*models.MappingSession
	created  []models.CreateSessionRequest
}

func (f *fakeSessionDir) Create(_ context.Context, req models.CreateSessionRequest) (*models.MappingSession, error) {
	f.created = append(f.created, req)
	sess := &models.MappingSession{
		ID:       "ms_created",
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Status:   models.SessionStatusPending,
		BaseURL:  req.BaseURL,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessionDir) Get(_ context.Context, id string) (*models.MappingSession, error) {
	sess, found := f.sessions[id]
	if !found {
		return nil, services.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessionDir) List(_ context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	var out []*models.MappingSession
	for _, s := range f.sessions {
		if s.TenantID == filters.TenantID {
			out = append(out, s)
		}
	}
	return &models.SessionListResponse{Sessions: out, TotalCount: len(out)}, nil
}

type fakeRouteDir struct {
	routes map[string]*models.FormRoute
}

func (f *fakeRouteDir) Create(_ context.Context, route *models.FormRoute) (*models.FormRoute, error) {
	route.ID = "fr_created"
	f.routes[route.ID] = route
	return route, nil
}

func (f *fakeRouteDir) Get(_ context.Context, id string) (*models.FormRoute, error) {
	route, found := f.routes[id]
	if !found {
		return nil, services.ErrNotFound
	}
	return route, nil
}

func (f *fakeRouteDir) ListByProject(_ context.Context, projectID, _ string) ([]*models.FormRoute, error) {
	var out []*models.FormRoute
	for _, r := range f.routes {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out, nil
}

type startCall struct {
	sess  *models.MappingSession
	login *models.LoginParams
}

type fakeEngine struct {
	starts    []startCall
	intakes   []orchestrator.Input
	cancelled []string
}

func (f *fakeEngine) Start(_ context.Context, sess *models.MappingSession, login *models.LoginParams) error {
	f.starts = append(f.starts, startCall{sess: sess, login: login})
	return nil
}

func (f *fakeEngine) Intake(_ context.Context, sessionID string, in orchestrator.Input) error {
	f.intakes = append(f.intakes, in)
	return nil
}

func (f *fakeEngine) Cancel(_ context.Context, sessionID string) error {
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

type fakeQueue struct {
	envelopes []*models.AgentTaskEnvelope
}

func (f *fakeQueue) PopAgentTask(_ context.Context, _ string) (*models.AgentTaskEnvelope, error) {
	if len(f.envelopes) == 0 {
		return nil, queue.ErrNoTasksAvailable
	}
	env := f.envelopes[0]
	f.envelopes = f.envelopes[1:]
	return env, nil
}

type fakeGate struct {
	err error
}

func (f *fakeGate) CheckAccess(_ context.Context, _ string) error { return f.err }

type fakeVault struct {
	values map[string]string
}

func vaultSlot(tenant string, kind secrets.Kind, networkID string) string {
	return tenant + "|" + string(kind) + "|" + networkID
}

func (f *fakeVault) Put(_ context.Context, tenantID string, kind secrets.Kind, networkID, plaintext string) error {
	f.values[vaultSlot(tenantID, kind, networkID)] = plaintext
	return nil
}

func (f *fakeVault) Get(_ context.Context, tenantID string, kind secrets.Kind, networkID string) (string, error) {
	v, found := f.values[vaultSlot(tenantID, kind, networkID)]
	if !found {
		return "", secrets.ErrSecretNotFound
	}
	return v, nil
}

func (f *fakeVault) Delete(_ context.Context, tenantID string, kind secrets.Kind, networkID string) error {
	delete(f.values, vaultSlot(tenantID, kind, networkID))
	return nil
}

type fakeUploads struct {
	requests []objectstore.PutRequest
}

func (f *fakeUploads) PresignPutBatch(_ context.Context, _ string, reqs []objectstore.PutRequest) ([]objectstore.PutURL, error) {
	f.requests = append(f.requests, reqs...)
	out := make([]objectstore.PutURL, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, objectstore.PutURL{Key: r.Key, URL: "https://signed.example/" + r.Key})
	}
	return out, nil
}

func (f *fakeUploads) PresignGet(_ context.Context, _, key string) (string, error) {
	return "https://signed.example/" + key, nil
}

type fakeLogIntake struct {
	batches []*models.LogBatchRequest
	bundles []*models.LogBundlePosted
	tail    []*models.ActivityLog
}

func (f *fakeLogIntake) SubmitBatch(_ context.Context, _, _, _ string, req *models.LogBatchRequest) (*models.LogBatchResponse, error) {
	f.batches = append(f.batches, req)
	return &models.LogBatchResponse{OK: true}, nil
}

func (f *fakeLogIntake) BundlePosted(_ context.Context, _, _ string, posted *models.LogBundlePosted) error {
	f.bundles = append(f.bundles, posted)
	return nil
}

func (f *fakeLogIntake) Tail(_ context.Context, _ string, _ int) ([]*models.ActivityLog, error) {
	return f.tail, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// ---- harness ----

type fixture struct {
	agents   *fakeAgents
	tasks    *fakeTaskStore
	sessions *fakeSessionDir
	routes   *fakeRouteDir
	engine   *fakeEngine
	queue    *fakeQueue
	gate     *fakeGate
	vault    *fakeVault
	uploads  *fakeUploads
	logs     *fakeLogIntake
	db       *fakePinger
	fast     *fakePinger

	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		agents: &fakeAgents{
			byKey: map[string]*models.Agent{
				"agent-key": {ID: "ag_1", TenantID: "tenant-a", UserID: "user-a", Status: models.AgentStatusOnline},
			},
			byUser: map[string]*models.Agent{
				"user-a": {ID: "ag_1", TenantID: "tenant-a", UserID: "user-a"},
			},
		},
		tasks:    &fakeTaskStore{tasks: map[string]*models.AgentTask{}, completeApplied: true},
		sessions: &fakeSessionDir{sessions: map[string]*models.MappingSession{}},
		routes:   &fakeRouteDir{routes: map[string]*models.FormRoute{}},
		engine:   &fakeEngine{},
		queue:    &fakeQueue{},
		gate:     &fakeGate{},
		vault:    &fakeVault{values: map[string]string{}},
		uploads:  &fakeUploads{},
		logs:     &fakeLogIntake{},
		db:       &fakePinger{},
		fast:     &fakePinger{},
	}
	srv := NewServer(f.agents, f.tasks, f.sessions, f.routes, f.engine, f.queue, f.gate, f.vault, f.uploads, f.logs, f.db, f.fast, nil, &config.AuthConfig{JWTSecret: testJWTSecret})
	f.router = srv.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func asAgent(req *http.Request) { req.Header.Set(agentKeyHeader, "agent-key") }

func asUser(t *testing.T) func(*http.Request) {
	t.Helper()
	claims := &userClaims{
		TenantID:  "tenant-a",
		ProjectID: "proj-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-a",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// ---- tests ----

func TestAgentAuth(t *testing.T) {
	f := newFixture(t)

	t.Run("missing key", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/agent/poll-task", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/agent/poll-task", nil, func(req *http.Request) {
			req.Header.Set(agentKeyHeader, "bogus")
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestUserAuth(t *testing.T) {
	f := newFixture(t)

	t.Run("missing bearer", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/sessions", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &userClaims{
			TenantID:         "tenant-a",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-a"},
		}).SignedString([]byte("other-secret"))
		require.NoError(t, err)

		w := f.do(t, http.MethodGet, "/api/v1/sessions", nil, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token without tenant claim", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &userClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-a"},
		}).SignedString([]byte(testJWTSecret))
		require.NoError(t, err)

		w := f.do(t, http.MethodGet, "/api/v1/sessions", nil, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestPollTask(t *testing.T) {
	t.Run("empty queue returns no content", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodGet, "/api/v1/agent/poll-task", nil, asAgent)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("envelope without a durable row is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.queue.envelopes = []*models.AgentTaskEnvelope{{TaskID: "at_gone", TaskType: models.AgentTaskLogin}}
		w := f.do(t, http.MethodGet, "/api/v1/agent/poll-task", nil, asAgent)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("claims the queued task as assigned", func(t *testing.T) {
		f := newFixture(t)
		f.tasks.tasks["at_1"] = &models.AgentTask{
			ID:         "at_1",
			SessionID:  "ms_1",
			TaskType:   models.AgentTaskLogin,
			Status:     models.TaskStatusPending,
			Parameters: json.RawMessage(`{"login_url":"https://portal.example/login"}`),
		}
		f.queue.envelopes = []*models.AgentTaskEnvelope{{TaskID: "at_1", TaskType: models.AgentTaskLogin}}

		w := f.do(t, http.MethodGet, "/api/v1/agent/poll-task", nil, asAgent)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decodeBody[models.PollTaskResponse](t, w)
		assert.Equal(t, "at_1", resp.TaskID)
		assert.Equal(t, models.AgentTaskLogin, resp.TaskType)
		require.NotNil(t, f.tasks.tasks["at_1"].AgentID)
		assert.Equal(t, "ag_1", *f.tasks.tasks["at_1"].AgentID)
		assert.Equal(t, models.TaskStatusAssigned, f.tasks.tasks["at_1"].Status)
	})

	t.Run("agent_id matching the API key is served", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodGet, "/api/v1/agent/poll-task?agent_id=ag_1", nil, asAgent)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("agent_id of another agent is forbidden", func(t *testing.T) {
		f := newFixture(t)
		f.queue.envelopes = []*models.AgentTaskEnvelope{{TaskID: "at_1", TaskType: models.AgentTaskLogin}}

		w := f.do(t, http.MethodGet, "/api/v1/agent/poll-task?agent_id=ag_2", nil, asAgent)
		assert.Equal(t, http.StatusForbidden, w.Code)
		// Rejected before the queue was touched.
		assert.Len(t, f.queue.envelopes, 1)
	})
}

func TestTaskProgress(t *testing.T) {
	t.Run("first report moves the task to running", func(t *testing.T) {
		f := newFixture(t)
		agentID := "ag_1"
		f.tasks.tasks["at_1"] = &models.AgentTask{
			ID:        "at_1",
			SessionID: "ms_1",
			TaskType:  models.AgentTaskLogin,
			Status:    models.TaskStatusAssigned,
			AgentID:   &agentID,
		}

		w := f.do(t, http.MethodPost, "/api/v1/agent/task-progress", models.TaskProgressRequest{
			TaskID:   "at_1",
			Progress: 10,
		}, asAgent)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.TaskStatusRunning, f.tasks.tasks["at_1"].Status)
	})

	t.Run("report for an unknown task still acks", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/agent/task-progress", models.TaskProgressRequest{
			TaskID:   "at_gone",
			Progress: 50,
		}, asAgent)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestTaskResult(t *testing.T) {
	t.Run("feeds the orchestrator", func(t *testing.T) {
		f := newFixture(t)
		f.tasks.tasks["at_1"] = &models.AgentTask{ID: "at_1", SessionID: "ms_1", TaskType: models.AgentTaskLogin}

		w := f.do(t, http.MethodPost, "/api/v1/agent/task-result", models.TaskResultRequest{
			TaskID: "at_1",
			Status: models.TaskStatusCompleted,
			Result: json.RawMessage(`{"success":true}`),
		}, asAgent)
		require.Equal(t, http.StatusOK, w.Code)

		require.Len(t, f.engine.intakes, 1)
		in := f.engine.intakes[0]
		assert.Equal(t, orchestrator.InputAgentResult, in.Kind)
		assert.Equal(t, "at_1", in.TaskID)
		assert.Equal(t, models.AgentTaskLogin, in.TaskType)
	})

	t.Run("duplicate result acks without re-feeding", func(t *testing.T) {
		f := newFixture(t)
		f.tasks.tasks["at_1"] = &models.AgentTask{ID: "at_1", SessionID: "ms_1", TaskType: models.AgentTaskLogin}
		f.tasks.completeApplied = false

		w := f.do(t, http.MethodPost, "/api/v1/agent/task-result", models.TaskResultRequest{
			TaskID: "at_1",
			Status: models.TaskStatusCompleted,
		}, asAgent)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, f.engine.intakes)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/agent/task-result", models.TaskResultRequest{
			TaskID: "at_1",
			Status: models.TaskStatus("running"),
		}, asAgent)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCreateSession(t *testing.T) {
	body := models.CreateSessionRequest{
		// Tenant and user in the body must be ignored in favor of the token.
		TenantID:     "tenant-spoofed",
		UserID:       "user-spoofed",
		NetworkID:    "net-1",
		ActivityType: models.ActivityFormMapping,
		BaseURL:      "https://portal.example",
	}

	t.Run("access denied maps to 403", func(t *testing.T) {
		f := newFixture(t)
		f.gate.err = &budget.AccessDeniedError{TenantID: "tenant-a", Reason: "no active subscription"}
		w := f.do(t, http.MethodPost, "/api/v1/sessions", body, asUser(t))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, f.sessions.created)
	})

	t.Run("budget exhausted maps to 402", func(t *testing.T) {
		f := newFixture(t)
		f.gate.err = &budget.BudgetExceededError{TenantID: "tenant-a", Spent: 10, Forecast: 1, Budget: 10}
		w := f.do(t, http.MethodPost, "/api/v1/sessions", body, asUser(t))
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("starts with stored credentials", func(t *testing.T) {
		f := newFixture(t)
		f.vault.values[vaultSlot("tenant-a", secrets.KindNetworkCredentials, "net-1")] = `{"login_url":"https://portal.example/login","username":"mapper","password":"hunter2"}`
		f.vault.values[vaultSlot("tenant-a", secrets.KindTOTPSeed, "net-1")] = "JBSWY3DP"

		w := f.do(t, http.MethodPost, "/api/v1/sessions", body, asUser(t))
		require.Equal(t, http.StatusCreated, w.Code)

		require.Len(t, f.sessions.created, 1)
		created := f.sessions.created[0]
		assert.Equal(t, "tenant-a", created.TenantID)
		assert.Equal(t, "user-a", created.UserID)
		assert.Equal(t, "proj-1", created.ProjectID)

		require.Len(t, f.engine.starts, 1)
		login := f.engine.starts[0].login
		require.NotNil(t, login)
		assert.Equal(t, "mapper", login.Username)
		assert.Equal(t, "JBSWY3DP", login.TOTPSeed)
	})

	t.Run("no stored credentials means no login", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/sessions", body, asUser(t))
		require.Equal(t, http.StatusCreated, w.Code)
		require.Len(t, f.engine.starts, 1)
		assert.Nil(t, f.engine.starts[0].login)
	})
}

func TestSessionTenantScoping(t *testing.T) {
	f := newFixture(t)
	f.sessions.sessions["ms_other"] = &models.MappingSession{ID: "ms_other", TenantID: "tenant-b"}
	f.sessions.sessions["ms_mine"] = &models.MappingSession{ID: "ms_mine", TenantID: "tenant-a"}

	t.Run("foreign session reads as not found", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/sessions/ms_other", nil, asUser(t))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("own session is returned", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/sessions/ms_mine", nil, asUser(t))
		require.Equal(t, http.StatusOK, w.Code)
		sess := decodeBody[models.MappingSession](t, w)
		assert.Equal(t, "ms_mine", sess.ID)
	})

	t.Run("foreign session cannot be cancelled", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/sessions/ms_other/cancel", nil, asUser(t))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, f.engine.cancelled)
	})

	t.Run("own session cancels through the engine", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/sessions/ms_mine/cancel", nil, asUser(t))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"ms_mine"}, f.engine.cancelled)
	})
}

func TestPresignUploads(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/agent/uploads", gin.H{
		"session_id": "ms_1",
		"project_id": "proj-1",
		"files": []gin.H{
			{"filename": "step-3.png", "content_type": "image/png"},
		},
	}, asAgent)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.uploads.requests, 1)
	key := f.uploads.requests[0].Key
	assert.Regexp(t, `^screenshots/tenant-a/proj-1/ms_1/[0-9a-f]{8}-step-3\.png$`, key)

	resp := decodeBody[uploadResponse](t, w)
	require.Len(t, resp.Uploads, 1)
	assert.Equal(t, key, resp.Uploads[0].Key)
}

func TestPutNetworkCredentials(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/v1/networks/net-9/credentials", credentialsRequest{
		LoginURL: "https://portal.example/login",
		Username: "mapper",
		Password: "hunter2",
		TOTPSeed: "JBSWY3DP",
	}, asUser(t))
	require.Equal(t, http.StatusOK, w.Code)

	stored := f.vault.values[vaultSlot("tenant-a", secrets.KindNetworkCredentials, "net-9")]
	var creds storedCredentials
	require.NoError(t, json.Unmarshal([]byte(stored), &creds))
	assert.Equal(t, "mapper", creds.Username)
	assert.Equal(t, "JBSWY3DP", f.vault.values[vaultSlot("tenant-a", secrets.KindTOTPSeed, "net-9")])
}

func TestPutTenantAPIKey(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/api/v1/tenant/api-key", tenantKeyRequest{APIKey: "sk-tenant-own"}, asUser(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sk-tenant-own", f.vault.values[vaultSlot("tenant-a", secrets.KindAPIKey, "")])
}

func TestLogEndpoints(t *testing.T) {
	t.Run("inline batch", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/logs/batch", models.LogBatchRequest{
			SessionID: "ms_1",
			Entries:   []models.LogEntry{{Level: "info", Message: "clicked submit"}},
		}, asAgent)
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.logs.batches, 1)
	})

	t.Run("bundle posted", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/logs/bundle-posted", models.LogBundlePosted{
			SessionID: "ms_1",
			ObjectKey: "logs/tenant-a/proj-1/ms_1/bundle-x.json",
		}, asAgent)
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.logs.bundles, 1)
	})
}

func TestHealthProbes(t *testing.T) {
	t.Run("healthz is always ok", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodGet, "/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readyz fails when a store is down", func(t *testing.T) {
		f := newFixture(t)
		f.fast.err = errors.New("connection refused")
		w := f.do(t, http.MethodGet, "/readyz", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("readyz passes with healthy stores", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodGet, "/readyz", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRegenerateAPIKey(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/agent/regenerate-api-key", nil, asUser(t))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[models.RegisterAgentResponse](t, w)
	assert.Equal(t, "ag_1", resp.AgentID)
	assert.Equal(t, "key_rotated", resp.APIKey)
	assert.Equal(t, []string{"ag_1"}, f.agents.rotated)
}
