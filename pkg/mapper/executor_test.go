package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/pkg/budget"
	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/llm"
	"github.com/formscout/formscout/pkg/models"
	"github.com/formscout/formscout/pkg/orchestrator"
	"github.com/formscout/formscout/pkg/pathing"
)

type fakeGate struct {
	checkErr   error
	rollbacks  int
	recorded   []llm.Usage
	allowances int
}

func (g *fakeGate) Check(context.Context, string) (*budget.Allowance, error) {
	if g.checkErr != nil {
		return nil, g.checkErr
	}
	g.allowances++
	return &budget.Allowance{TenantID: "tenant-a", APIKey: "sk-test", Forecast: 0.05}, nil
}

func (g *fakeGate) RecordUsage(_ context.Context, _ *budget.Allowance, in, out int64) (float64, error) {
	g.recorded = append(g.recorded, llm.Usage{InputTokens: in, OutputTokens: out})
	return 0.01, nil
}

func (g *fakeGate) Rollback(context.Context, *budget.Allowance) error {
	g.rollbacks++
	return nil
}

type fakeCaller struct {
	text    string
	err     error
	panics  bool
	prompts []llm.Request
}

func (c *fakeCaller) Complete(_ context.Context, _ string, req *llm.Request) (*llm.Response, error) {
	if c.panics {
		panic("caller exploded")
	}
	c.prompts = append(c.prompts, *req)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Text: c.text, Usage: llm.Usage{InputTokens: 1200, OutputTokens: 300}}, nil
}

type fakeIntake struct {
	inputs []orchestrator.Input
}

func (f *fakeIntake) Intake(_ context.Context, _ string, in orchestrator.Input) error {
	f.inputs = append(f.inputs, in)
	return nil
}

func (f *fakeIntake) last(t *testing.T) orchestrator.Input {
	t.Helper()
	require.NotEmpty(t, f.inputs)
	return f.inputs[len(f.inputs)-1]
}

type fakeSessions struct {
	rec *models.SessionRecord
}

func (f *fakeSessions) LoadSession(_ context.Context, id string) (*models.SessionRecord, error) {
	if f.rec == nil || f.rec.SessionID != id {
		return nil, faststore.ErrNotFound
	}
	return f.rec, nil
}

type fakeRouteStore struct {
	route  *models.FormRoute
	healed [][2][]models.Stage
}

func (f *fakeRouteStore) Get(_ context.Context, id string) (*models.FormRoute, error) {
	if f.route != nil && f.route.ID == id {
		return f.route, nil
	}
	return nil, fmt.Errorf("no such route %s", id)
}

func (f *fakeRouteStore) SaveHealedStages(_ context.Context, _ string, login, nav []models.Stage) error {
	f.healed = append(f.healed, [2][]models.Stage{login, nav})
	return nil
}

type fakeResults struct {
	saved   []*models.MappingResult
	existed bool
}

func (f *fakeResults) Save(_ context.Context, r *models.MappingResult) (*models.MappingResult, bool, error) {
	out := *r
	out.ID = "mr_1"
	f.saved = append(f.saved, &out)
	return &out, !f.existed, nil
}

type fakeLogs struct {
	batches [][]models.LogEntry
}

func (f *fakeLogs) InsertBatch(_ context.Context, _, _, _ string, entries []models.LogEntry) (int, error) {
	f.batches = append(f.batches, entries)
	return len(entries), nil
}

type fakeObjects struct {
	objects map[string][]byte
	deleted []string
}

func (f *fakeObjects) Fetch(_ context.Context, _, key string) ([]byte, error) {
	raw, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %s", key)
	}
	return raw, nil
}

func (f *fakeObjects) Delete(_ context.Context, _, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fixture struct {
	executor *Executor
	gate     *fakeGate
	caller   *fakeCaller
	intake   *fakeIntake
	sessions *fakeSessions
	routes   *fakeRouteStore
	results  *fakeResults
	logs     *fakeLogs
	objects  *fakeObjects
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gate:     &fakeGate{},
		caller:   &fakeCaller{},
		intake:   &fakeIntake{},
		sessions: &fakeSessions{},
		routes:   &fakeRouteStore{},
		results:  &fakeResults{},
		logs:     &fakeLogs{},
		objects:  &fakeObjects{objects: map[string][]byte{}},
	}
	evaluator := pathing.NewEvaluator(&config.PathingConfig{
		MaxPaths:               10,
		MaxOptionsForJunction:  15,
		MaxOptionsToTest:       3,
		LargeDropdownThreshold: 20,
	})
	f.executor = NewExecutor(f.gate, f.caller, f.intake, f.sessions, f.routes, f.results, f.logs, f.objects, evaluator)
	return f
}

func sessionRecord() *models.SessionRecord {
	return &models.SessionRecord{
		SessionID:   "ms_1",
		TenantID:    "tenant-a",
		UserID:      "user-a",
		FormRouteID: "fr_1",
		State:       models.StateNeedSteps,
		Version:     3,
		PathNumber:  1,
	}
}

func envelope(t *testing.T, name models.BackgroundTaskName, args any) *models.BackgroundTaskEnvelope {
	t.Helper()
	env := &models.BackgroundTaskEnvelope{
		TaskName:        name,
		SessionID:       "ms_1",
		DispatchedAt:    time.Now(),
		VersionSnapshot: 3,
	}
	if args != nil {
		raw, err := json.Marshal(args)
		require.NoError(t, err)
		env.Args = raw
	}
	return env
}

func TestExecutorAnalyzeFormPage(t *testing.T) {
	ctx := context.Background()

	t.Run("plan flows into intake", func(t *testing.T) {
		f := newFixture(t)
		f.sessions.rec = sessionRecord()
		f.routes.route = &models.FormRoute{ID: "fr_1", SpecDocument: "invoice form", InputValues: map[string]string{"email": "a@b.c"}}
		f.caller.text = "```json\n{\"steps\":[{\"step_number\":1,\"action\":\"fill\",\"selector\":\"#email\",\"value\":\"a@b.c\"}],\"critical_fields\":[\"email\"]}\n```"

		err := f.executor.Execute(ctx, envelope(t, models.TaskAnalyzeFormPage,
			&models.AnalyzeFormPageArgs{DOMHTML: "<form><input id=email></form>"}))
		require.NoError(t, err)

		in := f.intake.last(t)
		assert.Equal(t, orchestrator.InputBackgroundResult, in.Kind)
		assert.Equal(t, models.TaskAnalyzeFormPage, in.TaskName)
		assert.Equal(t, int64(3), in.VersionSnapshot)
		require.Nil(t, in.Failure)

		var plan models.StepPlan
		require.NoError(t, json.Unmarshal(in.Result, &plan))
		require.Len(t, plan.Steps, 1)
		assert.Equal(t, "#email", plan.Steps[0].Selector)

		// the prompt carried the spec document and the DOM
		require.Len(t, f.caller.prompts, 1)
		assert.Contains(t, f.caller.prompts[0].Prompt, "invoice form")
		assert.Contains(t, f.caller.prompts[0].Prompt, "<form>")
		// usage settled
		require.Len(t, f.gate.recorded, 1)
		assert.Equal(t, int64(1200), f.gate.recorded[0].InputTokens)
	})

	t.Run("empty plan is a parse failure", func(t *testing.T) {
		f := newFixture(t)
		f.sessions.rec = sessionRecord()
		f.routes.route = &models.FormRoute{ID: "fr_1"}
		f.caller.text = `{"steps":[]}`

		require.NoError(t, f.executor.Execute(ctx, envelope(t, models.TaskAnalyzeFormPage,
			&models.AnalyzeFormPageArgs{DOMHTML: "<form/>"})))

		in := f.intake.last(t)
		require.NotNil(t, in.Failure)
		assert.Equal(t, "ai_parse_error", in.Failure.Code)
	})

	t.Run("budget rejection becomes budget_exceeded", func(t *testing.T) {
		f := newFixture(t)
		f.sessions.rec = sessionRecord()
		f.routes.route = &models.FormRoute{ID: "fr_1"}
		f.gate.checkErr = &budget.BudgetExceededError{TenantID: "tenant-a", Budget: 5}

		require.NoError(t, f.executor.Execute(ctx, envelope(t, models.TaskAnalyzeFormPage,
			&models.AnalyzeFormPageArgs{DOMHTML: "<form/>"})))

		in := f.intake.last(t)
		require.NotNil(t, in.Failure)
		assert.Equal(t, "budget_exceeded", in.Failure.Code)
	})

	t.Run("overload rolls back and returns the original args", func(t *testing.T) {
		f := newFixture(t)
		f.sessions.rec = sessionRecord()
		f.routes.route = &models.FormRoute{ID: "fr_1"}
		f.caller.err = fmt.Errorf("%w after 5 attempts", llm.ErrOverloaded)

		env := envelope(t, models.TaskAnalyzeFormPage, &models.AnalyzeFormPageArgs{DOMHTML: "<form/>"})
		require.NoError(t, f.executor.Execute(ctx, env))

		in := f.intake.last(t)
		require.NotNil(t, in.Failure)
		assert.Equal(t, "ai_overloaded", in.Failure.Code)
		assert.Equal(t, env.Args, in.Result)
		assert.Equal(t, 1, f.gate.rollbacks)
		assert.Empty(t, f.gate.recorded)
	})

	t.Run("panic becomes worker_panic", func(t *testing.T) {
		f := newFixture(t)
		f.sessions.rec = sessionRecord()
		f.routes.route = &models.FormRoute{ID: "fr_1"}
		f.caller.panics = true

		require.NoError(t, f.executor.Execute(ctx, envelope(t, models.TaskAnalyzeFormPage,
			&models.AnalyzeFormPageArgs{DOMHTML: "<form/>"})))

		in := f.intake.last(t)
		require.NotNil(t, in.Failure)
		assert.Equal(t, "worker_panic", in.Failure.Code)
		assert.Contains(t, in.Failure.Message, "caller exploded")
	})

	t.Run("expired session drops the task", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.executor.Execute(ctx, envelope(t, models.TaskAnalyzeFormPage,
			&models.AnalyzeFormPageArgs{DOMHTML: "<form/>"})))
		assert.Empty(t, f.intake.inputs)
	})
}

func TestExecutorAnalyzeFailure(t *testing.T) {
	f := newFixture(t)
	f.sessions.rec = sessionRecord()
	f.routes.route = &models.FormRoute{ID: "fr_1"}
	f.caller.text = `{"kind":"locator_changed","new_selector":"#email-v2","reason":"form rebuilt with new ids"}`

	err := f.executor.Execute(context.Background(), envelope(t, models.TaskAnalyzeFailure,
		&models.AnalyzeFailureArgs{
			Step:  models.Stage{StepNumber: 1, Action: models.ActionFill, Selector: "#email"},
			Error: "element not found",
		}))
	require.NoError(t, err)

	var decision models.RecoveryDecision
	require.NoError(t, json.Unmarshal(f.intake.last(t).Result, &decision))
	assert.Equal(t, models.RecoveryLocatorChanged, decision.Kind)
	assert.Equal(t, "#email-v2", decision.NewSelector)
}

func TestExecutorEvaluatePaths(t *testing.T) {
	f := newFixture(t)
	rec := sessionRecord()
	rec.PathTracker = models.NewPathTracker()
	rec.PathTracker.Junctions["#plan"] = &models.Junction{
		ID: "#plan", Selector: "#plan", Type: models.JunctionDropdown, StepIndex: 1,
		Options: map[string]*models.OptionOutcome{
			"basic": {Tested: true, RevealedNewFields: boolPtr(true)},
			"pro":   {},
		},
	}
	rec.PathTracker.CompletedPaths = []models.CompletedPath{
		{PathNumber: 1, JunctionChoices: map[string]string{"#plan": "basic"}, JunctionSteps: []string{"#plan"}},
	}
	f.sessions.rec = rec
	f.routes.route = &models.FormRoute{ID: "fr_1"}

	err := f.executor.Execute(context.Background(), envelope(t, models.TaskEvaluatePaths, nil))
	require.NoError(t, err)

	var decision models.PathDecision
	require.NoError(t, json.Unmarshal(f.intake.last(t).Result, &decision))
	require.False(t, decision.Done)
	require.NotNil(t, decision.Next)
	assert.Equal(t, "#plan", decision.Next.TargetJunctionID)
	require.Len(t, decision.Next.Overrides, 1)
	assert.Equal(t, "pro", decision.Next.Overrides[0].Option)
	// no model call for the rule-based evaluation
	assert.Empty(t, f.caller.prompts)
}

func TestExecutorEvaluatePathsWithAIFallsBack(t *testing.T) {
	f := newFixture(t)
	rec := sessionRecord()
	rec.PathTracker = models.NewPathTracker()
	f.sessions.rec = rec
	f.routes.route = &models.FormRoute{ID: "fr_1"}
	f.caller.err = errors.New("api down")

	err := f.executor.Execute(context.Background(), envelope(t, models.TaskEvaluatePathsWithAI, nil))
	require.NoError(t, err)

	// model unavailable: the rule-based verdict still lands
	in := f.intake.last(t)
	require.Nil(t, in.Failure)
	var decision models.PathDecision
	require.NoError(t, json.Unmarshal(in.Result, &decision))
	assert.True(t, decision.Done)
}

func TestExecutorSaveMappingResult(t *testing.T) {
	f := newFixture(t)
	rec := sessionRecord()
	rec.StagesUpdated = true
	rec.HealedLoginStages = []models.Stage{{StepNumber: 1, Action: models.ActionFill, Selector: "#username"}}
	rec.ExecutedSteps = []models.ExecutedStep{
		{Stage: models.Stage{StepNumber: 1, Action: models.ActionFill, Selector: "#email"}},
	}
	rec.VerifiedFields = []string{"email"}
	f.sessions.rec = rec
	f.routes.route = &models.FormRoute{ID: "fr_1"}

	err := f.executor.Execute(context.Background(), envelope(t, models.TaskSaveMappingResult, nil))
	require.NoError(t, err)

	require.Len(t, f.results.saved, 1)
	assert.Equal(t, "fr_1", f.results.saved[0].FormRouteID)
	assert.Equal(t, 1, f.results.saved[0].PathNumber)

	// healed login stages patched onto the route, nav untouched
	require.Len(t, f.routes.healed, 1)
	assert.Len(t, f.routes.healed[0][0], 1)
	assert.Nil(t, f.routes.healed[0][1])

	var saved map[string]string
	require.NoError(t, json.Unmarshal(f.intake.last(t).Result, &saved))
	assert.Equal(t, "mr_1", saved["result_id"])
}

func TestExecutorIngestLogBundle(t *testing.T) {
	f := newFixture(t)
	batch := models.LogBatchRequest{
		SessionID: "ms_1",
		Entries: []models.LogEntry{
			{Timestamp: time.Now(), Level: "info", Message: "clicked #submit"},
			{Timestamp: time.Now(), Level: "error", Message: "retry after timeout"},
		},
	}
	raw, err := json.Marshal(batch)
	require.NoError(t, err)
	f.objects.objects["logs/tenant-a/p/ms_1/bundle.json"] = raw

	err = f.executor.Execute(context.Background(), envelope(t, models.TaskIngestLogBundle,
		&models.IngestLogBundleArgs{ObjectKey: "logs/tenant-a/p/ms_1/bundle.json", TenantID: "tenant-a", AgentID: "agt_1"}))
	require.NoError(t, err)

	require.Len(t, f.logs.batches, 1)
	assert.Len(t, f.logs.batches[0], 2)
	assert.Equal(t, []string{"logs/tenant-a/p/ms_1/bundle.json"}, f.objects.deleted)
	// log delivery never feeds the state machine
	assert.Empty(t, f.intake.inputs)
}

func TestParseModelJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"bare object", `{"done": true}`, true},
		{"fenced", "```json\n{\"done\": true}\n```", true},
		{"prose prefix", "Here is the decision:\n{\"done\": true}", true},
		{"braces inside strings", `{"reason": "use {x} not {y}", "done": true}`, true},
		{"no json", "cannot comply", false},
		{"unbalanced", `{"done": tru`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst struct {
				Done bool `json:"done"`
			}
			err := parseModelJSON(tt.text, &dst)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
