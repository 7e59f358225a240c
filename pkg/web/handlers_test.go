package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-dev/engine/pkg/engine"
	"github.com/periscope-dev/engine/pkg/engine/lease"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence/memory"
	"github.com/periscope-dev/engine/pkg/registry"
	"github.com/periscope-dev/engine/pkg/services"
	"github.com/periscope-dev/engine/pkg/web"
)

const approvalBPMN = `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:periscope="http://periscope.dev/schema/bpmn" id="defs">
  <bpmn:process id="approval" name="Approval">
    <bpmn:extensionElements>
      <periscope:Variables>
        <periscope:Variable name="requester" type="string" required="true" input="true"/>
        <periscope:Variable name="approved" type="boolean" default="false"/>
      </periscope:Variables>
    </bpmn:extensionElements>
    <bpmn:startEvent id="start"/>
    <bpmn:userTask id="review" name="Review">
      <bpmn:extensionElements>
        <periscope:TaskDefinition assignee="ops" signalName="decision"/>
        <periscope:OutputMapping target="approved" expression="payload.approved"/>
      </bpmn:extensionElements>
    </bpmn:userTask>
    <bpmn:endEvent id="done"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="review"/>
    <bpmn:sequenceFlow id="f2" sourceRef="review" targetRef="done"/>
  </bpmn:process>
</bpmn:definitions>`

type noopDispatcher struct{}

func (noopDispatcher) Submit(models.ActivityTask) error { return nil }
func (noopDispatcher) CancelExecution(string)           {}
func (noopDispatcher) Release(string)                   {}

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persist := memory.NewPersistence()
	reg := registry.NewBuiltinRegistry(logger)
	eng := engine.NewEngine(logger, persist, noopDispatcher{}, lease.NewMemoryManager(), reg, nil, "test-node")

	definitionService := services.NewDefinition(persist, reg)
	executionService := services.NewExecution(persist, eng)
	taskService := services.NewTask(persist, eng)

	handlers := web.NewAPIHandlers(definitionService, executionService, taskService,
		validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()

	d := app.Group("/definitions")
	d.Get("/", handlers.GetDefinitions)
	d.Post("/", handlers.DeployDefinition)
	d.Get("/:id", handlers.GetDefinition)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/history", handlers.GetExecutionHistory)
	e.Post("/:id/signals/:name", handlers.SignalExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	tasks := app.Group("/tasks")
	tasks.Get("/", handlers.GetTasks)
	tasks.Get("/:id", handlers.GetTask)
	tasks.Post("/:id/complete", handlers.CompleteTask)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)

		body = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func deployApproval(t *testing.T, app *fiber.App) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/definitions/", strings.NewReader(approvalBPMN))
	req.Header.Set("Content-Type", "application/xml")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func startApproval(t *testing.T, app *fiber.App) string {
	t.Helper()

	resp, body := doJSON(t, app, http.MethodPost, "/executions/", map[string]any{
		"definition_id": "approval",
		"inputs":        map[string]any{"requester": "alice"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var exec models.Execution
	require.NoError(t, json.Unmarshal(body, &exec))
	require.NotEmpty(t, exec.ID)

	return exec.ID
}

func TestDeployDefinition(t *testing.T) {
	app := setupTestApp(t)
	deployApproval(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/definitions/approval", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var def models.ProcessDefinition
	require.NoError(t, json.Unmarshal(body, &def))
	assert.Equal(t, "approval", def.ID)
	assert.Equal(t, 1, def.Version)
}

func TestDeployDefinition_InvalidBPMN(t *testing.T) {
	app := setupTestApp(t)

	broken := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="broken">
    <bpmn:startEvent id="start"/>
  </bpmn:process>
</bpmn:definitions>`

	req := httptest.NewRequest(http.MethodPost, "/definitions/", strings.NewReader(broken))

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Contains(t, result, "validation")
}

func TestDeployDefinition_EmptyBody(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/definitions/", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDefinition_NotFound(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/definitions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartExecution(t *testing.T) {
	app := setupTestApp(t)
	deployApproval(t, app)
	id := startApproval(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/executions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		Status    models.ExecutionStatus `json:"status"`
		Variables map[string]any         `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, models.ExecutionStatusWaiting, view.Status)
	assert.Equal(t, "alice", view.Variables["requester"])
	assert.Equal(t, false, view.Variables["approved"])
}

func TestStartExecution_MissingDefinitionID(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/executions/", map[string]any{
		"inputs": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartExecution_MissingRequiredInput(t *testing.T) {
	app := setupTestApp(t)
	deployApproval(t, app)

	resp, _ := doJSON(t, app, http.MethodPost, "/executions/", map[string]any{
		"definition_id": "approval",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutionHistory(t *testing.T) {
	app := setupTestApp(t)
	deployApproval(t, app)
	id := startApproval(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/executions/"+id+"/history", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		History []models.HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NotEmpty(t, payload.History)
	assert.Equal(t, models.HistoryExecutionStarted, payload.History[0].Kind)
}

func TestExecutionHistory_NotFound(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/executions/ghost/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalExecution(t *testing.T) {
	app := setupTestApp(t)
	deployApproval(t, app)
	id := startApproval(t, app)

	// A signal nothing waits for conflicts rather than vanishing.
	resp, _ := doJSON(t, app, http.MethodPost, "/executions/"+id+"/signals/unknown", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/executions/"+id+"/signals/decision", web.SignalRequest{
		Payload: map[string]any{"approved": true},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodGet, "/executions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		Status    models.ExecutionStatus `json:"status"`
		Variables map[string]any         `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, models.ExecutionStatusCompleted, view.Status)
	assert.Equal(t, true, view.Variables["approved"])
}

func TestCancelExecution(t *testing.T) {
	app := setupTestApp(t)
	deployApproval(t, app)
	id := startApproval(t, app)

	resp, _ := doJSON(t, app, http.MethodPost, "/executions/"+id+"/cancel", web.CancelRequest{
		Reason:      "obsolete",
		RequestedBy: "alice",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodGet, "/executions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		Status models.ExecutionStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, models.ExecutionStatusCancelled, view.Status)
}

func TestTaskLifecycle(t *testing.T) {
	app := setupTestApp(t)
	deployApproval(t, app)
	startApproval(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/tasks/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Tasks []models.HumanTask `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Tasks, 1)
	assert.Equal(t, "review", listing.Tasks[0].NodeID)
	assert.Equal(t, "ops", listing.Tasks[0].Assignee)

	taskID := listing.Tasks[0].ID

	resp, _ = doJSON(t, app, http.MethodPost, "/tasks/"+taskID+"/complete", web.CompleteTaskRequest{
		CompletedBy: "bob",
		Payload:     map[string]any{"approved": true},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodGet, "/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var task models.HumanTask
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, models.HumanTaskStatusCompleted, task.Status)
	assert.Equal(t, "bob", task.CompletedBy)

	// Completing twice conflicts.
	resp, _ = doJSON(t, app, http.MethodPost, "/tasks/"+taskID+"/complete", web.CompleteTaskRequest{
		CompletedBy: "bob",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTaskNotFound(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/tasks/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	app := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
}
