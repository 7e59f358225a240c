package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/persistence/memory"
	"github.com/periscope-dev/engine/pkg/registry"
	"github.com/periscope-dev/engine/pkg/variables"
)

const validBPMN = `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:periscope="http://periscope.dev/schema/bpmn" id="defs">
  <bpmn:process id="onboarding" name="Onboarding">
    <bpmn:startEvent id="start"/>
    <bpmn:userTask id="review">
      <bpmn:extensionElements>
        <periscope:TaskDefinition assignee="ops" signalName="review-done"/>
      </bpmn:extensionElements>
    </bpmn:userTask>
    <bpmn:endEvent id="done"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="review"/>
    <bpmn:sequenceFlow id="f2" sourceRef="review" targetRef="done"/>
  </bpmn:process>
</bpmn:definitions>`

type stubEngine struct {
	startedDefinition string
	startedInitiator  string
	startedInputs     map[string]any

	signalledExecution string
	signalledName      string
	signalledPayload   map[string]any

	cancelledExecution string
	cancelledReason    string
}

func (s *stubEngine) StartExecution(_ context.Context, executionID, definitionID string, _ int, inputs map[string]any, initiator string) (*models.Execution, error) {
	s.startedDefinition = definitionID
	s.startedInitiator = initiator
	s.startedInputs = inputs

	if executionID == "" {
		executionID = "exec-1"
	}

	return &models.Execution{ID: executionID, DefinitionID: definitionID, Status: models.ExecutionStatusRunning}, nil
}

func (s *stubEngine) Signal(_ context.Context, executionID, name string, payload map[string]any) error {
	s.signalledExecution = executionID
	s.signalledName = name
	s.signalledPayload = payload

	return nil
}

func (s *stubEngine) Cancel(_ context.Context, executionID, reason, _ string) error {
	s.cancelledExecution = executionID
	s.cancelledReason = reason

	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeploy_BPMNVersioning(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinition(memory.NewPersistence(), registry.NewBuiltinRegistry(testLogger()))

	result, err := svc.Deploy(ctx, DeployRequest{Content: []byte(validBPMN)})
	require.NoError(t, err)
	require.NotNil(t, result.Definition)
	assert.Equal(t, "onboarding", result.Definition.ID)
	assert.Equal(t, 1, result.Definition.Version)
	assert.Equal(t, "bpmn", result.Definition.SourceFormat)
	require.NotNil(t, result.Validation)
	assert.True(t, result.Validation.Valid)

	// Redeploying the same id allocates the next version.
	result, err = svc.Deploy(ctx, DeployRequest{Content: []byte(validBPMN)})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Definition.Version)

	first, err := svc.FetchByID(ctx, "onboarding", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	latest, err := svc.FetchByID(ctx, "onboarding", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestDeploy_BPMNInvalidNeverStored(t *testing.T) {
	ctx := context.Background()
	persist := memory.NewPersistence()
	svc := NewDefinition(persist, registry.NewBuiltinRegistry(testLogger()))

	noEnd := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="broken">
    <bpmn:startEvent id="start"/>
  </bpmn:process>
</bpmn:definitions>`

	result, err := svc.Deploy(ctx, DeployRequest{Content: []byte(noEnd)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDefinitionInvalid)
	assert.True(t, IsValidationError(err))
	require.NotNil(t, result)
	require.NotNil(t, result.Validation)
	assert.False(t, result.Validation.Valid)

	_, err = persist.Definitions().ByID(ctx, "broken", 0)
	require.Error(t, err)
}

func jsonDefinition(t *testing.T, def models.ProcessDefinition) []byte {
	t.Helper()

	data, err := json.Marshal(def)
	require.NoError(t, err)

	return data
}

func TestDeploy_JSON(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinition(memory.NewPersistence(), registry.NewBuiltinRegistry(testLogger()))

	content := jsonDefinition(t, models.ProcessDefinition{
		ID:   "json-proc",
		Name: "JSON Process",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:           "call",
				Type:         models.NodeTypeServiceTask,
				ActivityKind: "webhook",
				Config:       map[string]any{"url": "https://example.com/hook"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "call"},
			{ID: "e2", From: "call", To: "done"},
		},
	})

	result, err := svc.Deploy(ctx, DeployRequest{Format: FormatJSON, Content: content})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Definition.Version)
	assert.Nil(t, result.Validation)
}

func TestDeploy_JSONGraphRules(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinition(memory.NewPersistence(), registry.NewBuiltinRegistry(testLogger()))

	noStart := jsonDefinition(t, models.ProcessDefinition{
		ID:    "no-start",
		Nodes: []models.Node{{ID: "done", Type: models.NodeTypeEndEvent}},
	})

	_, err := svc.Deploy(ctx, DeployRequest{Format: FormatJSON, Content: noStart})
	assert.ErrorIs(t, err, ErrNoStartEvent)

	dangling := jsonDefinition(t, models.ProcessDefinition{
		ID: "dangling",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{{ID: "e1", From: "start", To: "missing"}},
	})

	_, err = svc.Deploy(ctx, DeployRequest{Format: FormatJSON, Content: dangling})
	assert.ErrorIs(t, err, ErrDanglingEdge)
}

func TestDeploy_JSONUnreachableEndEvent(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinition(memory.NewPersistence(), registry.NewBuiltinRegistry(testLogger()))

	// The end event exists, but flow enters a cycle with no exit.
	content := jsonDefinition(t, models.ProcessDefinition{
		ID: "trapped",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:           "a",
				Type:         models.NodeTypeServiceTask,
				ActivityKind: "webhook",
				Config:       map[string]any{"url": "https://example.com/a"},
			},
			{
				ID:           "b",
				Type:         models.NodeTypeServiceTask,
				ActivityKind: "webhook",
				Config:       map[string]any{"url": "https://example.com/b"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "a"},
			{ID: "e2", From: "a", To: "b"},
			{ID: "e3", From: "b", To: "a"},
		},
	})

	_, err := svc.Deploy(ctx, DeployRequest{Format: FormatJSON, Content: content})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnreachableEndEvent)
	assert.True(t, IsValidationError(err))
}

func TestDeploy_InvalidActivityConfig(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinition(memory.NewPersistence(), registry.NewBuiltinRegistry(testLogger()))

	// The webhook schema requires a url.
	content := jsonDefinition(t, models.ProcessDefinition{
		ID: "bad-webhook",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:           "call",
				Type:         models.NodeTypeServiceTask,
				ActivityKind: "webhook",
				Config:       map[string]any{"method": "POST"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "call"},
			{ID: "e2", From: "call", To: "done"},
		},
	})

	_, err := svc.Deploy(ctx, DeployRequest{Format: FormatJSON, Content: content})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestDeploy_UnsupportedFormat(t *testing.T) {
	svc := NewDefinition(memory.NewPersistence(), nil)

	_, err := svc.Deploy(context.Background(), DeployRequest{Format: "yaml", Content: []byte("id: x")})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatBPMN, detectFormat([]byte("  <?xml version=\"1.0\"?>")))
	assert.Equal(t, FormatJSON, detectFormat([]byte(`{"id":"x"}`)))
}

func TestFetchByID_EmptyID(t *testing.T) {
	svc := NewDefinition(memory.NewPersistence(), nil)

	_, err := svc.FetchByID(context.Background(), "", 0)
	assert.ErrorIs(t, err, ErrEmptyDefinitionID)
}

// seedExecution writes one execution with variables and history straight
// through the log so read paths can be exercised without an engine.
func seedExecution(t *testing.T, persist persistence.Persistence, id string) {
	t.Helper()

	now := time.Now().UTC()
	batch := persistence.AppendBatch{
		Execution: &models.Execution{
			ID:           id,
			DefinitionID: "proc",
			Version:      1,
			Status:       models.ExecutionStatusRunning,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Entries: []models.HistoryEntry{
			models.NewHistoryEntry(id, models.HistoryExecutionStarted, map[string]any{"definition_id": "proc"}),
			models.NewHistoryEntry(id, models.HistoryVariableSet, map[string]any{
				"name": "customer", "value": "acme", "sensitive": false,
			}),
			models.NewHistoryEntry(id, models.HistoryVariableSet, map[string]any{
				"name": "api_key", "value": "s3cret", "sensitive": true,
			}),
		},
		Variables: []models.VariableValue{
			{ExecutionID: id, Name: "customer", Value: models.StringValue("acme")},
			{ExecutionID: id, Name: "api_key", Value: models.StringValue("s3cret"), Sensitive: true},
		},
	}

	_, err := persist.History().Append(context.Background(), batch)
	require.NoError(t, err)
}

func TestExecutionView_MasksSensitiveVariables(t *testing.T) {
	ctx := context.Background()
	persist := memory.NewPersistence()
	seedExecution(t, persist, "exec-1")

	svc := NewExecution(persist, &stubEngine{})

	view, err := svc.FetchByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", view.Variables["customer"])
	assert.Equal(t, variables.RedactedPlaceholder, view.Variables["api_key"])
}

func TestExecutionHistory_MasksSensitiveWrites(t *testing.T) {
	ctx := context.Background()
	persist := memory.NewPersistence()
	seedExecution(t, persist, "exec-1")

	svc := NewExecution(persist, &stubEngine{})

	entries, err := svc.History(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "acme", entries[1].Payload["value"])
	assert.Equal(t, variables.RedactedPlaceholder, entries[2].Payload["value"])
}

func TestExecutionHistory_UnknownExecution(t *testing.T) {
	svc := NewExecution(memory.NewPersistence(), &stubEngine{})

	_, err := svc.History(context.Background(), "missing", 0)
	require.Error(t, err)
}

func TestExecutionStart_DefaultsInitiator(t *testing.T) {
	eng := &stubEngine{}
	svc := NewExecution(memory.NewPersistence(), eng)

	_, err := svc.Start(context.Background(), StartRequest{DefinitionID: "proc"})
	require.NoError(t, err)
	assert.Equal(t, "proc", eng.startedDefinition)
	assert.Equal(t, "api", eng.startedInitiator)

	_, err = svc.Start(context.Background(), StartRequest{DefinitionID: "proc", Initiator: "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, "scheduler", eng.startedInitiator)
}

func seedTask(t *testing.T, persist persistence.Persistence, status models.HumanTaskStatus) models.HumanTask {
	t.Helper()

	task := models.HumanTask{
		ID:          "task-1",
		ExecutionID: "exec-1",
		NodeID:      "review",
		Name:        "Review",
		SignalName:  "review-done",
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}

	batch := persistence.AppendBatch{
		Execution: &models.Execution{
			ID: "exec-1", DefinitionID: "proc", Version: 1,
			Status: models.ExecutionStatusWaiting, UpdatedAt: time.Now().UTC(),
		},
		Entries: []models.HistoryEntry{
			models.NewHistoryEntry("exec-1", models.HistoryHumanTaskCreated, map[string]any{"task_id": task.ID}),
		},
		HumanTasks: []models.HumanTask{task},
	}

	_, err := persist.History().Append(context.Background(), batch)
	require.NoError(t, err)

	return task
}

func TestTaskComplete_SignalsExecution(t *testing.T) {
	persist := memory.NewPersistence()
	seedTask(t, persist, models.HumanTaskStatusOpen)

	eng := &stubEngine{}
	svc := NewTask(persist, eng)

	err := svc.Complete(context.Background(), "task-1", "alice", map[string]any{"approved": true})
	require.NoError(t, err)

	assert.Equal(t, "exec-1", eng.signalledExecution)
	assert.Equal(t, "review-done", eng.signalledName)
	assert.Equal(t, true, eng.signalledPayload["approved"])
	assert.Equal(t, "alice", eng.signalledPayload["completed_by"])
}

func TestTaskComplete_RejectsNonOpenTask(t *testing.T) {
	persist := memory.NewPersistence()
	seedTask(t, persist, models.HumanTaskStatusCompleted)

	eng := &stubEngine{}
	svc := NewTask(persist, eng)

	err := svc.Complete(context.Background(), "task-1", "alice", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotOpen)
	assert.True(t, IsConflictError(err))
	assert.Empty(t, eng.signalledExecution)
}
