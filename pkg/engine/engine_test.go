package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-dev/engine/pkg/bpmn"
	"github.com/periscope-dev/engine/pkg/engine/lease"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/persistence/memory"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	tasks     []models.ActivityTask
	cancelled []string
	released  []string
}

func (d *fakeDispatcher) Submit(task models.ActivityTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tasks = append(d.tasks, task)

	return nil
}

func (d *fakeDispatcher) CancelExecution(executionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelled = append(d.cancelled, executionID)
}

func (d *fakeDispatcher) Release(executionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.released = append(d.released, executionID)
}

func (d *fakeDispatcher) submitted() []models.ActivityTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.ActivityTask, len(d.tasks))
	copy(out, d.tasks)

	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeDispatcher, persistence.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persist := memory.NewPersistence()
	disp := &fakeDispatcher{}
	eng := NewEngine(logger, persist, disp, lease.NewMemoryManager(), nil, nil, "test-worker")

	return eng, disp, persist
}

func deploy(t *testing.T, persist persistence.Persistence, def *models.ProcessDefinition) {
	t.Helper()

	if def.Version == 0 {
		def.Version = 1
	}

	def.DeployedAt = time.Now().UTC()

	require.NoError(t, persist.Definitions().Save(context.Background(), def))
}

func historyKinds(t *testing.T, persist persistence.Persistence, executionID string) []models.HistoryKind {
	t.Helper()

	entries, err := persist.History().Read(context.Background(), executionID, 0)
	require.NoError(t, err)

	kinds := make([]models.HistoryKind, 0, len(entries))
	for _, entry := range entries {
		kinds = append(kinds, entry.Kind)
	}

	return kinds
}

func variableValue(t *testing.T, persist persistence.Persistence, executionID, name string) any {
	t.Helper()

	rows, err := persist.Executions().Variables(context.Background(), executionID)
	require.NoError(t, err)

	for _, row := range rows {
		if row.Name == name {
			return row.Value.Interface()
		}
	}

	t.Fatalf("variable %q not found", name)

	return nil
}

func dueTimers(t *testing.T, persist persistence.Persistence) []models.Timer {
	t.Helper()

	timers, err := persist.Timers().Due(context.Background(), time.Now().Add(30*24*time.Hour), 100)
	require.NoError(t, err)

	return timers
}

func linearServiceDef() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID:   "linear",
		Name: "Linear",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:            "work",
				Type:          models.NodeTypeServiceTask,
				ActivityKind:  "webhook",
				OutputMapping: map[string]string{"greeting": "result.message"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "work"},
			{ID: "e2", From: "work", To: "done"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "greeting", Type: models.VariableTypeString},
		},
	}
}

func TestStartExecution_LinearServiceTask(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)
	deploy(t, persist, linearServiceDef())

	exec, err := eng.StartExecution(ctx, "", "linear", 0, nil, "test")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)

	tasks := disp.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, "work", tasks[0].NodeID)
	assert.Equal(t, 1, tasks[0].Attempt)
	assert.Equal(t, "webhook", tasks[0].Kind)

	err = eng.ReportOutcome(ctx, exec.ID, "work", 1, models.Outcome{
		Kind:   models.OutcomeSucceeded,
		Result: map[string]any{"message": "hello"},
	})
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Empty(t, final.Tokens)
	assert.NotNil(t, final.CompletedAt)

	assert.Equal(t, "hello", variableValue(t, persist, exec.ID, "greeting"))

	kinds := historyKinds(t, persist, exec.ID)
	assert.Equal(t, models.HistoryExecutionStarted, kinds[0])
	assert.Equal(t, models.HistoryExecutionCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, models.HistoryActivityScheduled)
	assert.Contains(t, kinds, models.HistoryActivityCompleted)
	assert.Contains(t, kinds, models.HistoryVariableSet)
}

func TestExclusiveGateway_DefaultEdge(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "routing",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "route", Type: models.NodeTypeExclusiveGateway},
			{ID: "big-end", Type: models.NodeTypeEndEvent},
			{ID: "small-end", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "route"},
			{ID: "e2", From: "route", To: "big-end", Guard: "amount > 100"},
			{ID: "e3", From: "route", To: "small-end", IsDefault: true},
		},
		Variables: []models.VariableDeclaration{
			{Name: "amount", Type: models.VariableTypeNumber, Required: true, IsInput: true},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "routing", 0, map[string]any{"amount": 50}, "test")
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	entries, err := persist.History().Read(ctx, exec.ID, 0)
	require.NoError(t, err)

	movedTo := []string{}

	for _, entry := range entries {
		if entry.Kind == models.HistoryTokenMoved {
			movedTo = append(movedTo, entry.PayloadString("to"))
		}
	}

	assert.Contains(t, movedTo, "small-end")
	assert.NotContains(t, movedTo, "big-end")
}

func TestExclusiveGateway_GuardWins(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "routing-guard",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "route", Type: models.NodeTypeExclusiveGateway},
			{ID: "big-end", Type: models.NodeTypeEndEvent},
			{ID: "small-end", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "route"},
			{ID: "e2", From: "route", To: "big-end", Guard: "amount > 100"},
			{ID: "e3", From: "route", To: "small-end", IsDefault: true},
		},
		Variables: []models.VariableDeclaration{
			{Name: "amount", Type: models.VariableTypeNumber, Required: true, IsInput: true},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "routing-guard", 0, map[string]any{"amount": 500}, "test")
	require.NoError(t, err)

	entries, err := persist.History().Read(ctx, exec.ID, 0)
	require.NoError(t, err)

	movedTo := []string{}

	for _, entry := range entries {
		if entry.Kind == models.HistoryTokenMoved {
			movedTo = append(movedTo, entry.PayloadString("to"))
		}
	}

	assert.Contains(t, movedTo, "big-end")
}

func tokenMoves(t *testing.T, persist persistence.Persistence, executionID string) []string {
	t.Helper()

	entries, err := persist.History().Read(context.Background(), executionID, 0)
	require.NoError(t, err)

	movedTo := []string{}

	for _, entry := range entries {
		if entry.Kind == models.HistoryTokenMoved {
			movedTo = append(movedTo, entry.PayloadString("to"))
		}
	}

	return movedTo
}

func TestExclusiveGateway_ImplicitDefaultEdge(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	// A gateway whose only outgoing flow is unconditioned, the shape an
	// XOR merge deploys.
	def := &models.ProcessDefinition{
		ID: "merge-through",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "route", Type: models.NodeTypeExclusiveGateway},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "route"},
			{ID: "e2", From: "route", To: "done"},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "merge-through", 0, nil, "test")
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Nil(t, final.Failure)
}

func TestExclusiveGateway_UnconditionedEdgeActsAsDefault(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "routing-implicit",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "route", Type: models.NodeTypeExclusiveGateway},
			{ID: "big-end", Type: models.NodeTypeEndEvent},
			{ID: "small-end", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "route"},
			{ID: "e2", From: "route", To: "big-end", Guard: "amount > 100"},
			{ID: "e3", From: "route", To: "small-end"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "amount", Type: models.VariableTypeNumber, Required: true, IsInput: true},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "routing-implicit", 0, map[string]any{"amount": 50}, "test")
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	movedTo := tokenMoves(t, persist, exec.ID)
	assert.Contains(t, movedTo, "small-end")
	assert.NotContains(t, movedTo, "big-end")
}

func TestParallelForkJoin(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "parallel",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "fork", Type: models.NodeTypeParallelGateway},
			{ID: "a", Type: models.NodeTypeServiceTask, ActivityKind: "webhook"},
			{ID: "b", Type: models.NodeTypeServiceTask, ActivityKind: "webhook"},
			{ID: "join", Type: models.NodeTypeParallelGateway},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "fork"},
			{ID: "e2", From: "fork", To: "a"},
			{ID: "e3", From: "fork", To: "b"},
			{ID: "e4", From: "a", To: "join"},
			{ID: "e5", From: "b", To: "join"},
			{ID: "e6", From: "join", To: "done"},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "parallel", 0, nil, "test")
	require.NoError(t, err)
	require.Len(t, disp.submitted(), 2)

	err = eng.ReportOutcome(ctx, exec.ID, "a", 1, models.Outcome{Kind: models.OutcomeSucceeded})
	require.NoError(t, err)

	mid, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.ExecutionStatusCompleted, mid.Status)

	err = eng.ReportOutcome(ctx, exec.ID, "b", 1, models.Outcome{Kind: models.OutcomeSucceeded})
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Empty(t, final.Tokens)
}

func TestParallelJoinConsumesOneTokenPerEdge(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	// Both ea and eb funnel through the merge, so two tokens reach the
	// join over em. The join must fire once, pairing one em token with
	// the ec token and leaving the surplus em token waiting.
	def := &models.ProcessDefinition{
		ID: "surplus",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "fork", Type: models.NodeTypeParallelGateway},
			{ID: "merge", Type: models.NodeTypeExclusiveGateway},
			{ID: "join", Type: models.NodeTypeParallelGateway},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "fork"},
			{ID: "ea", From: "fork", To: "merge"},
			{ID: "eb", From: "fork", To: "merge"},
			{ID: "ec", From: "fork", To: "join"},
			{ID: "em", From: "merge", To: "join"},
			{ID: "ej", From: "join", To: "done"},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "surplus", 0, nil, "test")
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, final.Status)

	require.Len(t, final.Tokens, 1)
	assert.Equal(t, "join", final.Tokens[0].NodeID)
	assert.Equal(t, "em", final.Tokens[0].EdgeID)

	// The join activated exactly once.
	reachedDone := 0

	for _, to := range tokenMoves(t, persist, exec.ID) {
		if to == "done" {
			reachedDone++
		}
	}

	assert.Equal(t, 1, reachedDone)
}

func inclusiveDef() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID: "notify",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "split", Type: models.NodeTypeInclusiveGateway},
			{ID: "email", Type: models.NodeTypeServiceTask, ActivityKind: "webhook"},
			{ID: "sms", Type: models.NodeTypeServiceTask, ActivityKind: "webhook"},
			{ID: "gather", Type: models.NodeTypeInclusiveGateway},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "split"},
			{ID: "e2", From: "split", To: "email", Guard: "amount > 10"},
			{ID: "e3", From: "split", To: "sms", Guard: "amount > 100"},
			{ID: "e4", From: "email", To: "gather"},
			{ID: "e5", From: "sms", To: "gather"},
			{ID: "e6", From: "gather", To: "done"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "amount", Type: models.VariableTypeNumber, Required: true, IsInput: true},
		},
	}
}

func TestInclusiveGateway_ForkActivatesMatchingEdges(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)
	deploy(t, persist, inclusiveDef())

	exec, err := eng.StartExecution(ctx, "", "notify", 0, map[string]any{"amount": 500}, "test")
	require.NoError(t, err)
	require.Len(t, disp.submitted(), 2)

	assert.Contains(t, historyKinds(t, persist, exec.ID), models.HistoryInclusiveActivated)

	// The join waits while the sms branch is still live.
	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "email", 1, models.Outcome{Kind: models.OutcomeSucceeded}))

	mid, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.ExecutionStatusCompleted, mid.Status)

	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "sms", 1, models.Outcome{Kind: models.OutcomeSucceeded}))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Empty(t, final.Tokens)
}

func TestInclusiveGateway_JoinSkipsDeadEdges(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)
	deploy(t, persist, inclusiveDef())

	// Only the email guard matches, so the join must not wait for a token
	// that can never arrive over the sms edge.
	exec, err := eng.StartExecution(ctx, "", "notify", 0, map[string]any{"amount": 50}, "test")
	require.NoError(t, err)

	tasks := disp.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, "email", tasks[0].NodeID)

	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "email", 1, models.Outcome{Kind: models.OutcomeSucceeded}))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Empty(t, final.Tokens)
}

func retryDef() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID: "retrying",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:           "flaky",
				Type:         models.NodeTypeServiceTask,
				ActivityKind: "webhook",
				Retry: &models.RetryPolicy{
					InitialInterval: time.Second,
					MaximumInterval: time.Minute,
					MaximumAttempts: 3,
					Coefficient:     2.0,
				},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "flaky"},
			{ID: "e2", From: "flaky", To: "done"},
		},
	}
}

func TestRetryBackoffAndExhaustion(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)
	deploy(t, persist, retryDef())

	exec, err := eng.StartExecution(ctx, "", "retrying", 0, nil, "test")
	require.NoError(t, err)

	failure := models.Outcome{Kind: models.OutcomeFailed, Error: "boom", Retryable: true}

	// Attempt 1 fails; the retry timer for attempt 2 is offset by the
	// initial interval.
	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "flaky", 1, failure))

	timers := dueTimers(t, persist)
	require.Len(t, timers, 1)
	assert.Equal(t, models.TimerPurposeRetry, timers[0].Purpose)
	assert.Equal(t, 2, timers[0].Attempt)
	assert.InDelta(t, time.Second, timers[0].DueAt.Sub(timers[0].CreatedAt), float64(100*time.Millisecond))

	require.NoError(t, eng.FireTimer(ctx, timers[0]))
	require.Len(t, disp.submitted(), 2)
	assert.Equal(t, 2, disp.submitted()[1].Attempt)

	// Attempt 2 fails; backoff doubles.
	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "flaky", 2, failure))

	timers = dueTimers(t, persist)
	require.Len(t, timers, 1)
	assert.Equal(t, 3, timers[0].Attempt)
	assert.InDelta(t, 2*time.Second, timers[0].DueAt.Sub(timers[0].CreatedAt), float64(100*time.Millisecond))

	require.NoError(t, eng.FireTimer(ctx, timers[0]))
	require.Len(t, disp.submitted(), 3)

	// Attempt 3 fails; attempts are exhausted and the execution fails.
	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "flaky", 3, failure))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, "ActivityFailed", final.Failure.Kind)
	assert.Equal(t, "flaky", final.Failure.NodeID)
}

func TestErrorBoundaryCatchesExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := retryDef()
	def.Nodes = append(def.Nodes,
		models.Node{ID: "on-error", Type: models.NodeTypeBoundaryEvent, AttachedTo: "flaky", Trigger: models.EventTriggerError},
		models.Node{ID: "recovered", Type: models.NodeTypeEndEvent},
	)
	def.Edges = append(def.Edges, models.Edge{ID: "e3", From: "on-error", To: "recovered"})
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "retrying", 0, nil, "test")
	require.NoError(t, err)

	failure := models.Outcome{Kind: models.OutcomeFailed, Error: "boom", Retryable: true}

	for attempt := 1; attempt < 3; attempt++ {
		require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "flaky", attempt, failure))

		timers := dueTimers(t, persist)
		require.Len(t, timers, 1)
		require.NoError(t, eng.FireTimer(ctx, timers[0]))
	}

	// The last attempt exhausts the policy; the error boundary carries the
	// flow instead of failing the execution.
	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "flaky", 3, failure))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Nil(t, final.Failure)

	assert.Contains(t, historyKinds(t, persist, exec.ID), models.HistoryBoundaryTriggered)
	assert.Contains(t, tokenMoves(t, persist, exec.ID), "recovered")
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)
	deploy(t, persist, retryDef())

	exec, err := eng.StartExecution(ctx, "", "retrying", 0, nil, "test")
	require.NoError(t, err)

	err = eng.ReportOutcome(ctx, exec.ID, "flaky", 1, models.Outcome{
		Kind:  models.OutcomeFailed,
		Error: "bad config",
	})
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Len(t, disp.submitted(), 1)
	assert.Empty(t, dueTimers(t, persist))
}

func userTaskDef() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID: "approval",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:   "review",
				Type: models.NodeTypeUserTask,
				Name: "Review Request",
				Task: &models.TaskConfig{
					Assignee:   "manager",
					SignalName: "decision",
				},
				OutputMapping: map[string]string{"approved": "payload.approved"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "review"},
			{ID: "e2", From: "review", To: "done"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "approved", Type: models.VariableTypeBoolean},
		},
	}
}

func TestUserTaskSignalCompletion(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)
	deploy(t, persist, userTaskDef())

	exec, err := eng.StartExecution(ctx, "", "approval", 0, nil, "test")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, exec.Status)

	open, err := persist.HumanTasks().Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "review", open[0].NodeID)
	assert.Equal(t, "manager", open[0].Assignee)
	assert.Equal(t, "decision", open[0].SignalName)

	err = eng.Signal(ctx, exec.ID, "decision", map[string]any{
		"approved":     true,
		"completed_by": "alice",
	})
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, true, variableValue(t, persist, exec.ID, "approved"))

	task, err := persist.HumanTasks().ByID(ctx, open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.HumanTaskStatusCompleted, task.Status)
	assert.Equal(t, "alice", task.CompletedBy)
	assert.NotNil(t, task.CompletedAt)
}

func TestSignalWithoutWaitingNode(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)
	deploy(t, persist, linearServiceDef())

	exec, err := eng.StartExecution(ctx, "", "linear", 0, nil, "test")
	require.NoError(t, err)

	before := historyKinds(t, persist, exec.ID)

	err = eng.Signal(ctx, exec.ID, "nothing-waits-for-this", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNoMatchingWaitingNode))

	// A rejected signal leaves no trace in the log.
	assert.Equal(t, before, historyKinds(t, persist, exec.ID))
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)
	deploy(t, persist, userTaskDef())

	exec, err := eng.StartExecution(ctx, "", "approval", 0, nil, "test")
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, exec.ID, "changed my mind", "alice"))
	require.NoError(t, eng.Cancel(ctx, exec.ID, "again", "alice"))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)
	assert.Empty(t, final.Tokens)

	cancelledEntries := 0

	for _, kind := range historyKinds(t, persist, exec.ID) {
		if kind == models.HistoryExecutionCancelled {
			cancelledEntries++
		}
	}

	assert.Equal(t, 1, cancelledEntries)
	assert.Equal(t, []string{exec.ID}, disp.cancelled)

	// The open task was cancelled with the execution.
	tasks, err := persist.HumanTasks().ByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.HumanTaskStatusCancelled, tasks[0].Status)
}

func TestIntermediateTimerEvent(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "delayed",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:      "wait",
				Type:    models.NodeTypeIntermediateEvent,
				Trigger: models.EventTriggerTimer,
				Timer:   &models.TimerDefinition{Duration: "PT1H"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "wait"},
			{ID: "e2", From: "wait", To: "done"},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "delayed", 0, nil, "test")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, exec.Status)

	timers := dueTimers(t, persist)
	require.Len(t, timers, 1)
	assert.Equal(t, models.TimerPurposeEvent, timers[0].Purpose)
	assert.Equal(t, "wait", timers[0].NodeID)

	require.NoError(t, eng.FireTimer(ctx, timers[0]))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Empty(t, dueTimers(t, persist))
}

func TestBoundaryTimerInterruptsActivity(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "deadline",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "work", Type: models.NodeTypeServiceTask, ActivityKind: "webhook"},
			{
				ID:             "deadline-hit",
				Type:           models.NodeTypeBoundaryEvent,
				AttachedTo:     "work",
				Trigger:        models.EventTriggerTimer,
				Timer:          &models.TimerDefinition{Duration: "PT1M"},
				CancelActivity: true,
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
			{ID: "timed-out", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "work"},
			{ID: "e2", From: "work", To: "done"},
			{ID: "e3", From: "deadline-hit", To: "timed-out"},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "deadline", 0, nil, "test")
	require.NoError(t, err)

	timers := dueTimers(t, persist)
	require.Len(t, timers, 1)
	assert.Equal(t, models.TimerPurposeBoundary, timers[0].Purpose)

	require.NoError(t, eng.FireTimer(ctx, timers[0]))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Nil(t, final.Failure)

	// The cancelled attempt's late outcome changes nothing.
	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "work", 1, models.Outcome{
		Kind:   models.OutcomeSucceeded,
		Result: map[string]any{"message": "too late"},
	}))

	after, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, final.UpdatedAt, after.UpdatedAt)
}

func TestErrorEndEventFailsExecution(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "erroring",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "bad-end", Type: models.NodeTypeEndEvent, EndEventError: true, ErrorCode: "E42"},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "bad-end"},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "erroring", 0, nil, "test")
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, "ErrorEndEvent", final.Failure.Kind)
}

func TestReplayRebuildsState(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)
	deploy(t, persist, userTaskDef())

	exec, err := eng.StartExecution(ctx, "", "approval", 0, nil, "test")
	require.NoError(t, err)

	// Drop the cached state so the signal path replays from the log.
	eng.states.drop(exec.ID)

	err = eng.Signal(ctx, exec.ID, "decision", map[string]any{"approved": false})
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, false, variableValue(t, persist, exec.ID, "approved"))
}

func TestRecoverRedispatchesPending(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)
	deploy(t, persist, linearServiceDef())

	exec, err := eng.StartExecution(ctx, "", "linear", 0, nil, "test")
	require.NoError(t, err)
	require.Len(t, disp.submitted(), 1)

	// A fresh engine over the same store stands in for a restarted worker.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp2 := &fakeDispatcher{}
	eng2 := NewEngine(logger, persist, disp2, lease.NewMemoryManager(), nil, nil, "test-worker-2")

	require.NoError(t, eng2.Recover(ctx))

	tasks := disp2.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, "work", tasks[0].NodeID)
	assert.Equal(t, 1, tasks[0].Attempt)

	err = eng2.ReportOutcome(ctx, exec.ID, "work", 1, models.Outcome{
		Kind:   models.OutcomeSucceeded,
		Result: map[string]any{"message": "recovered"},
	})
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
}

func TestCallActivityResumesParent(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	child := &models.ProcessDefinition{
		ID: "child-proc",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "done"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "x", Type: models.VariableTypeInteger, Default: 42},
		},
	}
	deploy(t, persist, child)

	parent := &models.ProcessDefinition{
		ID: "parent-proc",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:            "call",
				Type:          models.NodeTypeCallActivity,
				CalleeID:      "child-proc",
				OutputMapping: map[string]string{"got": "result.x"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "call"},
			{ID: "e2", From: "call", To: "done"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "got", Type: models.VariableTypeInteger},
		},
	}
	deploy(t, persist, parent)

	exec, err := eng.StartExecution(ctx, "", "parent-proc", 0, nil, "test")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		final, err := persist.Executions().ByID(ctx, exec.ID)

		return err == nil && final.Status == models.ExecutionStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(42), variableValue(t, persist, exec.ID, "got"))

	// The child ran as its own execution, linked to the parent.
	children, err := persist.Executions().List(ctx, models.ExecutionStatusCompleted)
	require.NoError(t, err)

	foundChild := false

	for _, e := range children {
		if e.ParentID == exec.ID {
			foundChild = true

			assert.Equal(t, "call", e.ParentNode)
			assert.Equal(t, "child-proc", e.DefinitionID)
		}
	}

	assert.True(t, foundChild)
}

func TestStartExecution_MissingRequiredInput(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "strict",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "done"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "amount", Type: models.VariableTypeNumber, Required: true, IsInput: true},
		},
	}
	deploy(t, persist, def)

	_, err := eng.StartExecution(ctx, "", "strict", 0, nil, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrMissingRequiredInput))
}

func TestImmutableVariableRejectsSecondWrite(t *testing.T) {
	ctx := context.Background()
	eng, _, persist := newTestEngine(t)

	def := &models.ProcessDefinition{
		ID: "frozen",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStartEvent},
			{
				ID:            "work",
				Type:          models.NodeTypeServiceTask,
				ActivityKind:  "webhook",
				OutputMapping: map[string]string{"owner": "result.owner"},
			},
			{ID: "done", Type: models.NodeTypeEndEvent},
		},
		Edges: []models.Edge{
			{ID: "e1", From: "start", To: "work"},
			{ID: "e2", From: "work", To: "done"},
		},
		Variables: []models.VariableDeclaration{
			{Name: "owner", Type: models.VariableTypeString, Required: true, IsInput: true, Immutable: true},
		},
	}
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "frozen", 0, map[string]any{"owner": "alice"}, "test")
	require.NoError(t, err)

	err = eng.ReportOutcome(ctx, exec.ID, "work", 1, models.Outcome{
		Kind:   models.OutcomeSucceeded,
		Result: map[string]any{"owner": "mallory"},
	})
	require.NoError(t, err)

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, "ImmutableVariableViolation", final.Failure.Kind)
	assert.Equal(t, "alice", variableValue(t, persist, exec.ID, "owner"))
}

func TestExpenseApproval_AutoApprovePath(t *testing.T) {
	ctx := context.Background()
	eng, disp, persist := newTestEngine(t)

	data, err := os.ReadFile(filepath.Join("..", "bpmn", "testdata", "expense-approval.bpmn"))
	require.NoError(t, err)

	def, result, err := bpmn.Ingest(data)
	require.NoError(t, err)
	require.True(t, result.Valid)
	deploy(t, persist, def)

	exec, err := eng.StartExecution(ctx, "", "expense-approval", 0, map[string]any{
		"amount":    75,
		"category":  "meals",
		"submitter": "dana@periscope.dev",
	}, "test")
	require.NoError(t, err)

	tasks := disp.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, "validate-expense", tasks[0].NodeID)
	assert.Equal(t, "script", tasks[0].Kind)
	assert.Equal(t, float64(75), tasks[0].Input["expense"])

	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "validate-expense", 1, models.Outcome{
		Kind:   models.OutcomeSucceeded,
		Result: map[string]any{"approval_level": "auto"},
	}))

	// Auto-approved expenses skip the manager entirely and go straight to
	// the audit step.
	tasks = disp.submitted()
	require.Len(t, tasks, 2)
	assert.Equal(t, "audit-expense", tasks[1].NodeID)
	assert.Equal(t, "aiagent", tasks[1].Kind)

	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "audit-expense", 1, models.Outcome{
		Kind:   models.OutcomeSucceeded,
		Result: map[string]any{"risk": "low"},
	}))

	tasks = disp.submitted()
	require.Len(t, tasks, 3)
	assert.Equal(t, "notify-submitter", tasks[2].NodeID)
	assert.Equal(t, "email", tasks[2].Kind)

	require.NoError(t, eng.ReportOutcome(ctx, exec.ID, "notify-submitter", 1, models.Outcome{
		Kind: models.OutcomeSucceeded,
	}))

	final, err := persist.Executions().ByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Empty(t, final.Tokens)

	assert.Equal(t, "auto", variableValue(t, persist, exec.ID, "approval_level"))
	assert.Empty(t, dueTimers(t, persist))

	moves := tokenMoves(t, persist, exec.ID)
	assert.Contains(t, moves, "audit-expense")
	assert.NotContains(t, moves, "manager-approval")
}
