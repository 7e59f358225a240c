// Package engine implements the execution scheduler: the deterministic core
// that moves tokens through a process graph, appends every decision to the
// durable log before acting on it, and rebuilds state by replay after a
// crash.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/periscope-dev/engine/pkg/engine/lease"
	"github.com/periscope-dev/engine/pkg/eventbus"
	"github.com/periscope-dev/engine/pkg/events"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/otelhelper"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/variables"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ActivityDispatcher is the engine's view of the dispatcher. Submission
// happens strictly after the scheduling decision is committed to the log.
type ActivityDispatcher interface {
	Submit(task models.ActivityTask) error
	CancelExecution(executionID string)
	Release(executionID string)
}

// QueueResolver maps an activity kind to its task queue class.
type QueueResolver interface {
	Queue(kind string) string
}

// Engine drives executions. Every public operation acquires the execution
// lease, replays or reuses in-memory state, appends one atomic batch of
// history entries, and only then performs side effects.
type Engine struct {
	logger     *slog.Logger
	persist    persistence.Persistence
	dispatcher ActivityDispatcher
	leases     lease.Manager
	queues     QueueResolver
	publisher  eventbus.EventPublisher
	workerID   string
	tracer     trace.Tracer

	states *stateCache
}

func NewEngine(
	logger *slog.Logger,
	persist persistence.Persistence,
	dispatcher ActivityDispatcher,
	leases lease.Manager,
	queues QueueResolver,
	publisher eventbus.EventPublisher,
	workerID string,
) *Engine {
	return &Engine{
		logger:     logger.With("module", "engine"),
		persist:    persist,
		dispatcher: dispatcher,
		leases:     leases,
		queues:     queues,
		publisher:  publisher,
		workerID:   workerID,
		tracer:     otel.Tracer("periscope.engine"),
		states:     newStateCache(),
	}
}

// StartExecution starts a new execution of a deployed definition.
// executionID may be empty; one is allocated then. Input validation happens
// before anything is persisted, so a rejected start leaves no trace.
func (e *Engine) StartExecution(ctx context.Context, executionID, definitionID string, version int, inputs map[string]any, initiator string) (_ *models.Execution, err error) {
	if executionID == "" {
		executionID = uuid.New().String()
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start_execution",
		attribute.String(otelhelper.DefinitionIDKey, definitionID),
		attribute.String(otelhelper.ExecutionIDKey, executionID),
	)

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	release, err := e.leases.Acquire(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer release()

	def, err := e.persist.Definitions().ByID(ctx, definitionID, version)
	if err != nil {
		return nil, err
	}

	startNode, ok := def.StartEvent()
	if !ok {
		return nil, fmt.Errorf("definition %s has no start event", def.ID)
	}

	now := time.Now().UTC()

	st := &executionState{
		exec: &models.Execution{
			ID:           executionID,
			DefinitionID: def.ID,
			Version:      def.Version,
			Status:       models.ExecutionStatusRunning,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		def:      def,
		vars:     variables.NewState(executionID, def.Variables),
		results:  make(map[string]map[string]any),
		attempts: make(map[string]int),
		pending:  make(map[string]pendingActivity),
		timers:   make(map[string]models.Timer),
		children: make(map[string]string),
		tasks:    make(map[string]models.HumanTask),
	}

	err = st.vars.ValidateInputs(inputs)
	if err != nil {
		return nil, &models.EngineError{ExecutionID: executionID, Err: err}
	}

	s := e.newStep(st)

	s.record(models.HistoryExecutionStarted, map[string]any{
		"definition_id": def.ID,
		"version":       def.Version,
		"initiator":     initiator,
	})

	defaults, err := st.vars.ApplyDefaults("start")
	if err != nil {
		return nil, &models.EngineError{ExecutionID: executionID, Err: err}
	}

	for _, w := range defaults {
		s.recordWrite(w)
	}

	for _, name := range sortedKeys(inputs) {
		w, err := st.vars.Set(name, inputs[name], "start")
		if err != nil {
			return nil, &models.EngineError{ExecutionID: executionID, Err: err}
		}

		s.recordWrite(w)
	}

	tok := s.createToken(startNode.ID, models.TokenCauseStart, "", "")

	err = e.advance(ctx, s, tok.ID)
	if err != nil {
		return nil, err
	}

	err = e.commit(ctx, s)
	if err != nil {
		return nil, err
	}

	e.states.put(st)

	return st.exec, nil
}

// Signal delivers a named signal. Exactly one waiting node consumes it:
// intermediate signal events first, then open user tasks, then signal
// boundary events on active nodes. An execution with no matching waiting
// node rejects the signal.
func (e *Engine) Signal(ctx context.Context, executionID, name string, payload map[string]any) error {
	release, err := e.leases.Acquire(ctx, executionID)
	if err != nil {
		return err
	}
	defer release()

	st, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}

	if st.exec.Status.IsTerminal() {
		return &models.EngineError{ExecutionID: executionID, Err: models.ErrExecutionTerminal}
	}

	s := e.newStep(st)

	err = e.deliverSignal(ctx, s, name, payload)
	if err != nil {
		return err
	}

	return e.commit(ctx, s)
}

// Cancel moves a non-terminal execution to cancelled. Cancelling a terminal
// execution is a no-op, so retried cancel requests stay idempotent.
func (e *Engine) Cancel(ctx context.Context, executionID, reason, requestedBy string) error {
	release, err := e.leases.Acquire(ctx, executionID)
	if err != nil {
		return err
	}
	defer release()

	st, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}

	if st.exec.Status.IsTerminal() {
		return nil
	}

	s := e.newStep(st)

	s.record(models.HistoryExecutionCancelled, map[string]any{
		"reason":       reason,
		"requested_by": requestedBy,
	})

	e.terminate(s, models.ExecutionStatusCancelled, nil)

	s.after(func(ctx context.Context) {
		e.dispatcher.CancelExecution(executionID)
		e.dispatcher.Release(executionID)
		e.publish(ctx, executionID, events.ExecutionCancelled{
			BaseEvent:    e.baseEvent(events.ExecutionCancelledEvent, executionID),
			DefinitionID: st.exec.DefinitionID,
			Reason:       reason,
			CancelledBy:  requestedBy,
		})

		if st.exec.ParentID != "" {
			e.notifyParent(ctx, st.exec, models.ExecutionStatusCancelled, nil, "ExecutionCancelled")
		}
	})

	return e.commit(ctx, s)
}

// ReportOutcome ingests the result of one activity attempt. Outcomes for
// attempts the scheduler is no longer waiting on are ignored; late or
// duplicated reports must not corrupt state.
func (e *Engine) ReportOutcome(ctx context.Context, executionID, nodeID string, attempt int, outcome models.Outcome) error {
	release, err := e.leases.Acquire(ctx, executionID)
	if err != nil {
		return err
	}
	defer release()

	st, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}

	if st.exec.Status.IsTerminal() {
		return nil
	}

	p, ok := st.pending[nodeID]
	if !ok || p.Attempt != attempt {
		e.logger.InfoContext(ctx, "Ignoring stale activity outcome",
			"execution_id", executionID, "node_id", nodeID, "attempt", attempt)

		return nil
	}

	s := e.newStep(st)

	err = e.applyOutcome(ctx, s, nodeID, attempt, outcome)
	if err != nil {
		return err
	}

	return e.commit(ctx, s)
}

// FireTimer resumes whatever a due timer suspended: a retry, a boundary
// event or an intermediate timer event. Stale timer rows are deleted
// without touching the log.
func (e *Engine) FireTimer(ctx context.Context, timer models.Timer) error {
	release, err := e.leases.Acquire(ctx, timer.ExecutionID)
	if err != nil {
		return err
	}
	defer release()

	st, err := e.load(ctx, timer.ExecutionID)
	if err != nil {
		return err
	}

	live, known := st.timers[timer.ID]
	if st.exec.Status.IsTerminal() || !known {
		return e.persist.Timers().Delete(ctx, []string{timer.ID})
	}

	s := e.newStep(st)

	err = e.applyTimer(ctx, s, live)
	if err != nil {
		return err
	}

	return e.commit(ctx, s)
}

// Recover rehydrates every non-terminal execution and redispatches work
// whose side effect may have been lost in a crash. The log already holds
// each decision, so recovery re-performs effects, never re-decides.
func (e *Engine) Recover(ctx context.Context) error {
	execs, err := e.persist.Executions().NonTerminal(ctx)
	if err != nil {
		return err
	}

	for _, exec := range execs {
		err = e.recoverOne(ctx, exec.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "Recovery failed for execution",
				"execution_id", exec.ID, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "Recovery pass finished", "executions", len(execs))

	return nil
}

func (e *Engine) recoverOne(ctx context.Context, executionID string) error {
	release, err := e.leases.Acquire(ctx, executionID)
	if err != nil {
		return err
	}
	defer release()

	e.states.drop(executionID)

	st, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}

	// Redispatch attempts that were committed but whose submission may
	// not have happened. The dispatcher deduplicates by idempotency key.
	for nodeID, p := range st.pending {
		task, err := e.buildTask(st, nodeID, p.Attempt)
		if err != nil {
			return err
		}

		err = e.dispatcher.Submit(task)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to redispatch activity",
				"execution_id", executionID, "node_id", nodeID, "error", err)
		}
	}

	// A call activity child may have finished while the parent was down.
	for nodeID, childID := range st.children {
		if !st.hasTokenAt(nodeID) {
			continue
		}

		child, err := e.persist.Executions().ByID(ctx, childID)
		if err != nil {
			return err
		}

		if child.Status.IsTerminal() {
			childVars, err := e.persist.Executions().Variables(ctx, childID)
			if err != nil {
				return err
			}

			outputs := make(map[string]any, len(childVars))
			for _, row := range childVars {
				outputs[row.Name] = row.Value.Interface()
			}

			errKind := ""
			if child.Failure != nil {
				errKind = child.Failure.Kind
			}

			err = e.resumeFromChildLocked(ctx, st, childID, child.Status, outputs, errKind)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// ResumeFromChild is called when a call activity child reaches a terminal
// state. It runs against the parent execution.
func (e *Engine) ResumeFromChild(ctx context.Context, parentID, childID string, status models.ExecutionStatus, outputs map[string]any, errorKind string) error {
	release, err := e.leases.Acquire(ctx, parentID)
	if err != nil {
		return err
	}
	defer release()

	st, err := e.load(ctx, parentID)
	if err != nil {
		return err
	}

	if st.exec.Status.IsTerminal() {
		return nil
	}

	return e.resumeFromChildLocked(ctx, st, childID, status, outputs, errorKind)
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, events.NotificationTopic, key, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish notification",
			"event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) baseEvent(eventType events.EventType, executionID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, executionID)
	base.WorkerID = e.workerID

	return base
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
