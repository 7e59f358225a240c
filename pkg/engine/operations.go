package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/periscope-dev/engine/pkg/events"
	"github.com/periscope-dev/engine/pkg/expression"
	"github.com/periscope-dev/engine/pkg/models"
)

// applyOutcome consumes one activity outcome. Success moves the token on;
// a retryable failure schedules the next attempt through a durable timer;
// exhausted or terminal failures route to an error boundary or fail the
// execution.
func (e *Engine) applyOutcome(ctx context.Context, s *step, nodeID string, attempt int, outcome models.Outcome) error {
	node, ok := s.st.def.NodeByID(nodeID)
	if !ok {
		e.failExecution(ctx, s, nodeID, failureInvalidGraph, "outcome for unknown node")

		return nil
	}

	s.record(models.HistoryActivityCompleted, map[string]any{
		"node_id": nodeID,
		"attempt": attempt,
		"outcome": string(outcome.Kind),
		"result":  outcome.Result,
		"error":   outcome.Error,
	})

	delete(s.st.pending, nodeID)

	if outcome.Kind == models.OutcomeSucceeded {
		return e.completeActivity(ctx, s, node, outcome.Result)
	}

	if outcome.Retryable {
		policy := models.DefaultRetryPolicy()
		if node.Retry != nil {
			policy = *node.Retry
		}

		delay, more := policy.NextDelay(attempt)
		if more {
			e.scheduleRetry(s, nodeID, attempt+1, delay)

			return nil
		}
	}

	boundary := e.findBoundary(s.st, nodeID, models.EventTriggerError, "")
	if boundary != nil {
		return e.fireBoundary(ctx, s, boundary, map[string]any{"error": outcome.Error})
	}

	kind := failureActivityFailed
	if outcome.Kind == models.OutcomeTimedOut {
		kind = failureActivityTimedOut
	}

	e.failExecution(ctx, s, nodeID, kind, outcome.Error)

	return nil
}

func (e *Engine) completeActivity(ctx context.Context, s *step, node *models.Node, result map[string]any) error {
	s.st.results[node.ID] = result
	e.cancelBoundaryTimers(s, node.ID)

	if len(node.OutputMapping) > 0 {
		writes, err := e.evalBoundMapping(s.st, node.OutputMapping, "result", result)
		if err != nil {
			e.failExecution(ctx, s, node.ID, failureExpressionRejected, err.Error())

			return nil
		}

		err = e.applyWrites(ctx, s, writes, node.ID)
		if err != nil {
			return err
		}

		if s.st.exec.Status.IsTerminal() {
			return nil
		}
	}

	toks := s.st.tokensAt(node.ID)
	if len(toks) == 0 {
		// An interrupting boundary already carried the flow away.
		return nil
	}

	next, err := e.moveThrough(ctx, s, toks[0])
	if err != nil {
		return err
	}

	return e.advance(ctx, s, next...)
}

// scheduleRetry commits the decision to run the next attempt after the
// backoff delay. The activity.retry_scheduled entry carries everything
// replay needs, so the timer row itself is not logged again.
func (e *Engine) scheduleRetry(s *step, nodeID string, nextAttempt int, delay time.Duration) {
	now := time.Now().UTC()
	timerID := uuid.New().String()
	due := now.Add(delay)

	s.record(models.HistoryRetryScheduled, map[string]any{
		"node_id":  nodeID,
		"attempt":  nextAttempt,
		"timer_id": timerID,
		"due_at":   due.Format(time.RFC3339Nano),
		"delay_ms": delay.Milliseconds(),
	})

	s.addTimer(models.Timer{
		ID:          timerID,
		ExecutionID: s.st.exec.ID,
		NodeID:      nodeID,
		Purpose:     models.TimerPurposeRetry,
		Attempt:     nextAttempt,
		DueAt:       due,
		CreatedAt:   now,
	}, false)
}

// applyTimer resumes whatever the fired timer suspended.
func (e *Engine) applyTimer(ctx context.Context, s *step, timer models.Timer) error {
	s.record(models.HistoryTimerFired, map[string]any{
		"timer_id": timer.ID,
		"node_id":  timer.NodeID,
		"purpose":  string(timer.Purpose),
	})

	s.dropTimer(timer.ID)

	switch timer.Purpose {
	case models.TimerPurposeRetry:
		node, ok := s.st.def.NodeByID(timer.NodeID)
		if !ok {
			e.failExecution(ctx, s, timer.NodeID, failureInvalidGraph, "retry timer for unknown node")

			return nil
		}

		return e.dispatchActivity(ctx, s, node, timer.Attempt)

	case models.TimerPurposeBoundary:
		boundary, ok := s.st.def.NodeByID(timer.NodeID)
		if !ok {
			return nil
		}

		return e.fireBoundary(ctx, s, boundary, nil)

	case models.TimerPurposeEvent:
		toks := s.st.tokensAt(timer.NodeID)
		if len(toks) == 0 {
			return nil
		}

		next, err := e.moveThrough(ctx, s, toks[0])
		if err != nil {
			return err
		}

		return e.advance(ctx, s, next...)
	}

	return nil
}

// fireBoundary activates a boundary event. Interrupting boundaries (and
// all error boundaries) abort the host first; non-interrupting ones leave
// the host running and, for cyclic timers, rearm.
func (e *Engine) fireBoundary(ctx context.Context, s *step, boundary *models.Node, detail map[string]any) error {
	hostID := boundary.AttachedTo
	interrupting := boundary.CancelActivity || boundary.Trigger == models.EventTriggerError

	s.record(models.HistoryBoundaryTriggered, map[string]any{
		"boundary_id":     boundary.ID,
		"host_id":         hostID,
		"trigger":         string(boundary.Trigger),
		"cancel_activity": interrupting,
		"detail":          detail,
	})

	host, hasHost := s.st.def.NodeByID(hostID)

	if interrupting {
		if hasHost && host.Type == models.NodeTypeSubprocess {
			for _, inner := range s.st.scopeTokens(hostID) {
				s.consumeToken(inner.ID)
				delete(s.st.pending, inner.NodeID)
			}
		}

		for _, tok := range s.st.tokensAt(hostID) {
			s.consumeToken(tok.ID)
		}

		delete(s.st.pending, hostID)
		e.cancelBoundaryTimers(s, hostID)
		e.cancelHostTasks(s, hostID)
	} else if boundary.Trigger == models.EventTriggerTimer && boundary.Timer != nil && boundary.Timer.Cycle != "" {
		next, err := boundary.Timer.NextDue(time.Now().UTC())
		if err == nil {
			s.addTimer(models.Timer{
				ID:          uuid.New().String(),
				ExecutionID: s.st.exec.ID,
				NodeID:      boundary.ID,
				Purpose:     models.TimerPurposeBoundary,
				DueAt:       next,
				CreatedAt:   time.Now().UTC(),
			}, true)
		}
	}

	scope := ""
	if parent, ok := e.enclosingScope(s.st, hostID); ok {
		scope = parent
	}

	tok := s.createToken(boundary.ID, models.TokenCauseBoundary, "", scope)

	next, err := e.moveThrough(ctx, s, tok)
	if err != nil {
		return err
	}

	return e.advance(ctx, s, next...)
}

// cancelHostTasks closes open human task rows of an aborted user task.
func (e *Engine) cancelHostTasks(s *step, hostID string) {
	now := time.Now().UTC()

	for _, task := range s.st.tasks {
		if task.NodeID != hostID {
			continue
		}

		task.Status = models.HumanTaskStatusCancelled
		task.CompletedAt = &now
		s.addHumanTask(task)
	}
}

// deliverSignal routes a named signal to exactly one waiting node, trying
// intermediate signal events, then open user tasks, then signal boundary
// events, in that order.
func (e *Engine) deliverSignal(ctx context.Context, s *step, name string, payload map[string]any) error {
	for _, tok := range s.st.exec.Tokens {
		node, ok := s.st.def.NodeByID(tok.NodeID)
		if !ok || node.Type != models.NodeTypeIntermediateEvent || node.Trigger != models.EventTriggerSignal {
			continue
		}

		if signalName(node) != name {
			continue
		}

		s.record(models.HistorySignalReceived, map[string]any{
			"name":    name,
			"node_id": node.ID,
			"target":  "intermediate_event",
		})

		return e.resumeSignalled(ctx, s, node, tok, payload)
	}

	if task, ok := s.st.openTaskBySignal(name); ok {
		return e.completeHumanTask(ctx, s, task, name, payload)
	}

	for _, tok := range s.st.exec.Tokens {
		for _, boundary := range s.st.def.BoundaryEvents(tok.NodeID) {
			boundary := boundary
			if boundary.Trigger != models.EventTriggerSignal || signalName(&boundary) != name {
				continue
			}

			s.record(models.HistorySignalReceived, map[string]any{
				"name":    name,
				"node_id": boundary.ID,
				"target":  "boundary_event",
			})

			err := e.applySignalPayload(ctx, s, &boundary, payload)
			if err != nil || s.st.exec.Status.IsTerminal() {
				return err
			}

			return e.fireBoundary(ctx, s, &boundary, map[string]any{"signal": name})
		}
	}

	return &models.EngineError{ExecutionID: s.st.exec.ID, Err: models.ErrNoMatchingWaitingNode, Message: name}
}

func signalName(node *models.Node) string {
	if node.SignalName != "" {
		return node.SignalName
	}

	return node.ID
}

func (e *Engine) resumeSignalled(ctx context.Context, s *step, node *models.Node, tok models.Token, payload map[string]any) error {
	err := e.applySignalPayload(ctx, s, node, payload)
	if err != nil || s.st.exec.Status.IsTerminal() {
		return err
	}

	next, err := e.moveThrough(ctx, s, tok)
	if err != nil {
		return err
	}

	return e.advance(ctx, s, next...)
}

func (e *Engine) completeHumanTask(ctx context.Context, s *step, task models.HumanTask, name string, payload map[string]any) error {
	node, ok := s.st.def.NodeByID(task.NodeID)
	if !ok {
		e.failExecution(ctx, s, task.NodeID, failureInvalidGraph, "human task for unknown node")

		return nil
	}

	s.record(models.HistorySignalReceived, map[string]any{
		"name":    name,
		"node_id": node.ID,
		"target":  "user_task",
		"task_id": task.ID,
	})

	s.record(models.HistoryHumanTaskCompleted, map[string]any{
		"task_id": task.ID,
		"node_id": node.ID,
	})

	now := time.Now().UTC()
	task.Status = models.HumanTaskStatusCompleted
	task.CompletedAt = &now

	if by, ok := payload["completed_by"].(string); ok {
		task.CompletedBy = by
	}

	s.addHumanTask(task)

	err := e.applySignalPayload(ctx, s, node, payload)
	if err != nil || s.st.exec.Status.IsTerminal() {
		return err
	}

	e.cancelBoundaryTimers(s, node.ID)

	toks := s.st.tokensAt(node.ID)
	if len(toks) == 0 {
		return nil
	}

	next, err := e.moveThrough(ctx, s, toks[0])
	if err != nil {
		return err
	}

	return e.advance(ctx, s, next...)
}

// applySignalPayload turns a signal payload into variable writes, through
// the node's output mapping when it has one, otherwise key by key.
func (e *Engine) applySignalPayload(ctx context.Context, s *step, node *models.Node, payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}

	if len(node.OutputMapping) > 0 {
		writes, err := e.evalBoundMapping(s.st, node.OutputMapping, "payload", payload)
		if err != nil {
			e.failExecution(ctx, s, node.ID, failureExpressionRejected, err.Error())

			return nil
		}

		return e.applyWrites(ctx, s, writes, node.ID)
	}

	return e.applyWrites(ctx, s, payload, node.ID)
}

// evalBoundMapping evaluates an output mapping with one extra name bound
// in the snapshot, typically result, payload or child.
func (e *Engine) evalBoundMapping(st *executionState, mapping map[string]string, binding string, bound any) (map[string]any, error) {
	snapshot := st.vars.Snapshot()

	value, err := models.FromAny(bound)
	if err == nil {
		snapshot[binding] = value
	}

	out := make(map[string]any, len(mapping))

	for _, target := range sortedMappingKeys(mapping) {
		v, err := expression.Evaluate(mapping[target], snapshot)
		if err != nil {
			return nil, err
		}

		out[target] = v.Interface()
	}

	return out, nil
}

// resumeFromChildLocked applies a child's terminal state to the parent's
// waiting call activity. Duplicate notifications find no registered child
// and are ignored.
func (e *Engine) resumeFromChildLocked(ctx context.Context, st *executionState, childID string, status models.ExecutionStatus, outputs map[string]any, errorKind string) error {
	var nodeID string

	for n, c := range st.children {
		if c == childID {
			nodeID = n

			break
		}
	}

	if nodeID == "" {
		return nil
	}

	s := e.newStep(st)

	s.record(models.HistoryChildFinished, map[string]any{
		"node_id":  nodeID,
		"child_id": childID,
		"status":   string(status),
	})

	delete(st.children, nodeID)

	node, ok := st.def.NodeByID(nodeID)
	if !ok {
		e.failExecution(ctx, s, nodeID, failureInvalidGraph, "child finished for unknown node")

		return e.commit(ctx, s)
	}

	if status == models.ExecutionStatusCompleted {
		err := e.completeActivity(ctx, s, node, outputs)
		if err != nil {
			return err
		}

		return e.commit(ctx, s)
	}

	boundary := e.findBoundary(st, nodeID, models.EventTriggerError, "")
	if boundary != nil {
		err := e.fireBoundary(ctx, s, boundary, map[string]any{"child_id": childID, "error_kind": errorKind})
		if err != nil {
			return err
		}

		return e.commit(ctx, s)
	}

	message := "child execution " + childID + " finished " + string(status)
	if errorKind != "" {
		message += " (" + errorKind + ")"
	}

	e.failExecution(ctx, s, nodeID, failureChildExecutionFailed, message)

	return e.commit(ctx, s)
}

// terminate moves the execution to a terminal status: every token is
// consumed, every timer dropped and every open human task cancelled.
func (e *Engine) terminate(s *step, status models.ExecutionStatus, failure *models.ExecutionFailure) {
	for _, tok := range append([]models.Token{}, s.st.exec.Tokens...) {
		s.consumeToken(tok.ID)
	}

	for id := range s.st.timers {
		s.dropTimer(id)
	}

	now := time.Now().UTC()

	for _, task := range s.st.tasks {
		task.Status = models.HumanTaskStatusCancelled
		task.CompletedAt = &now
		s.addHumanTask(task)
	}

	s.st.pending = make(map[string]pendingActivity)
	s.st.children = make(map[string]string)
	s.st.exec.Status = status
	s.st.exec.CompletedAt = &now
	s.st.exec.Failure = failure
}

// completeExecution finalizes a successful run and, after commit, notifies
// the parent call activity if there is one.
func (e *Engine) completeExecution(ctx context.Context, s *step) {
	s.record(models.HistoryExecutionCompleted, map[string]any{})

	e.terminate(s, models.ExecutionStatusCompleted, nil)

	exec := s.st.exec
	outputs := s.st.vars.Interfaces()
	duration := time.Since(exec.CreatedAt).Milliseconds()

	s.after(func(ctx context.Context) {
		e.dispatcher.Release(exec.ID)

		e.publish(ctx, exec.ID, events.ExecutionCompleted{
			BaseEvent:    e.baseEvent(events.ExecutionCompletedEvent, exec.ID),
			DefinitionID: exec.DefinitionID,
			Outputs:      outputs,
			DurationMs:   duration,
		})

		if exec.ParentID != "" {
			e.notifyParent(ctx, exec, models.ExecutionStatusCompleted, outputs, "")
		}
	})
}

// failExecution finalizes a failed run. Safe to call once a step already
// reached a terminal decision; later calls are ignored.
func (e *Engine) failExecution(ctx context.Context, s *step, nodeID, kind, message string) {
	if s.st.exec.Status.IsTerminal() {
		return
	}

	s.record(models.HistoryExecutionFailed, map[string]any{
		"node_id": nodeID,
		"kind":    kind,
		"message": message,
	})

	e.terminate(s, models.ExecutionStatusFailed, &models.ExecutionFailure{
		NodeID:  nodeID,
		Kind:    kind,
		Message: message,
	})

	exec := s.st.exec
	duration := time.Since(exec.CreatedAt).Milliseconds()

	e.logger.ErrorContext(ctx, "Execution failed",
		"execution_id", exec.ID, "node_id", nodeID, "kind", kind, "message", message)

	s.after(func(ctx context.Context) {
		e.dispatcher.CancelExecution(exec.ID)
		e.dispatcher.Release(exec.ID)

		e.publish(ctx, exec.ID, events.ExecutionFailed{
			BaseEvent:    e.baseEvent(events.ExecutionFailedEvent, exec.ID),
			DefinitionID: exec.DefinitionID,
			NodeID:       nodeID,
			ErrorKind:    kind,
			ErrorMessage: message,
			DurationMs:   duration,
		})

		if exec.ParentID != "" {
			e.notifyParent(ctx, exec, models.ExecutionStatusFailed, nil, kind)
		}
	})
}

// notifyParent resumes the parent call activity in process and publishes
// the notification for out-of-process observers.
func (e *Engine) notifyParent(ctx context.Context, child *models.Execution, status models.ExecutionStatus, outputs map[string]any, errorKind string) {
	base := e.baseEvent(events.ChildExecutionFinishedEvent, child.ID)

	e.publish(ctx, child.ParentID, events.ChildExecutionFinished{
		BaseEvent:  base,
		ParentID:   child.ParentID,
		ParentNode: child.ParentNode,
		Status:     status,
		Outputs:    outputs,
		ErrorKind:  errorKind,
	})

	go func() {
		err := e.ResumeFromChild(context.WithoutCancel(ctx), child.ParentID, child.ID, status, outputs, errorKind)
		if err != nil {
			e.logger.Error("Failed to resume parent execution",
				"parent_id", child.ParentID, "child_id", child.ID, "error", err)
		}
	}()
}
