package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/periscope-dev/engine/pkg/expression"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/otelhelper"
	"github.com/periscope-dev/engine/pkg/template"
	"github.com/periscope-dev/engine/pkg/variables"
)

// Failure kinds of the error taxonomy, as recorded in execution.failed
// entries and the projection.
const (
	failureExpressionRejected   = "ExpressionRejected"
	failureNoMatchingEdge       = "NoMatchingGatewayEdge"
	failureVariableViolation    = "TypeOrConstraintViolation"
	failureImmutableViolation   = "ImmutableVariableViolation"
	failureActivityFailed       = "ActivityFailed"
	failureActivityTimedOut     = "ActivityTimedOut"
	failureErrorEndEvent        = "ErrorEndEvent"
	failureChildExecutionFailed = "ChildExecutionFailed"
	failureInvalidGraph         = "InvalidGraph"
)

// advance processes tokens until every one of them rests at a wait point:
// a task, an event, a call activity or an unsatisfied join.
func (e *Engine) advance(ctx context.Context, s *step, tokenIDs ...string) error {
	queue := append([]string{}, tokenIDs...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if s.st.exec.Status.IsTerminal() {
			return nil
		}

		tok, ok := s.st.token(id)
		if !ok {
			continue
		}

		node, found := s.st.def.NodeByID(tok.NodeID)
		if !found {
			e.failExecution(ctx, s, tok.NodeID, failureInvalidGraph,
				fmt.Sprintf("token at unknown node %s", tok.NodeID))

			return nil
		}

		next, err := e.processToken(ctx, s, *tok, node)
		if err != nil {
			return err
		}

		queue = append(queue, next...)
	}

	return nil
}

func (e *Engine) processToken(ctx context.Context, s *step, tok models.Token, node *models.Node) ([]string, error) {
	switch node.Type {
	case models.NodeTypeStartEvent:
		return e.moveThrough(ctx, s, tok)

	case models.NodeTypeEndEvent:
		return nil, e.reachEnd(ctx, s, tok, node)

	case models.NodeTypeServiceTask, models.NodeTypeScriptTask, models.NodeTypeSendTask:
		return nil, e.dispatchActivity(ctx, s, node, s.st.attempts[node.ID]+1)

	case models.NodeTypeUserTask:
		e.createHumanTask(s, node)
		e.scheduleBoundaryTimers(ctx, s, node)

		return nil, nil

	case models.NodeTypeExclusiveGateway:
		return e.processExclusive(ctx, s, tok, node)

	case models.NodeTypeParallelGateway:
		return e.processParallel(ctx, s, tok, node)

	case models.NodeTypeInclusiveGateway:
		return e.processInclusive(ctx, s, tok, node)

	case models.NodeTypeIntermediateEvent:
		return nil, e.suspendOnEvent(ctx, s, tok, node)

	case models.NodeTypeSubprocess:
		return e.enterSubprocess(ctx, s, tok, node)

	case models.NodeTypeCallActivity:
		return nil, e.callChild(ctx, s, tok, node)

	case models.NodeTypeBoundaryEvent:
		// A token on a boundary event was put there by a trigger; it just
		// flows out.
		return e.moveThrough(ctx, s, tok)
	}

	return nil, nil
}

// moveThrough moves a token along its node's single outgoing edge.
func (e *Engine) moveThrough(ctx context.Context, s *step, tok models.Token) ([]string, error) {
	edges := s.st.def.Outgoing(tok.NodeID)
	if len(edges) == 0 {
		e.failExecution(ctx, s, tok.NodeID, failureInvalidGraph,
			fmt.Sprintf("node %s has no outgoing edge", tok.NodeID))

		return nil, nil
	}

	s.moveToken(tok.ID, edges[0].To, edges[0].ID)

	return []string{tok.ID}, nil
}

func (e *Engine) processExclusive(ctx context.Context, s *step, tok models.Token, node *models.Node) ([]string, error) {
	snapshot := s.st.vars.Snapshot()

	var defaultEdge, implicitDefault *models.Edge

	for _, edge := range s.st.def.Outgoing(node.ID) {
		edge := edge
		if edge.IsDefault {
			defaultEdge = &edge

			continue
		}

		if edge.Guard == "" {
			// An unconditioned flow is the implicit default, taken when no
			// guard matches. Deploy validation admits at most one.
			if implicitDefault == nil {
				implicitDefault = &edge
			}

			continue
		}

		match, err := expression.EvaluateBool(edge.Guard, snapshot)
		if err != nil {
			e.failExecution(ctx, s, node.ID, failureExpressionRejected, err.Error())

			return nil, nil
		}

		if match {
			s.moveToken(tok.ID, edge.To, edge.ID)

			return []string{tok.ID}, nil
		}
	}

	if defaultEdge == nil {
		defaultEdge = implicitDefault
	}

	if defaultEdge != nil {
		s.moveToken(tok.ID, defaultEdge.To, defaultEdge.ID)

		return []string{tok.ID}, nil
	}

	e.failExecution(ctx, s, node.ID, failureNoMatchingEdge, models.ErrNoMatchingGatewayEdge.Error())

	return nil, nil
}

func (e *Engine) processParallel(ctx context.Context, s *step, tok models.Token, node *models.Node) ([]string, error) {
	incoming := s.st.def.Incoming(node.ID)

	if len(incoming) > 1 {
		if !parallelJoinReady(s.st, node.ID, incoming) {
			return nil, nil // token waits for its siblings
		}

		// One token per incoming edge. A surplus token from loop re-entry
		// stays at the join and counts toward the next activation.
		for _, edge := range incoming {
			for _, waiting := range s.st.tokensAt(node.ID) {
				if waiting.EdgeID == edge.ID {
					s.consumeToken(waiting.ID)

					break
				}
			}
		}
	} else {
		s.consumeToken(tok.ID)
	}

	var next []string

	for _, edge := range s.st.def.Outgoing(node.ID) {
		cause := models.TokenCauseFork
		if len(incoming) > 1 {
			cause = models.TokenCauseJoin
		}

		out := s.createToken(node.ID, cause, "", tok.Scope)
		s.moveToken(out.ID, edge.To, edge.ID)
		next = append(next, out.ID)
	}

	return next, nil
}

// parallelJoinReady checks that tokens have arrived over every incoming
// edge of the join.
func parallelJoinReady(st *executionState, nodeID string, incoming []models.Edge) bool {
	arrived := make(map[string]bool)

	for _, tok := range st.tokensAt(nodeID) {
		arrived[tok.EdgeID] = true
	}

	for _, edge := range incoming {
		if !arrived[edge.ID] {
			return false
		}
	}

	return true
}

func (e *Engine) processInclusive(ctx context.Context, s *step, tok models.Token, node *models.Node) ([]string, error) {
	incoming := s.st.def.Incoming(node.ID)

	if len(incoming) > 1 {
		if !e.inclusiveJoinReady(s.st, node.ID, incoming) {
			return nil, nil
		}

		for _, waiting := range s.st.tokensAt(node.ID) {
			s.consumeToken(waiting.ID)
		}
	} else {
		s.consumeToken(tok.ID)
	}

	snapshot := s.st.vars.Snapshot()

	var (
		activated   []models.Edge
		defaultEdge *models.Edge
	)

	for _, edge := range s.st.def.Outgoing(node.ID) {
		edge := edge
		if edge.IsDefault {
			defaultEdge = &edge

			continue
		}

		if edge.Guard == "" {
			activated = append(activated, edge)

			continue
		}

		match, err := expression.EvaluateBool(edge.Guard, snapshot)
		if err != nil {
			e.failExecution(ctx, s, node.ID, failureExpressionRejected, err.Error())

			return nil, nil
		}

		if match {
			activated = append(activated, edge)
		}
	}

	if len(activated) == 0 && defaultEdge != nil {
		activated = append(activated, *defaultEdge)
	}

	if len(activated) == 0 {
		e.failExecution(ctx, s, node.ID, failureNoMatchingEdge, models.ErrNoMatchingGatewayEdge.Error())

		return nil, nil
	}

	edgeIDs := make([]string, 0, len(activated))
	for _, edge := range activated {
		edgeIDs = append(edgeIDs, edge.ID)
	}

	s.record(models.HistoryInclusiveActivated, map[string]any{
		"node_id": node.ID,
		"edges":   edgeIDs,
	})

	var next []string

	for _, edge := range activated {
		out := s.createToken(node.ID, models.TokenCauseFork, "", tok.Scope)
		s.moveToken(out.ID, edge.To, edge.ID)
		next = append(next, out.ID)
	}

	return next, nil
}

// inclusiveJoinReady applies the standard inclusive merge rule: the join
// fires once every incoming edge either carried a token in, or can no
// longer be reached by any token elsewhere in the execution.
func (e *Engine) inclusiveJoinReady(st *executionState, nodeID string, incoming []models.Edge) bool {
	arrived := make(map[string]bool)

	for _, tok := range st.tokensAt(nodeID) {
		arrived[tok.EdgeID] = true
	}

	if len(arrived) == 0 {
		return false
	}

	for _, edge := range incoming {
		if arrived[edge.ID] {
			continue
		}

		if e.edgeStillReachable(st, nodeID, edge) {
			return false
		}
	}

	return true
}

// edgeStillReachable reports whether any token not already waiting at the
// join could still flow in over the given edge.
func (e *Engine) edgeStillReachable(st *executionState, joinID string, edge models.Edge) bool {
	for _, tok := range st.exec.Tokens {
		if tok.NodeID == joinID {
			continue
		}

		if tok.NodeID == edge.From || e.canReach(st, tok.NodeID, edge.From) {
			return true
		}
	}

	return false
}

// canReach walks the graph forward from a node looking for the target.
func (e *Engine) canReach(st *executionState, from, target string) bool {
	visited := map[string]bool{from: true}
	frontier := []string{from}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		for _, edge := range st.def.Outgoing(current) {
			if edge.To == target {
				return true
			}

			if !visited[edge.To] {
				visited[edge.To] = true
				frontier = append(frontier, edge.To)
			}
		}
	}

	return false
}

// suspendOnEvent parks a token on an intermediate event. Timer events get a
// durable timer; signal events wait for delivery.
func (e *Engine) suspendOnEvent(ctx context.Context, s *step, tok models.Token, node *models.Node) error {
	if node.Trigger == models.EventTriggerTimer {
		if node.Timer == nil {
			e.failExecution(ctx, s, node.ID, failureInvalidGraph, "timer event without timer definition")

			return nil
		}

		due, err := node.Timer.NextDue(time.Now().UTC())
		if err != nil {
			e.failExecution(ctx, s, node.ID, failureInvalidGraph, err.Error())

			return nil
		}

		s.addTimer(models.Timer{
			ID:          uuid.New().String(),
			ExecutionID: s.st.exec.ID,
			NodeID:      node.ID,
			Purpose:     models.TimerPurposeEvent,
			DueAt:       due,
			CreatedAt:   time.Now().UTC(),
		}, true)
	}

	return nil
}

func (e *Engine) enterSubprocess(ctx context.Context, s *step, tok models.Token, node *models.Node) ([]string, error) {
	var start *models.Node

	for i := range node.Nodes {
		if node.Nodes[i].Type == models.NodeTypeStartEvent {
			start = &node.Nodes[i]

			break
		}
	}

	if start == nil {
		e.failExecution(ctx, s, node.ID, failureInvalidGraph,
			fmt.Sprintf("subprocess %s has no start event", node.ID))

		return nil, nil
	}

	s.consumeToken(tok.ID)
	e.scheduleBoundaryTimers(ctx, s, node)

	inner := s.createToken(start.ID, models.TokenCauseStart, "", node.ID)

	return []string{inner.ID}, nil
}

// reachEnd handles a token arriving at an end event, at the top level or
// inside a subprocess scope.
func (e *Engine) reachEnd(ctx context.Context, s *step, tok models.Token, node *models.Node) error {
	s.consumeToken(tok.ID)

	if tok.Scope != "" {
		return e.reachScopedEnd(ctx, s, tok.Scope, node)
	}

	if node.EndEventError || node.ErrorCode != "" {
		e.failExecution(ctx, s, node.ID, failureErrorEndEvent,
			fmt.Sprintf("error end event %s (code %s)", node.ID, node.ErrorCode))

		return nil
	}

	if len(s.st.exec.Tokens) == 0 && len(s.st.pending) == 0 && len(s.st.children) == 0 {
		e.completeExecution(ctx, s)
	}

	return nil
}

func (e *Engine) reachScopedEnd(ctx context.Context, s *step, scope string, node *models.Node) error {
	host, ok := s.st.def.NodeByID(scope)
	if !ok {
		e.failExecution(ctx, s, scope, failureInvalidGraph, "subprocess scope not found")

		return nil
	}

	if node.EndEventError || node.ErrorCode != "" {
		// An error end inside the subprocess aborts the whole scope and
		// looks for an error boundary on the host.
		for _, inner := range s.st.scopeTokens(scope) {
			s.consumeToken(inner.ID)
			delete(s.st.pending, inner.NodeID)
		}

		boundary := e.findBoundary(s.st, scope, models.EventTriggerError, node.ErrorCode)
		if boundary != nil {
			return e.fireBoundary(ctx, s, boundary, map[string]any{"error_code": node.ErrorCode})
		}

		e.failExecution(ctx, s, node.ID, failureErrorEndEvent,
			fmt.Sprintf("unhandled error end in subprocess %s", scope))

		return nil
	}

	if len(s.st.scopeTokens(scope)) > 0 {
		return nil // other branches of the subprocess still live
	}

	e.cancelBoundaryTimers(s, scope)

	edges := s.st.def.Outgoing(scope)
	if len(edges) == 0 {
		e.failExecution(ctx, s, scope, failureInvalidGraph,
			fmt.Sprintf("subprocess %s has no outgoing edge", scope))

		return nil
	}

	hostScope := ""
	if parent, ok := e.enclosingScope(s.st, host.ID); ok {
		hostScope = parent
	}

	out := s.createToken(scope, models.TokenCauseEdge, "", hostScope)
	s.moveToken(out.ID, edges[0].To, edges[0].ID)

	return e.advance(ctx, s, out.ID)
}

// enclosingScope finds the subprocess that contains nodeID, if any.
func (e *Engine) enclosingScope(st *executionState, nodeID string) (string, bool) {
	var find func(nodes []models.Node, scope string) (string, bool)

	find = func(nodes []models.Node, scope string) (string, bool) {
		for i := range nodes {
			if nodes[i].ID == nodeID {
				return scope, scope != ""
			}

			if len(nodes[i].Nodes) > 0 {
				if s, ok := find(nodes[i].Nodes, nodes[i].ID); ok {
					return s, true
				}
			}
		}

		return "", false
	}

	return find(st.def.Nodes, "")
}

// dispatchActivity logs the scheduling decision, then submits the attempt
// to the dispatcher after commit.
func (e *Engine) dispatchActivity(ctx context.Context, s *step, node *models.Node, attempt int) error {
	input, err := e.evalMapping(s.st, node.InputMapping)
	if err != nil {
		e.failExecution(ctx, s, node.ID, failureExpressionRejected, err.Error())

		return nil
	}

	kind := activityKind(node)
	queue := e.resolveQueue(node, kind)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.dispatch_activity",
		attribute.String(otelhelper.ExecutionIDKey, s.st.exec.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.ActivityKindKey, kind),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	s.st.attempts[node.ID] = attempt
	s.st.pending[node.ID] = pendingActivity{
		Attempt: attempt,
		Kind:    kind,
		Queue:   queue,
		Input:   input,
	}

	s.record(models.HistoryActivityScheduled, map[string]any{
		"node_id": node.ID,
		"kind":    kind,
		"queue":   queue,
		"attempt": attempt,
		"input":   input,
	})

	if attempt == 1 {
		e.scheduleBoundaryTimers(ctx, s, node)
	}

	task, err := e.buildTask(s.st, node.ID, attempt)
	if err != nil {
		return err
	}

	s.after(func(ctx context.Context) {
		submitErr := e.dispatcher.Submit(task)
		if submitErr != nil {
			e.logger.ErrorContext(ctx, "Activity submission failed",
				"execution_id", task.ExecutionID, "node_id", task.NodeID, "error", submitErr)

			// Convert the dispatch failure into a retryable outcome so
			// the normal backoff applies.
			go func() {
				reportErr := e.ReportOutcome(context.WithoutCancel(ctx), task.ExecutionID, task.NodeID, task.Attempt, models.Outcome{
					Kind:      models.OutcomeFailed,
					Error:     submitErr.Error(),
					Retryable: true,
				})
				if reportErr != nil {
					e.logger.Error("Failed to report dispatch failure", "error", reportErr)
				}
			}()
		}
	})

	return nil
}

// buildTask assembles the dispatchable task from the definition and the
// committed scheduling decision.
func (e *Engine) buildTask(st *executionState, nodeID string, attempt int) (models.ActivityTask, error) {
	node, ok := st.def.NodeByID(nodeID)
	if !ok {
		return models.ActivityTask{}, fmt.Errorf("node %s not found", nodeID)
	}

	p, ok := st.pending[nodeID]
	if !ok {
		return models.ActivityTask{}, fmt.Errorf("no pending attempt for node %s", nodeID)
	}

	config := make(map[string]any, len(node.Config))
	for k, v := range node.Config {
		config[k] = v
	}

	if node.Agent != nil {
		if node.Agent.AgentID != "" {
			config["agentId"] = node.Agent.AgentID
		}

		if node.Agent.AgentType != "" {
			config["agentType"] = node.Agent.AgentType
		}

		if node.Agent.Prompt != "" {
			config["prompt"] = node.Agent.Prompt
		}

		if node.Agent.Model != "" {
			config["model"] = node.Agent.Model
		}
	}

	if node.FunctionRef != "" {
		config["function_ref"] = node.FunctionRef
	}

	return models.ActivityTask{
		ID:            uuid.New().String(),
		CorrelationID: st.exec.ID + ":" + nodeID,
		ExecutionID:   st.exec.ID,
		NodeID:        nodeID,
		Attempt:       attempt,
		Kind:          p.Kind,
		Queue:         p.Queue,
		Config:        config,
		Input:         p.Input,
		ScheduledAt:   time.Now().UTC(),
		Timeout:       node.Timeout,
	}, nil
}

func activityKind(node *models.Node) string {
	if node.ActivityKind != "" {
		return node.ActivityKind
	}

	switch node.Type {
	case models.NodeTypeScriptTask:
		return "script"
	case models.NodeTypeSendTask:
		return "email"
	case models.NodeTypeUserTask:
		return "usertask"
	default:
		if node.Agent != nil {
			return "aiagent"
		}

		return "webhook"
	}
}

func (e *Engine) resolveQueue(node *models.Node, kind string) string {
	if node.TaskQueue != "" {
		return node.TaskQueue
	}

	if e.queues != nil {
		return e.queues.Queue(kind)
	}

	return models.QueueDefault
}

// createHumanTask records the task row and suspends the token.
func (e *Engine) createHumanTask(s *step, node *models.Node) {
	task := models.HumanTask{
		ID:          uuid.New().String(),
		ExecutionID: s.st.exec.ID,
		NodeID:      node.ID,
		Name:        node.Name,
		SignalName:  node.ID,
		Status:      models.HumanTaskStatusOpen,
		CreatedAt:   time.Now().UTC(),
	}

	if node.Task != nil {
		task.Assignee = node.Task.Assignee
		task.CandidateGroups = node.Task.CandidateGroups
		task.FormSpec = node.Task.FormSpec

		if node.Task.SignalName != "" {
			task.SignalName = node.Task.SignalName
		}
	}

	s.record(models.HistoryHumanTaskCreated, map[string]any{
		"task_id":     task.ID,
		"node_id":     node.ID,
		"assignee":    task.Assignee,
		"signal_name": task.SignalName,
	})

	s.addHumanTask(task)
}

// callChild starts a child execution for a call activity after commit. The
// parent token waits at the node until ResumeFromChild.
func (e *Engine) callChild(ctx context.Context, s *step, tok models.Token, node *models.Node) error {
	if node.CalleeID == "" {
		e.failExecution(ctx, s, node.ID, failureInvalidGraph, "call activity without callee")

		return nil
	}

	inputs, err := e.evalMapping(s.st, node.InputMapping)
	if err != nil {
		e.failExecution(ctx, s, node.ID, failureExpressionRejected, err.Error())

		return nil
	}

	childID := uuid.New().String()
	s.st.children[node.ID] = childID

	s.record(models.HistoryChildStarted, map[string]any{
		"node_id":  node.ID,
		"child_id": childID,
		"callee":   node.CalleeID,
	})

	parentID := s.st.exec.ID
	calleeID := node.CalleeID
	nodeID := node.ID

	s.after(func(ctx context.Context) {
		child, startErr := e.startChild(ctx, childID, calleeID, parentID, nodeID, inputs)
		if startErr != nil {
			e.logger.ErrorContext(ctx, "Failed to start child execution",
				"execution_id", parentID, "node_id", nodeID, "error", startErr)

			go func() {
				resumeErr := e.ResumeFromChild(context.WithoutCancel(ctx), parentID, childID,
					models.ExecutionStatusFailed, nil, failureChildExecutionFailed)
				if resumeErr != nil {
					e.logger.Error("Failed to fail call activity", "error", resumeErr)
				}
			}()

			return
		}

		_ = child
	})

	return nil
}

// startChild runs the child start under its own lease.
func (e *Engine) startChild(ctx context.Context, childID, definitionID, parentID, parentNode string, inputs map[string]any) (*models.Execution, error) {
	release, err := e.leases.Acquire(ctx, childID)
	if err != nil {
		return nil, err
	}
	defer release()

	def, err := e.persist.Definitions().ByID(ctx, definitionID, 0)
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
			ID:           childID,
			DefinitionID: def.ID,
			Version:      def.Version,
			Status:       models.ExecutionStatusRunning,
			ParentID:     parentID,
			ParentNode:   parentNode,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		def:      def,
		vars:     variables.NewState(childID, def.Variables),
		results:  make(map[string]map[string]any),
		attempts: make(map[string]int),
		pending:  make(map[string]pendingActivity),
		timers:   make(map[string]models.Timer),
		children: make(map[string]string),
		tasks:    make(map[string]models.HumanTask),
	}

	err = st.vars.ValidateInputs(inputs)
	if err != nil {
		return nil, err
	}

	s := e.newStep(st)

	s.record(models.HistoryExecutionStarted, map[string]any{
		"definition_id": def.ID,
		"version":       def.Version,
		"initiator":     "call_activity:" + parentNode,
	})

	defaults, err := st.vars.ApplyDefaults("start")
	if err != nil {
		return nil, err
	}

	for _, w := range defaults {
		s.recordWrite(w)
	}

	for _, name := range sortedKeys(inputs) {
		w, err := st.vars.Set(name, inputs[name], "start")
		if err != nil {
			return nil, err
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

// evalMapping evaluates a name -> expression mapping against the variable
// snapshot, extended with node results. Mappings written as config
// templates render through the template engine instead.
func (e *Engine) evalMapping(st *executionState, mapping map[string]string) (map[string]any, error) {
	if len(mapping) == 0 {
		return map[string]any{}, nil
	}

	snapshot := st.vars.Snapshot()

	if len(st.results) > 0 {
		results, err := models.FromAny(anyMap(st.results))
		if err == nil {
			snapshot["results"] = results
		}
	}

	tctx := template.Context{
		ExecutionID:  st.exec.ID,
		DefinitionID: st.def.ID,
		Variables:    st.vars.Interfaces(),
		Results:      anyMap(st.results),
	}

	out := make(map[string]any, len(mapping))

	for _, target := range sortedMappingKeys(mapping) {
		src := mapping[target]

		if template.NeedsTemplating(src) {
			rendered, err := template.RenderWithContext(src, tctx)
			if err != nil {
				return nil, err
			}

			out[target] = rendered

			continue
		}

		value, err := expression.Evaluate(src, snapshot)
		if err != nil {
			return nil, err
		}

		out[target] = value.Interface()
	}

	return out, nil
}

func anyMap(in map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func sortedMappingKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// applyWrites runs variable writes through the state manager, translating
// manager errors into the failure taxonomy.
func (e *Engine) applyWrites(ctx context.Context, s *step, writes map[string]any, actor string) error {
	for _, name := range sortedKeys(writes) {
		w, err := s.st.vars.Set(name, writes[name], actor)
		if err != nil {
			kind := failureVariableViolation
			if errors.Is(err, models.ErrImmutableVariableViolation) {
				kind = failureImmutableViolation
			}

			e.failExecution(ctx, s, actor, kind, err.Error())

			return nil
		}

		s.recordWrite(w)
	}

	return nil
}

// scheduleBoundaryTimers creates durable timers for every timer boundary
// event attached to the node.
func (e *Engine) scheduleBoundaryTimers(ctx context.Context, s *step, node *models.Node) {
	for _, boundary := range s.st.def.BoundaryEvents(node.ID) {
		if boundary.Trigger != models.EventTriggerTimer || boundary.Timer == nil {
			continue
		}

		due, err := boundary.Timer.NextDue(time.Now().UTC())
		if err != nil {
			e.logger.ErrorContext(ctx, "Invalid boundary timer definition",
				"execution_id", s.st.exec.ID, "node_id", boundary.ID, "error", err)

			continue
		}

		s.addTimer(models.Timer{
			ID:          uuid.New().String(),
			ExecutionID: s.st.exec.ID,
			NodeID:      boundary.ID,
			Purpose:     models.TimerPurposeBoundary,
			DueAt:       due,
			CreatedAt:   time.Now().UTC(),
		}, true)
	}
}

func (e *Engine) cancelBoundaryTimers(s *step, hostID string) {
	for id, timer := range s.st.timers {
		if timer.Purpose == models.TimerPurposeBoundary && e.boundaryHost(s.st, timer.NodeID) == hostID {
			s.dropTimer(id)
		}
	}
}

// findBoundary returns the matching boundary event of a host for a trigger
// and, for errors, a code. Empty boundary codes match any error.
func (e *Engine) findBoundary(st *executionState, hostID string, trigger models.EventTrigger, code string) *models.Node {
	var fallback *models.Node

	for _, boundary := range st.def.BoundaryEvents(hostID) {
		boundary := boundary
		if boundary.Trigger != trigger {
			continue
		}

		if trigger != models.EventTriggerError {
			return &boundary
		}

		if boundary.ErrorCode == code && code != "" {
			return &boundary
		}

		if boundary.ErrorCode == "" {
			fallback = &boundary
		}
	}

	return fallback
}
