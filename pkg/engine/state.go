package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/variables"
)

// pendingActivity is one dispatched attempt awaiting an outcome report.
type pendingActivity struct {
	Attempt int
	Kind    string
	Queue   string
	Input   map[string]any
}

// executionState is the in-memory working set of one execution. It is
// always reconstructible from the log; the cache only saves the replay.
type executionState struct {
	exec     *models.Execution
	def      *models.ProcessDefinition
	vars     *variables.State
	results  map[string]map[string]any // node id -> last successful result
	attempts map[string]int            // node id -> attempts consumed
	pending  map[string]pendingActivity
	timers   map[string]models.Timer     // live durable timers
	children map[string]string           // call activity node id -> child execution id
	tasks    map[string]models.HumanTask // open human tasks by id
}

func (st *executionState) openTaskBySignal(name string) (models.HumanTask, bool) {
	for _, task := range st.tasks {
		if task.SignalName == name {
			return task, true
		}
	}

	return models.HumanTask{}, false
}

func (st *executionState) tokensAt(nodeID string) []models.Token {
	var out []models.Token

	for _, tok := range st.exec.Tokens {
		if tok.NodeID == nodeID {
			out = append(out, tok)
		}
	}

	return out
}

func (st *executionState) hasTokenAt(nodeID string) bool {
	return len(st.tokensAt(nodeID)) > 0
}

func (st *executionState) token(tokenID string) (*models.Token, bool) {
	for i := range st.exec.Tokens {
		if st.exec.Tokens[i].ID == tokenID {
			return &st.exec.Tokens[i], true
		}
	}

	return nil, false
}

func (st *executionState) addToken(tok models.Token) {
	st.exec.Tokens = append(st.exec.Tokens, tok)
}

func (st *executionState) removeToken(tokenID string) {
	for i := range st.exec.Tokens {
		if st.exec.Tokens[i].ID == tokenID {
			st.exec.Tokens = append(st.exec.Tokens[:i], st.exec.Tokens[i+1:]...)

			return
		}
	}
}

func (st *executionState) scopeTokens(scope string) []models.Token {
	var out []models.Token

	for _, tok := range st.exec.Tokens {
		if tok.Scope == scope {
			out = append(out, tok)
		}
	}

	return out
}

// stateCache keeps rehydrated executions between operations. Entries are
// only read and written under the execution lease.
type stateCache struct {
	mu     sync.Mutex
	states map[string]*executionState
}

func newStateCache() *stateCache {
	return &stateCache{states: make(map[string]*executionState)}
}

func (c *stateCache) get(executionID string) (*executionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[executionID]

	return st, ok
}

func (c *stateCache) put(st *executionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.states[st.exec.ID] = st
}

func (c *stateCache) drop(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.states, executionID)
}

// load returns the cached state or rebuilds it by full replay from
// sequence 0.
func (e *Engine) load(ctx context.Context, executionID string) (*executionState, error) {
	if st, ok := e.states.get(executionID); ok {
		return st, nil
	}

	exec, err := e.persist.Executions().ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	def, err := e.persist.Definitions().ByID(ctx, exec.DefinitionID, exec.Version)
	if err != nil {
		return nil, err
	}

	st := &executionState{
		exec: &models.Execution{
			ID:           exec.ID,
			DefinitionID: exec.DefinitionID,
			Version:      exec.Version,
			Status:       models.ExecutionStatusRunning,
			ParentID:     exec.ParentID,
			ParentNode:   exec.ParentNode,
			CreatedAt:    exec.CreatedAt,
			UpdatedAt:    exec.UpdatedAt,
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

	entries, err := e.persist.History().Read(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	for i, entry := range entries {
		if entry.Seq != int64(i) {
			return nil, fmt.Errorf("history of execution %s has a gap at seq %d", executionID, entry.Seq)
		}

		e.applyEntry(st, entry)
	}

	e.states.put(st)

	return st, nil
}

// applyEntry replays one log entry into state. Replay applies recorded
// decisions verbatim; it never evaluates guards or retries anything.
func (e *Engine) applyEntry(st *executionState, entry models.HistoryEntry) {
	switch entry.Kind {
	case models.HistoryExecutionStarted:
		st.exec.Status = models.ExecutionStatusRunning

	case models.HistoryExecutionCompleted:
		st.exec.Status = models.ExecutionStatusCompleted
		st.exec.CompletedAt = &entry.Timestamp
		st.timers = make(map[string]models.Timer)
		st.tasks = make(map[string]models.HumanTask)

	case models.HistoryExecutionFailed:
		st.exec.Status = models.ExecutionStatusFailed
		st.exec.CompletedAt = &entry.Timestamp
		st.exec.Failure = &models.ExecutionFailure{
			NodeID:  entry.PayloadString("node_id"),
			Kind:    entry.PayloadString("kind"),
			Message: entry.PayloadString("message"),
		}
		st.timers = make(map[string]models.Timer)
		st.tasks = make(map[string]models.HumanTask)

	case models.HistoryExecutionCancelled:
		st.exec.Status = models.ExecutionStatusCancelled
		st.exec.CompletedAt = &entry.Timestamp
		st.timers = make(map[string]models.Timer)
		st.tasks = make(map[string]models.HumanTask)

	case models.HistoryTokenCreated:
		st.addToken(models.Token{
			ID:        entry.PayloadString("token_id"),
			NodeID:    entry.PayloadString("node_id"),
			Cause:     models.TokenCause(entry.PayloadString("cause")),
			EdgeID:    entry.PayloadString("edge_id"),
			Scope:     entry.PayloadString("scope"),
			CreatedAt: entry.Timestamp,
		})

	case models.HistoryTokenMoved:
		if tok, ok := st.token(entry.PayloadString("token_id")); ok {
			tok.NodeID = entry.PayloadString("to")
			tok.EdgeID = entry.PayloadString("edge_id")
			tok.Cause = models.TokenCauseEdge
		}

	case models.HistoryTokenConsumed:
		st.removeToken(entry.PayloadString("token_id"))

	case models.HistoryVariableSet:
		st.vars.Replay(
			entry.PayloadString("name"),
			valueFromPayload(entry.Payload["value"]),
			entry.PayloadString("actor"),
			entry.Timestamp,
		)

	case models.HistoryActivityScheduled:
		nodeID := entry.PayloadString("node_id")
		st.attempts[nodeID] = entry.PayloadInt("attempt")
		st.pending[nodeID] = pendingActivity{
			Attempt: entry.PayloadInt("attempt"),
			Kind:    entry.PayloadString("kind"),
			Queue:   entry.PayloadString("queue"),
			Input:   payloadMap(entry.Payload["input"]),
		}

	case models.HistoryActivityCompleted:
		nodeID := entry.PayloadString("node_id")
		delete(st.pending, nodeID)

		if entry.PayloadString("outcome") == string(models.OutcomeSucceeded) {
			st.results[nodeID] = payloadMap(entry.Payload["result"])

			// Boundary timers of the node die with the activity. Failed
			// attempts keep them armed across retries.
			for id, timer := range st.timers {
				if timer.Purpose == models.TimerPurposeBoundary && e.boundaryHost(st, timer.NodeID) == nodeID {
					delete(st.timers, id)
				}
			}
		}

	case models.HistoryRetryScheduled:
		nodeID := entry.PayloadString("node_id")
		delete(st.pending, nodeID)
		st.timers[entry.PayloadString("timer_id")] = models.Timer{
			ID:          entry.PayloadString("timer_id"),
			ExecutionID: st.exec.ID,
			NodeID:      nodeID,
			Purpose:     models.TimerPurposeRetry,
			Attempt:     entry.PayloadInt("attempt"),
			DueAt:       payloadTime(entry.Payload["due_at"]),
			CreatedAt:   entry.Timestamp,
		}

	case models.HistoryTimerScheduled:
		st.timers[entry.PayloadString("timer_id")] = models.Timer{
			ID:          entry.PayloadString("timer_id"),
			ExecutionID: st.exec.ID,
			NodeID:      entry.PayloadString("node_id"),
			Purpose:     models.TimerPurpose(entry.PayloadString("purpose")),
			Attempt:     entry.PayloadInt("attempt"),
			DueAt:       payloadTime(entry.Payload["due_at"]),
			CreatedAt:   entry.Timestamp,
		}

	case models.HistoryTimerFired:
		delete(st.timers, entry.PayloadString("timer_id"))

	case models.HistoryBoundaryTriggered:
		// Token changes are recorded as their own entries.
		if entry.PayloadBool("cancel_activity") {
			hostID := entry.PayloadString("host_id")
			delete(st.pending, hostID)

			for id, timer := range st.timers {
				if timer.Purpose == models.TimerPurposeBoundary && e.boundaryHost(st, timer.NodeID) == hostID {
					delete(st.timers, id)
				}
			}

			for id, task := range st.tasks {
				if task.NodeID == hostID {
					delete(st.tasks, id)
				}
			}

			// A subprocess host takes its inner pending work down too.
			for nodeID := range st.pending {
				if e.insideScope(st, nodeID, hostID) {
					delete(st.pending, nodeID)
				}
			}
		}

	case models.HistoryChildStarted:
		st.children[entry.PayloadString("node_id")] = entry.PayloadString("child_id")

	case models.HistoryChildFinished:
		delete(st.children, entry.PayloadString("node_id"))

	case models.HistoryHumanTaskCreated:
		st.tasks[entry.PayloadString("task_id")] = models.HumanTask{
			ID:          entry.PayloadString("task_id"),
			ExecutionID: st.exec.ID,
			NodeID:      entry.PayloadString("node_id"),
			Assignee:    entry.PayloadString("assignee"),
			SignalName:  entry.PayloadString("signal_name"),
			Status:      models.HumanTaskStatusOpen,
			CreatedAt:   entry.Timestamp,
		}

	case models.HistoryHumanTaskCompleted:
		delete(st.tasks, entry.PayloadString("task_id"))

		nodeID := entry.PayloadString("node_id")
		for id, timer := range st.timers {
			if timer.Purpose == models.TimerPurposeBoundary && e.boundaryHost(st, timer.NodeID) == nodeID {
				delete(st.timers, id)
			}
		}

	case models.HistorySignalReceived, models.HistoryInclusiveActivated:
		// Informational; the projection rows and token entries carry the
		// state replay needs.
	}
}

// insideScope reports whether a node sits somewhere inside the given
// subprocess, at any nesting depth.
func (e *Engine) insideScope(st *executionState, nodeID, scopeID string) bool {
	current := nodeID

	for {
		scope, ok := e.enclosingScope(st, current)
		if !ok {
			return false
		}

		if scope == scopeID {
			return true
		}

		current = scope
	}
}

// boundaryHost resolves the host node a boundary event is attached to.
func (e *Engine) boundaryHost(st *executionState, boundaryID string) string {
	node, ok := st.def.NodeByID(boundaryID)
	if !ok {
		return ""
	}

	return node.AttachedTo
}

// valueFromPayload decodes a history-encoded variable value.
func valueFromPayload(raw any) models.Value {
	if raw == nil {
		return models.Null()
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return models.Null()
	}

	var v models.Value

	err = json.Unmarshal(data, &v)
	if err != nil {
		return models.Null()
	}

	return v
}

// valueToPayload encodes a variable value for a history payload.
func valueToPayload(v models.Value) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}

	var out any

	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil
	}

	return out
}

func payloadMap(raw any) map[string]any {
	m, _ := raw.(map[string]any)

	return m
}

func payloadTime(raw any) time.Time {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
