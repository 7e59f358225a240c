package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/variables"
)

// step accumulates one atomic unit of scheduler output: history entries,
// the projection rows they imply, and the side effects to run strictly
// after the batch commits.
type step struct {
	st             *executionState
	entries        []models.HistoryEntry
	touched        map[string]struct{}
	humanTasks     []models.HumanTask
	timersAdded    []models.Timer
	deleteTimerIDs []string
	effects        []func(ctx context.Context)
}

func (e *Engine) newStep(st *executionState) *step {
	return &step{
		st:      st,
		touched: make(map[string]struct{}),
	}
}

func (s *step) record(kind models.HistoryKind, payload map[string]any) {
	s.entries = append(s.entries, models.NewHistoryEntry(s.st.exec.ID, kind, payload))
}

// recordWrite logs a variable write. The real value goes into the log
// because replay needs it; read surfaces mask by the sensitive flag.
func (s *step) recordWrite(w variables.Write) {
	s.record(models.HistoryVariableSet, map[string]any{
		"name":      w.Name,
		"value":     valueToPayload(w.New),
		"actor":     w.Actor,
		"sensitive": w.Sensitive,
	})

	s.touched[w.Name] = struct{}{}
}

func (s *step) createToken(nodeID string, cause models.TokenCause, edgeID, scope string) models.Token {
	tok := models.Token{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Cause:     cause,
		EdgeID:    edgeID,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}

	s.st.addToken(tok)
	s.record(models.HistoryTokenCreated, map[string]any{
		"token_id": tok.ID,
		"node_id":  nodeID,
		"cause":    string(cause),
		"edge_id":  edgeID,
		"scope":    scope,
	})

	return tok
}

func (s *step) moveToken(tokenID, to, edgeID string) {
	tok, ok := s.st.token(tokenID)
	if !ok {
		return
	}

	s.record(models.HistoryTokenMoved, map[string]any{
		"token_id": tokenID,
		"from":     tok.NodeID,
		"to":       to,
		"edge_id":  edgeID,
	})

	tok.NodeID = to
	tok.EdgeID = edgeID
	tok.Cause = models.TokenCauseEdge
}

func (s *step) consumeToken(tokenID string) {
	s.record(models.HistoryTokenConsumed, map[string]any{"token_id": tokenID})
	s.st.removeToken(tokenID)
}

// addTimer registers a durable timer. Retry timers are logged through
// activity.retry_scheduled instead of timer.scheduled, so logged is false
// for them.
func (s *step) addTimer(timer models.Timer, logged bool) {
	s.st.timers[timer.ID] = timer
	s.timersAdded = append(s.timersAdded, timer)

	if logged {
		s.record(models.HistoryTimerScheduled, map[string]any{
			"timer_id": timer.ID,
			"node_id":  timer.NodeID,
			"purpose":  string(timer.Purpose),
			"attempt":  timer.Attempt,
			"due_at":   timer.DueAt.Format(time.RFC3339Nano),
		})
	}
}

func (s *step) dropTimer(timerID string) {
	delete(s.st.timers, timerID)
	s.deleteTimerIDs = append(s.deleteTimerIDs, timerID)
}

func (s *step) addHumanTask(task models.HumanTask) {
	s.humanTasks = append(s.humanTasks, task)

	if task.Status == models.HumanTaskStatusOpen {
		s.st.tasks[task.ID] = task
	} else {
		delete(s.st.tasks, task.ID)
	}
}

func (s *step) after(fn func(ctx context.Context)) {
	s.effects = append(s.effects, fn)
}

// commit appends the accumulated batch atomically, then runs side effects.
// Nothing observable happens before the append returns.
func (e *Engine) commit(ctx context.Context, s *step) error {
	if len(s.entries) > 0 {
		s.st.exec.UpdatedAt = time.Now().UTC()

		if !s.st.exec.Status.IsTerminal() {
			e.updateStatus(s.st)
		}

		batch := persistence.AppendBatch{
			Execution:      s.st.exec,
			Entries:        s.entries,
			HumanTasks:     s.humanTasks,
			Timers:         s.timersAdded,
			DeleteTimerIDs: s.deleteTimerIDs,
		}

		for name := range s.touched {
			if row, ok := s.st.vars.Row(name); ok {
				batch.Variables = append(batch.Variables, row)
			}
		}

		_, err := e.persist.History().Append(ctx, batch)
		if err != nil {
			// The in-memory state diverged from the log; force a replay
			// on the next operation.
			e.states.drop(s.st.exec.ID)

			return err
		}
	}

	for _, effect := range s.effects {
		effect(ctx)
	}

	if s.st.exec.Status.IsTerminal() {
		e.states.drop(s.st.exec.ID)
	}

	return nil
}

// updateStatus derives the projection status from what the execution is
// waiting on. Dispatched activities keep it running; pure external waits
// (user tasks, signals, timers) make it waiting.
func (e *Engine) updateStatus(st *executionState) {
	if len(st.pending) > 0 || len(st.children) > 0 {
		st.exec.Status = models.ExecutionStatusRunning

		return
	}

	if len(st.exec.Tokens) > 0 {
		st.exec.Status = models.ExecutionStatusWaiting

		return
	}

	st.exec.Status = models.ExecutionStatusRunning
}
