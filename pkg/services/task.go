package services

import (
	"context"
	"fmt"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
)

// Task lists and completes human tasks.
type Task struct {
	persistence persistence.Persistence
	engine      ProcessEngine
}

// NewTask creates the human task service.
func NewTask(persistence persistence.Persistence, engine ProcessEngine) *Task {
	return &Task{
		persistence: persistence,
		engine:      engine,
	}
}

// Open returns every open human task across executions.
func (t *Task) Open(ctx context.Context) ([]*models.HumanTask, error) {
	return t.persistence.HumanTasks().Open(ctx)
}

// ByExecution returns the human tasks of one execution, any status.
func (t *Task) ByExecution(ctx context.Context, executionID string) ([]*models.HumanTask, error) {
	return t.persistence.HumanTasks().ByExecution(ctx, executionID)
}

// FetchByID returns one human task.
func (t *Task) FetchByID(ctx context.Context, id string) (*models.HumanTask, error) {
	return t.persistence.HumanTasks().ByID(ctx, id)
}

// Complete finishes an open task by delivering its completion signal to
// the owning execution. The payload feeds the task node's output mapping.
func (t *Task) Complete(ctx context.Context, id, completedBy string, payload map[string]any) error {
	task, err := t.persistence.HumanTasks().ByID(ctx, id)
	if err != nil {
		return err
	}

	if task.Status != models.HumanTaskStatusOpen {
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotOpen, task.ID, task.Status)
	}

	if payload == nil {
		payload = make(map[string]any)
	}

	if completedBy != "" {
		payload["completed_by"] = completedBy
	}

	return t.engine.Signal(ctx, task.ExecutionID, task.SignalName, payload)
}
