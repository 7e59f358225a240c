package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
)

// HumanTaskRepository reads human task records. Writes go through the
// history append so task state can never drift from the log.
type HumanTaskRepository struct {
	db *sql.DB
}

const humanTaskColumns = `
	id, execution_id, node_id, name, assignee, candidate_groups, form_spec,
	signal_name, status, created_at, completed_at, completed_by`

func (r *HumanTaskRepository) ByID(ctx context.Context, id string) (*models.HumanTask, error) {
	query := `SELECT ` + humanTaskColumns + ` FROM human_tasks WHERE id = $1`

	task, err := scanHumanTask(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("ByID", id, persistence.ErrHumanTaskNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("ByID", id, err)
	}

	return task, nil
}

func (r *HumanTaskRepository) Open(ctx context.Context) ([]*models.HumanTask, error) {
	query := `SELECT ` + humanTaskColumns + ` FROM human_tasks
		WHERE status = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, models.HumanTaskStatusOpen)
	if err != nil {
		return nil, persistence.NewStoreError("Open", "", err)
	}

	return collectHumanTasks(rows)
}

func (r *HumanTaskRepository) ByExecution(ctx context.Context, executionID string) ([]*models.HumanTask, error) {
	query := `SELECT ` + humanTaskColumns + ` FROM human_tasks
		WHERE execution_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, persistence.NewStoreError("ByExecution", executionID, err)
	}

	return collectHumanTasks(rows)
}

func scanHumanTask(row rowScanner) (*models.HumanTask, error) {
	var (
		task      models.HumanTask
		groups    []byte
		formSpec  []byte
		completed sql.NullTime
	)

	err := row.Scan(&task.ID, &task.ExecutionID, &task.NodeID, &task.Name,
		&task.Assignee, &groups, &formSpec, &task.SignalName, &task.Status,
		&task.CreatedAt, &completed, &task.CompletedBy)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(groups, &task.CandidateGroups)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal candidate groups: %w", err)
	}

	if len(formSpec) > 0 {
		err = json.Unmarshal(formSpec, &task.FormSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal form spec: %w", err)
		}
	}

	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}

	return &task, nil
}

func collectHumanTasks(rows *sql.Rows) ([]*models.HumanTask, error) {
	defer rows.Close()

	var tasks []*models.HumanTask

	for rows.Next() {
		task, err := scanHumanTask(rows)
		if err != nil {
			return nil, persistence.NewStoreError("List", "", err)
		}

		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}
