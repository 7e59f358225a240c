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

// ExecutionRepository reads the execution projection maintained by
// HistoryRepository.Append.
type ExecutionRepository struct {
	db *sql.DB
}

const executionColumns = `
	id, definition_id, version, status, tokens, parent_id, parent_node,
	failure, created_at, updated_at, completed_at`

func (r *ExecutionRepository) ByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("ByID", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("ByID", id, err)
	}

	return exec, nil
}

func (r *ExecutionRepository) List(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status == "" {
		query := `SELECT ` + executionColumns + ` FROM executions ORDER BY created_at`
		rows, err = r.db.QueryContext(ctx, query)
	} else {
		query := `SELECT ` + executionColumns + ` FROM executions WHERE status = $1 ORDER BY created_at`
		rows, err = r.db.QueryContext(ctx, query, status)
	}

	if err != nil {
		return nil, persistence.NewStoreError("List", "", err)
	}

	return collectExecutions(rows)
}

func (r *ExecutionRepository) NonTerminal(ctx context.Context) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status IN ($1, $2) ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query,
		models.ExecutionStatusRunning, models.ExecutionStatusWaiting)
	if err != nil {
		return nil, persistence.NewStoreError("NonTerminal", "", err)
	}

	return collectExecutions(rows)
}

func (r *ExecutionRepository) Variables(ctx context.Context, executionID string) ([]models.VariableValue, error) {
	query := `
		SELECT name, value, previous, declared_type, sensitive, write_count, modified_at, modified_by
		FROM variable_values
		WHERE execution_id = $1
		ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, persistence.NewStoreError("Variables", executionID, err)
	}
	defer rows.Close()

	var values []models.VariableValue

	for rows.Next() {
		var (
			vv       models.VariableValue
			raw      []byte
			previous []byte
		)

		err = rows.Scan(&vv.Name, &raw, &previous, &vv.DeclaredType,
			&vv.Sensitive, &vv.WriteCount, &vv.Modified, &vv.ModifiedBy)
		if err != nil {
			return nil, persistence.NewStoreError("Variables", executionID, err)
		}

		vv.ExecutionID = executionID

		err = json.Unmarshal(raw, &vv.Value)
		if err != nil {
			return nil, persistence.NewStoreError("Variables", executionID,
				fmt.Errorf("failed to unmarshal variable %s: %w", vv.Name, err))
		}

		if len(previous) > 0 {
			err = json.Unmarshal(previous, &vv.Previous)
			if err != nil {
				return nil, persistence.NewStoreError("Variables", executionID,
					fmt.Errorf("failed to unmarshal variable %s: %w", vv.Name, err))
			}
		}

		values = append(values, vv)
	}

	return values, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		exec       models.Execution
		tokens     []byte
		parentID   sql.NullString
		parentNode sql.NullString
		failure    []byte
		completed  sql.NullTime
	)

	err := row.Scan(&exec.ID, &exec.DefinitionID, &exec.Version, &exec.Status,
		&tokens, &parentID, &parentNode, &failure,
		&exec.CreatedAt, &exec.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(tokens, &exec.Tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}

	if len(failure) > 0 {
		exec.Failure = &models.ExecutionFailure{}

		err = json.Unmarshal(failure, exec.Failure)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure: %w", err)
		}
	}

	exec.ParentID = parentID.String
	exec.ParentNode = parentNode.String

	if completed.Valid {
		t := completed.Time
		exec.CompletedAt = &t
	}

	return &exec, nil
}

func collectExecutions(rows *sql.Rows) ([]*models.Execution, error) {
	defer rows.Close()

	var execs []*models.Execution

	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.NewStoreError("List", "", err)
		}

		execs = append(execs, exec)
	}

	return execs, rows.Err()
}
