package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
)

// HistoryRepository appends to the durable event log and keeps the
// projection tables in step inside the same transaction.
type HistoryRepository struct {
	db *sql.DB
}

func (r *HistoryRepository) Append(ctx context.Context, batch persistence.AppendBatch) (int64, error) {
	if batch.Execution == nil || len(batch.Entries) == 0 {
		return 0, persistence.NewStoreError("Append", "", errors.New("batch requires an execution and at least one entry"))
	}

	executionID := batch.Execution.ID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistence.NewStoreError("Append", executionID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var first int64

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM history_entries WHERE execution_id = $1`,
		executionID).Scan(&first)
	if err != nil {
		return 0, persistence.NewStoreError("Append", executionID, err)
	}

	for i := range batch.Entries {
		batch.Entries[i].ExecutionID = executionID
		batch.Entries[i].Seq = first + int64(i)

		err = insertEntry(ctx, tx, batch.Entries[i])
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return 0, persistence.NewStoreError("Append", executionID, persistence.ErrSequenceConflict)
			}

			return 0, persistence.NewStoreError("Append", executionID, err)
		}
	}

	err = upsertExecution(ctx, tx, batch.Execution)
	if err != nil {
		return 0, persistence.NewStoreError("Append", executionID, err)
	}

	for i := range batch.Variables {
		err = upsertVariable(ctx, tx, batch.Variables[i])
		if err != nil {
			return 0, persistence.NewStoreError("Append", executionID, err)
		}
	}

	for i := range batch.HumanTasks {
		err = upsertHumanTask(ctx, tx, batch.HumanTasks[i])
		if err != nil {
			return 0, persistence.NewStoreError("Append", executionID, err)
		}
	}

	for i := range batch.Timers {
		err = insertTimer(ctx, tx, batch.Timers[i])
		if err != nil {
			return 0, persistence.NewStoreError("Append", executionID, err)
		}
	}

	if len(batch.DeleteTimerIDs) > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM timers WHERE id = ANY($1)`,
			pq.Array(batch.DeleteTimerIDs))
		if err != nil {
			return 0, persistence.NewStoreError("Append", executionID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return 0, persistence.NewStoreError("Append", executionID, err)
	}

	return first, nil
}

func (r *HistoryRepository) Read(ctx context.Context, executionID string, fromSeq int64) ([]models.HistoryEntry, error) {
	query := `
		SELECT seq, kind, payload, created_at
		FROM history_entries
		WHERE execution_id = $1 AND seq >= $2
		ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, executionID, fromSeq)
	if err != nil {
		return nil, persistence.NewStoreError("Read", executionID, err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry

	for rows.Next() {
		var (
			entry   models.HistoryEntry
			payload []byte
		)

		err = rows.Scan(&entry.Seq, &entry.Kind, &payload, &entry.Timestamp)
		if err != nil {
			return nil, persistence.NewStoreError("Read", executionID, err)
		}

		entry.ExecutionID = executionID

		if len(payload) > 0 {
			err = json.Unmarshal(payload, &entry.Payload)
			if err != nil {
				return nil, persistence.NewStoreError("Read", executionID,
					fmt.Errorf("failed to unmarshal payload at seq %d: %w", entry.Seq, err))
			}
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry models.HistoryEntry) error {
	var (
		payload []byte
		err     error
	)

	if entry.Payload != nil {
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_entries (execution_id, seq, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ExecutionID, entry.Seq, entry.Kind, payload, entry.Timestamp)

	return err
}

func upsertExecution(ctx context.Context, tx *sql.Tx, exec *models.Execution) error {
	tokens, err := json.Marshal(exec.Tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	var failure []byte

	if exec.Failure != nil {
		failure, err = json.Marshal(exec.Failure)
		if err != nil {
			return fmt.Errorf("failed to marshal failure: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, definition_id, version, status, tokens,
			parent_id, parent_node, failure, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			tokens = EXCLUDED.tokens,
			failure = EXCLUDED.failure,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		exec.ID, exec.DefinitionID, exec.Version, exec.Status, tokens,
		nullableString(exec.ParentID), nullableString(exec.ParentNode), failure,
		exec.CreatedAt, exec.UpdatedAt, nullableTime(exec.CompletedAt))

	return err
}

func upsertVariable(ctx context.Context, tx *sql.Tx, vv models.VariableValue) error {
	value, err := json.Marshal(vv.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal variable %s: %w", vv.Name, err)
	}

	var previous []byte

	if !vv.Previous.IsNull() {
		previous, err = json.Marshal(vv.Previous)
		if err != nil {
			return fmt.Errorf("failed to marshal variable %s: %w", vv.Name, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO variable_values (execution_id, name, value, previous,
			declared_type, sensitive, write_count, modified_at, modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, name) DO UPDATE SET
			value = EXCLUDED.value,
			previous = EXCLUDED.previous,
			write_count = EXCLUDED.write_count,
			modified_at = EXCLUDED.modified_at,
			modified_by = EXCLUDED.modified_by`,
		vv.ExecutionID, vv.Name, value, previous,
		vv.DeclaredType, vv.Sensitive, vv.WriteCount, vv.Modified, vv.ModifiedBy)

	return err
}

func upsertHumanTask(ctx context.Context, tx *sql.Tx, task models.HumanTask) error {
	groups, err := json.Marshal(task.CandidateGroups)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate groups: %w", err)
	}

	var formSpec []byte

	if task.FormSpec != nil {
		formSpec, err = json.Marshal(task.FormSpec)
		if err != nil {
			return fmt.Errorf("failed to marshal form spec: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO human_tasks (id, execution_id, node_id, name, assignee,
			candidate_groups, form_spec, signal_name, status, created_at, completed_at, completed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			completed_by = EXCLUDED.completed_by`,
		task.ID, task.ExecutionID, task.NodeID, task.Name, task.Assignee,
		groups, formSpec, task.SignalName, task.Status,
		task.CreatedAt, nullableTime(task.CompletedAt), task.CompletedBy)

	return err
}

func insertTimer(ctx context.Context, tx *sql.Tx, timer models.Timer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO timers (id, execution_id, node_id, purpose, attempt, due_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET due_at = EXCLUDED.due_at`,
		timer.ID, timer.ExecutionID, timer.NodeID, timer.Purpose,
		timer.Attempt, timer.DueAt, timer.CreatedAt)

	return err
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
