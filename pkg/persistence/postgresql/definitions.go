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

// DefinitionRepository stores versioned process definitions in PostgreSQL.
type DefinitionRepository struct {
	db *sql.DB
}

func (r *DefinitionRepository) Save(ctx context.Context, def *models.ProcessDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return persistence.NewStoreError("Save", def.ID, fmt.Errorf("failed to marshal definition: %w", err))
	}

	query := `
		INSERT INTO process_definitions (id, version, name, task_queue, source_format, body, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		def.ID, def.Version, def.Name, def.TaskQueue, def.SourceFormat, body, def.DeployedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.NewStoreError("Save", def.ID, persistence.ErrDefinitionAlreadyExists)
		}

		return persistence.NewStoreError("Save", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) NextVersion(ctx context.Context, id string) (int, error) {
	var maxVersion int

	query := `SELECT COALESCE(MAX(version), 0) FROM process_definitions WHERE id = $1`

	err := r.db.QueryRowContext(ctx, query, id).Scan(&maxVersion)
	if err != nil {
		return 0, persistence.NewStoreError("NextVersion", id, err)
	}

	return maxVersion + 1, nil
}

func (r *DefinitionRepository) ByID(ctx context.Context, id string, version int) (*models.ProcessDefinition, error) {
	var (
		query string
		row   *sql.Row
	)

	if version == 0 {
		query = `
			SELECT body FROM process_definitions
			WHERE id = $1
			ORDER BY version DESC
			LIMIT 1`
		row = r.db.QueryRowContext(ctx, query, id)
	} else {
		query = `SELECT body FROM process_definitions WHERE id = $1 AND version = $2`
		row = r.db.QueryRowContext(ctx, query, id, version)
	}

	var body []byte

	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("ByID", id, persistence.ErrDefinitionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("ByID", id, err)
	}

	var def models.ProcessDefinition

	err = json.Unmarshal(body, &def)
	if err != nil {
		return nil, persistence.NewStoreError("ByID", id, fmt.Errorf("failed to unmarshal definition: %w", err))
	}

	return &def, nil
}

func (r *DefinitionRepository) List(ctx context.Context) ([]*models.ProcessDefinition, error) {
	query := `
		SELECT DISTINCT ON (id) body FROM process_definitions
		ORDER BY id, version DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, persistence.NewStoreError("List", "", err)
	}
	defer rows.Close()

	var defs []*models.ProcessDefinition

	for rows.Next() {
		var body []byte

		err = rows.Scan(&body)
		if err != nil {
			return nil, persistence.NewStoreError("List", "", err)
		}

		var def models.ProcessDefinition

		err = json.Unmarshal(body, &def)
		if err != nil {
			return nil, persistence.NewStoreError("List", "", fmt.Errorf("failed to unmarshal definition: %w", err))
		}

		defs = append(defs, &def)
	}

	return defs, rows.Err()
}
