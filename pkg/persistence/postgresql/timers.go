package postgresql

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
)

// TimerRepository reads durable timers for the sweep.
type TimerRepository struct {
	db *sql.DB
}

func (r *TimerRepository) Due(ctx context.Context, now time.Time, limit int) ([]models.Timer, error) {
	query := `
		SELECT id, execution_id, node_id, purpose, attempt, due_at, created_at
		FROM timers
		WHERE due_at <= $1
		ORDER BY due_at
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, persistence.NewStoreError("Due", "", err)
	}
	defer rows.Close()

	var timers []models.Timer

	for rows.Next() {
		var timer models.Timer

		err = rows.Scan(&timer.ID, &timer.ExecutionID, &timer.NodeID,
			&timer.Purpose, &timer.Attempt, &timer.DueAt, &timer.CreatedAt)
		if err != nil {
			return nil, persistence.NewStoreError("Due", "", err)
		}

		timers = append(timers, timer)
	}

	return timers, rows.Err()
}

func (r *TimerRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return persistence.NewStoreError("Delete", "", err)
	}

	return nil
}

var _ persistence.TimerRepository = (*TimerRepository)(nil)
