// Package persistence provides the data storage abstraction for process
// definitions, executions and the durable event log.
package persistence

import (
	"context"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
)

// Persistence aggregates the repositories of one storage backend.
type Persistence interface {
	Definitions() DefinitionRepository
	Executions() ExecutionRepository
	History() HistoryRepository
	HumanTasks() HumanTaskRepository
	Timers() TimerRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores immutable, versioned process definitions.
type DefinitionRepository interface {
	// Save persists a new definition version. Saving an (id, version) pair
	// that already exists fails with ErrDefinitionAlreadyExists; versions
	// are never overwritten.
	Save(ctx context.Context, def *models.ProcessDefinition) error

	// NextVersion returns the next monotonic version for a definition id.
	NextVersion(ctx context.Context, id string) (int, error)

	// ByID returns one version of a definition; version 0 means latest.
	ByID(ctx context.Context, id string, version int) (*models.ProcessDefinition, error)

	// List returns the latest version of every deployed definition.
	List(ctx context.Context) ([]*models.ProcessDefinition, error)
}

// ExecutionRepository reads the materialized current-state projection.
// Writes go through HistoryRepository.Append so the projection can never
// drift from the log.
type ExecutionRepository interface {
	ByID(ctx context.Context, id string) (*models.Execution, error)
	List(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error)

	// NonTerminal returns every execution that recovery must rehydrate.
	NonTerminal(ctx context.Context) ([]*models.Execution, error)

	// Variables returns the persisted variable rows of an execution.
	Variables(ctx context.Context, executionID string) ([]models.VariableValue, error)
}

// AppendBatch is one atomic unit of scheduler output: history entries plus
// every projection row they imply. Appending the entries and updating the
// projections commit in a single transaction, before any external side
// effect is attempted.
type AppendBatch struct {
	Execution      *models.Execution
	Entries        []models.HistoryEntry
	Variables      []models.VariableValue
	HumanTasks     []models.HumanTask
	Timers         []models.Timer
	DeleteTimerIDs []string
}

// HistoryRepository is the durable event log.
type HistoryRepository interface {
	// Append assigns monotonic, gapless sequence numbers to the batch
	// entries and commits the batch atomically. It returns the sequence
	// number assigned to the first entry.
	Append(ctx context.Context, batch AppendBatch) (int64, error)

	// Read streams entries of one execution ordered by sequence number,
	// starting at fromSeq inclusive.
	Read(ctx context.Context, executionID string, fromSeq int64) ([]models.HistoryEntry, error)
}

// HumanTaskRepository reads human task records.
type HumanTaskRepository interface {
	ByID(ctx context.Context, id string) (*models.HumanTask, error)
	Open(ctx context.Context) ([]*models.HumanTask, error)
	ByExecution(ctx context.Context, executionID string) ([]*models.HumanTask, error)
}

// TimerRepository reads durable timers for the sweep.
type TimerRepository interface {
	// Due returns at most limit timers due at or before now, ordered by
	// due time.
	Due(ctx context.Context, now time.Time, limit int) ([]models.Timer, error)

	// Delete removes timer rows whose purpose has lapsed, such as rows
	// for executions that turned terminal before the sweep picked them up.
	Delete(ctx context.Context, ids []string) error
}
