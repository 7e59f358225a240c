package services

import (
	"context"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/variables"
)

// ProcessEngine is the execution surface the service layer drives.
type ProcessEngine interface {
	StartExecution(ctx context.Context, executionID, definitionID string, version int, inputs map[string]any, initiator string) (*models.Execution, error)
	Signal(ctx context.Context, executionID, name string, payload map[string]any) error
	Cancel(ctx context.Context, executionID, reason, requestedBy string) error
}

// Execution starts, signals, and reads process executions.
type Execution struct {
	persistence persistence.Persistence
	engine      ProcessEngine
}

// NewExecution creates the execution service.
func NewExecution(persistence persistence.Persistence, engine ProcessEngine) *Execution {
	return &Execution{
		persistence: persistence,
		engine:      engine,
	}
}

// StartRequest describes one execution start.
type StartRequest struct {
	DefinitionID string         `json:"definition_id" validate:"required"`
	Version      int            `json:"version"`
	ExecutionID  string         `json:"execution_id"`
	Inputs       map[string]any `json:"inputs"`
	Initiator    string         `json:"initiator"`
}

// Start begins a new execution of a deployed definition.
func (s *Execution) Start(ctx context.Context, req StartRequest) (*models.Execution, error) {
	initiator := req.Initiator
	if initiator == "" {
		initiator = "api"
	}

	return s.engine.StartExecution(ctx, req.ExecutionID, req.DefinitionID, req.Version, req.Inputs, initiator)
}

// View is an execution with its variables. Sensitive variable values are
// masked; the raw values never leave the persistence layer through reads.
type View struct {
	*models.Execution

	Variables map[string]any `json:"variables"`
}

// FetchByID returns the current state of one execution.
func (s *Execution) FetchByID(ctx context.Context, id string) (*View, error) {
	exec, err := s.persistence.Executions().ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.persistence.Executions().Variables(ctx, id)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(rows))

	for _, row := range rows {
		if row.Sensitive {
			vars[row.Name] = variables.RedactedPlaceholder
		} else {
			vars[row.Name] = row.Value.Interface()
		}
	}

	return &View{Execution: exec, Variables: vars}, nil
}

// List returns executions, optionally filtered by status.
func (s *Execution) List(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	return s.persistence.Executions().List(ctx, status)
}

// History returns the event log of one execution from fromSeq on. Values
// of sensitive variable writes are masked.
func (s *Execution) History(ctx context.Context, id string, fromSeq int64) ([]models.HistoryEntry, error) {
	_, err := s.persistence.Executions().ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	entries, err := s.persistence.History().Read(ctx, id, fromSeq)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		maskEntry(&entries[i])
	}

	return entries, nil
}

func maskEntry(entry *models.HistoryEntry) {
	if entry.Kind != models.HistoryVariableSet {
		return
	}

	sensitive, _ := entry.Payload["sensitive"].(bool)
	if !sensitive {
		return
	}

	masked := make(map[string]any, len(entry.Payload))
	for k, v := range entry.Payload {
		masked[k] = v
	}

	masked["value"] = variables.RedactedPlaceholder
	entry.Payload = masked
}

// Signal delivers a named signal to one execution.
func (s *Execution) Signal(ctx context.Context, id, name string, payload map[string]any) error {
	return s.engine.Signal(ctx, id, name, payload)
}

// Cancel stops a running execution. Cancelling a terminal execution is
// a no-op.
func (s *Execution) Cancel(ctx context.Context, id, reason, requestedBy string) error {
	return s.engine.Cancel(ctx, id, reason, requestedBy)
}
