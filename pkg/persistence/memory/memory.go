// Package memory provides an in-memory persistence implementation for tests
// and single-process development. All guarantees of the interface hold
// (gapless sequences, atomic batches); nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
)

// Persistence implements persistence.Persistence in memory.
type Persistence struct {
	mu sync.RWMutex

	definitions map[string][]*models.ProcessDefinition // id -> versions ascending
	executions  map[string]*models.Execution
	history     map[string][]models.HistoryEntry
	variables   map[string]map[string]models.VariableValue // execution -> name -> row
	humanTasks  map[string]*models.HumanTask
	timers      map[string]models.Timer
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		definitions: make(map[string][]*models.ProcessDefinition),
		executions:  make(map[string]*models.Execution),
		history:     make(map[string][]models.HistoryEntry),
		variables:   make(map[string]map[string]models.VariableValue),
		humanTasks:  make(map[string]*models.HumanTask),
		timers:      make(map[string]models.Timer),
	}
}

func (p *Persistence) Definitions() persistence.DefinitionRepository { return (*definitionRepo)(p) }
func (p *Persistence) Executions() persistence.ExecutionRepository   { return (*executionRepo)(p) }
func (p *Persistence) History() persistence.HistoryRepository        { return (*historyRepo)(p) }
func (p *Persistence) HumanTasks() persistence.HumanTaskRepository   { return (*humanTaskRepo)(p) }
func (p *Persistence) Timers() persistence.TimerRepository           { return (*timerRepo)(p) }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

type definitionRepo Persistence

func (r *definitionRepo) Save(ctx context.Context, def *models.ProcessDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.definitions[def.ID] {
		if existing.Version == def.Version {
			return persistence.NewStoreError("Save", def.ID, persistence.ErrDefinitionAlreadyExists)
		}
	}

	cloned := *def
	r.definitions[def.ID] = append(r.definitions[def.ID], &cloned)

	sort.Slice(r.definitions[def.ID], func(i, j int) bool {
		return r.definitions[def.ID][i].Version < r.definitions[def.ID][j].Version
	})

	return nil
}

func (r *definitionRepo) NextVersion(ctx context.Context, id string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.definitions[id]
	if len(versions) == 0 {
		return 1, nil
	}

	return versions[len(versions)-1].Version + 1, nil
}

func (r *definitionRepo) ByID(ctx context.Context, id string, version int) (*models.ProcessDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.definitions[id]
	if len(versions) == 0 {
		return nil, persistence.NewStoreError("ByID", id, persistence.ErrDefinitionNotFound)
	}

	if version == 0 {
		d := *versions[len(versions)-1]

		return &d, nil
	}

	for _, def := range versions {
		if def.Version == version {
			d := *def

			return &d, nil
		}
	}

	return nil, persistence.NewStoreError("ByID", id, persistence.ErrDefinitionNotFound)
}

func (r *definitionRepo) List(ctx context.Context) ([]*models.ProcessDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ProcessDefinition, 0, len(r.definitions))

	for _, versions := range r.definitions {
		d := *versions[len(versions)-1]
		out = append(out, &d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

type executionRepo Persistence

func (r *executionRepo) ByID(ctx context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewStoreError("ByID", id, persistence.ErrExecutionNotFound)
	}

	e := *exec

	return &e, nil
}

func (r *executionRepo) List(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Execution

	for _, exec := range r.executions {
		if status != "" && exec.Status != status {
			continue
		}

		e := *exec
		out = append(out, &e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (r *executionRepo) NonTerminal(ctx context.Context) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Execution

	for _, exec := range r.executions {
		if exec.Status.IsTerminal() {
			continue
		}

		e := *exec
		out = append(out, &e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (r *executionRepo) Variables(ctx context.Context, executionID string) ([]models.VariableValue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.variables[executionID]
	out := make([]models.VariableValue, 0, len(rows))

	for _, row := range rows {
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

type historyRepo Persistence

func (r *historyRepo) Append(ctx context.Context, batch persistence.AppendBatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	execID := batch.Execution.ID
	log := r.history[execID]
	first := int64(len(log)) // sequences start at 0

	for i := range batch.Entries {
		batch.Entries[i].Seq = first + int64(i)
		log = append(log, batch.Entries[i])
	}

	r.history[execID] = log

	exec := *batch.Execution
	exec.UpdatedAt = time.Now().UTC()
	r.executions[execID] = &exec

	if len(batch.Variables) > 0 {
		rows := r.variables[execID]
		if rows == nil {
			rows = make(map[string]models.VariableValue)
			r.variables[execID] = rows
		}

		for _, row := range batch.Variables {
			rows[row.Name] = row
		}
	}

	for i := range batch.HumanTasks {
		task := batch.HumanTasks[i]
		r.humanTasks[task.ID] = &task
	}

	for _, timer := range batch.Timers {
		r.timers[timer.ID] = timer
	}

	for _, id := range batch.DeleteTimerIDs {
		delete(r.timers, id)
	}

	return first, nil
}

func (r *historyRepo) Read(ctx context.Context, executionID string, fromSeq int64) ([]models.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.history[executionID]
	if fromSeq >= int64(len(log)) {
		return nil, nil
	}

	if fromSeq < 0 {
		fromSeq = 0
	}

	out := make([]models.HistoryEntry, len(log)-int(fromSeq))
	copy(out, log[fromSeq:])

	return out, nil
}

type humanTaskRepo Persistence

func (r *humanTaskRepo) ByID(ctx context.Context, id string) (*models.HumanTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.humanTasks[id]
	if !ok {
		return nil, persistence.NewStoreError("ByID", id, persistence.ErrHumanTaskNotFound)
	}

	t := *task

	return &t, nil
}

func (r *humanTaskRepo) Open(ctx context.Context) ([]*models.HumanTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.HumanTask

	for _, task := range r.humanTasks {
		if task.Status != models.HumanTaskStatusOpen {
			continue
		}

		t := *task
		out = append(out, &t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (r *humanTaskRepo) ByExecution(ctx context.Context, executionID string) ([]*models.HumanTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.HumanTask

	for _, task := range r.humanTasks {
		if task.ExecutionID != executionID {
			continue
		}

		t := *task
		out = append(out, &t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

type timerRepo Persistence

func (r *timerRepo) Due(ctx context.Context, now time.Time, limit int) ([]models.Timer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Timer

	for _, timer := range r.timers {
		if !timer.DueAt.After(now) {
			out = append(out, timer)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *timerRepo) Delete(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		delete(r.timers, id)
	}

	return nil
}
