package variables

import (
	"fmt"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
)

// RedactedPlaceholder replaces sensitive values in external renderings.
const RedactedPlaceholder = "[REDACTED]"

// Write records one successful variable mutation for the audit trail.
type Write struct {
	Name      string
	Old       models.Value
	New       models.Value
	Actor     string
	Sensitive bool
	At        time.Time
}

// State holds the variable values of one execution. It is scoped strictly to
// (execution id, name); concurrent executions of the same definition never
// share state. The engine serializes access through the execution lease, so
// State itself carries no lock.
type State struct {
	executionID string
	decls       map[string]models.VariableDeclaration
	order       []string
	values      map[string]models.VariableValue
}

// NewState builds an empty variable state for an execution.
func NewState(executionID string, decls []models.VariableDeclaration) *State {
	s := &State{
		executionID: executionID,
		decls:       make(map[string]models.VariableDeclaration, len(decls)),
		values:      make(map[string]models.VariableValue),
	}

	for _, d := range decls {
		s.decls[d.Name] = d
		s.order = append(s.order, d.Name)
	}

	return s
}

// ValidateInputs checks the start contract: every required input variable
// must be present or carry a declared default. Returns MissingRequiredInput
// before any state is touched.
func (s *State) ValidateInputs(input map[string]any) error {
	for _, name := range s.order {
		d := s.decls[name]
		if !d.Required || !d.IsInput {
			continue
		}

		if _, ok := input[name]; ok {
			continue
		}

		if d.Default != nil {
			continue
		}

		return fmt.Errorf("%w: variable %q", models.ErrMissingRequiredInput, name)
	}

	for name := range input {
		if !models.VariableNamePattern.MatchString(name) {
			return fmt.Errorf("%w: invalid input variable name %q", models.ErrTypeOrConstraintViolation, name)
		}
	}

	return nil
}

// ApplyDefaults assigns declared defaults for variables absent from input.
// Default assignment does not count as the first write of an immutable
// variable; the first non-default assignment does.
func (s *State) ApplyDefaults(actor string) ([]Write, error) {
	var writes []Write

	for _, name := range s.order {
		d := s.decls[name]
		if d.Default == nil {
			continue
		}

		if _, set := s.values[name]; set {
			continue
		}

		val, err := Coerce(d.Default, d.Type)
		if err != nil {
			return nil, fmt.Errorf("default for %q: %w", name, err)
		}

		s.values[name] = models.VariableValue{
			ExecutionID:  s.executionID,
			Name:         name,
			Value:        val,
			Modified:     time.Now().UTC(),
			ModifiedBy:   actor,
			Sensitive:    d.Sensitive,
			DeclaredType: d.Type,
			// WriteCount stays 0: an immutable variable still accepts its
			// first explicit assignment over a default.
		}

		writes = append(writes, Write{Name: name, Old: models.Null(), New: val, Actor: actor, Sensitive: d.Sensitive, At: time.Now().UTC()})
	}

	return writes, nil
}

// Get returns the current value, or Null with ErrVariableNotFound when the
// name was never set and carries no default.
func (s *State) Get(name string) (models.Value, error) {
	if row, ok := s.values[name]; ok {
		return row.Value, nil
	}

	if _, declared := s.decls[name]; declared {
		return models.Null(), nil
	}

	return models.Null(), fmt.Errorf("%w: %q", models.ErrVariableNotFound, name)
}

// Set validates and applies one write: type coercion, constraint checks and
// the immutability rule. On violation the prior value is left unchanged. The
// returned Write carries old and new values for the audit history.
func (s *State) Set(name string, raw any, actor string) (Write, error) {
	decl, declared := s.decls[name]
	if !declared {
		if !models.VariableNamePattern.MatchString(name) {
			return Write{}, fmt.Errorf("%w: invalid variable name %q", models.ErrTypeOrConstraintViolation, name)
		}

		if models.IsReservedVariableName(name) {
			return Write{}, fmt.Errorf("%w: %q is reserved", models.ErrTypeOrConstraintViolation, name)
		}

		// Undeclared names become dynamic any-typed variables; task output
		// mappings may introduce them at runtime.
		decl = models.VariableDeclaration{Name: name, Type: models.VariableTypeAny}
	}

	prior, exists := s.values[name]

	if decl.Immutable && exists && prior.WriteCount > 0 {
		return Write{}, fmt.Errorf("%w: variable %q", models.ErrImmutableVariableViolation, name)
	}

	val, err := Coerce(raw, decl.Type)
	if err != nil {
		return Write{}, fmt.Errorf("variable %q: %w", name, err)
	}

	if err := CheckConstraints(name, val, decl.Constraints); err != nil {
		return Write{}, err
	}

	old := models.Null()
	if exists {
		old = prior.Value
	}

	now := time.Now().UTC()
	s.values[name] = models.VariableValue{
		ExecutionID:  s.executionID,
		Name:         name,
		Value:        val,
		Previous:     old,
		Modified:     now,
		ModifiedBy:   actor,
		WriteCount:   prior.WriteCount + 1,
		Sensitive:    decl.Sensitive,
		DeclaredType: decl.Type,
	}

	return Write{Name: name, Old: old, New: val, Actor: actor, Sensitive: decl.Sensitive, At: now}, nil
}

// Replay applies a write recorded in history without re-validating it.
// History is the source of truth; replay must reconstruct exactly the state
// that passed validation the first time.
func (s *State) Replay(name string, value models.Value, actor string, at time.Time) {
	prior := s.values[name]
	decl := s.decls[name]

	s.values[name] = models.VariableValue{
		ExecutionID:  s.executionID,
		Name:         name,
		Value:        value,
		Previous:     prior.Value,
		Modified:     at,
		ModifiedBy:   actor,
		WriteCount:   prior.WriteCount + 1,
		Sensitive:    decl.Sensitive,
		DeclaredType: decl.Type,
	}
}

// Snapshot returns the full variable mapping for guard evaluation. Internal
// consumers see real values, sensitive or not.
func (s *State) Snapshot() map[string]models.Value {
	out := make(map[string]models.Value, len(s.values))

	for name, row := range s.values {
		out[name] = row.Value
	}

	return out
}

// Interfaces returns the variables as native values for template rendering.
func (s *State) Interfaces() map[string]any {
	out := make(map[string]any, len(s.values))

	for name, row := range s.values {
		out[name] = row.Value.Interface()
	}

	return out
}

// Masked renders the variables for external consumers with sensitive values
// redacted. The stored value is never altered.
func (s *State) Masked() map[string]any {
	out := make(map[string]any, len(s.values))

	for name, row := range s.values {
		if row.Sensitive {
			out[name] = RedactedPlaceholder

			continue
		}

		out[name] = row.Value.Interface()
	}

	return out
}

// Rows returns the current value rows, excluding transient variables, for
// persistence alongside a history append.
func (s *State) Rows() []models.VariableValue {
	out := make([]models.VariableValue, 0, len(s.values))

	for name, row := range s.values {
		if d, ok := s.decls[name]; ok && d.Transient {
			continue
		}

		out = append(out, row)
	}

	return out
}

// Row returns the stored row for one variable.
func (s *State) Row(name string) (models.VariableValue, bool) {
	row, ok := s.values[name]

	return row, ok
}

// MaskValue redacts a single value when the declaration is sensitive.
func (s *State) MaskValue(name string, v models.Value) any {
	if d, ok := s.decls[name]; ok && d.Sensitive {
		return RedactedPlaceholder
	}

	if row, ok := s.values[name]; ok && row.Sensitive {
		return RedactedPlaceholder
	}

	return v.Interface()
}
