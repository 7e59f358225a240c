package models

import (
	"regexp"
	"time"
)

// VariableType is the declared type of a process variable.
type VariableType string

const (
	VariableTypeString   VariableType = "string"
	VariableTypeInteger  VariableType = "integer"
	VariableTypeNumber   VariableType = "number"
	VariableTypeBoolean  VariableType = "boolean"
	VariableTypeDateTime VariableType = "datetime"
	VariableTypeArray    VariableType = "array"
	VariableTypeObject   VariableType = "object"
	VariableTypeAny      VariableType = "any"
)

// VariableNamePattern constrains declared variable names.
var VariableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// reservedVariableNames cannot be used as variable names because they
// collide with expression keywords or engine-provided bindings.
var reservedVariableNames = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "in": {}, "is": {},
	"true": {}, "false": {}, "null": {}, "none": {},
	"execution": {}, "variables": {}, "results": {}, "env": {},
}

// IsReservedVariableName reports whether name collides with a keyword.
func IsReservedVariableName(name string) bool {
	_, ok := reservedVariableNames[name]

	return ok
}

// VariableConstraints restricts the values a variable may take.
type VariableConstraints struct {
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	MinLength   *int     `json:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	UniqueItems bool     `json:"unique_items,omitempty"`
}

// VariableDeclaration declares one process variable of a definition.
type VariableDeclaration struct {
	Name        string               `json:"name" validate:"required"`
	Type        VariableType         `json:"type" validate:"required"`
	Required    bool                 `json:"required"`
	IsInput     bool                 `json:"is_input"`
	Sensitive   bool                 `json:"sensitive"`
	Immutable   bool                 `json:"immutable"`
	Transient   bool                 `json:"transient"`
	Default     any                  `json:"default,omitempty"`
	Constraints *VariableConstraints `json:"constraints,omitempty"`
	Description string               `json:"description,omitempty"`
}

// VariableValue is the current value row of one (execution, name) pair.
type VariableValue struct {
	ExecutionID    string    `json:"execution_id"`
	Name           string    `json:"name"`
	Value          Value     `json:"value"`
	Previous       Value     `json:"previous"`
	Modified       time.Time `json:"modified"`
	ModifiedBy     string    `json:"modified_by"` // node id or external actor
	WriteCount     int       `json:"write_count"`
	Sensitive      bool      `json:"sensitive"`
	DeclaredType   VariableType
	ImmutableAfter bool // immutable declaration; rejects writes after the first assignment
}
