// Package cmd provides common initialization for the command-line binaries.
package cmd

import (
	"log/slog"

	"github.com/periscope-dev/engine/pkg/registry"
)

// NewRegistry builds the activity registry with every built-in kind.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	return registry.NewBuiltinRegistry(logger)
}
