package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/persistence/memory"
	"github.com/periscope-dev/engine/pkg/persistence/postgresql"
)

// NewPersistence builds the store for the given database URL. Postgres URLs
// get the durable store; anything else falls back to the in-memory store,
// which only suits tests and local experiments.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		logger.Warn("No durable database configured, using in-memory persistence")

		return memory.NewPersistence(), nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
