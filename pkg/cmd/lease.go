package cmd

import (
	"fmt"
	"log/slog"

	"github.com/periscope-dev/engine/pkg/engine/lease"
	"github.com/redis/go-redis/v9"
)

// NewLeaseManager creates the execution lease manager. An empty redisURL
// selects the in-process manager, which is only safe for a single node.
func NewLeaseManager(logger *slog.Logger, redisURL string) (lease.Manager, error) {
	if redisURL == "" {
		logger.Warn("No redis URL configured, using in-process execution leases")

		return lease.NewMemoryManager(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return lease.NewRedisManager(redis.NewClient(opts)), nil
}
