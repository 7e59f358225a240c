// Package protocol defines the contracts between the scheduler and the
// activity implementations it dispatches to.
package protocol

import (
	"context"
	"log/slog"

	"github.com/periscope-dev/engine/pkg/models"
)

// Activity executes one attempt of a task node. Execute must honor ctx
// cancellation; the dispatcher cancels it on timeout and on execution
// cancellation. The returned map becomes the node result bound through the
// output mapping.
type Activity interface {
	Execute(ctx context.Context, task models.ActivityTask, logger *slog.Logger) (map[string]any, error)
}

// ActivityFactory creates activity instances for one kind.
type ActivityFactory interface {
	// Create builds an activity from the node configuration. The
	// configuration was validated against Schema at deploy time.
	Create(config map[string]any) (Activity, error)

	// Kind returns the activity kind this factory serves.
	Kind() string

	// Queue returns the task queue class for this kind.
	Queue() string

	// Schema returns the JSON schema the node configuration must satisfy.
	Schema() map[string]any
}
