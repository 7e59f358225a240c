// Package usertask registers the usertask kind. User task nodes never reach
// the dispatcher; the scheduler records a human task and suspends until the
// completion signal arrives. The factory exists so deploy-time validation
// covers user task configuration like every other kind.
package usertask

import (
	"context"
	"errors"
	"log/slog"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
)

// ErrNotDispatchable is returned if a user task is ever dispatched.
var ErrNotDispatchable = errors.New("user tasks are completed through the task API, not the dispatcher")

type Activity struct{}

func (a *Activity) Execute(_ context.Context, _ models.ActivityTask, _ *slog.Logger) (map[string]any, error) {
	return nil, protocol.Terminal(ErrNotDispatchable)
}

// ActivityFactory validates usertask node configuration.
type ActivityFactory struct{}

func NewActivityFactory() *ActivityFactory {
	return &ActivityFactory{}
}

func (f *ActivityFactory) Create(_ map[string]any) (protocol.Activity, error) {
	return &Activity{}, nil
}

func (f *ActivityFactory) Kind() string {
	return "usertask"
}

func (f *ActivityFactory) Queue() string {
	return models.QueueDefault
}

// Schema returns the JSON schema for usertask node configuration.
func (f *ActivityFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"assignee": map[string]any{
				"type":        "string",
				"description": "User the task is assigned to",
			},
			"candidateGroups": map[string]any{
				"type":        "array",
				"description": "Groups whose members may claim the task",
				"items":       map[string]any{"type": "string"},
			},
			"formSpec": map[string]any{
				"type":        "object",
				"description": "Form rendered to the assignee",
			},
			"signalName": map[string]any{
				"type":        "string",
				"description": "Signal that completes the task. Defaults to the node id.",
			},
		},
		"additionalProperties": false,
	}
}
