package script

import (
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
)

// ActivityFactory creates script activity instances.
type ActivityFactory struct{}

func NewActivityFactory() *ActivityFactory {
	return &ActivityFactory{}
}

func (f *ActivityFactory) Create(config map[string]any) (protocol.Activity, error) {
	return NewActivity(config)
}

func (f *ActivityFactory) Kind() string {
	return "script"
}

func (f *ActivityFactory) Queue() string {
	return models.QueueDefault
}

// Schema returns the JSON schema for script node configuration.
func (f *ActivityFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source": map[string]any{
				"type":        "string",
				"format":      "code",
				"description": "Script source handed to the runner.",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "Source language, informational for the runner.",
				"default":     "python",
			},
			"runner": map[string]any{
				"type":        "string",
				"description": "Runner command line. The runner reads {source, input} as JSON on stdin and prints a JSON object.",
				"examples":    []string{"periscope-script-runner --sandbox"},
			},
		},
		"required":             []string{"source"},
		"additionalProperties": false,
	}
}
