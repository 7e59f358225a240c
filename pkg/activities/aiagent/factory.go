package aiagent

import (
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
)

// ActivityFactory creates aiagent activity instances.
type ActivityFactory struct{}

func NewActivityFactory() *ActivityFactory {
	return &ActivityFactory{}
}

func (f *ActivityFactory) Create(config map[string]any) (protocol.Activity, error) {
	return NewActivity(config)
}

func (f *ActivityFactory) Kind() string {
	return "aiagent"
}

// Queue routes agent work to the capacity-limited ai pool.
func (f *ActivityFactory) Queue() string {
	return models.QueueAI
}

// Schema returns the JSON schema for aiagent node configuration. A node
// names either a managed agent by id or an inline agentType with prompt
// and model.
func (f *ActivityFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"endpoint": map[string]any{
				"type":        "string",
				"description": "Agent service URL; defaults to the worker-wide endpoint",
			},
			"agentId": map[string]any{
				"type":        "string",
				"description": "Managed agent reference",
			},
			"agentType": map[string]any{
				"type":        "string",
				"description": "Inline agent type",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Prompt for inline agents, templated.",
				"examples": []string{
					"Summarize the expense report: {{.input.description}}",
				},
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Model for inline agents",
			},
		},
		"additionalProperties": false,
	}
}
