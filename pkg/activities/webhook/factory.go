package webhook

import (
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
)

// ActivityFactory creates webhook activity instances.
type ActivityFactory struct{}

func NewActivityFactory() *ActivityFactory {
	return &ActivityFactory{}
}

func (f *ActivityFactory) Create(config map[string]any) (protocol.Activity, error) {
	return NewActivity(config)
}

func (f *ActivityFactory) Kind() string {
	return "webhook"
}

func (f *ActivityFactory) Queue() string {
	return models.QueueDefault
}

// Schema returns the JSON schema for webhook node configuration.
func (f *ActivityFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to call. Supports templating against variables and the mapped input.",
				"examples": []string{
					"https://api.example.com/orders",
					"https://api.example.com/orders/{{.input.order_id}}",
				},
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method to use",
				"default":     "POST",
				"enum":        []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "HTTP headers to include. Values support templating.",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"body": map[string]any{
				"type":        "string",
				"format":      "code",
				"description": "Request body content, templated.",
				"examples": []string{
					`{"amount": {{.input.amount}}, "requester": "{{.input.requester}}"}`,
				},
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}
