package email

import (
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
)

// ActivityFactory creates email activity instances.
type ActivityFactory struct{}

func NewActivityFactory() *ActivityFactory {
	return &ActivityFactory{}
}

func (f *ActivityFactory) Create(config map[string]any) (protocol.Activity, error) {
	return NewActivity(config)
}

func (f *ActivityFactory) Kind() string {
	return "email"
}

func (f *ActivityFactory) Queue() string {
	return models.QueueDefault
}

// Schema returns the JSON schema for email node configuration.
func (f *ActivityFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"host": map[string]any{
				"type":        "string",
				"description": "SMTP relay host",
			},
			"port": map[string]any{
				"type":        "integer",
				"description": "SMTP relay port",
				"default":     587,
			},
			"from": map[string]any{
				"type":        "string",
				"description": "Sender address",
			},
			"username": map[string]any{
				"type": "string",
			},
			"password": map[string]any{
				"type": "string",
			},
			"to": map[string]any{
				"description": "Recipient address or list. Falls back to the 'to' field of the mapped input.",
				"oneOf": []map[string]any{
					{"type": "string"},
					{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
			"subject": map[string]any{
				"type":        "string",
				"description": "Subject line, templated.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Plain-text body, templated.",
			},
		},
		"required":             []string{"host", "from"},
		"additionalProperties": false,
	}
}
