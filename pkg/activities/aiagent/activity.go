// Package aiagent provides the aiagent activity, which hands a prompt to an
// agent service and returns its completion.
package aiagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
	"github.com/periscope-dev/engine/pkg/template"
)

const defaultTimeout = 120 * time.Second

const maxResponseBodySize = 4 * 1024 * 1024 // 4MB

var (
	// ErrEndpointMissing is returned when no agent endpoint is configured.
	ErrEndpointMissing = errors.New("missing or invalid 'endpoint' in configuration")
	// ErrPromptMissing is returned when neither agentId nor prompt is set.
	ErrPromptMissing = errors.New("configuration requires 'agentId' or 'prompt'")
	// ErrAgentRejected is returned for 4xx agent responses.
	ErrAgentRejected = errors.New("agent rejected the request")
	// ErrAgentUnavailable is returned for 5xx and 429 agent responses.
	ErrAgentUnavailable = errors.New("agent service unavailable")
)

// Activity calls the agent service. A node references either a managed
// agent by id or an inline prompt plus model.
type Activity struct {
	Endpoint  string
	AgentID   string
	AgentType string
	Prompt    string
	Model     string
	Timeout   time.Duration
}

// NewActivity creates an aiagent activity from node configuration. Nodes
// without an explicit endpoint use the worker-wide agent service from
// PERISCOPE_AGENT_ENDPOINT.
func NewActivity(config map[string]any) (*Activity, error) {
	endpoint, _ := config["endpoint"].(string)
	if endpoint == "" {
		endpoint = os.Getenv("PERISCOPE_AGENT_ENDPOINT")
	}

	if endpoint == "" {
		return nil, protocol.Terminal(ErrEndpointMissing)
	}

	agentID, _ := config["agentId"].(string)
	agentType, _ := config["agentType"].(string)
	prompt, _ := config["prompt"].(string)
	model, _ := config["model"].(string)

	if agentID == "" && prompt == "" {
		return nil, protocol.Terminal(ErrPromptMissing)
	}

	return &Activity{
		Endpoint:  endpoint,
		AgentID:   agentID,
		AgentType: agentType,
		Prompt:    prompt,
		Model:     model,
		Timeout:   defaultTimeout,
	}, nil
}

// Execute posts the rendered prompt and the mapped input to the agent
// service. 429 and 5xx responses are retryable; other 4xx are terminal.
func (a *Activity) Execute(ctx context.Context, task models.ActivityTask, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("module", "aiagent_activity")
	logger.InfoContext(ctx, "Calling agent service", "endpoint", a.Endpoint, "agent_id", a.AgentID, "model", a.Model)

	prompt := a.Prompt
	if template.NeedsTemplating(prompt) {
		rendered, err := template.RenderWithContext(prompt, template.Context{
			ExecutionID: task.ExecutionID,
			Input:       task.Input,
		})
		if err != nil {
			return nil, protocol.Terminal(err)
		}

		prompt = fmt.Sprintf("%v", rendered)
	}

	payload, err := json.Marshal(map[string]any{
		"agent_id":   a.AgentID,
		"agent_type": a.AgentType,
		"model":      a.Model,
		"prompt":     prompt,
		"input":      task.Input,
	})
	if err != nil {
		return nil, protocol.Terminal(fmt.Errorf("failed to encode agent request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, protocol.Terminal(fmt.Errorf("failed to build agent request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: a.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrAgentUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, protocol.Terminal(fmt.Errorf("%w: status %d: %s", ErrAgentRejected, resp.StatusCode, raw))
	}

	var result map[string]any

	err = json.Unmarshal(raw, &result)
	if err != nil {
		return nil, fmt.Errorf("agent response is not a JSON object: %w", err)
	}

	return result, nil
}
