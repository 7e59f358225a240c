// Package webhook provides the webhook activity, an outbound HTTP call with
// templated URL, headers and body.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
	"github.com/periscope-dev/engine/pkg/template"
)

const defaultTimeoutSeconds = 30

const maxResponseBodySize = 1024 * 1024 // 1MB

var (
	// ErrURLMissing is returned when the webhook URL is absent.
	ErrURLMissing = errors.New("missing or invalid 'url' in configuration")
	// ErrClientStatus is returned for 4xx responses, which retrying cannot fix.
	ErrClientStatus = errors.New("client error response")
	// ErrServerStatus is returned for 5xx responses.
	ErrServerStatus = errors.New("server error response")
)

// Activity performs an HTTP request against an external endpoint.
type Activity struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// NewActivity creates a webhook activity from node configuration.
func NewActivity(config map[string]any) (*Activity, error) {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, protocol.Terminal(ErrURLMissing)
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	body, _ := config["body"].(string)

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		if headersMap, ok := headersConfig.(map[string]any); ok {
			for k, v := range headersMap {
				if strVal, ok := v.(string); ok {
					headers[k] = strVal
				}
			}
		}
	}

	return &Activity{
		URL:     url,
		Method:  strings.ToUpper(method),
		Headers: headers,
		Body:    body,
		Timeout: defaultTimeoutSeconds * time.Second,
	}, nil
}

// Execute sends the request. 4xx responses are terminal; 5xx responses and
// transport failures are retryable.
func (a *Activity) Execute(ctx context.Context, task models.ActivityTask, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("module", "webhook_activity")
	logger.InfoContext(ctx, "Executing webhook activity", "url", a.URL, "method", a.Method)

	templateCtx := template.Context{
		ExecutionID: task.ExecutionID,
		Input:       task.Input,
	}

	req, err := a.buildRequest(ctx, templateCtx)
	if err != nil {
		return nil, protocol.Terminal(err)
	}

	client := &http.Client{Timeout: a.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := map[string]any{
		"status": resp.StatusCode,
		"body":   parseBody(raw, resp.Header.Get("Content-Type")),
	}

	switch {
	case resp.StatusCode >= 500:
		return result, fmt.Errorf("%w: status %d", ErrServerStatus, resp.StatusCode)
	case resp.StatusCode >= 400:
		return result, protocol.Terminal(fmt.Errorf("%w: status %d", ErrClientStatus, resp.StatusCode))
	default:
		return result, nil
	}
}

func (a *Activity) buildRequest(ctx context.Context, templateCtx template.Context) (*http.Request, error) {
	url, err := renderString(a.URL, templateCtx)
	if err != nil {
		return nil, err
	}

	body, err := renderString(a.Body, templateCtx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, a.Method, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range a.Headers {
		rendered, err := renderString(value, templateCtx)
		if err != nil {
			return nil, err
		}

		req.Header.Set(key, rendered)
	}

	return req, nil
}

func renderString(input string, ctx template.Context) (string, error) {
	if !template.NeedsTemplating(input) {
		return input, nil
	}

	rendered, err := template.RenderWithContext(input, ctx)
	if err != nil {
		return "", err
	}

	switch v := rendered.(type) {
	case string:
		return v, nil
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return "", err
		}

		return string(out), nil
	}
}

func parseBody(raw []byte, contentType string) any {
	if strings.Contains(contentType, "application/json") {
		var parsed any

		err := json.Unmarshal(raw, &parsed)
		if err == nil {
			return parsed
		}
	}

	return string(raw)
}
