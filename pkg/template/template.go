// Package template renders activity configuration strings against the
// variable snapshot and prior node results.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Context is the data visible to configuration templates.
type Context struct {
	ExecutionID  string
	DefinitionID string
	Variables    map[string]any
	Results      map[string]any
	Input        map[string]any
}

func (c Context) data() map[string]any {
	return map[string]any{
		"variables": c.Variables,
		"results":   c.Results,
		"input":     c.Input,
		"execution": map[string]any{
			"id":            c.ExecutionID,
			"definition_id": c.DefinitionID,
		},
	}
}

// RenderWithContext renders one template string. Results that look like
// JSON, numbers or booleans come back typed; everything else stays a string.
func RenderWithContext(input string, ctx Context) (any, error) {
	return Render(input, ctx.data())
}

// RenderMap renders every string value of a configuration map in place,
// recursing into nested maps and slices.
func RenderMap(config map[string]any, ctx Context) (map[string]any, error) {
	data := ctx.data()

	rendered := make(map[string]any, len(config))

	for key, value := range config {
		out, err := renderValue(value, data)
		if err != nil {
			return nil, err
		}

		rendered[key] = out
	}

	return rendered, nil
}

func renderValue(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v, nil
		}

		return Render(v, data)
	case map[string]any:
		rendered := make(map[string]any, len(v))

		for key, item := range v {
			out, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			rendered[key] = out
		}

		return rendered, nil
	case []any:
		rendered := make([]any, len(v))

		for i, item := range v {
			out, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			rendered[i] = out
		}

		return rendered, nil
	default:
		return value, nil
	}
}

// NeedsTemplating reports whether a string contains template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("config").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) (string, error) {
				out, err := json.Marshal(v)
				if err != nil {
					return "", err
				}

				return string(out), nil
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
