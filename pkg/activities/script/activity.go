// Package script provides the script activity. The source runs in an
// external runner process; the engine only shells out and collects the
// runner's JSON output.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
)

var (
	// ErrSourceMissing is returned when no script source is configured.
	ErrSourceMissing = errors.New("missing or invalid 'source' in configuration")
	// ErrRunnerUnavailable is returned when no runner command is configured.
	ErrRunnerUnavailable = errors.New("script runner is not configured")
	// ErrRunnerFailed is returned when the runner exits non-zero.
	ErrRunnerFailed = errors.New("script runner failed")
)

// Activity executes a script through the configured runner command. The
// runner receives {"source": ..., "input": ...} on stdin and must print a
// JSON object on stdout.
type Activity struct {
	Source string
	Runner []string
}

// NewActivity creates a script activity from node configuration.
func NewActivity(config map[string]any) (*Activity, error) {
	source, ok := config["source"].(string)
	if !ok || source == "" {
		return nil, protocol.Terminal(ErrSourceMissing)
	}

	var runner []string

	if runnerConfig, ok := config["runner"].(string); ok && runnerConfig != "" {
		runner = strings.Fields(runnerConfig)
	}

	return &Activity{
		Source: source,
		Runner: runner,
	}, nil
}

func (a *Activity) Execute(ctx context.Context, task models.ActivityTask, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("module", "script_activity")

	if len(a.Runner) == 0 {
		return nil, protocol.Terminal(ErrRunnerUnavailable)
	}

	payload, err := json.Marshal(map[string]any{
		"source": a.Source,
		"input":  task.Input,
	})
	if err != nil {
		return nil, protocol.Terminal(fmt.Errorf("failed to encode runner payload: %w", err))
	}

	logger.InfoContext(ctx, "Running script", "runner", a.Runner[0])

	cmd := exec.CommandContext(ctx, a.Runner[0], a.Runner[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrRunnerFailed, err, strings.TrimSpace(stderr.String()))
	}

	var result map[string]any

	err = json.Unmarshal(stdout.Bytes(), &result)
	if err != nil {
		return nil, protocol.Terminal(fmt.Errorf("runner output is not a JSON object: %w", err))
	}

	return result, nil
}
