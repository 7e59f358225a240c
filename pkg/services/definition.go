package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/periscope-dev/engine/pkg/bpmn"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/registry"
)

// FormatBPMN and FormatJSON are the accepted deploy payload formats.
const (
	FormatBPMN = "bpmn"
	FormatJSON = "json"
)

// Definition deploys and reads versioned process definitions.
type Definition struct {
	persistence persistence.Persistence
	registry    *registry.Registry
}

// NewDefinition creates the definition service.
func NewDefinition(persistence persistence.Persistence, registry *registry.Registry) *Definition {
	return &Definition{
		persistence: persistence,
		registry:    registry,
	}
}

// HealthCheck checks the health of the persistence layer.
func (d *Definition) HealthCheck(ctx context.Context) (string, bool) {
	if d.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := d.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// DeployRequest carries one definition to deploy. Format defaults to BPMN
// when the content starts with an XML declaration or element.
type DeployRequest struct {
	Format  string
	Content []byte
}

// DeployResult reports the deployed version and any validation findings.
// Validation is populated for BPMN deploys even on success so warnings
// reach the caller.
type DeployResult struct {
	Definition *models.ProcessDefinition `json:"definition,omitempty"`
	Validation *bpmn.ValidationResult    `json:"validation,omitempty"`
}

// Deploy validates and persists a new definition version. Deploys are all
// or nothing: a definition with any validation error is never stored.
func (d *Definition) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	format := req.Format
	if format == "" {
		format = detectFormat(req.Content)
	}

	var (
		def    *models.ProcessDefinition
		result *DeployResult
	)

	switch format {
	case FormatBPMN:
		parsed, validation, err := bpmn.Ingest(req.Content)
		result = &DeployResult{Validation: validation}

		if err != nil {
			if errors.Is(err, bpmn.ErrInvalidDefinition) {
				return result, fmt.Errorf("%w: %d validation errors", ErrDefinitionInvalid, len(validation.Errors()))
			}

			return result, err
		}

		def = parsed
	case FormatJSON:
		parsed, err := d.decodeJSON(req.Content)
		if err != nil {
			return nil, err
		}

		def = parsed
		result = &DeployResult{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if def.ID == "" {
		return result, ErrEmptyDefinitionID
	}

	err := d.validateActivityConfigs(def.Nodes)
	if err != nil {
		return result, err
	}

	version, err := d.persistence.Definitions().NextVersion(ctx, def.ID)
	if err != nil {
		return result, fmt.Errorf("failed to allocate version: %w", err)
	}

	def.Version = version
	def.DeployedAt = time.Now().UTC()

	err = d.persistence.Definitions().Save(ctx, def)
	if err != nil {
		return result, fmt.Errorf("failed to save definition: %w", err)
	}

	result.Definition = def

	return result, nil
}

func (d *Definition) decodeJSON(content []byte) (*models.ProcessDefinition, error) {
	var def models.ProcessDefinition

	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(&def)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error())
	}

	err = validateGraph(&def)
	if err != nil {
		return nil, err
	}

	return &def, nil
}

// validateGraph enforces the structural rules BPMN validation covers for
// XML deploys on a raw JSON graph.
func validateGraph(def *models.ProcessDefinition) error {
	if _, ok := def.StartEvent(); !ok {
		return ErrNoStartEvent
	}

	hasEnd := false

	ids := make(map[string]bool)
	collectNodeIDs(def.Nodes, ids, &hasEnd)

	if !hasEnd {
		return ErrNoEndEvent
	}

	err := checkEdges(def.Nodes, def.Edges, ids)
	if err != nil {
		return err
	}

	return checkReachability(def.Nodes, def.Edges)
}

// checkReachability walks forward from each start event and rejects the
// graph when any reachable node has no path to an end event, such as a
// cycle without an exit. Subprocess scopes are checked on their own.
func checkReachability(nodes []models.Node, edges []models.Edge) error {
	outgoing := make(map[string][]string)

	for _, edge := range edges {
		outgoing[edge.From] = append(outgoing[edge.From], edge.To)
	}

	// Boundary events extend the flow of their host.
	isEnd := make(map[string]bool)

	var starts []string

	for i := range nodes {
		switch nodes[i].Type {
		case models.NodeTypeStartEvent:
			starts = append(starts, nodes[i].ID)
		case models.NodeTypeEndEvent:
			isEnd[nodes[i].ID] = true
		case models.NodeTypeBoundaryEvent:
			if nodes[i].AttachedTo != "" {
				outgoing[nodes[i].AttachedTo] = append(outgoing[nodes[i].AttachedTo], nodes[i].ID)
			}
		}
	}

	reachesEnd := make(map[string]bool)

	var walk func(id string, visiting map[string]bool) bool

	walk = func(id string, visiting map[string]bool) bool {
		if reachesEnd[id] || isEnd[id] {
			reachesEnd[id] = true

			return true
		}

		if visiting[id] {
			return false
		}

		visiting[id] = true
		defer delete(visiting, id)

		for _, next := range outgoing[id] {
			if walk(next, visiting) {
				reachesEnd[id] = true

				return true
			}
		}

		return false
	}

	for _, start := range starts {
		frontier := []string{start}
		seen := map[string]bool{start: true}

		for len(frontier) > 0 {
			current := frontier[0]
			frontier = frontier[1:]

			if !walk(current, map[string]bool{}) {
				return fmt.Errorf("%w: no end event reachable from %s", models.ErrUnreachableEndEvent, current)
			}

			for _, next := range outgoing[current] {
				if !seen[next] {
					seen[next] = true
					frontier = append(frontier, next)
				}
			}
		}
	}

	for i := range nodes {
		if nodes[i].Type == models.NodeTypeSubprocess {
			err := checkReachability(nodes[i].Nodes, nodes[i].Edges)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func collectNodeIDs(nodes []models.Node, ids map[string]bool, hasEnd *bool) {
	for i := range nodes {
		ids[nodes[i].ID] = true

		if nodes[i].Type == models.NodeTypeEndEvent {
			*hasEnd = true
		}

		if nodes[i].Type == models.NodeTypeSubprocess {
			collectNodeIDs(nodes[i].Nodes, ids, hasEnd)
		}
	}
}

func checkEdges(nodes []models.Node, edges []models.Edge, ids map[string]bool) error {
	for _, edge := range edges {
		if !ids[edge.From] || !ids[edge.To] {
			return fmt.Errorf("%w: %s", ErrDanglingEdge, edge.ID)
		}
	}

	for i := range nodes {
		if nodes[i].Type == models.NodeTypeSubprocess {
			err := checkEdges(nodes[i].Nodes, nodes[i].Edges, ids)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// validateActivityConfigs checks task node configuration against the
// registered activity schemas at deploy time so bad configuration fails
// the deploy, not the first execution.
func (d *Definition) validateActivityConfigs(nodes []models.Node) error {
	if d.registry == nil {
		return nil
	}

	for i := range nodes {
		node := &nodes[i]

		if node.Type == models.NodeTypeSubprocess {
			err := d.validateActivityConfigs(node.Nodes)
			if err != nil {
				return err
			}

			continue
		}

		if !node.Type.IsTask() || len(node.Config) == 0 {
			continue
		}

		kind := activityKindFor(node)
		if !d.registry.IsRegistered(kind) {
			continue
		}

		err := d.registry.ValidateConfig(kind, node.Config)
		if err != nil {
			return NewValidationError("Deploy", "invalid_activity_config",
				fmt.Sprintf("node %s: %s", node.ID, err.Error()), ErrInvalidRequest)
		}
	}

	return nil
}

func activityKindFor(node *models.Node) string {
	if node.ActivityKind != "" {
		return node.ActivityKind
	}

	switch node.Type {
	case models.NodeTypeScriptTask:
		return "script"
	case models.NodeTypeSendTask:
		return "email"
	case models.NodeTypeUserTask:
		return "usertask"
	default:
		if node.Agent != nil {
			return "aiagent"
		}

		return "webhook"
	}
}

func detectFormat(content []byte) string {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return FormatBPMN
	}

	return FormatJSON
}

// FetchByID returns one definition; version 0 means latest.
func (d *Definition) FetchByID(ctx context.Context, id string, version int) (*models.ProcessDefinition, error) {
	if id == "" {
		return nil, ErrEmptyDefinitionID
	}

	return d.persistence.Definitions().ByID(ctx, id, version)
}

// List returns the latest version of every deployed definition.
func (d *Definition) List(ctx context.Context) ([]*models.ProcessDefinition, error) {
	return d.persistence.Definitions().List(ctx)
}
