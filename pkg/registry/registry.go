// Package registry holds the closed set of activity kinds the dispatcher
// can execute. Kinds are compiled in; there is no runtime plugin loading.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/periscope-dev/engine/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

type Registry struct {
	logger            *slog.Logger
	activityFactories map[string]protocol.ActivityFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:            log,
		activityFactories: make(map[string]protocol.ActivityFactory),
	}
}

func (r *Registry) RegisterActivity(factory protocol.ActivityFactory) {
	r.activityFactories[factory.Kind()] = factory
}

// CreateActivity builds an activity for the kind, validating the node
// configuration against the factory schema first.
func (r *Registry) CreateActivity(kind string, config map[string]any) (protocol.Activity, error) {
	factory, ok := r.activityFactories[kind]
	if !ok {
		return nil, fmt.Errorf("activity kind '%s' not registered", kind)
	}

	err := r.ValidateConfig(kind, config)
	if err != nil {
		return nil, err
	}

	return factory.Create(config)
}

// ValidateConfig checks a node configuration against the kind's schema
// without instantiating the activity. Deploy-time validation uses this.
func (r *Registry) ValidateConfig(kind string, config map[string]any) error {
	factory, ok := r.activityFactories[kind]
	if !ok {
		return fmt.Errorf("activity kind '%s' not registered", kind)
	}

	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("schema validation for kind '%s': %w", kind, err)
	}

	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}

		return fmt.Errorf("invalid configuration for kind '%s': %s", kind, strings.Join(issues, "; "))
	}

	return nil
}

// Queue returns the task queue class for a kind, defaulting unknown kinds
// to the default queue so the caller can report a clean error later.
func (r *Registry) Queue(kind string) string {
	factory, ok := r.activityFactories[kind]
	if !ok {
		return "default"
	}

	return factory.Queue()
}

// IsRegistered reports whether a kind is part of the closed set.
func (r *Registry) IsRegistered(kind string) bool {
	_, ok := r.activityFactories[kind]

	return ok
}

// Kinds returns the registered kinds sorted for stable reporting.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.activityFactories))
	for kind := range r.activityFactories {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	return kinds
}
