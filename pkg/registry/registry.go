// Package registry maps step kinds to their factories.
package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/loomline/loomline/pkg/steps"
)

type Registry struct {
	logger    *slog.Logger
	factories map[string]steps.Factory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "registry"),
		factories: make(map[string]steps.Factory),
	}
}

// Register adds a factory, replacing any previous factory for the kind.
func (r *Registry) Register(factory steps.Factory) {
	r.factories[factory.Kind()] = factory

	r.logger.Debug("Registered step factory", "kind", factory.Kind())
}

// Create instantiates a step of the given kind.
func (r *Registry) Create(kind string, config map[string]any) (steps.Step, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("step kind '%s' not registered", kind)
	}

	return factory.Create(config)
}

// Kinds lists the registered step kinds in stable order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	return kinds
}
