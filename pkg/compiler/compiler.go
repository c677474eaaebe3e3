// Package compiler implements the bidirectional transform between the
// textual workflow definition format and the in-memory graph, plus the
// structural validator. The compiler only parses and generates structured
// text; it never executes definition content.
package compiler

import (
	"errors"
	"fmt"

	"github.com/loomline/loomline/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDefinition = errors.New("invalid workflow definition")

// document is the YAML shape of a workflow definition.
type document struct {
	Name    string         `yaml:"name"`
	Version int            `yaml:"version,omitempty"`
	Entry   string         `yaml:"entry,omitempty"`
	Context map[string]any `yaml:"context,omitempty"`
	Nodes   []*models.Node `yaml:"nodes"`
	Edges   []*models.Edge `yaml:"edges,omitempty"`
}

// ValidationResult reports the outcome of structural validation. Errors make
// the definition unusable; warnings are quality-of-life findings only.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Compile parses the textual form into a graph and validates it. Warnings
// are returned alongside a valid graph; errors reject the text outright.
func Compile(text string) (*models.Definition, []string, error) {
	var doc document

	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	def := &models.Definition{
		Name:           doc.Name,
		Version:        doc.Version,
		Nodes:          doc.Nodes,
		Edges:          doc.Edges,
		EntryNode:      doc.Entry,
		InitialContext: doc.Context,
		CompiledText:   text,
	}

	for i, e := range def.Edges {
		if e.ID == "" {
			e.ID = fmt.Sprintf("edge-%d", i+1)
		}
	}

	result := Validate(def)
	if !result.Valid {
		return nil, result.Warnings, fmt.Errorf("%w: %s", ErrInvalidDefinition, result.Errors[0])
	}

	return def, result.Warnings, nil
}

// Decompile renders the graph back to its textual form. The output is
// guaranteed to compile back into a structurally equal graph.
func Decompile(def *models.Definition) (string, error) {
	doc := document{
		Name:    def.Name,
		Version: def.Version,
		Entry:   def.EntryNode,
		Context: def.InitialContext,
		Nodes:   def.Nodes,
		Edges:   def.Edges,
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render definition %s: %w", def.ID, err)
	}

	return string(out), nil
}

// Refresh re-renders the cached textual form when the dirty flag is set.
func Refresh(def *models.Definition) error {
	if !def.Dirty && def.CompiledText != "" {
		return nil
	}

	text, err := Decompile(def)
	if err != nil {
		return err
	}

	def.CompiledText = text
	def.Dirty = false

	return nil
}

// Validate checks the structural invariants of a graph.
func Validate(def *models.Definition) ValidationResult {
	var result ValidationResult

	if len(def.Nodes) == 0 {
		result.Errors = append(result.Errors, "definition has no nodes")
	}

	seen := make(map[string]bool, len(def.Nodes))

	for _, n := range def.Nodes {
		if n.ID == "" {
			result.Errors = append(result.Errors, "node without id")

			continue
		}

		if seen[n.ID] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate node id %q", n.ID))
		}

		seen[n.ID] = true

		if !models.IsKnownNodeKind(n.Kind) {
			result.Errors = append(result.Errors, fmt.Sprintf("node %q has unknown kind %q", n.ID, n.Kind))

			continue
		}

		if err := validateNodeConfig(n); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("node %q: %v", n.ID, err))
		}
	}

	for _, e := range def.Edges {
		if !seen[e.Source] {
			result.Errors = append(result.Errors, fmt.Sprintf("edge %s references missing source node %q", e.ID, e.Source))
		}

		if !seen[e.Target] {
			result.Errors = append(result.Errors, fmt.Sprintf("edge %s references missing target node %q", e.ID, e.Target))
		}
	}

	if def.EntryNode != "" && !seen[def.EntryNode] {
		result.Errors = append(result.Errors, fmt.Sprintf("entry node %q does not exist", def.EntryNode))
	}

	entry, ok := def.Entry()
	if !ok && len(def.Nodes) > 0 && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, "no unambiguous entry node: mark one explicitly")
	}

	if ok && len(result.Errors) == 0 {
		for _, id := range unreachableNodes(def, entry.ID) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("node %q is unreachable from the entry point", id))
		}
	}

	result.Valid = len(result.Errors) == 0

	return result
}

func unreachableNodes(def *models.Definition, entryID string) []string {
	visited := map[string]bool{entryID: true}
	queue := []string{entryID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range def.OutgoingEdges(current) {
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	var unreachable []string

	for _, n := range def.Nodes {
		if !visited[n.ID] {
			unreachable = append(unreachable, n.ID)
		}
	}

	return unreachable
}
