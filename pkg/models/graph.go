// Package models defines the core domain models for resumable workflow orchestration.
package models

import "time"

// NodeKind identifies the step kind of a node. The set is closed: the
// compiler rejects definitions containing any other kind.
type NodeKind string

const (
	NodeKindTask        NodeKind = "task"        // Executed by an external delegate
	NodeKindConditional NodeKind = "conditional" // Evaluated in-process against the context
	NodeKindQuestion    NodeKind = "question"    // Suspends for human input
)

// KnownNodeKinds lists every node kind the engine accepts.
var KnownNodeKinds = []NodeKind{NodeKindTask, NodeKindConditional, NodeKindQuestion}

func IsKnownNodeKind(kind NodeKind) bool {
	for _, k := range KnownNodeKinds {
		if k == kind {
			return true
		}
	}

	return false
}

// Node is a single step in a workflow definition.
type Node struct {
	ID     string         `json:"id"     yaml:"id"     validate:"required"`
	Kind   NodeKind       `json:"kind"   yaml:"kind"   validate:"required"`
	Name   string         `json:"name"   yaml:"name"`
	Config map[string]any `json:"config" yaml:"config,omitempty"`
}

// Edge is a directed connection between two nodes. Ports are optional and
// only meaningful on multi-branch nodes (e.g. "then"/"else" on a conditional).
type Edge struct {
	ID         string `json:"id"                    yaml:"id"`
	Source     string `json:"source"                yaml:"source"      validate:"required"`
	Target     string `json:"target"                yaml:"target"      validate:"required"`
	SourcePort string `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	TargetPort string `json:"target_port,omitempty" yaml:"target_port,omitempty"`
}

// Definition is a named, versioned workflow graph. Once an execution has
// captured its own copy of the graph, the captured copy is never mutated.
type Definition struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"            validate:"required,min=3"`
	Version        int            `json:"version"`
	Nodes          []*Node        `json:"nodes"`
	Edges          []*Edge        `json:"edges"`
	EntryNode      string         `json:"entry_node"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Cached textual form produced by the compiler. Dirty marks the cache
	// stale after an edit so callers know a re-decompile is needed.
	CompiledText string `json:"compiled_text,omitempty"`
	Dirty        bool   `json:"dirty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindNode returns the node with the given id, if present.
func (d *Definition) FindNode(id string) (*Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return nil, false
}

// Entry resolves the starting node: the explicitly marked entry when set,
// otherwise the single node without incoming edges.
func (d *Definition) Entry() (*Node, bool) {
	if d.EntryNode != "" {
		return d.FindNode(d.EntryNode)
	}

	incoming := make(map[string]int, len(d.Nodes))
	for _, e := range d.Edges {
		incoming[e.Target]++
	}

	var entry *Node

	for _, n := range d.Nodes {
		if incoming[n.ID] == 0 {
			if entry != nil {
				return nil, false
			}

			entry = n
		}
	}

	if entry == nil {
		return nil, false
	}

	return entry, true
}

// OutgoingEdges returns every edge leaving the given node, in definition order.
func (d *Definition) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge

	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}

	return out
}

// NextNode follows the completed node's outgoing edge, honoring the port
// selected by a multi-branch node. Returns "" when the node is final.
func (d *Definition) NextNode(nodeID, port string) string {
	for _, e := range d.OutgoingEdges(nodeID) {
		if port == "" || e.SourcePort == "" || e.SourcePort == port {
			return e.Target
		}
	}

	return ""
}

// Clone returns a deep copy of the definition graph. Executions capture a
// clone so later edits to the definition cannot affect a running graph.
func (d *Definition) Clone() *Definition {
	clone := *d
	clone.Nodes = make([]*Node, len(d.Nodes))

	for i, n := range d.Nodes {
		nc := *n
		nc.Config = cloneMap(n.Config)
		clone.Nodes[i] = &nc
	}

	clone.Edges = make([]*Edge, len(d.Edges))
	for i, e := range d.Edges {
		ec := *e
		clone.Edges[i] = &ec
	}

	clone.InitialContext = cloneMap(d.InitialContext)
	clone.Metadata = cloneMap(d.Metadata)

	return &clone
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))

	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			dst[k] = cloneMap(nested)

			continue
		}

		dst[k] = v
	}

	return dst
}
