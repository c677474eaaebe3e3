package compiler

import (
	"testing"

	"github.com/loomline/loomline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linearDefinition = `
name: build-and-deploy
version: 2
entry: build
context:
  target: staging
nodes:
  - id: build
    kind: task
    name: Build
    config:
      command: build
  - id: gate
    kind: conditional
    config:
      condition: "context.target == 'production'"
  - id: deploy
    kind: task
    config:
      command: deploy
edges:
  - source: build
    target: gate
  - source: gate
    target: deploy
    source_port: then
`

func TestCompile(t *testing.T) {
	t.Parallel()

	def, warnings, err := Compile(linearDefinition)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Empty(t, warnings)

	assert.Equal(t, "build-and-deploy", def.Name)
	assert.Equal(t, 2, def.Version)
	assert.Len(t, def.Nodes, 3)
	assert.Len(t, def.Edges, 2)
	assert.Equal(t, "build", def.EntryNode)
	assert.Equal(t, "staging", def.InitialContext["target"])
	assert.Equal(t, linearDefinition, def.CompiledText)

	gate, ok := def.FindNode("gate")
	require.True(t, ok)
	assert.Equal(t, models.NodeKindConditional, gate.Kind)
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{"not yaml", ":\n\t- bad"},
		{"zero nodes", "name: empty\nnodes: []\n"},
		{
			"edge to missing node",
			"name: broken\nnodes:\n  - id: a\n    kind: task\nedges:\n  - source: a\n    target: ghost\n",
		},
		{
			"unknown kind",
			"name: broken\nnodes:\n  - id: a\n    kind: teleport\n",
		},
		{
			"duplicate node ids",
			"name: broken\nnodes:\n  - id: a\n    kind: task\n  - id: a\n    kind: task\n",
		},
		{
			"conditional without condition",
			"name: broken\nnodes:\n  - id: a\n    kind: conditional\n    config: {}\n",
		},
		{
			"question without prompt",
			"name: broken\nnodes:\n  - id: a\n    kind: question\n    config:\n      question:\n        id: q1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := Compile(tt.text)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestValidateWarnsOnUnreachableNodes(t *testing.T) {
	t.Parallel()

	def, warnings, err := Compile(`
name: with-orphan
entry: a
nodes:
  - id: a
    kind: task
  - id: orphan
    kind: task
`)
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "orphan")
}

func TestDecompileCompileRoundTrip(t *testing.T) {
	t.Parallel()

	original, _, err := Compile(linearDefinition)
	require.NoError(t, err)

	text, err := Decompile(original)
	require.NoError(t, err)

	recompiled, warnings, err := Compile(text)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, original.Name, recompiled.Name)
	assert.Equal(t, original.Version, recompiled.Version)
	assert.Equal(t, original.EntryNode, recompiled.EntryNode)
	assert.Equal(t, original.InitialContext, recompiled.InitialContext)
	require.Len(t, recompiled.Nodes, len(original.Nodes))

	for i, n := range original.Nodes {
		assert.Equal(t, n.ID, recompiled.Nodes[i].ID)
		assert.Equal(t, n.Kind, recompiled.Nodes[i].Kind)
		assert.Equal(t, n.Config, recompiled.Nodes[i].Config)
	}

	require.Len(t, recompiled.Edges, len(original.Edges))

	for i, e := range original.Edges {
		assert.Equal(t, e.Source, recompiled.Edges[i].Source)
		assert.Equal(t, e.Target, recompiled.Edges[i].Target)
		assert.Equal(t, e.SourcePort, recompiled.Edges[i].SourcePort)
	}
}

func TestRefreshOnlyRendersWhenDirty(t *testing.T) {
	t.Parallel()

	def, _, err := Compile(linearDefinition)
	require.NoError(t, err)

	cached := def.CompiledText
	require.NoError(t, Refresh(def))
	assert.Equal(t, cached, def.CompiledText)

	def.Dirty = true
	def.Name = "renamed"
	require.NoError(t, Refresh(def))
	assert.NotEqual(t, cached, def.CompiledText)
	assert.Contains(t, def.CompiledText, "renamed")
	assert.False(t, def.Dirty)
}
