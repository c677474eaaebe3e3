package runner

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/loomline/loomline/pkg/registry"
	"github.com/loomline/loomline/pkg/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitFactory struct{}

func (emitFactory) Kind() string { return "emit" }

func (emitFactory) Create(config map[string]any) (steps.Step, error) {
	return emitStep{output: config}, nil
}

type emitStep struct {
	output map[string]any
}

func (s emitStep) Execute(_ context.Context, _ steps.StepContext, _ *slog.Logger) (map[string]any, error) {
	return s.output, nil
}

type failFactory struct{}

func (failFactory) Kind() string { return "fail" }

func (failFactory) Create(map[string]any) (steps.Step, error) {
	return failStep{}, nil
}

type failStep struct{}

var errStepBroken = errors.New("step broken")

func (failStep) Execute(context.Context, steps.StepContext, *slog.Logger) (map[string]any, error) {
	return nil, errStepBroken
}

type echoFactory struct{}

func (echoFactory) Kind() string { return "echo" }

func (echoFactory) Create(config map[string]any) (steps.Step, error) {
	key, _ := config["key"].(string)

	return echoStep{key: key}, nil
}

// echoStep copies one key out of the data projection, proving earlier step
// outputs are visible to later steps.
type echoStep struct {
	key string
}

func (s echoStep) Execute(_ context.Context, stepCtx steps.StepContext, _ *slog.Logger) (map[string]any, error) {
	return map[string]any{"echoed": stepCtx.Data[s.key]}, nil
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	reg.Register(emitFactory{})
	reg.Register(failFactory{})
	reg.Register(echoFactory{})

	return NewRunner(reg, slog.Default())
}

func TestRunSequentialWithDataFlow(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t)

	results, err := r.Run(t.Context(), steps.StepContext{ExecutionID: "exec-1"}, []steps.Spec{
		{ID: "s1", Kind: "emit", Config: map[string]any{"color": "green"}},
		{ID: "s2", Kind: "echo", Config: map[string]any{"key": "color"}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"color": "green"}, results["s1"])
	assert.Equal(t, map[string]any{"echoed": "green"}, results["s2"])
}

func TestRunShortCircuitsOnFailure(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t)

	results, err := r.Run(t.Context(), steps.StepContext{ExecutionID: "exec-1"}, []steps.Spec{
		{ID: "s1", Kind: "emit", Config: map[string]any{"n": 1}},
		{ID: "s2", Kind: "fail"},
		{ID: "s3", Kind: "emit", Config: map[string]any{"n": 3}},
	}, nil)
	require.Error(t, err)

	assert.ErrorIs(t, err, errStepBroken)
	assert.Contains(t, results, "s1")
	assert.NotContains(t, results, "s3")
}

func TestRunUnknownKind(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t)

	_, err := r.Run(t.Context(), steps.StepContext{}, []steps.Spec{
		{ID: "s1", Kind: "teleport"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRunDoesNotMutateCallerData(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t)

	data := map[string]any{"color": "red"}

	_, err := r.Run(t.Context(), steps.StepContext{Data: data}, []steps.Spec{
		{ID: "s1", Kind: "emit", Config: map[string]any{"color": "blue"}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "red", data["color"])
}
