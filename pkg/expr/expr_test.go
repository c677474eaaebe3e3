package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBool(t *testing.T) {
	t.Parallel()

	projection := map[string]any{
		"answers": map[string]any{
			"deploy": "yes",
			"count":  float64(3),
		},
		"env":     "production",
		"retries": 0,
		"flags": map[string]any{
			"beta": true,
		},
	}

	tests := []struct {
		name       string
		expression string
		expected   bool
	}{
		{"literal true", "true", true},
		{"literal false", "false", false},
		{"string equality", "env == 'production'", true},
		{"string inequality", "env != 'staging'", true},
		{"nested lookup", "answers.deploy == 'yes'", true},
		{"numeric comparison", "answers.count > 2", true},
		{"numeric comparison false", "answers.count >= 4", false},
		{"boolean and", "env == 'production' && flags.beta", true},
		{"boolean or", "env == 'staging' || flags.beta", true},
		{"negation", "!flags.beta", false},
		{"zero is falsy", "retries", false},
		{"missing key resolves nil", "answers.missing == null", true},
		{"missing key falsy", "answers.missing", false},
		{"parentheses", "(env == 'staging' || env == 'production') && answers.count < 10", true},
		{"negative number", "answers.count > -1", true},
		{"string ordering", "env >= 'prod'", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := EvaluateBool(tt.expression, projection)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		expression string
	}{
		{"unterminated string", "env == 'prod"},
		{"dangling operator", "env =="},
		{"unknown character", "env @ 'prod'"},
		{"missing paren", "(env == 'prod'"},
		{"trailing garbage", "true false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.expression)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestEvaluateIsSandboxed(t *testing.T) {
	t.Parallel()

	// Function-call and assignment syntax must not parse at all.
	for _, source := range []string{"os.exit(1)", "x = 1", "ctx['secret']"} {
		_, err := Parse(source)
		require.Error(t, err, source)
	}
}

func TestEvaluateTypeMismatch(t *testing.T) {
	t.Parallel()

	_, err := EvaluateBool("env > 3", map[string]any{"env": "production"})
	require.Error(t, err)
}

func TestEqualityOnUncomparableValues(t *testing.T) {
	t.Parallel()

	projection := map[string]any{
		"a":    map[string]any{"x": float64(1)},
		"b":    map[string]any{"x": float64(1)},
		"c":    map[string]any{"x": float64(2)},
		"list": []any{"one", "two"},
	}

	tests := []struct {
		name       string
		expression string
		expected   bool
	}{
		{"equal maps", "a == b", true},
		{"different maps", "a == c", false},
		{"map inequality", "a != c", true},
		{"map against scalar", "a == 'text'", false},
		{"list against list", "list == list", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := EvaluateBool(tt.expression, projection)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}
