package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEnvLiterals(t *testing.T) {
	t.Parallel()

	env := NewExprEnv()
	v, err := env.Evaluate("true")
	require.NoError(t, err)
	assert.True(t, v)

	v, err = env.Evaluate("false")
	require.NoError(t, err)
	assert.False(t, v)
}

func TestExprEnvSymbolsAndOperators(t *testing.T) {
	t.Parallel()

	env := NewExprEnv()
	env.SetBool("offload_active", true)
	env.Set("channel_count", 2)
	env.SetString("purpose", "playback")

	cases := map[string]bool{
		"offload_active":                    true,
		"!offload_active":                   false,
		"channel_count == 2":                true,
		"channel_count == 6":                false,
		"purpose == 'playback'":             true,
		"purpose == 'capture'":              false,
		"offload_active && channel_count == 2": true,
		"offload_active || false":           true,
		"(offload_active)":                  true,
		"missing_symbol":                    false,
	}
	for expr, want := range cases {
		got, err := env.Evaluate(expr)
		require.NoErrorf(t, err, "expr %q", expr)
		assert.Equalf(t, want, got, "expr %q", expr)
	}
}

// S3: disable = true means always disabled regardless of any other symbol.
func TestPluginDescEnabledEmptyVsDisableTrue(t *testing.T) {
	t.Parallel()

	env := NewExprEnv()
	always := PluginDesc{Title: "always-on"}
	enabled, err := env.Enabled(always)
	require.NoError(t, err)
	assert.True(t, enabled)

	off := PluginDesc{Title: "always-off", Disable: "true"}
	enabled, err = env.Enabled(off)
	require.NoError(t, err)
	assert.False(t, enabled)
}
