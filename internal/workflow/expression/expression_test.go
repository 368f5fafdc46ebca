package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveStringReturnsTypedValueForSolePlaceholder(t *testing.T) {
	r := New()
	scope := map[string]any{"steps": map[string]any{"fetch": map[string]any{"count": 3}}}

	v, err := r.ResolveString("{{ steps.fetch.count }}", scope)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestResolveStringInterpolatesMixedText(t *testing.T) {
	r := New()
	scope := map[string]any{"run": map[string]any{"id": "run-42"}}

	v, err := r.ResolveString("run is {{ run.id }}!", scope)
	require.NoError(t, err)
	assert.Equal(t, "run is run-42!", v)
}

func TestResolveStringSupportsLegacyDottedForm(t *testing.T) {
	r := New()
	scope := map[string]any{"steps": map[string]any{"fetch": map[string]any{"result": "ok"}}}

	v, err := r.ResolveString("{{ $steps.fetch.output }}", scope)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestResolveMapWalksNestedStructures(t *testing.T) {
	r := New()
	scope := map[string]any{"parameters": map[string]any{"name": "acme"}}

	v, err := r.ResolveMap(map[string]any{
		"greeting": "hello {{ parameters.name }}",
		"nested":   []any{"{{ parameters.name }}", 42},
	}, scope)
	require.NoError(t, err)

	m := v.(map[string]any)
	assert.Equal(t, "hello acme", m["greeting"])
	assert.Equal(t, []any{"acme", 42}, m["nested"])
}

func TestResolveLegacyOutputReturnsFilesArray(t *testing.T) {
	result := map[string]any{"files": []any{"a.txt", "b.txt"}, "status": "ok"}
	assert.Equal(t, []any{"a.txt", "b.txt"}, ResolveLegacyOutput(result))
}

func TestResolveLegacyOutputPassesThroughWithoutFiles(t *testing.T) {
	result := map[string]any{"status": "ok"}
	assert.Equal(t, result, ResolveLegacyOutput(result))
}
