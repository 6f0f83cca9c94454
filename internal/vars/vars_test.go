package vars

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Construction and scope operations ---

func TestNew_MergePrecedence(t *testing.T) {
	v := New(
		map[string]any{"a": 1, "b": "base"},
		map[string]any{"b": "override", "c": true},
	)

	a, ok := v.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, a)

	b, ok := v.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "override", b)

	c, ok := v.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, true, c)
	assert.Equal(t, 3, v.Len())
}

func TestNew_DeepCopiesInputs(t *testing.T) {
	src := map[string]any{"doc": map[string]any{"id": "d1"}}
	v := New(src)

	src["doc"].(map[string]any)["id"] = "mutated"

	doc, ok := v.Lookup("doc")
	require.True(t, ok)
	assert.Equal(t, "d1", doc.(map[string]any)["id"])
}

func TestSet_LastWriteWins(t *testing.T) {
	v := New(nil)
	v.Set("x", 1)
	v.Set("x", map[string]any{"nested": true})

	x, ok := v.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"nested": true}, x)
}

func TestPick_OmitsAbsentNames(t *testing.T) {
	v := New(map[string]any{"a": 1, "b": 2})

	picked := v.Pick([]string{"a", "missing"})
	assert.Equal(t, map[string]any{"a": 1}, picked)
	_, exists := picked["missing"]
	assert.False(t, exists)
}

func TestResolve_SnapshotIsolated(t *testing.T) {
	v := New(map[string]any{"list": []any{1, 2}})
	snap := v.Resolve()
	snap["list"].([]any)[0] = 99

	list, _ := v.Lookup("list")
	assert.Equal(t, []any{1, 2}, list)
}

// --- Reference resolution ---

func TestResolveParams_BareReferenceKeepsType(t *testing.T) {
	v := New(map[string]any{
		"count": 42,
		"doc":   map[string]any{"id": "d1"},
		"flag":  true,
	})

	resolved := v.ResolveParams(map[string]any{
		"n": "${{count}}",
		"d": "${{doc}}",
		"f": "${{ flag }}",
	}).(map[string]any)

	assert.Equal(t, 42, resolved["n"])
	assert.Equal(t, map[string]any{"id": "d1"}, resolved["d"])
	assert.Equal(t, true, resolved["f"])
}

func TestResolveParams_EmbeddedReferenceStringifies(t *testing.T) {
	v := New(map[string]any{"name": "Ada", "count": 3})

	resolved := v.ResolveParams(map[string]any{
		"greeting": "Hello, ${{name}}!",
		"summary":  "${{count}} items for ${{name}}",
	}).(map[string]any)

	assert.Equal(t, "Hello, Ada!", resolved["greeting"])
	assert.Equal(t, "3 items for Ada", resolved["summary"])
}

func TestResolveParams_UnresolvedBareReferenceDropsKey(t *testing.T) {
	v := New(map[string]any{"known": "yes"})

	resolved := v.ResolveParams(map[string]any{
		"present": "${{known}}",
		"gone":    "${{missing}}",
	}).(map[string]any)

	assert.Equal(t, "yes", resolved["present"])
	_, exists := resolved["gone"]
	assert.False(t, exists, "unresolved bare reference must drop the map entry, not bind nil")
}

func TestResolveParams_ExplicitNullIsNotAbsence(t *testing.T) {
	v := New(map[string]any{"empty": nil})

	resolved := v.ResolveParams(map[string]any{"val": "${{empty}}"}).(map[string]any)

	val, exists := resolved["val"]
	require.True(t, exists, "a bound null resolves to null, not absence")
	assert.Nil(t, val)
}

func TestResolveParams_UnresolvedEmbeddedReferenceSkipped(t *testing.T) {
	v := New(map[string]any{"name": "Ada"})

	resolved := v.ResolveParams(map[string]any{
		"line": "Hi ${{name}}, id=${{missing}}.",
	}).(map[string]any)

	assert.Equal(t, "Hi Ada, id=.", resolved["line"])
}

func TestResolveParams_ArrayElements(t *testing.T) {
	v := New(map[string]any{"a": 1})

	resolved := v.ResolveParams([]any{"${{a}}", "${{missing}}", "plain"}).([]any)

	assert.Equal(t, 1, resolved[0])
	assert.Nil(t, resolved[1], "absent array elements become nil to preserve positions")
	assert.Equal(t, "plain", resolved[2])
}

func TestResolveParams_DottedPath(t *testing.T) {
	v := New(map[string]any{
		"doc": map[string]any{"meta": map[string]any{"id": "d1"}},
	})

	resolved := v.ResolveParams(map[string]any{
		"id":      "${{doc.meta.id}}",
		"badPath": "${{doc.meta.id.deeper}}",
	}).(map[string]any)

	assert.Equal(t, "d1", resolved["id"])
	_, exists := resolved["badPath"]
	assert.False(t, exists)
}

func TestResolveParams_DirectKeyWinsOverPath(t *testing.T) {
	v := New(map[string]any{
		"doc.id": "direct",
		"doc":    map[string]any{"id": "traversed"},
	})

	resolved := v.ResolveParams(map[string]any{"val": "${{doc.id}}"}).(map[string]any)
	assert.Equal(t, "direct", resolved["val"])
}

func TestResolveParams_EmbeddedObjectRendersAsJSON(t *testing.T) {
	v := New(map[string]any{"doc": map[string]any{"id": "d1"}})

	resolved := v.ResolveParams(map[string]any{"line": "doc=${{doc}}"}).(map[string]any)
	assert.Equal(t, `doc={"id":"d1"}`, resolved["line"])
}

func TestResolveParams_UnclosedMarkerIsLiteral(t *testing.T) {
	v := New(map[string]any{"a": 1})

	resolved := v.ResolveParams(map[string]any{"val": "x ${{a"}).(map[string]any)
	assert.Equal(t, "x ${{a", resolved["val"])
}

func TestResolveParams_TopLevelAbsentIsNil(t *testing.T) {
	v := New(nil)
	assert.Nil(t, v.ResolveParams("${{missing}}"))
}

func TestHasReference(t *testing.T) {
	assert.True(t, HasReference("${{a}}"))
	assert.True(t, HasReference(map[string]any{"k": []any{"x", "${{a}}"}}))
	assert.False(t, HasReference(map[string]any{"k": "plain"}))
	assert.False(t, HasReference(42))
}
