package pathlang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, path string) CompiledPath {
	t.Helper()
	cp, err := Compile(path)
	require.NoError(t, err)
	return cp
}

func TestCompileSimpleKeyPath(t *testing.T) {
	cp := mustCompile(t, "$.foo.bar")
	require.Len(t, cp, 2)
	assert.Equal(t, SegKey, cp[0].Kind)
	assert.Equal(t, "foo", cp[0].Key)
	assert.Equal(t, "bar", cp[1].Key)
}

func TestQueryValuesSimple(t *testing.T) {
	doc := map[string]interface{}{"foo": map[string]interface{}{"bar": float64(2)}}
	cp := mustCompile(t, "$.foo.bar")
	vals := QueryValues(doc, cp)
	require.Len(t, vals, 1)
	assert.Equal(t, float64(2), vals[0])
}

func TestQuerySlotsAllowsMissingFinalKey(t *testing.T) {
	doc := map[string]interface{}{}
	cp := mustCompile(t, "$.foo")
	slots := QuerySlots(doc, cp)
	require.Len(t, slots, 1)
	assert.Equal(t, PathArray{"foo"}, slots[0])

	// Missing intermediate keys are never addressable.
	cp2 := mustCompile(t, "$.foo.bar")
	assert.Empty(t, QuerySlots(doc, cp2))
}

func TestQueryPathsExcludesMissing(t *testing.T) {
	doc := map[string]interface{}{}
	cp := mustCompile(t, "$.foo")
	assert.Empty(t, QueryPaths(doc, cp))
}

func TestWildcardOverObjectIsSortedByKey(t *testing.T) {
	doc := map[string]interface{}{"foo": map[string]interface{}{"b": 1.0, "a": 2.0}}
	cp := mustCompile(t, "$.foo.*")
	paths := QueryPaths(doc, cp)
	require.Len(t, paths, 2)
	assert.Equal(t, PathArray{"foo", "a"}, paths[0])
	assert.Equal(t, PathArray{"foo", "b"}, paths[1])
}

func TestMultiKeyFanOut(t *testing.T) {
	doc := map[string]interface{}{"foo": map[string]interface{}{"a": 1.0, "b": 2.0, "c": 3.0}}
	cp := mustCompile(t, "$.foo['a','c']")
	vals := QueryValues(doc, cp)
	assert.ElementsMatch(t, []interface{}{1.0, 3.0}, vals)
}

func TestSliceSegment(t *testing.T) {
	doc := map[string]interface{}{"arr": []interface{}{1.0, 2.0, 3.0, 4.0, 5.0}}
	cp := mustCompile(t, "$.arr[1:4]")
	vals := QueryValues(doc, cp)
	assert.Equal(t, []interface{}{2.0, 3.0, 4.0}, vals)
}

func TestFilterSegment(t *testing.T) {
	doc := map[string]interface{}{"arr": []interface{}{
		map[string]interface{}{"x": 1.0},
		map[string]interface{}{"x": 5.0},
	}}
	cp := mustCompile(t, "$.arr[?(@.x > 2)]")
	vals := QueryValues(doc, cp)
	require.Len(t, vals, 1)
	assert.Equal(t, 5.0, vals[0].(map[string]interface{})["x"])
}

func TestRecursiveDescent(t *testing.T) {
	doc := map[string]interface{}{
		"foo": map[string]interface{}{"name": "a"},
		"bar": []interface{}{map[string]interface{}{"name": "b"}},
	}
	cp := mustCompile(t, "$..name")
	vals := QueryValues(doc, cp)
	assert.ElementsMatch(t, []interface{}{"a", "b"}, vals)
}

func TestSplitIntoSingularPaths(t *testing.T) {
	doc := map[string]interface{}{"foo": map[string]interface{}{"a": 1.0, "b": 2.0}}
	cp := mustCompile(t, "$.foo.*")
	singles := SplitIntoSingularPaths(doc, cp)
	require.Len(t, singles, 2)
	for _, s := range singles {
		require.Len(t, s, 2)
		assert.Equal(t, SegKey, s[1].Kind)
	}
}

func TestExprErrorOnNonNumberOperator(t *testing.T) {
	_, err := EvalExpr(nil, &Expr{Kind: ExprBinary, Op: "+", Left: &Expr{Kind: ExprLiteral, Literal: "x"}, Right: &Expr{Kind: ExprLiteral, Literal: 1.0}})
	require.Error(t, err)
	var exprErr *ExprError
	assert.ErrorAs(t, err, &exprErr)
}

func TestConditionalExpr(t *testing.T) {
	e, err := ParseExpr("@.x > 1 ? 'big' : 'small'")
	require.NoError(t, err)
	v, err := EvalExpr(map[string]interface{}{"x": 5.0}, e)
	require.NoError(t, err)
	assert.Equal(t, "big", v)
}
