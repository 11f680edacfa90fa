package jsondoc

import (
	"testing"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/pathlang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func path(steps ...interface{}) pathlang.PathArray {
	return pathlang.PathArray(steps)
}

func TestApplySetOnNewKey(t *testing.T) {
	root := map[string]interface{}{}
	newRoot, changed, err := ApplyScalar(root, ActionSet, path("foo"), "bar", nil)
	require.NoError(t, err)
	assert.Equal(t, "bar", newRoot.(map[string]interface{})["foo"])
	assert.Equal(t, []pathlang.PathArray{path("foo")}, changed)
}

func TestApplySetOnNestedKey(t *testing.T) {
	root := map[string]interface{}{"a": map[string]interface{}{}}
	newRoot, changed, err := ApplyScalar(root, ActionSet, path("a", "b"), 1.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, newRoot.(map[string]interface{})["a"].(map[string]interface{})["b"])
	assert.Equal(t, []pathlang.PathArray{path("a", "b")}, changed)
}

func TestApplyToRootFails(t *testing.T) {
	_, _, err := ApplyScalar(map[string]interface{}{}, ActionSet, pathlang.PathArray{}, 1.0, nil)
	assert.Error(t, err)
}

// Scenario S6: Array delete shifts changed.
// on [1,2,3,4], {Delete, $.foo[1]} yields changed = [[foo,1],[foo,2],[foo,3]]
// and value [1,3,4].
func TestApplyDeleteShiftsChanged(t *testing.T) {
	root := map[string]interface{}{"foo": []interface{}{1.0, 2.0, 3.0, 4.0}}
	newRoot, changed, err := ApplyScalar(root, ActionDelete, path("foo", 1), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 3.0, 4.0}, newRoot.(map[string]interface{})["foo"])
	assert.Equal(t, []pathlang.PathArray{
		path("foo", 1),
		path("foo", 2),
		path("foo", 3),
	}, changed)
}

func TestApplyDeleteMissingKeyIsNoop(t *testing.T) {
	root := map[string]interface{}{"foo": 1.0}
	newRoot, changed, err := ApplyScalar(root, ActionDelete, path("bar"), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 1.0, newRoot.(map[string]interface{})["foo"])
}

func TestApplyAddAndMultiply(t *testing.T) {
	root := map[string]interface{}{"n": 10.0}
	newRoot, _, err := ApplyScalar(root, ActionAdd, path("n"), 5.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 15.0, newRoot.(map[string]interface{})["n"])

	newRoot, _, err = ApplyScalar(newRoot, ActionMultiply, path("n"), 2.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 30.0, newRoot.(map[string]interface{})["n"])
}

func TestApplyInitArrayIsNoopIfAlreadyContainer(t *testing.T) {
	root := map[string]interface{}{"xs": []interface{}{1.0}}
	newRoot, changed, err := ApplyScalar(root, ActionInitArray, path("xs"), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, []interface{}{1.0}, newRoot.(map[string]interface{})["xs"])
}

func TestApplyInsertBeforeAndAfter(t *testing.T) {
	root := map[string]interface{}{"xs": []interface{}{1.0, 2.0, 3.0}}
	newRoot, changed, err := ApplyScalar(root, ActionInsertBefore, path("xs", 1), 99.0, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 99.0, 2.0, 3.0}, newRoot.(map[string]interface{})["xs"])
	require.NotEmpty(t, changed)

	root2 := map[string]interface{}{"xs": []interface{}{1.0, 2.0, 3.0}}
	newRoot2, _, err := ApplyScalar(root2, ActionInsertAfter, path("xs", 1), 99.0, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 2.0, 99.0, 3.0}, newRoot2.(map[string]interface{})["xs"])
}

func TestApplyInsertUniqueSkipsDuplicate(t *testing.T) {
	root := map[string]interface{}{"xs": []interface{}{1.0, 2.0}}
	newRoot, changed, err := ApplyScalar(root, ActionInsertUnique, path("xs", 0), 2.0, nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, []interface{}{1.0, 2.0}, newRoot.(map[string]interface{})["xs"])
}

func TestApplyMoveRelocatesAndClearsSource(t *testing.T) {
	root := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0},
		"b": map[string]interface{}{},
	}
	newRoot, changed, err := ApplyScalar(root, ActionMove, path("b", "y"), nil, path("a", "x"))
	require.NoError(t, err)
	m := newRoot.(map[string]interface{})
	assert.Equal(t, 1.0, m["b"].(map[string]interface{})["y"])
	_, stillThere := m["a"].(map[string]interface{})["x"]
	assert.False(t, stillThere)
	assert.NotEmpty(t, changed)
}

func TestApplyCopyLeavesSourceIntact(t *testing.T) {
	root := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0},
		"b": map[string]interface{}{},
	}
	newRoot, _, err := ApplyScalar(root, ActionCopy, path("b", "y"), nil, path("a", "x"))
	require.NoError(t, err)
	m := newRoot.(map[string]interface{})
	assert.Equal(t, 1.0, m["b"].(map[string]interface{})["y"])
	assert.Equal(t, 1.0, m["a"].(map[string]interface{})["x"])
}

// Scenario S3: writes anchored to an op-id keep addressing the same
// logical slot after a sibling insert shifts literal array indices.
func TestAnchoredPathFollowsSlotAfterSiblingInsert(t *testing.T) {
	s := NewState()
	ts1 := ids.Timestamp{Author: "AUTHOR1", Index: 1}
	changed, err := ApplyIdMappedAction(s, ScalarAction{
		Timestamp: ts1,
		Type:      ActionInitArray,
		Path:      AnchoredPath{Suffix: path("items")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, changed)

	ts2 := ids.Timestamp{Author: "AUTHOR1", Index: 2}
	_, err = ApplyIdMappedAction(s, ScalarAction{
		Timestamp: ts2,
		Type:      ActionInsertBefore,
		Path:      AnchoredPath{Suffix: path("items", 0)},
		Payload:   "first",
	})
	require.NoError(t, err)

	anchor := s.AnchorPathToId(path("items", 0))
	require.NotNil(t, anchor.ID)
	assert.Equal(t, ts2, *anchor.ID)

	ts3 := ids.Timestamp{Author: "AUTHOR1", Index: 3}
	_, err = ApplyIdMappedAction(s, ScalarAction{
		Timestamp: ts3,
		Type:      ActionInsertBefore,
		Path:      AnchoredPath{Suffix: path("items", 0)},
		Payload:   "zeroth",
	})
	require.NoError(t, err)

	resolved, err := s.Resolve(anchor)
	require.NoError(t, err)
	assert.Equal(t, path("items", 1), resolved)

	v, ok := navigateTest(s.Root, resolved)
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func navigateTest(root interface{}, p pathlang.PathArray) (interface{}, bool) {
	cur := root
	for _, step := range p {
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			cur, ok = m[s]
			if !ok {
				return nil, false
			}
		case int:
			a, ok := cur.([]interface{})
			if !ok || s < 0 || s >= len(a) {
				return nil, false
			}
			cur = a[s]
		default:
			return nil, false
		}
	}
	return cur, true
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewState()
	ts := ids.Timestamp{Author: "AUTHOR1", Index: 1}
	_, err := ApplyIdMappedAction(s, ScalarAction{
		Timestamp: ts,
		Type:      ActionSet,
		Path:      AnchoredPath{Suffix: path("foo")},
		Payload:   "bar",
	})
	require.NoError(t, err)

	clone := s.Clone()
	ts2 := ids.Timestamp{Author: "AUTHOR1", Index: 2}
	_, err = ApplyIdMappedAction(s, ScalarAction{
		Timestamp: ts2,
		Type:      ActionSet,
		Path:      AnchoredPath{Suffix: path("foo")},
		Payload:   "baz",
	})
	require.NoError(t, err)

	assert.Equal(t, "bar", clone.Root.(map[string]interface{})["foo"])
	assert.Equal(t, "baz", s.Root.(map[string]interface{})["foo"])
}
