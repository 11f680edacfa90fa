package savepoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/jsondoc"
)

func ts(index uint32) ids.Timestamp {
	return ids.Timestamp{Author: "AUTHOR1", Index: index}
}

// addOps feeds n consecutive ops into the index, returning the change
// reported for each.
func addOps(idx *Index, from, n uint32) []*Change {
	changes := make([]*Change, 0, n)
	for i := from; i < from+n; i++ {
		changes = append(changes, idx.MaybeAdd(ts(i), jsondoc.NewState()))
	}
	return changes
}

func TestNewIndexSeedsZeroSavePoint(t *testing.T) {
	idx := NewIndex()
	require.Equal(t, 1, idx.Len())
	sp := idx.All()[0]
	assert.True(t, sp.Timestamp.Equal(ids.Zero))
	assert.Equal(t, MinSavePointSize, sp.Width)
	assert.NotNil(t, sp.State)
}

func TestMaybeAddWaitsForMinSize(t *testing.T) {
	idx := NewIndex()
	changes := addOps(idx, 1, 4)
	assert.Nil(t, changes[0])
	assert.Nil(t, changes[1])
	assert.Nil(t, changes[2])
	require.NotNil(t, changes[3])
	assert.True(t, changes[3].Added.Timestamp.Equal(ts(4)))
	assert.Equal(t, 2, idx.Len())
}

// Eight ops yield the zero point plus two fresh save points, all width
// 4, at the fourth and eighth op.
func TestSavePointCadenceAfterEightOps(t *testing.T) {
	idx := NewIndex()
	addOps(idx, 1, 8)
	assert.Equal(t, []int{4, 4, 4}, idx.Widths())
	all := idx.All()
	assert.True(t, all[0].Timestamp.Equal(ids.Zero))
	assert.True(t, all[1].Timestamp.Equal(ts(4)))
	assert.True(t, all[2].Timestamp.Equal(ts(8)))
}

func TestCollapseDoublesWidthAndReportsChange(t *testing.T) {
	idx := NewIndex()
	changes := addOps(idx, 1, 12)

	// The twelfth op finds the triple (zero, 4, 8) all width 4: the
	// middle one is deleted, the oldest doubles.
	last := changes[11]
	require.NotNil(t, last)
	require.NotNil(t, last.Removed)
	assert.True(t, last.Removed.Equal(ts(4)))
	require.NotNil(t, last.Widened)
	assert.True(t, last.Widened.Timestamp.Equal(ids.Zero))
	assert.Equal(t, 8, last.Widened.Width)
	assert.Equal(t, []int{8, 4, 4}, idx.Widths())
}

// Widths must never decrease walking from the newest save point back in
// time, no matter how long the index runs.
func TestWidthsNonDecreasingNewestToOldest(t *testing.T) {
	idx := NewIndex()
	addOps(idx, 1, 256)
	widths := idx.Widths()
	for i := 1; i < len(widths); i++ {
		assert.GreaterOrEqual(t, widths[i-1], widths[i],
			"widths must not decrease receding into history: %v", widths)
	}
}

func TestFloorFindsCoveringSavePoint(t *testing.T) {
	idx := NewIndex()
	addOps(idx, 1, 8) // points at zero, 4, 8

	sp, ok := idx.Floor(ts(6))
	require.True(t, ok)
	assert.True(t, sp.Timestamp.Equal(ts(4)))

	sp, ok = idx.Floor(ts(8))
	require.True(t, ok)
	assert.True(t, sp.Timestamp.Equal(ts(8)))

	sp, ok = idx.Floor(ts(2))
	require.True(t, ok)
	assert.True(t, sp.Timestamp.Equal(ids.Zero))
}

func TestTruncateAfterDropsNewerPoints(t *testing.T) {
	idx := NewIndex()
	addOps(idx, 1, 8)
	idx.TruncateAfter(ts(4))
	require.Equal(t, 2, idx.Len())
	assert.True(t, idx.All()[1].Timestamp.Equal(ts(4)))
}

func TestTruncateBeforeKeepsNewBaseAndReportsDropped(t *testing.T) {
	idx := NewIndex()
	addOps(idx, 1, 8)
	removed := idx.TruncateBefore(ts(8))
	require.Len(t, removed, 2)
	assert.True(t, removed[0].Equal(ids.Zero))
	assert.True(t, removed[1].Equal(ts(4)))
	require.Equal(t, 1, idx.Len())
	assert.True(t, idx.All()[0].Timestamp.Equal(ts(8)))
}

func TestRestoreRebuildsIndexAndCadence(t *testing.T) {
	idx := NewIndex()
	addOps(idx, 1, 8)
	persisted := append([]SavePoint{}, idx.All()[1:]...)

	restored := Restore(persisted, 3)
	assert.Equal(t, idx.Widths(), restored.Widths())

	// Three ops were already pending; one more reaches the cadence.
	ch := restored.MaybeAdd(ts(12), jsondoc.NewState())
	require.NotNil(t, ch)
	assert.True(t, ch.Added.Timestamp.Equal(ts(12)))
}
