// Package savepoint implements the save-point index: an
// exponentially-spaced reverse-index of snapshots into the operation
// log that bounds both the number of snapshots retained and the cost of
// replaying from the nearest one after an out-of-order merge.
package savepoint

import (
	"sort"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/jsondoc"
)

// MinSavePointSize is the minimum number of new ops accumulated before
// a save point is considered for addition.
const MinSavePointSize = 4

// SavePoint is a full snapshot of the id-mapped document at the moment
// the op with Timestamp was applied. Width is a power-of-two count of
// ops this save point "covers".
type SavePoint struct {
	Timestamp ids.Timestamp  `json:"timestamp"`
	Width     int            `json:"width"`
	State     *jsondoc.State `json:"state"`
}

// Change describes what one MaybeAdd call did to the index, so a
// persistence backend can mirror it: at most one save point removed by
// the collapse rule, at most one whose width doubled, and the newly
// appended save point.
type Change struct {
	Added   SavePoint
	Removed *ids.Timestamp
	Widened *SavePoint
}

// Index holds the sorted list of save points. It starts with the zero
// save point (ts=(Nil,0), width=4, root={}); the collapse rule can widen
// that point, and TruncateBefore can drop it.
type Index struct {
	points       []SavePoint
	opsSinceLast int
}

// NewIndex returns an Index seeded with the zero save point, which
// guarantees Floor always finds a covering save point.
func NewIndex() *Index {
	return &Index{
		points: []SavePoint{{
			Timestamp: ids.Zero,
			Width:     MinSavePointSize,
			State:     jsondoc.NewState(),
		}},
	}
}

// Restore rebuilds an Index from persisted save points, which never
// include the zero save point. opsAfterNewest is the number of logged
// ops past the newest persisted save point; it re-seeds the cadence
// counter so a restart does not reset the snapshot rhythm.
func Restore(points []SavePoint, opsAfterNewest int) *Index {
	idx := NewIndex()
	for _, sp := range points {
		if sp.Timestamp.Equal(ids.Zero) {
			continue
		}
		idx.points = append(idx.points, sp)
	}
	sort.Slice(idx.points, func(i, j int) bool {
		return idx.points[i].Timestamp.Less(idx.points[j].Timestamp)
	})
	idx.opsSinceLast = opsAfterNewest
	return idx
}

// Len returns the number of save points currently retained.
func (idx *Index) Len() int { return len(idx.points) }

// All returns the save points in ascending timestamp order. Callers
// must not mutate the returned slice.
func (idx *Index) All() []SavePoint { return idx.points }

// Widths returns the width of every save point, oldest first.
func (idx *Index) Widths() []int {
	out := make([]int, len(idx.points))
	for i, sp := range idx.points {
		out[i] = sp.Width
	}
	return out
}

// Floor returns the greatest save point with Timestamp <= ts, and true
// if one exists. With the zero save point in place this only fails for
// a ts below zero, which cannot occur.
func (idx *Index) Floor(ts ids.Timestamp) (SavePoint, bool) {
	i := sort.Search(len(idx.points), func(i int) bool {
		return ts.Less(idx.points[i].Timestamp)
	})
	if i == 0 {
		return SavePoint{}, false
	}
	return idx.points[i-1], true
}

// TruncateAfter drops every save point whose timestamp is strictly
// greater than ts, called after a merge rewinds state to the save point
// at ts.
func (idx *Index) TruncateAfter(ts ids.Timestamp) {
	i := sort.Search(len(idx.points), func(i int) bool {
		return ts.Less(idx.points[i].Timestamp)
	})
	idx.points = idx.points[:i]
	idx.opsSinceLast = 0
}

// TruncateBefore drops every save point whose timestamp is strictly
// less than ts, the zero save point included: the save point at ts
// (which must exist) becomes the new replay base. It returns the
// timestamps of the dropped save points so persistence can forget them
// too. Used by history compaction.
func (idx *Index) TruncateBefore(ts ids.Timestamp) []ids.Timestamp {
	i := sort.Search(len(idx.points), func(i int) bool {
		return !idx.points[i].Timestamp.Less(ts)
	})
	if i == 0 {
		return nil
	}
	removed := make([]ids.Timestamp, 0, i)
	for _, sp := range idx.points[:i] {
		removed = append(removed, sp.Timestamp)
	}
	idx.points = append([]SavePoint{}, idx.points[i:]...)
	return removed
}

// MaybeAdd runs the snapshot policy after a new op with timestamp
// latestTs has been applied and state now reflects it:
//
//  1. If fewer than MinSavePointSize ops have accumulated since the
//     last save point, do nothing.
//  2. Otherwise walk the list for the first triple (sp[i-2], sp[i-1],
//     sp[i]) with equal width; if found, delete sp[i-1] and double
//     sp[i-2].Width. Widths recede as 4, 4, 8, 8, 16, 16, ...
//  3. Append a new save point (width=MinSavePointSize, ts=latestTs,
//     snapshot of state).
//
// snapshot must be an independent copy (jsondoc.State.Clone), not a
// reference to the live document, which continues to mutate after this
// call. Returns nil when nothing changed.
func (idx *Index) MaybeAdd(latestTs ids.Timestamp, snapshot *jsondoc.State) *Change {
	idx.opsSinceLast++
	if idx.opsSinceLast < MinSavePointSize {
		return nil
	}
	idx.opsSinceLast = 0

	ch := &Change{}
	idx.collapseEqualWidthTriple(ch)
	sp := SavePoint{
		Timestamp: latestTs,
		Width:     MinSavePointSize,
		State:     snapshot,
	}
	idx.points = append(idx.points, sp)
	ch.Added = sp
	return ch
}

func (idx *Index) collapseEqualWidthTriple(ch *Change) {
	for i := 2; i < len(idx.points); i++ {
		if idx.points[i-2].Width == idx.points[i-1].Width && idx.points[i-1].Width == idx.points[i].Width {
			idx.points[i-2].Width *= 2
			removed := idx.points[i-1].Timestamp
			ch.Removed = &removed
			widened := idx.points[i-2]
			ch.Widened = &widened
			idx.points = append(idx.points[:i-1], idx.points[i:]...)
			return
		}
	}
}
