// Package oplog implements the operation log: an ordered list of
// operations (appended locally, inserted in order on merge, trimmed by
// truncation) keyed by causal timestamp, binary-searchable by
// the total order over stringified timestamps.
package oplog

import (
	"sort"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/jsondoc"
)

// Op is a single logged mutation: either a scalar action or a
// transaction of several scalar actions sharing a contiguous run of
// timestamps (one per payload entry).
type Op struct {
	Timestamp ids.Timestamp        `json:"timestamp"`
	Action    jsondoc.ActionType   `json:"action,omitempty"`
	Path      jsondoc.AnchoredPath `json:"path"`
	Source    jsondoc.AnchoredPath `json:"source,omitempty"`
	Payload   interface{}          `json:"payload,omitempty"`

	// Transaction holds the nested scalar actions when this Op wraps a
	// whole transaction. Empty for a plain scalar op.
	Transaction []Op `json:"transaction,omitempty"`
}

// IsTransaction reports whether this Op is a Transaction wrapper rather
// than a single scalar action.
func (o Op) IsTransaction() bool {
	return len(o.Transaction) > 0
}

// Log is the in-memory ordered vector of Op, kept strictly sorted by
// the timestamp total order; no two ops ever share a timestamp.
type Log struct {
	ops []Op
}

// New returns an empty operation log.
func New() *Log {
	return &Log{}
}

// Len returns the number of ops in the log.
func (l *Log) Len() int { return len(l.ops) }

// At returns the op at position i.
func (l *Log) At(i int) Op { return l.ops[i] }

// All returns the full op slice. Callers must not mutate it.
func (l *Log) All() []Op { return l.ops }

// Slice returns ops in [from, to).
func (l *Log) Slice(from, to int) []Op {
	return append([]Op{}, l.ops[from:to]...)
}

// NextIndex returns the next integer author will emit, i.e. one past
// the highest index this author has logged so far. A Transaction
// consumes one index per nested scalar action even though only the
// transaction itself occupies a Log slot, so its nested ops' indices
// count toward the high-water mark too.
func (l *Log) NextIndex(author ids.Uuid) uint32 {
	var max uint32
	for _, op := range l.ops {
		highWaterMark(op, author, &max)
	}
	return max + 1
}

func highWaterMark(op Op, author ids.Uuid, max *uint32) {
	if op.Timestamp.Author == author && op.Timestamp.Index > *max {
		*max = op.Timestamp.Index
	}
	for _, sub := range op.Transaction {
		highWaterMark(sub, author, max)
	}
}

// TimestampIndex returns the position of ts in the log via binary
// search on the total order. When expectMatch is true, returns -1 if no
// op has exactly that (author, index) pair; otherwise returns the
// insertion point (the first position whose timestamp is >= ts).
func TimestampIndex(ts ids.Timestamp, ops []Op, expectMatch bool) int {
	i := sort.Search(len(ops), func(i int) bool {
		return !ops[i].Timestamp.Less(ts)
	})
	if expectMatch {
		if i < len(ops) && ops[i].Timestamp.Equal(ts) {
			return i
		}
		return -1
	}
	return i
}

// Insert inserts op into the log at its sorted position, unless an op
// with the same timestamp already exists (ops never share a
// timestamp). Returns the insertion position and whether an insertion
// happened.
func (l *Log) Insert(op Op) (pos int, inserted bool) {
	i := TimestampIndex(op.Timestamp, l.ops, true)
	if i >= 0 {
		return i, false
	}
	pos = TimestampIndex(op.Timestamp, l.ops, false)
	l.ops = append(l.ops, Op{})
	copy(l.ops[pos+1:], l.ops[pos:])
	l.ops[pos] = op
	return pos, true
}

// Append adds op at the end of the log; callers must guarantee op's
// timestamp sorts after every existing entry, which holds for local
// dispatch because each local op takes the author's next index.
func (l *Log) Append(op Op) {
	l.ops = append(l.ops, op)
}

// IndexAfter returns the position of the first op whose timestamp is
// strictly greater than ts. Replay after a rewind starts here: the save
// point at ts already reflects the op with that exact timestamp.
func IndexAfter(ts ids.Timestamp, ops []Op) int {
	return sort.Search(len(ops), func(i int) bool {
		return ts.Less(ops[i].Timestamp)
	})
}

// TruncateAfter drops every op whose timestamp is strictly greater than
// ts, keeping the log a prefix ending at (and including) ts.
func (l *Log) TruncateAfter(ts ids.Timestamp) {
	i := sort.Search(len(l.ops), func(i int) bool {
		return ts.Less(l.ops[i].Timestamp)
	})
	l.ops = l.ops[:i]
}

// TruncateBefore drops every op whose timestamp is strictly less than
// ts; used by history compaction.
func (l *Log) TruncateBefore(ts ids.Timestamp) {
	i := sort.Search(len(l.ops), func(i int) bool {
		return !l.ops[i].Timestamp.Less(ts)
	})
	l.ops = l.ops[i:]
}

// ForAuthorSince returns every op authored by author whose index is
// strictly greater than sinceIndex, in log order. This is the building
// block for answering a peer's state summary with its missing ops.
func (l *Log) ForAuthorSince(author ids.Uuid, sinceIndex uint32) []Op {
	var out []Op
	for _, op := range l.ops {
		if op.Timestamp.Author == author && op.Timestamp.Index > sinceIndex {
			out = append(out, op)
		}
	}
	return out
}

// LatestIndexes returns, for every author with at least one op in the
// log, that author's highest index: the latestIndexes half of a state
// summary.
func (l *Log) LatestIndexes() map[ids.Uuid]uint32 {
	out := make(map[ids.Uuid]uint32)
	for _, op := range l.ops {
		if op.Timestamp.Index > out[op.Timestamp.Author] {
			out[op.Timestamp.Author] = op.Timestamp.Index
		}
	}
	return out
}
