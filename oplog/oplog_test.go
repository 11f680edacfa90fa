package oplog

import (
	"testing"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/jsondoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(author ids.Uuid, index uint32) ids.Timestamp {
	return ids.Timestamp{Author: author, Index: index}
}

func opAt(author ids.Uuid, index uint32) Op {
	return Op{Timestamp: ts(author, index), Action: jsondoc.ActionSet}
}

func TestInsertKeepsSortedByTotalOrder(t *testing.T) {
	l := New()
	l.Append(opAt("AUTHOR1", 1))
	l.Append(opAt("AUTHOR1", 2))
	pos, inserted := l.Insert(opAt("AUTHOR2", 1))
	require.True(t, inserted)
	assert.GreaterOrEqual(t, pos, 0)

	for i := 1; i < l.Len(); i++ {
		assert.True(t, l.At(i-1).Timestamp.Less(l.At(i).Timestamp) || l.At(i-1).Timestamp.Equal(l.At(i).Timestamp))
	}
}

func TestInsertDuplicateTimestampIsNoop(t *testing.T) {
	l := New()
	l.Append(opAt("AUTHOR1", 1))
	_, inserted := l.Insert(opAt("AUTHOR1", 1))
	assert.False(t, inserted)
	assert.Equal(t, 1, l.Len())
}

func TestTimestampIndexExpectMatch(t *testing.T) {
	l := New()
	l.Append(opAt("AUTHOR1", 1))
	l.Append(opAt("AUTHOR1", 3))
	assert.Equal(t, 0, TimestampIndex(ts("AUTHOR1", 1), l.All(), true))
	assert.Equal(t, -1, TimestampIndex(ts("AUTHOR1", 2), l.All(), true))
	assert.Equal(t, 1, TimestampIndex(ts("AUTHOR1", 3), l.All(), true))
}

func TestNextIndex(t *testing.T) {
	l := New()
	assert.Equal(t, uint32(1), l.NextIndex("AUTHOR1"))
	l.Append(opAt("AUTHOR1", 1))
	l.Append(opAt("AUTHOR1", 2))
	assert.Equal(t, uint32(3), l.NextIndex("AUTHOR1"))
	assert.Equal(t, uint32(1), l.NextIndex("AUTHOR2"))
}

func TestTruncateAfter(t *testing.T) {
	l := New()
	l.Append(opAt("AUTHOR1", 1))
	l.Append(opAt("AUTHOR1", 2))
	l.Append(opAt("AUTHOR1", 3))
	l.TruncateAfter(ts("AUTHOR1", 2))
	assert.Equal(t, 2, l.Len())
}

func TestForAuthorSince(t *testing.T) {
	l := New()
	l.Append(opAt("AUTHOR1", 1))
	l.Append(opAt("AUTHOR2", 1))
	l.Append(opAt("AUTHOR1", 2))
	ops := l.ForAuthorSince("AUTHOR1", 0)
	require.Len(t, ops, 2)
	assert.Equal(t, uint32(1), ops[0].Timestamp.Index)
	assert.Equal(t, uint32(2), ops[1].Timestamp.Index)
}

func TestLatestIndexes(t *testing.T) {
	l := New()
	l.Append(opAt("AUTHOR1", 1))
	l.Append(opAt("AUTHOR1", 4))
	l.Append(opAt("AUTHOR2", 2))
	li := l.LatestIndexes()
	assert.Equal(t, uint32(4), li["AUTHOR1"])
	assert.Equal(t, uint32(2), li["AUTHOR2"])
}
