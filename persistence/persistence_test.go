package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/jsondoc"
	"github.com/ar-nelson/osmosis/oplog"
	"github.com/ar-nelson/osmosis/pathlang"
	"github.com/ar-nelson/osmosis/savepoint"
)

func ts(author ids.Uuid, index uint32) ids.Timestamp {
	return ids.Timestamp{Author: author, Index: index}
}

func opAt(author ids.Uuid, index uint32) oplog.Op {
	return oplog.Op{
		Timestamp: ts(author, index),
		Action:    jsondoc.ActionSet,
		Path:      jsondoc.AnchoredPath{Suffix: pathlang.PathArray{"items", 2}},
		Payload:   "value",
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	loaded, err := m.Load(ctx)
	require.NoError(t, err)
	author := loaded.Uuid
	require.NotEmpty(t, author)

	require.NoError(t, m.AddOp(ctx, opAt(author, 1)))
	require.NoError(t, m.AddOp(ctx, opAt(author, 2)))

	loaded, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, author, loaded.Uuid)
	require.Len(t, loaded.Ops, 2)
}

func TestMemoryDeleteEverythingAfter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	loaded, _ := m.Load(ctx)
	author := loaded.Uuid

	for i := uint32(1); i <= 4; i++ {
		require.NoError(t, m.AddOp(ctx, opAt(author, i)))
	}
	require.NoError(t, m.DeleteEverythingAfter(ctx, ts(author, 2)))

	loaded, err := m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Ops, 2)
	assert.Equal(t, uint32(2), loaded.Ops[1].Timestamp.Index)
}

// A file backend must survive a full close/reopen cycle, and path steps
// that were array indices must come back as int, not float64.
func TestFileRoundTripRestoresIntPathSteps(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f, err := NewFile(dir)
	require.NoError(t, err)
	loaded, err := f.Load(ctx)
	require.NoError(t, err)
	author := loaded.Uuid

	require.NoError(t, f.AddOp(ctx, opAt(author, 1)))
	require.NoError(t, f.AddSavePoint(ctx, savepoint.SavePoint{
		Timestamp: ts(author, 1),
		Width:     savepoint.MinSavePointSize,
		State:     jsondoc.NewState(),
	}))
	require.NoError(t, f.Close())

	f2, err := NewFile(dir)
	require.NoError(t, err)
	defer f2.Close()

	loaded, err = f2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, author, loaded.Uuid)
	require.Len(t, loaded.Ops, 1)
	require.Len(t, loaded.SavePoints, 1)

	suffix := loaded.Ops[0].Path.Suffix
	require.Len(t, suffix, 2)
	assert.Equal(t, "items", suffix[0])
	assert.Equal(t, 2, suffix[1])
}

// Writes issued while one is in flight coalesce; Close drains them all
// before returning, so the last state always reaches disk.
func TestFileCoalescesWritesBeforeClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f, err := NewFile(dir)
	require.NoError(t, err)
	loaded, err := f.Load(ctx)
	require.NoError(t, err)
	author := loaded.Uuid

	for i := uint32(1); i <= 50; i++ {
		require.NoError(t, f.AddOp(ctx, opAt(author, i)))
	}
	require.NoError(t, f.Close())

	f2, err := NewFile(dir)
	require.NoError(t, err)
	defer f2.Close()
	loaded, err = f2.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Ops, 50)
}
