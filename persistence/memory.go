package persistence

import (
	"context"
	"sync"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/oplog"
	"github.com/ar-nelson/osmosis/savepoint"
)

// Memory is an in-process Backend, used for tests and single-run
// demos. Nothing survives process restart.
type Memory struct {
	mu         sync.RWMutex
	uuid       ids.Uuid
	ops        []oplog.Op
	savePoints []savepoint.SavePoint
}

// NewMemory returns an empty Memory backend seeded with a fresh Uuid.
func NewMemory() *Memory {
	return &Memory{uuid: ids.NewUuid()}
}

func (m *Memory) Load(ctx context.Context) (Loaded, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Loaded{
		Uuid:       m.uuid,
		Ops:        append([]oplog.Op{}, m.ops...),
		SavePoints: append([]savepoint.SavePoint{}, m.savePoints...),
	}, nil
}

func (m *Memory) AddOp(ctx context.Context, op oplog.Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *Memory) AddSavePoint(ctx context.Context, sp savepoint.SavePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savePoints = append(m.savePoints, sp)
	return nil
}

func (m *Memory) DeleteSavePoint(ctx context.Context, ts ids.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.savePoints[:0]
	for _, sp := range m.savePoints {
		if !sp.Timestamp.Equal(ts) {
			out = append(out, sp)
		}
	}
	m.savePoints = out
	return nil
}

func (m *Memory) DeleteEverythingAfter(ctx context.Context, ts ids.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.ops[:0]
	for _, op := range m.ops {
		if !ts.Less(op.Timestamp) {
			ops = append(ops, op)
		}
	}
	m.ops = ops

	sps := m.savePoints[:0]
	for _, sp := range m.savePoints {
		if !ts.Less(sp.Timestamp) {
			sps = append(sps, sp)
		}
	}
	m.savePoints = sps
	return nil
}

func (m *Memory) Close() error { return nil }
