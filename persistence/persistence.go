// Package persistence is the replica's storage boundary: an
// append/truncate interface over the operation log and save-point
// index, kept out of the store's core so any backend (memory, file,
// MongoDB) can serve it. Backends are free to coalesce writes; only
// the state after quiescence must be correct.
package persistence

import (
	"context"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/oplog"
	"github.com/ar-nelson/osmosis/savepoint"
)

// Loaded is the result of Backend.Load: everything a Store needs to
// resume a replica at startup.
type Loaded struct {
	Uuid       ids.Uuid
	Ops        []oplog.Op
	SavePoints []savepoint.SavePoint
}

// Backend is the persistence contract.
type Backend interface {
	// Load returns the replica's persisted state at startup. A backend
	// with nothing persisted yet returns a Loaded with a freshly
	// generated Uuid, no ops, and no save points (the caller seeds the
	// zero save point).
	Load(ctx context.Context) (Loaded, error)

	AddOp(ctx context.Context, op oplog.Op) error
	AddSavePoint(ctx context.Context, sp savepoint.SavePoint) error
	DeleteSavePoint(ctx context.Context, ts ids.Timestamp) error
	// DeleteEverythingAfter drops every persisted op and save point
	// whose timestamp is strictly greater than ts, mirroring the
	// in-memory truncation a merge performs before replaying.
	DeleteEverythingAfter(ctx context.Context, ts ids.Timestamp) error

	Close() error
}
