package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ar-nelson/osmosis/errs"
	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/jsondoc"
	"github.com/ar-nelson/osmosis/oplog"
	"github.com/ar-nelson/osmosis/pathlang"
	"github.com/ar-nelson/osmosis/persistence"
	"github.com/ar-nelson/osmosis/savepoint"
)

// SaveMode controls when applyOp persists and snapshot-indexes an op.
type SaveMode int

const (
	// WhenChanged records the op only if it produced a non-empty
	// changed set (dispatch's mode: no-op scalar actions aren't worth
	// persisting).
	WhenChanged SaveMode = iota
	// Always records the op unconditionally (mergeOps's mode: foreign
	// ops must be persisted even if they turn out to be no-ops locally,
	// so replicas stay byte-identical).
	Always
)

// listener is one subscribe() registration: re-evaluated and invoked
// whenever applyOp's changed set intersects Path.
type listener struct {
	id       int
	path     pathlang.CompiledPath
	callback func([]interface{})
	lastJSON string
}

// Store orchestrates the replicated document for one replica: local
// dispatch, merging foreign ops, query subscriptions, and persistence.
// State is owned by whichever caller holds mu; the intended usage is a
// single dispatching goroutine, with the mutex guarding the inbound RPC
// goroutines a transport may run handlers on.
type Store struct {
	mu sync.Mutex

	uuid       ids.Uuid
	log        *oplog.Log
	savePoints *savepoint.Index
	state      *jsondoc.State
	persist    persistence.Backend
	logger     *zap.Logger

	minHistory int
	maxHistory int

	nextListenerID int
	listeners      []*listener
}

// Open loads (or initializes) a replica's state from backend.
func Open(ctx context.Context, backend persistence.Backend, logger *zap.Logger, minHistory, maxHistory int) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "store: loading persisted state")
	}

	s := &Store{
		uuid:       loaded.Uuid,
		log:        oplog.New(),
		savePoints: savepoint.NewIndex(),
		state:      jsondoc.NewState(),
		persist:    backend,
		logger:     logger,
		minHistory: minHistory,
		maxHistory: maxHistory,
	}

	for _, op := range loaded.Ops {
		s.log.Append(op)
	}

	newest := ids.Zero
	for _, sp := range loaded.SavePoints {
		if newest.Less(sp.Timestamp) {
			newest = sp.Timestamp
		}
	}
	opsAfter := s.log.Len() - oplog.IndexAfter(newest, s.log.All())
	s.savePoints = savepoint.Restore(loaded.SavePoints, opsAfter)

	s.replayFrom(newest)
	return s, nil
}

// Uuid returns this replica's author id.
func (s *Store) Uuid() ids.Uuid { return s.uuid }

// Ops returns every op currently in the log, in total order. Used by
// the sync session to answer findLastSharedHistory and by tests to
// assert on save-point cadence; callers must not mutate the result.
func (s *Store) Ops() []oplog.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.All()
}

// SavePointWidths returns the width of every save point currently held,
// oldest first.
func (s *Store) SavePointWidths() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePoints.Widths()
}

// SavePointTimestamps returns the timestamp of every save point
// currently held, oldest first: the candidate list for
// findLastSharedHistory.
func (s *Store) SavePointTimestamps() []ids.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.savePoints.All()
	out := make([]ids.Timestamp, len(all))
	for i, sp := range all {
		out[i] = sp.Timestamp
	}
	return out
}

// replayFrom rewinds state to the save point at or before from, then
// reapplies every logged op past it in order. Used after loading from
// persistence. The save point already reflects the op at its own
// timestamp, so replay starts strictly after it.
func (s *Store) replayFrom(from ids.Timestamp) {
	sp, ok := s.savePoints.Floor(from)
	if !ok {
		panic(errs.NewInvariantViolation("no save point covers timestamp %s", from.String()).Error())
	}
	s.state = sp.State.Clone()

	startIdx := oplog.IndexAfter(sp.Timestamp, s.log.All())
	for _, op := range s.log.All()[startIdx:] {
		s.applyLoggedOp(op)
	}
}

// applyLoggedOp applies an already-logged op to s.state without
// re-appending it to the log or persistence; used during replay.
func (s *Store) applyLoggedOp(op oplog.Op) ([]pathlang.PathArray, []Failure) {
	if op.IsTransaction() {
		return s.applyTransaction(op)
	}
	changed, err := jsondoc.ApplyIdMappedAction(s.state, jsondoc.ScalarAction{
		Timestamp: op.Timestamp,
		Type:      op.Action,
		Path:      op.Path,
		Source:    op.Source,
		Payload:   op.Payload,
	})
	if err != nil {
		return nil, []Failure{{Message: err.Error()}}
	}
	return changed, nil
}

func (s *Store) applyTransaction(op oplog.Op) ([]pathlang.PathArray, []Failure) {
	before := s.state.Clone()
	var allChanged []pathlang.PathArray
	for _, sub := range op.Transaction {
		changed, failures := s.applyLoggedOp(sub)
		if len(failures) > 0 {
			s.state = before
			return nil, failures
		}
		allChanged = append(allChanged, changed...)
	}
	return allChanged, nil
}

// Dispatch is the local mutation entry point: compile the path, fan it
// out into singular paths, anchor each, assign fresh timestamps, apply,
// and persist.
func (s *Store) Dispatch(ctx context.Context, action DispatchAction) ([]pathlang.PathArray, []Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case action.Scalar != nil:
		return s.dispatchScalar(ctx, *action.Scalar)
	case action.Transaction != nil:
		return s.dispatchTransaction(ctx, action.Transaction)
	case action.Network != nil:
		return s.dispatchNetwork(*action.Network)
	default:
		return nil, []Failure{{Message: "empty dispatch action"}}
	}
}

func (s *Store) dispatchScalar(ctx context.Context, sa ScalarAction) ([]pathlang.PathArray, []Failure) {
	ops, failures := s.resolveScalar(sa)
	if len(failures) > 0 {
		return nil, failures
	}

	var allChanged []pathlang.PathArray
	for _, op := range ops {
		changed, failure := s.applyOp(ctx, op, WhenChanged)
		if failure != nil {
			failures = append(failures, *failure)
			continue
		}
		allChanged = append(allChanged, changed...)
	}
	return allChanged, failures
}

func (s *Store) dispatchTransaction(ctx context.Context, actions []ScalarAction) ([]pathlang.PathArray, []Failure) {
	author := s.uuid
	startIdx := s.log.NextIndex(author)

	var ops []oplog.Op
	idx := startIdx
	for _, sa := range actions {
		resolved, failures := s.resolveScalarAt(sa, ids.Timestamp{Author: author, Index: idx})
		if len(failures) > 0 {
			return nil, failures
		}
		ops = append(ops, resolved...)
		idx += uint32(len(resolved))
	}

	txOp := oplog.Op{
		Timestamp:   ids.Timestamp{Author: author, Index: startIdx},
		Transaction: ops,
	}
	changed, failure := s.applyOp(ctx, txOp, WhenChanged)
	if failure != nil {
		return nil, []Failure{*failure}
	}
	return changed, nil
}

func (s *Store) dispatchNetwork(na NetworkAction) ([]pathlang.PathArray, []Failure) {
	switch na.Kind {
	case NetworkUnpair:
		// Unpair currently only announces itself; pairing state is
		// managed by the transport layer and has no persisted effect
		// here yet.
		s.logger.Info("unpair requested", zap.String("peer", na.PeerID))
		return nil, nil
	default:
		s.logger.Info("network action dispatched", zap.String("kind", string(na.Kind)), zap.String("peer", na.PeerID))
		return nil, nil
	}
}

// resolveScalar assigns fresh, contiguous timestamps to every singular
// path sa's Path fans out to.
func (s *Store) resolveScalar(sa ScalarAction) ([]oplog.Op, []Failure) {
	author := s.uuid
	start := s.log.NextIndex(author)
	return s.resolveScalarAt(sa, ids.Timestamp{Author: author, Index: start})
}

func (s *Store) resolveScalarAt(sa ScalarAction, first ids.Timestamp) ([]oplog.Op, []Failure) {
	cp, err := pathlang.Compile(sa.Path)
	if err != nil {
		return nil, []Failure{{Message: "invalid path: " + err.Error()}}
	}

	singles := pathlang.SplitIntoSingularPaths(s.state.Root, cp)
	if len(singles) == 0 {
		// A path addressing no slot (e.g. Set on a brand-new top-level
		// key) still resolves to exactly one singular path via
		// QuerySlots; an empty fan-out means the parent itself is
		// missing.
		return nil, []Failure{{Message: "path has no addressable slot: " + sa.Path}}
	}

	var srcAnchored jsondoc.AnchoredPath
	if sa.Type == jsondoc.ActionMove || sa.Type == jsondoc.ActionCopy {
		srcCP, err := pathlang.Compile(sa.Source)
		if err != nil {
			return nil, []Failure{{Message: "invalid source path: " + err.Error()}}
		}
		srcPaths := pathlang.QueryPaths(s.state.Root, srcCP)
		if len(srcPaths) == 0 {
			return nil, []Failure{{Message: "source path missing: " + sa.Source}}
		}
		srcAnchored = s.state.AnchorPathToId(srcPaths[0])
	}

	ops := make([]oplog.Op, 0, len(singles))
	ts := first
	for _, single := range singles {
		literal := literalPath(single)
		anchored := s.state.AnchorPathToId(literal)
		ops = append(ops, oplog.Op{
			Timestamp: ts,
			Action:    sa.Type,
			Path:      anchored,
			Source:    srcAnchored,
			Payload:   sa.Payload,
		})
		ts = ts.Next()
	}
	return ops, nil
}

func literalPath(cp pathlang.CompiledPath) pathlang.PathArray {
	out := make(pathlang.PathArray, 0, len(cp))
	for _, seg := range cp {
		switch seg.Kind {
		case pathlang.SegKey:
			out = append(out, seg.Key)
		case pathlang.SegIndex:
			out = append(out, seg.Index)
		}
	}
	return out
}

// applyOp is the single choke point that mutates state, appends to the
// log, persists, and maybe-snapshots.
func (s *Store) applyOp(ctx context.Context, op oplog.Op, mode SaveMode) ([]pathlang.PathArray, *Failure) {
	changed, failures := s.applyLoggedOp(op)
	if len(failures) > 0 {
		return nil, &failures[0]
	}

	if mode == Always || len(changed) > 0 {
		s.log.Append(op)
		if err := s.persist.AddOp(ctx, op); err != nil {
			s.logger.Error("failed to persist op", zap.Error(err))
		}
		s.recordSavePoints(ctx, s.savePoints.MaybeAdd(op.Timestamp, s.state.Clone()))
	}

	if len(changed) > 0 {
		s.notify(changed)
	}
	return changed, nil
}

// recordSavePoints mirrors one save-point index change into the
// persistence backend: the collapse rule may remove one save point and
// double another's width, and a new save point is always appended.
func (s *Store) recordSavePoints(ctx context.Context, ch *savepoint.Change) {
	if ch == nil {
		return
	}
	if ch.Removed != nil {
		if err := s.persist.DeleteSavePoint(ctx, *ch.Removed); err != nil {
			s.logger.Error("failed to delete collapsed save point", zap.Error(err))
		}
	}
	if ch.Widened != nil {
		if err := s.persist.DeleteSavePoint(ctx, ch.Widened.Timestamp); err != nil {
			s.logger.Error("failed to replace widened save point", zap.Error(err))
		}
		if err := s.persist.AddSavePoint(ctx, *ch.Widened); err != nil {
			s.logger.Error("failed to persist widened save point", zap.Error(err))
		}
	}
	if err := s.persist.AddSavePoint(ctx, ch.Added); err != nil {
		s.logger.Error("failed to persist save point", zap.Error(err))
	}
}

// MergeOps merges foreign ops into the log, rewinding to the nearest
// save point covering the earliest insertion and replaying forward.
func (s *Store) MergeOps(ctx context.Context, foreign []oplog.Op) ([]pathlang.PathArray, []Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest *ids.Timestamp
	for _, op := range foreign {
		pos, inserted := s.log.Insert(op)
		if !inserted {
			continue
		}
		ts := s.log.At(pos).Timestamp
		if earliest == nil || ts.Less(*earliest) {
			earliest = &ts
		}
	}
	if earliest == nil {
		return nil, nil
	}

	sp, ok := s.savePoints.Floor(*earliest)
	if !ok {
		panic(errs.NewInvariantViolation("no save point covers merge point %s", earliest.String()).Error())
	}

	s.savePoints.TruncateAfter(sp.Timestamp)
	s.state = sp.State.Clone()

	if err := s.persist.DeleteEverythingAfter(ctx, sp.Timestamp); err != nil {
		s.logger.Error("failed to truncate persistence after merge", zap.Error(err))
	}

	startIdx := oplog.IndexAfter(sp.Timestamp, s.log.All())
	var allChanged []pathlang.PathArray
	var failures []Failure
	for _, op := range s.log.All()[startIdx:] {
		changed, fs := s.applyLoggedOp(op)
		if len(fs) > 0 {
			failures = append(failures, fs...)
			continue
		}
		if err := s.persist.AddOp(ctx, op); err != nil {
			s.logger.Error("failed to persist merged op", zap.Error(err))
		}
		s.recordSavePoints(ctx, s.savePoints.MaybeAdd(op.Timestamp, s.state.Clone()))
		allChanged = append(allChanged, changed...)
	}

	s.compact(ctx)

	if len(allChanged) > 0 {
		s.notify(allChanged)
	}
	return allChanged, failures
}

// compact trims history once the log grows past minHistory+maxHistory:
// ops older than the save point covering the cutoff are dropped, along
// with every save point older than that new replay base.
func (s *Store) compact(ctx context.Context) {
	if s.maxHistory <= 0 || s.log.Len()-s.minHistory <= s.maxHistory {
		return
	}
	cutoffIdx := s.log.Len() - s.minHistory
	if cutoffIdx <= 0 {
		return
	}
	if cutoffIdx >= s.log.Len() {
		cutoffIdx = s.log.Len() - 1
	}
	cutoffTs := s.log.At(cutoffIdx).Timestamp
	sp, ok := s.savePoints.Floor(cutoffTs)
	if !ok || sp.Timestamp.Equal(ids.Zero) {
		return
	}
	s.log.TruncateBefore(sp.Timestamp)
	for _, ts := range s.savePoints.TruncateBefore(sp.Timestamp) {
		if err := s.persist.DeleteSavePoint(ctx, ts); err != nil {
			s.logger.Error("failed to delete compacted save point", zap.Error(err))
		}
	}
	s.logger.Info("compacted operation log", zap.String("retainedFrom", sp.Timestamp.String()))
}

// Subscribe registers callback to fire whenever applyOp's changed set
// intersects path, re-evaluating path and invoking callback only when
// the result differs from the last emitted value.
func (s *Store) Subscribe(path string, callback func([]interface{})) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := pathlang.Compile(path)
	if err != nil {
		return 0, err
	}
	s.nextListenerID++
	l := &listener{id: s.nextListenerID, path: cp, callback: callback}
	s.listeners = append(s.listeners, l)
	return l.id, nil
}

// Unsubscribe removes a listener registered by Subscribe.
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// QueryOnce evaluates path against current state without subscribing.
func (s *Store) QueryOnce(path string) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := pathlang.Compile(path)
	if err != nil {
		return nil, err
	}
	return pathlang.QueryValues(s.state.Root, cp), nil
}

func (s *Store) notify(changed []pathlang.PathArray) {
	for _, l := range s.listeners {
		if !listenerInterested(l, changed) {
			continue
		}
		values := pathlang.QueryValues(s.state.Root, l.path)
		serialized := fmt.Sprint(values)
		if serialized == l.lastJSON {
			continue
		}
		l.lastJSON = serialized
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("subscription callback panicked", zap.Any("recover", r))
				}
			}()
			l.callback(values)
		}()
	}
}

func listenerInterested(l *listener, changed []pathlang.PathArray) bool {
	watched := literalPath(l.path)
	for _, c := range changed {
		if pathlang.PathArray(watched).HasPrefix(c) || c.HasPrefix(watched) {
			return true
		}
	}
	return false
}
