package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ar-nelson/osmosis/errs"
	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/oplog"
	"github.com/ar-nelson/osmosis/pathlang"
	"github.com/ar-nelson/osmosis/store"
	"github.com/ar-nelson/osmosis/transport"
)

// Default await windows of the initiator flow (summary exchange, the
// peer's merge of a session update, the final post-divergence echo)
// and the starting liveUpdate retry backoff.
const (
	defaultSummaryTimeout    = 3 * time.Second
	defaultAppliedOpsTimeout = 60 * time.Second
	defaultEchoTimeout       = 10 * time.Second

	defaultLiveUpdateBackoff = 500 * time.Millisecond

	// responderSessionTimeout is a safety net: if an initiator never
	// sends endSession (crash, network loss), the responder clears its
	// half of the session instead of holding it forever.
	responderSessionTimeout = 90 * time.Second
)

// Timeouts bundles the session await windows and the liveUpdate retry
// policy a Manager runs with. Zero-valued durations fall back to the
// defaults above; LiveUpdateMaxRetry of 0 means retry until the peer
// accepts or disconnects.
type Timeouts struct {
	Summary            time.Duration
	AppliedOps         time.Duration
	Echo               time.Duration
	LiveUpdateBackoff  time.Duration
	LiveUpdateMaxRetry int
}

// DefaultTimeouts returns the stock timeout set.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Summary:           defaultSummaryTimeout,
		AppliedOps:        defaultAppliedOpsTimeout,
		Echo:              defaultEchoTimeout,
		LiveUpdateBackoff: defaultLiveUpdateBackoff,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Summary <= 0 {
		t.Summary = d.Summary
	}
	if t.AppliedOps <= 0 {
		t.AppliedOps = d.AppliedOps
	}
	if t.Echo <= 0 {
		t.Echo = d.Echo
	}
	if t.LiveUpdateBackoff <= 0 {
		t.LiveUpdateBackoff = d.LiveUpdateBackoff
	}
	return t
}

// Role distinguishes the two sides of a session: the initiator is
// always the peer with the smaller peer-id in the pair.
type Role int

const (
	Initiator Role = iota
	Responder
)

type activeSession struct {
	id    ids.Uuid
	peer  ids.Uuid
	role  Role
	queue *EventQueue
	done  chan struct{}
	once  sync.Once
}

// Manager is the per-replica session driver: it registers itself as
// the Transport's call handler, runs at most one session at a time, and
// fast-paths single-dispatch broadcasts through liveUpdate. Manager
// holds a Store handle and posts ops through Dispatch/MergeOps, never
// reaching into Store's internals.
type Manager struct {
	store     *store.Store
	transport transport.Transport
	logger    *zap.Logger
	self      ids.Uuid
	timeouts  Timeouts

	mu      sync.Mutex
	session *activeSession
	closed  bool
	stopCh  chan struct{}
}

// NewManager wires st to tp: tp's inbound calls are dispatched into the
// session state machine, and tp's peer-appeared events trigger an
// automatic sync for the initiator side of each new pair. timeouts
// fields left zero fall back to the package defaults.
func NewManager(st *store.Store, tp transport.Transport, logger *zap.Logger, timeouts Timeouts) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:     st,
		transport: tp,
		logger:    logger,
		self:      st.Uuid(),
		timeouts:  timeouts.withDefaults(),
		stopCh:    make(chan struct{}),
	}
	tp.SetHandler(m.handleCall)
	go m.watchPeerEvents()
	return m
}

func (m *Manager) watchPeerEvents() {
	events := m.transport.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventPeerAppeared, transport.EventPeerConnected:
				if m.self.Compare(ev.PeerID) < 0 {
					go func(peer ids.Uuid) {
						if err := m.SyncWithPeer(context.Background(), peer); err != nil {
							m.logger.Warn("initial sync failed", zap.String("peer", string(peer)), zap.Error(err))
						}
					}(ev.PeerID)
				}
			case transport.EventPeerDisconnected, transport.EventPeerDisappeared:
				m.mu.Lock()
				s := m.session
				m.mu.Unlock()
				if s != nil && s.peer == ev.PeerID {
					s.queue.Fail(fmt.Errorf("sync: peer %s disconnected", ev.PeerID))
					m.endSession(s)
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the Manager's background event loop. It does not close
// the underlying Transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stopCh)
	return nil
}

func (m *Manager) endSession(s *activeSession) {
	s.once.Do(func() {
		m.mu.Lock()
		if m.session == s {
			m.session = nil
		}
		m.mu.Unlock()
		close(s.done)
	})
}

func latestIndexes(ops []oplog.Op) map[ids.Uuid]uint32 {
	log := oplog.New()
	for _, op := range ops {
		log.Append(op)
	}
	return log.LatestIndexes()
}

func (m *Manager) localSummary(sessionID ids.Uuid) StateSummaryArgs {
	ops := m.store.Ops()
	return StateSummaryArgs{Session: sessionID, Hash: ChainHash(ops), LatestIndexes: latestIndexes(ops)}
}

func (m *Manager) savePointRefs(localOps []oplog.Op) []SavePointRef {
	timestamps := m.store.SavePointTimestamps()
	refs := make([]SavePointRef, 0, len(timestamps))
	for _, ts := range timestamps {
		idx := oplog.TimestampIndex(ts, localOps, false)
		refs = append(refs, SavePointRef{Hash: ChainHash(localOps[:idx]), ID: ts})
	}
	return refs
}

// handleCall is registered as the Transport's Handler: every inbound
// RPC arrives here.
func (m *Manager) handleCall(ctx context.Context, from ids.Uuid, method string, args interface{}) (interface{}, error) {
	switch method {
	case MethodLiveUpdate:
		return m.handleLiveUpdate(ctx, args)
	case MethodStateSummary:
		return nil, m.handleStateSummary(from, args)
	case MethodSessionUpdate:
		return nil, m.handleSessionUpdate(from, args)
	case MethodFindLastSharedHistory:
		return m.handleFindLastSharedHistory(args)
	case MethodEndSession:
		return nil, m.handleEndSession(args)
	default:
		return nil, fmt.Errorf("sync: unknown method %q", method)
	}
}

// decodeArgs normalizes an inbound argument value into its typed form.
// An in-process transport delivers the typed struct itself; a wire
// transport delivers whatever its envelope codec produced (for JSON,
// map[string]interface{}). Round-tripping through JSON handles both.
func decodeArgs(raw interface{}, dst interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "sync: encoding rpc args")
	}
	return errors.Wrap(json.Unmarshal(data, dst), "sync: decoding rpc args")
}

// sessionError folds a failed round into the typed protocol error the
// error model prescribes: the session is torn down, the error is
// logged, and a later connection attempt may retry. A wire code on the
// underlying RPC error is carried through.
func sessionError(s *activeSession, method string, err error) error {
	pe := &errs.ProtocolError{SessionID: string(s.id), Method: method, Message: err.Error()}
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		pe.Code = rpcErr.Code
	}
	return pe
}

func (m *Manager) handleLiveUpdate(ctx context.Context, raw interface{}) (interface{}, error) {
	m.mu.Lock()
	busy := m.session != nil
	m.mu.Unlock()
	if busy {
		return nil, &transport.RPCError{Code: errs.BusyWithSessionUpdate, Message: "busy with session update"}
	}
	var args LiveUpdateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if _, failures := m.store.MergeOps(ctx, args.Ops); len(failures) > 0 {
		m.logger.Warn("liveUpdate merge produced failures", zap.Int("count", len(failures)))
	}
	return ChainHash(m.store.Ops()).Hex(), nil
}

// handleStateSummary is the entry point for both the initiator's round
// 1 and (when no session is current) the responder's adoption of a new
// session. A summary carrying an unknown session id while another
// session is live is answered with endSession on the new id and
// otherwise ignored.
func (m *Manager) handleStateSummary(from ids.Uuid, raw interface{}) error {
	var args StateSummaryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}

	m.mu.Lock()
	cur := m.session
	if cur != nil && cur.id == args.Session {
		m.mu.Unlock()
		cur.queue.Push(MethodStateSummary, args)
		return nil
	}
	if cur != nil {
		m.mu.Unlock()
		go m.transport.CallMethod(context.Background(), from, MethodEndSession, EndSessionArgs{Session: args.Session}, true)
		return nil
	}

	s := &activeSession{id: args.Session, peer: from, role: Responder, queue: NewEventQueue(), done: make(chan struct{})}
	m.session = s
	m.mu.Unlock()

	go func() {
		select {
		case <-time.After(responderSessionTimeout):
			m.endSession(s)
		case <-s.done:
		}
	}()

	localOps := m.store.Ops()
	summary := m.localSummary(s.id)
	go m.transport.CallMethod(context.Background(), s.peer, MethodStateSummary, summary, true)

	missing := findMissingOps(localOps, latestIndexes(localOps), args.LatestIndexes)
	if len(missing) > 0 {
		go m.transport.CallMethod(context.Background(), s.peer, MethodSessionUpdate, SessionUpdateArgs{Session: s.id, Ops: missing}, true)
	}
	return nil
}

// handleSessionUpdate merges incoming ops and, for the responder side,
// echoes a fresh stateSummary: this single frame plays the role of both
// the "AppliedOps" acknowledgement and the echoed summary the initiator
// waits for in round 3.
func (m *Manager) handleSessionUpdate(from ids.Uuid, raw interface{}) error {
	var args SessionUpdateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	m.mu.Lock()
	cur := m.session
	m.mu.Unlock()
	if cur == nil || cur.id != args.Session {
		return nil
	}

	if len(args.Ops) > 0 {
		if _, failures := m.store.MergeOps(context.Background(), args.Ops); len(failures) > 0 {
			m.logger.Warn("session merge produced failures", zap.Int("count", len(failures)))
		}
	}

	if cur.role == Responder {
		summary := m.localSummary(cur.id)
		go m.transport.CallMethod(context.Background(), from, MethodStateSummary, summary, true)
	}
	return nil
}

// handleFindLastSharedHistory is the one genuinely request/response RPC:
// the responder walks the candidate save points newest-first and
// returns the first whose (hash, id) pair it can reproduce locally.
func (m *Manager) handleFindLastSharedHistory(raw interface{}) (interface{}, error) {
	var args FindLastSharedHistoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	localOps := m.store.Ops()
	for i := len(args.SavePoints) - 1; i >= 0; i-- {
		ref := args.SavePoints[i]
		idx := oplog.TimestampIndex(ref.ID, localOps, false)
		if ChainHash(localOps[:idx]) == ref.Hash {
			return ref.ID, nil
		}
	}
	return nil, nil
}

func (m *Manager) handleEndSession(raw interface{}) error {
	var args EndSessionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	m.mu.Lock()
	cur := m.session
	m.mu.Unlock()
	if cur != nil && cur.id == args.Session {
		cur.queue.Fail(fmt.Errorf("sync: peer ended session"))
		m.endSession(cur)
	}
	return nil
}

// SyncWithPeer drives a full initiator-side session against peer to
// convergence, blocking until it succeeds, fails, or ctx is canceled.
// Only the peer with the smaller id in the pair may initiate.
func (m *Manager) SyncWithPeer(ctx context.Context, peer ids.Uuid) error {
	if m.self.Compare(peer) >= 0 {
		return fmt.Errorf("sync: %s is not the initiator for the pair with %s", m.self, peer)
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return fmt.Errorf("sync: a session is already active")
	}
	s := &activeSession{id: ids.NewUuid(), peer: peer, role: Initiator, queue: NewEventQueue(), done: make(chan struct{})}
	m.session = s
	m.mu.Unlock()
	defer m.endSession(s)

	err := m.runInitiatorFlow(ctx, s)
	if err != nil {
		m.logger.Warn("sync session failed", zap.String("peer", string(peer)), zap.Error(err))
		go m.transport.CallMethod(context.Background(), peer, MethodEndSession, EndSessionArgs{Session: s.id}, true)
		return err
	}
	go m.transport.CallMethod(context.Background(), peer, MethodEndSession, EndSessionArgs{Session: s.id}, true)
	return nil
}

func (m *Manager) runInitiatorFlow(ctx context.Context, s *activeSession) error {
	// Round 1: exchange state summaries.
	localSummary := m.localSummary(s.id)
	if err := m.callFireAndForget(ctx, s.peer, MethodStateSummary, localSummary); err != nil {
		return sessionError(s, MethodStateSummary, errors.Wrap(err, "sending state summary"))
	}
	v, err := s.queue.Take(ctx, MethodStateSummary, m.timeouts.Summary)
	if err != nil {
		return sessionError(s, MethodStateSummary, errors.Wrap(err, "awaiting peer state summary"))
	}
	remote := v.(StateSummaryArgs)

	// Round 2: send ops the peer is missing; round 3: await its applied
	// ops acknowledgement / echoed summary (folded into one frame here).
	localOps := m.store.Ops()
	missing := findMissingOps(localOps, latestIndexes(localOps), remote.LatestIndexes)
	if len(missing) > 0 {
		if err := m.callFireAndForget(ctx, s.peer, MethodSessionUpdate, SessionUpdateArgs{Session: s.id, Ops: missing}); err != nil {
			return sessionError(s, MethodSessionUpdate, errors.Wrap(err, "sending session update"))
		}
		v, err = s.queue.Take(ctx, MethodStateSummary, m.timeouts.AppliedOps)
		if err != nil {
			return sessionError(s, MethodStateSummary, errors.Wrap(err, "awaiting applied-ops acknowledgement"))
		}
		remote = v.(StateSummaryArgs)
	}

	localHash := ChainHash(m.store.Ops())
	if localHash == remote.Hash {
		return nil
	}

	// Round 5: binary-search the divergence point and retry once.
	return m.resolveDivergence(ctx, s, remote.Hash)
}

func (m *Manager) resolveDivergence(ctx context.Context, s *activeSession, remoteHash Hash) error {
	localOps := m.store.Ops()
	refs := m.savePointRefs(localOps)
	result, err := m.transport.CallMethod(ctx, s.peer, MethodFindLastSharedHistory, FindLastSharedHistoryArgs{Session: s.id, SavePoints: refs}, false)
	if err != nil {
		return sessionError(s, MethodFindLastSharedHistory, err)
	}

	tail := localOps
	if result != nil {
		var lastShared *ids.Timestamp
		if err := decodeArgs(result, &lastShared); err != nil {
			return sessionError(s, MethodFindLastSharedHistory, err)
		}
		if lastShared != nil {
			idx := oplog.TimestampIndex(*lastShared, localOps, true)
			if idx >= 0 {
				tail = localOps[idx+1:]
			}
		}
	}

	if len(tail) == 0 {
		return nil
	}
	if err := m.callFireAndForget(ctx, s.peer, MethodSessionUpdate, SessionUpdateArgs{Session: s.id, Ops: tail}); err != nil {
		return sessionError(s, MethodSessionUpdate, errors.Wrap(err, "sending final ops range"))
	}

	v, err := s.queue.Take(ctx, MethodStateSummary, m.timeouts.Echo)
	if err != nil {
		return sessionError(s, MethodStateSummary, errors.Wrap(err, "awaiting final state summary"))
	}
	remote := v.(StateSummaryArgs)

	if ChainHash(m.store.Ops()) != remote.Hash {
		m.logger.Error("sync session ended with unresolved divergence", zap.String("peer", string(s.peer)))
	}
	return nil
}

func (m *Manager) callFireAndForget(ctx context.Context, peer ids.Uuid, method string, args interface{}) error {
	_, err := m.transport.CallMethod(ctx, peer, method, args, true)
	return err
}

// Dispatch wraps Store.Dispatch with the scheduling rule that a local
// dispatch blocks while a session is active, then runs the live-update
// fast path: a non-empty change set is broadcast to every connected
// peer without opening a full session.
func (m *Manager) Dispatch(ctx context.Context, action store.DispatchAction) ([]pathlang.PathArray, []store.Failure) {
	m.waitForNoSession(ctx)

	before := len(m.store.Ops())
	changed, failures := m.store.Dispatch(ctx, action)
	if len(changed) == 0 {
		return changed, failures
	}

	after := m.store.Ops()
	newOps := append([]oplog.Op{}, after[before:]...)
	go m.broadcastLiveUpdate(newOps)
	return changed, failures
}

func (m *Manager) waitForNoSession(ctx context.Context) {
	for {
		m.mu.Lock()
		s := m.session
		m.mu.Unlock()
		if s == nil {
			return
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) broadcastLiveUpdate(ops []oplog.Op) {
	for _, peer := range m.transport.Peers() {
		go m.liveUpdateWithBackoff(peer, ops)
	}
}

func (m *Manager) liveUpdateWithBackoff(peer ids.Uuid, ops []oplog.Op) {
	backoff := m.timeouts.LiveUpdateBackoff
	retries := 0
	for {
		callCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := m.transport.CallMethod(callCtx, peer, MethodLiveUpdate, LiveUpdateArgs{Ops: ops}, false)
		cancel()

		if err != nil {
			if rpcErr, ok := err.(*transport.RPCError); ok && rpcErr.Code == errs.BusyWithSessionUpdate {
				retries++
				if m.timeouts.LiveUpdateMaxRetry > 0 && retries > m.timeouts.LiveUpdateMaxRetry {
					m.logger.Warn("liveUpdate gave up after retry cap",
						zap.String("peer", string(peer)), zap.Int("retries", retries-1))
					return
				}
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			m.logger.Warn("liveUpdate failed", zap.String("peer", string(peer)), zap.Error(err))
			return
		}

		remoteHex, ok := result.(string)
		if !ok {
			return
		}
		if remoteHex == ChainHash(m.store.Ops()).Hex() {
			return
		}
		if m.self.Compare(peer) < 0 {
			if err := m.SyncWithPeer(context.Background(), peer); err != nil {
				m.logger.Warn("full sync after live-update divergence failed", zap.String("peer", string(peer)), zap.Error(err))
			}
		}
		return
	}
}
