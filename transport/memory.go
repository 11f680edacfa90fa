package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ar-nelson/osmosis/ids"
)

// registry lets in-process Memory transports discover each other by
// peer id, the way a single test process wires up a small swarm
// without a real network.
type registry struct {
	mu    sync.Mutex
	peers map[ids.Uuid]*Memory
}

var globalRegistry = &registry{peers: make(map[ids.Uuid]*Memory)}

// Memory is an in-process Transport: each peer registers a call
// handler and other Memory instances invoke it directly.
type Memory struct {
	self ids.Uuid

	mu      sync.RWMutex
	handler Handler
	events  chan Event
	closed  bool
}

// NewMemoryTransport registers a new in-process peer under self and
// returns its Transport. All Memory transports created this way share
// a process-wide registry and can reach each other by Uuid.
func NewMemoryTransport(self ids.Uuid) *Memory {
	m := &Memory{self: self, events: make(chan Event, 64)}
	globalRegistry.mu.Lock()
	globalRegistry.peers[self] = m
	globalRegistry.mu.Unlock()

	globalRegistry.broadcast(Event{Kind: EventPeerAppeared, PeerID: self})
	return m
}

func (r *registry) broadcast(ev Event) {
	r.mu.Lock()
	peers := make([]*Memory, 0, len(r.peers))
	for id, p := range r.peers {
		if id != ev.PeerID {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.emit(ev)
	}
}

func (m *Memory) emit(ev Event) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

func (m *Memory) CallMethod(ctx context.Context, peerID ids.Uuid, method string, args interface{}, fireAndForget bool) (interface{}, error) {
	globalRegistry.mu.Lock()
	peer, ok := globalRegistry.peers[peerID]
	globalRegistry.mu.Unlock()
	if !ok {
		return nil, ErrUnknownPeer
	}

	peer.mu.RLock()
	h := peer.handler
	peer.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("transport: peer %s has no registered handler", peerID)
	}

	if fireAndForget {
		go h(context.Background(), m.self, method, args)
		return nil, nil
	}
	return h(ctx, m.self, method, args)
}

func (m *Memory) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Memory) Events() <-chan Event { return m.events }

func (m *Memory) Peers() []ids.Uuid {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	out := make([]ids.Uuid, 0, len(globalRegistry.peers))
	for id := range globalRegistry.peers {
		if id != m.self {
			out = append(out, id)
		}
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.events)
	m.mu.Unlock()

	globalRegistry.mu.Lock()
	delete(globalRegistry.peers, m.self)
	globalRegistry.mu.Unlock()
	globalRegistry.broadcast(Event{Kind: EventPeerDisappeared, PeerID: m.self})
	return nil
}
