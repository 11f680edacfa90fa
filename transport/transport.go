// Package transport is the replica's network boundary: a bidirectional
// RPC channel keyed by peer-id, plus the peer lifecycle events the sync
// layer reacts to. Pairing, key management, and channel encryption are
// the host application's concern; adapters here only carry calls.
package transport

import (
	"context"

	"github.com/ar-nelson/osmosis/errs"
	"github.com/ar-nelson/osmosis/ids"
)

// EventKind enumerates the peer lifecycle events.
type EventKind string

const (
	EventPeerAppeared     EventKind = "peerAppeared"
	EventPeerConnected    EventKind = "peerConnected"
	EventPeerDisconnected EventKind = "peerDisconnected"
	EventPeerDisappeared  EventKind = "peerDisappeared"
	EventPairRequest      EventKind = "pairRequest"
	EventPairResponse     EventKind = "pairResponse"
	EventConfigUpdated    EventKind = "configUpdated"
	EventStart            EventKind = "start"
	EventBeforeStop       EventKind = "beforeStop"
)

// Event is a single peer lifecycle notification.
type Event struct {
	Kind   EventKind
	PeerID ids.Uuid
	Data   interface{}
}

// RPCError is an error returned by a remote method call, carrying a
// numeric wire code. 101 (busy with session update) is the one code
// with defined meaning; everything else is a string message in-band.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// ErrUnknownPeer is returned by CallMethod when peerID names no
// reachable, paired peer.
var ErrUnknownPeer = &errs.NotFound{Message: "unknown or unreachable peer"}

// Handler processes an inbound RPC call from a peer and returns the
// response value (or an error, optionally an *RPCError to carry a wire
// code).
type Handler func(ctx context.Context, fromPeer ids.Uuid, method string, args interface{}) (interface{}, error)

// Transport is the contract a Sync Session and the live-update fast
// path use to talk to paired peers: call a method and await its
// response, or fire a method without waiting (fireAndForget).
type Transport interface {
	// CallMethod invokes method on peerID with args, blocking for a
	// response unless fireAndForget is set (in which case it returns as
	// soon as the call is sent, with a nil response).
	CallMethod(ctx context.Context, peerID ids.Uuid, method string, args interface{}, fireAndForget bool) (interface{}, error)

	// SetHandler installs the function invoked for inbound calls from
	// any peer. Only one handler is active at a time.
	SetHandler(h Handler)

	// Events returns a channel of peer lifecycle events. It is closed
	// when the transport is closed.
	Events() <-chan Event

	// Peers returns the ids of currently reachable paired peers.
	Peers() []ids.Uuid

	Close() error
}
