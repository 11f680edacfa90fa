// Package store orchestrates one replica: local dispatch, merging
// foreign ops, query subscriptions, and delegation to the persistence
// backend. It is the glue between the path language, the id-mapped
// document, the operation log, and the save-point index.
package store

import (
	"github.com/ar-nelson/osmosis/jsondoc"
	"github.com/ar-nelson/osmosis/pathlang"
)

// NetworkActionKind enumerates the network actions that ride alongside
// the scalar ScalarAction taxonomy on the dispatch surface.
type NetworkActionKind string

const (
	NetworkRequestPair       NetworkActionKind = "RequestPair"
	NetworkAcceptPair        NetworkActionKind = "AcceptPair"
	NetworkRejectPair        NetworkActionKind = "RejectPair"
	NetworkUnpair            NetworkActionKind = "Unpair"
	NetworkSetVisibleToPeers NetworkActionKind = "SetVisibleToPeers"
	NetworkSetSyncEnabled    NetworkActionKind = "SetSyncEnabled"
)

// ScalarAction is one Action Applier mutation expressed against the
// Path Language surface, before compilation/anchoring.
type ScalarAction struct {
	Type    jsondoc.ActionType
	Path    string
	Payload interface{}
	// Source is the Path Language source path, used only by Move/Copy.
	Source string
}

// DispatchAction is the full input taxonomy Store.Dispatch accepts:
// exactly one of Scalar, Transaction, or Network is set.
type DispatchAction struct {
	Scalar      *ScalarAction
	Transaction []ScalarAction
	Network     *NetworkAction
}

// NetworkAction carries one network action. PeerID names the target
// peer where relevant (AcceptPair/RejectPair/Unpair).
type NetworkAction struct {
	Kind    NetworkActionKind
	PeerID  string
	Visible bool
	Enabled bool
}

// Failure is a non-fatal action failure: returned from Dispatch and
// MergeOps, never panics, never corrupts state.
type Failure struct {
	Path    pathlang.PathArray
	Message string
}

func (f Failure) Error() string { return f.Message }
