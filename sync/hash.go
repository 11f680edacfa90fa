// Package sync implements the pairwise sync session: the state machine
// that drives two replicas to convergence over a handful of RPC methods
// exchanged through a Transport, plus the liveUpdate fast path used
// between sessions.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/oplog"
)

// Hash is the rolling state-summary hash: 32 bytes, independent of op
// payload, so two replicas that agree on the set and order of applied
// timestamps agree on Hash.
type Hash [32]byte

// ZeroHash is H₀, the rolling hash before any op has been folded in.
var ZeroHash Hash

// NextHash folds ts into prev, producing Hₙ from Hₙ₋₁ and ops[n].timestamp.
func NextHash(prev Hash, ts ids.Timestamp) Hash {
	h := sha256.New()
	h.Write(prev[:])
	h.Write([]byte(ts.String()))
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ChainHash folds every op's timestamp into ZeroHash in order, producing
// the state summary hash for a full (or partial) op log.
func ChainHash(ops []oplog.Op) Hash {
	h := ZeroHash
	for _, op := range ops {
		h = NextHash(h, op.Timestamp)
	}
	return h
}

// Hex renders the hash the way liveUpdate responses carry it.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// MarshalJSON implements json.Marshaler, encoding the hash as hex.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return fmt.Errorf("sync: hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}
