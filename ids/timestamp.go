package ids

import (
	"fmt"
	"strings"
)

const base32Digits = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Timestamp is the causal timestamp (author, index) anchoring every op:
// a monotonically increasing per-author counter. Two timestamps with
// distinct authors are concurrent; the total order below is used only for
// sorting and binary search, never as a causal order.
type Timestamp struct {
	Author Uuid   `json:"author"`
	Index  uint32 `json:"index"`
}

// Zero is the timestamp of the zero save point: (Nil, 0).
var Zero = Timestamp{Author: Nil, Index: 0}

// Next returns the timestamp one index past t, same author.
func (t Timestamp) Next() Timestamp {
	return Timestamp{Author: t.Author, Index: t.Index + 1}
}

// Advance returns the timestamp n indices past t, same author; used when
// a Transaction consumes n consecutive indices.
func (t Timestamp) Advance(n uint32) Timestamp {
	return Timestamp{Author: t.Author, Index: t.Index + n}
}

// totalOrderKey is the 11-char zero-padded base-32 index followed by
// "@" + author. It sorts correctly as a plain string because the index
// is fixed-width; 11 base-32 digits covers the full uint32 range.
func (t Timestamp) totalOrderKey() string {
	return padLeft(toBase32(t.Index), 11, '0') + "@" + string(t.Author)
}

func toBase32(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [32]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = base32Digits[v%32]
		v /= 32
	}
	return string(buf[i:])
}

func padLeft(s string, width int, pad byte) string {
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat(string(pad), width-len(s)) + s
}

// Less reports whether t precedes other in the total order: the
// fixed-width base-32 index first, then the author as a tie-break. This
// is NOT the causal order; it exists solely so the op log can be kept
// sorted and binary searched.
func (t Timestamp) Less(other Timestamp) bool {
	return t.totalOrderKey() < other.totalOrderKey()
}

// Equal reports whether t and other name the same (author, index) pair.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.Author == other.Author && t.Index == other.Index
}

// Compare returns -1, 0, or 1 per the total order (see Less).
func (t Timestamp) Compare(other Timestamp) int {
	a, b := t.totalOrderKey(), other.totalOrderKey()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String renders the timestamp as "index@author" for logging.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Index, t.Author)
}
