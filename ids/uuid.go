// Package ids implements Osmosis's two identifier types: Uuid, a 26-char
// opaque, lexicographically orderable replica identifier, and Timestamp,
// the (author, index) causal counter that anchors every Op.
package ids

import (
	"encoding/base32"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// ulidEncoding is Crockford's base32 alphabet, used (as ULID does) so the
// encoded form sorts the same as the underlying bytes.
var ulidEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// Uuid is a 26-char opaque identifier, lexicographically orderable like a
// ULID. It identifies a replica (the "author" of a Timestamp).
type Uuid string

// NewUuid generates a new time-ordered Uuid from a UUIDv7,
// base32-encoded to the 26-char ULID shape.
func NewUuid() Uuid {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the OS entropy source is broken; there is no
		// sane recovery for a replica that cannot name itself.
		panic("ids: failed to generate Uuid: " + err.Error())
	}
	return Uuid(encodeUuidBytes(u))
}

func encodeUuidBytes(u uuid.UUID) string {
	// UUIDs are 16 bytes; base32 of 16 bytes is 26 chars with no padding.
	return strings.ToUpper(ulidEncoding.EncodeToString(u[:]))
}

// Nil is the zero Uuid, used as the author of the zero save point.
const Nil Uuid = ""

// String returns the 26-char encoded form.
func (u Uuid) String() string { return string(u) }

// Compare returns -1, 0, or 1 as u is less than, equal to, or greater than
// other, using plain lexicographic byte order (the encoding already sorts
// consistently with the underlying time-ordered bytes).
func (u Uuid) Compare(other Uuid) int {
	switch {
	case u < other:
		return -1
	case u > other:
		return 1
	default:
		return 0
	}
}

// MarshalJSON implements json.Marshaler.
func (u Uuid) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(u))
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Uuid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*u = Uuid(s)
	return nil
}
