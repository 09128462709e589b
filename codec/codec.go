// Package codec converts entry payloads to and from bytes.
//
// The cache itself keeps values in memory as V. A Codec is used where an exact,
// independent copy is needed: optimistic snapshots (so a later in-place mutation
// of the live value cannot leak into the snapshot), byte-level equality when
// comparing an optimistic value against the server's authoritative one, and
// canonical filter descriptors inside cache keys.
package codec

import "bytes"

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Clone returns an independent copy of v by round-tripping it through c.
func Clone[V any](c Codec[V], v V) (V, error) {
	b, err := c.Encode(v)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.Decode(b)
}

// Equal reports whether a and b encode to identical bytes under c.
// Use a deterministic codec (e.g. NewCBOR(true)) when V contains maps.
func Equal[V any](c Codec[V], a, b V) (bool, error) {
	ab, err := c.Encode(a)
	if err != nil {
		return false, err
	}
	bb, err := c.Encode(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
