package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	// KindText marks a plain string segment (entity type, id, sub-resource).
	KindText byte = 't'
	// KindFilter marks a canonical CBOR filter descriptor.
	KindFilter byte = 'f'

	segHdr = 1 + 4
)

var ErrCorrupt = errors.New("statecache: corrupt key")

type Segment struct {
	Kind byte
	Data []byte
}

// Key: ver(1) | { kind(1) | len(u32 be) | data(len) } * n
//
// Every segment is length-prefixed, so the encoding of a key is a byte prefix
// of another key's encoding iff its segments are a leading subsequence of the
// other's. Invalidation relies on this.
func EncodeKey(segs []Segment) []byte {
	total := 1
	for _, s := range segs {
		total += segHdr + len(s.Data)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	buf.WriteByte(version)

	var u4 [4]byte
	for _, s := range segs {
		buf.WriteByte(s.Kind)
		binary.BigEndian.PutUint32(u4[:], uint32(len(s.Data)))
		buf.Write(u4[:])
		buf.Write(s.Data)
	}
	return buf.Bytes()
}

func DecodeKey(b []byte) ([]Segment, error) {
	if len(b) < 1 || b[0] != version {
		return nil, ErrCorrupt
	}
	off := 1

	var segs []Segment
	for off < len(b) {
		if segHdr > len(b)-off {
			return nil, ErrCorrupt
		}
		kind := b[off]
		if kind != KindText && kind != KindFilter {
			return nil, ErrCorrupt
		}
		off++

		dlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if dlen < 0 || dlen > len(b)-off { // overflow-safe bound check
			return nil, ErrCorrupt
		}

		segs = append(segs, Segment{Kind: kind, Data: b[off : off+dlen]})
		off += dlen
	}
	return segs, nil
}

// Empty returns the encoding of a key with no segments.
func Empty() []byte { return []byte{version} }
