package statecache

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	c "github.com/unkn0wn-root/statecache/codec"
	"github.com/unkn0wn-root/statecache/internal/util"
	"github.com/unkn0wn-root/statecache/internal/wire"
)

// Filter is a filter descriptor segment (e.g. {"difficulty":"hard","limit":10}).
// Filters are serialized with deterministic CBOR, so two filters with the same
// content always yield the same key regardless of map iteration order.
type Filter map[string]any

// Key is a canonical cache key: an ordered tuple of segments
// (entity type, id, sub-resource, filter descriptor).
//
// Keys are comparable and safe to use as map keys. Keys form a prefix
// hierarchy: invalidating ["performance","u1"] affects ["performance","u1","weekly"].
type Key struct {
	id string // wire-framed segment bytes; the zero Key is the root of the hierarchy
}

var filterCodec = c.MustCBOR[any](true)

// NewKey builds a canonical key from an entity type and further segments.
// It panics if a segment cannot be canonicalized; use BuildKey to get an error.
func NewKey(entity string, segs ...any) Key {
	k, err := BuildKey(entity, segs...)
	if err != nil {
		panic(err)
	}
	return k
}

// BuildKey is like NewKey but returns an error for unsupported segments.
//
// Scalars (string, bool, integers and floats of any width or named type,
// time.Time, fmt.Stringer) become text segments. Filter, maps, slices and
// structs become canonical CBOR segments.
func BuildKey(entity string, segs ...any) (Key, error) {
	out := make([]wire.Segment, 0, 1+len(segs))
	out = append(out, wire.Segment{Kind: wire.KindText, Data: []byte(entity)})
	for i, s := range segs {
		seg, err := segment(s)
		if err != nil {
			return Key{}, fmt.Errorf("statecache: key segment %d: %w", i+1, err)
		}
		out = append(out, seg)
	}
	return fromSegments(out), nil
}

// Prefix returns a key built from the first n segments of k.
func (k Key) Prefix(n int) Key {
	segs := k.raw()
	if n >= len(segs) {
		return k
	}
	if n <= 0 {
		return Key{}
	}
	return fromSegments(segs[:n])
}

// Append returns a new key with extra segments after k's.
func (k Key) Append(segs ...any) (Key, error) {
	out := k.raw()
	for i, s := range segs {
		seg, err := segment(s)
		if err != nil {
			return Key{}, fmt.Errorf("statecache: key segment %d: %w", len(out)+i, err)
		}
		out = append(out, seg)
	}
	return fromSegments(out), nil
}

// HasPrefix reports whether p's segments are a leading subsequence of k's.
// The zero Key is a prefix of every key.
func (k Key) HasPrefix(p Key) bool {
	if p.id == "" {
		return true
	}
	return strings.HasPrefix(k.ident(), p.id)
}

// IsZero reports whether k has no segments.
func (k Key) IsZero() bool { return k.id == "" }

// Entity returns the first segment (the entity type), or "" for the zero Key.
func (k Key) Entity() string {
	segs := k.raw()
	if len(segs) == 0 {
		return ""
	}
	return string(segs[0].Data)
}

// Len returns the number of segments.
func (k Key) Len() int { return len(k.raw()) }

// Segments renders each segment as text. Filter segments render as "f:<digest>".
func (k Key) Segments() []string {
	segs := k.raw()
	out := make([]string, len(segs))
	for i, s := range segs {
		if s.Kind == wire.KindFilter {
			out[i] = "f:" + util.Digest(s.Data)
			continue
		}
		out[i] = string(s.Data)
	}
	return out
}

// String renders the key as "entity/id/…" for logs and hooks.
func (k Key) String() string { return strings.Join(k.Segments(), "/") }

// Bytes returns the canonical encoding. Logically identical keys have identical bytes.
func (k Key) Bytes() []byte { return []byte(k.ident()) }

// ParseKey decodes bytes previously returned by Key.Bytes.
func ParseKey(b []byte) (Key, error) {
	if _, err := wire.DecodeKey(b); err != nil {
		return Key{}, err
	}
	if string(b) == string(wire.Empty()) {
		return Key{}, nil
	}
	return Key{id: string(b)}, nil
}

func fromSegments(segs []wire.Segment) Key {
	if len(segs) == 0 {
		return Key{}
	}
	return Key{id: string(wire.EncodeKey(segs))}
}

func (k Key) ident() string {
	if k.id == "" {
		return string(wire.Empty())
	}
	return k.id
}

func (k Key) raw() []wire.Segment {
	if k.id == "" {
		return nil
	}
	segs, err := wire.DecodeKey([]byte(k.id))
	if err != nil {
		// keys are only built by this package
		panic(err)
	}
	return segs
}

func segment(v any) (wire.Segment, error) {
	switch x := v.(type) {
	case nil:
		return textSegment(""), nil
	case string:
		return textSegment(x), nil
	case time.Time:
		return textSegment(x.UTC().Format(time.RFC3339Nano)), nil
	case Filter:
		return filterSegment(map[string]any(x))
	case fmt.Stringer:
		return textSegment(x.String()), nil
	}
	// scalars of any width or named type render like their underlying kind
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return textSegment(rv.String()), nil
	case reflect.Bool:
		return textSegment(strconv.FormatBool(rv.Bool())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return textSegment(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return textSegment(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32:
		return textSegment(strconv.FormatFloat(rv.Float(), 'g', -1, 32)), nil
	case reflect.Float64:
		return textSegment(strconv.FormatFloat(rv.Float(), 'g', -1, 64)), nil
	}
	return filterSegment(v)
}

func textSegment(s string) wire.Segment {
	return wire.Segment{Kind: wire.KindText, Data: []byte(s)}
}

func filterSegment(v any) (wire.Segment, error) {
	b, err := filterCodec.Encode(v)
	if err != nil {
		return wire.Segment{}, err
	}
	return wire.Segment{Kind: wire.KindFilter, Data: b}, nil
}
