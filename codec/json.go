package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is a Codec backed by encoding/json. The zero value is ready to use.
//
// Map keys are sorted and HTML is left unescaped. Numbers inside untyped
// fields (any, map[string]any) decode as json.Number, so snapshots keep
// int64 precision. Equal ignores the Go type of a number: int 10 and
// float64 10 encode alike.
type JSON[V any] struct{}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	err := dec.Decode(&v)
	return v, err
}
