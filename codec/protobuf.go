package codec

import "google.golang.org/protobuf/proto"

// Protobuf is a Codec for payloads that are protobuf messages (for example
// responses of a gRPC-backed domain service). Encoding is deterministic so
// Equal works on messages containing maps.
type Protobuf[T proto.Message] struct {
	new func() T // constructor for a concrete message (e.g., func() *pb.Profile { return &pb.Profile{} })
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
