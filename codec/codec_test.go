package codec

import (
	"encoding/json"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

type xp struct {
	UserID string         `json:"user_id" msgpack:"user_id" cbor:"user_id"`
	XP     int            `json:"xp" msgpack:"xp" cbor:"xp"`
	Badges map[string]int `json:"badges" msgpack:"badges" cbor:"badges"`
}

func TestCloneIsIndependent(t *testing.T) {
	codecs := map[string]Codec[xp]{
		"json":    JSON[xp]{},
		"msgpack": Msgpack[xp]{},
		"cbor":    MustCBOR[xp](true),
	}
	for name, c := range codecs {
		orig := xp{UserID: "u1", XP: 100, Badges: map[string]int{"streak": 3}}
		cp, err := Clone(c, orig)
		if err != nil {
			t.Fatalf("%s: Clone: %v", name, err)
		}
		orig.Badges["streak"] = 99
		if cp.Badges["streak"] != 3 {
			t.Fatalf("%s: clone shares map with original", name)
		}
		if cp.UserID != "u1" || cp.XP != 100 {
			t.Fatalf("%s: clone mismatch: %+v", name, cp)
		}
	}
}

func TestEqualDeterministicCBOR(t *testing.T) {
	c := MustCBOR[map[string]any](true)
	a := map[string]any{"difficulty": "hard", "limit": 10, "topic": "algebra"}
	b := map[string]any{"topic": "algebra", "limit": 10, "difficulty": "hard"}

	eq, err := Equal(c, a, b)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if !eq {
		t.Fatalf("maps with identical content must encode identically")
	}

	b["limit"] = 11
	eq, err = Equal(c, a, b)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if eq {
		t.Fatalf("different maps reported equal")
	}
}

func TestCBORDecodesUntypedMaps(t *testing.T) {
	c := MustCBOR[any](true)
	b, err := c.Encode(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := v.(map[string]any); !ok {
		t.Fatalf("want map[string]any, got %T", v)
	}
}

func TestProtobufRoundTrip(t *testing.T) {
	c := NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })
	msg, err := structpb.NewStruct(map[string]any{"score": 70.0, "user": "u1"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	cp, err := Clone[*structpb.Struct](c, msg)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if cp == msg {
		t.Fatalf("clone must be a new message")
	}
	if got := cp.Fields["score"].GetNumberValue(); got != 70 {
		t.Fatalf("score = %v, want 70", got)
	}
	eq, err := Equal[*structpb.Struct](c, msg, cp)
	if err != nil || !eq {
		t.Fatalf("Equal(msg, clone) = %v, %v", eq, err)
	}
}

func TestEqualMsgpackSortsMapKeys(t *testing.T) {
	c := Msgpack[map[string]int]{}
	a := make(map[string]int)
	b := make(map[string]int)
	for i := 0; i < 32; i++ {
		a[string(rune('a'+i))] = i
	}
	for i := 31; i >= 0; i-- {
		b[string(rune('a'+i))] = i
	}
	for i := 0; i < 8; i++ { // map iteration order varies per encode
		eq, err := Equal(c, a, b)
		if err != nil {
			t.Fatalf("Equal: %v", err)
		}
		if !eq {
			t.Fatalf("maps with identical content must encode identically")
		}
	}
}

func TestJSONCloneKeepsLargeIntegers(t *testing.T) {
	c := JSON[map[string]any]{}
	orig := map[string]any{"xp": int64(1<<53 + 1), "note": "<b>"}
	cp, err := Clone(c, orig)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	n, ok := cp["xp"].(json.Number)
	if !ok || n.String() != "9007199254740993" {
		t.Fatalf("xp = %#v", cp["xp"])
	}
	b, _ := c.Encode(orig)
	if !strings.Contains(string(b), `"<b>"`) || strings.HasSuffix(string(b), "\n") {
		t.Fatalf("encoded %q", b)
	}
}
