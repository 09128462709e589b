package util

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Digest returns a short, stable hex fingerprint of b (xxhash64).
// Used only for rendering; equality is always decided on the full bytes.
func Digest(b []byte) string {
	s := strconv.FormatUint(xxhash.Sum64(b), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
