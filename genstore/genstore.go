// Package genstore tracks a generation counter per cache key.
//
// The cache bumps a key's generation whenever the entry is removed (eviction or
// invalidate-with-removal). A fetch snapshots the generation before it starts and
// writes its result only if the generation is unchanged, so responses for keys
// that were evicted mid-flight are dropped instead of resurrecting the entry.
package genstore

import "time"

// GenStore abstracts where generations live.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(key string) uint64
	// Bump atomically increments and returns the new generation.
	Bump(key string) uint64
	// Cleanup prunes generations not bumped within retention and reports how many.
	Cleanup(retention time.Duration) int
	// Close stops background cleanup (no-op ok).
	Close() error
}
