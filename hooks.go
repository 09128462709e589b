package statecache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths, sometimes while holding internal locks
// released only after the call returns; never call back into the cache.
type Hooks interface {
	// A fetch function returned an error; the cached entry was left untouched.
	FetchFailed(key string, err error)

	// A fetch result was not written.
	// reason ∈ {"gen_mismatch", "optimistic_hold"}
	WriteDropped(key string, reason string)

	// The sweeper removed an unobserved entry that outlived its retention.
	Evicted(key string, age time.Duration)

	// An optimistic patch was reverted to its snapshots.
	PatchRolledBack(patchID string, keys int)

	// The server's authoritative value diverged from the optimistic one.
	StaleWriteConflict(key string)

	// A prefetch or background sync fetch failed (nothing was awaiting it).
	// source ∈ {"prefetch", "sync", "invalidate"}
	BackgroundFailed(source, key string, err error)

	// An invalidation resolved; refetched keys were observed, the rest marked stale.
	Invalidated(event string, refetched, markedStale int)

	// A subscriber found its entry evicted and refetched transparently.
	EvictionRace(key string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchFailed(string, error)              {}
func (NopHooks) WriteDropped(string, string)            {}
func (NopHooks) Evicted(string, time.Duration)          {}
func (NopHooks) PatchRolledBack(string, int)            {}
func (NopHooks) StaleWriteConflict(string)              {}
func (NopHooks) BackgroundFailed(string, string, error) {}
func (NopHooks) Invalidated(string, int, int)           {}
func (NopHooks) EvictionRace(string)                    {}
