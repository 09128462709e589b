package statecache

import (
	"context"
	"sort"
	"sync"
	"time"

	c "github.com/unkn0wn-root/statecache/codec"
	gen "github.com/unkn0wn-root/statecache/genstore"
)

// FetchFunc loads the current server value for one key. It owns its own timeout.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Entry is a copy-out view of one cache entry.
type Entry[V any] struct {
	Key              Key
	Value            V
	HasValue         bool // false for an observer record whose first fetch has not landed
	FetchedAt        time.Time
	StaleAfter       time.Duration
	RetainUnobserved time.Duration
	Observers        int
	Pending          bool // a fetch is in flight for this key
	Version          uint64
	Optimistic       bool // value came from an optimistic patch, not the server
	Invalidated      bool // marked stale by the invalidation engine
}

type entry[V any] struct {
	value       V
	hasValue    bool
	fetchedAt   time.Time
	releasedAt  time.Time // creation or last time observers dropped to zero
	policy      Policy
	observers   int
	version     uint64
	optimistic  bool
	invalidated bool
	holds       int // APPLIED optimistic patches covering this key
	fetch       FetchFunc[V]
	watchers    map[uint64]chan struct{}
}

// StoreOptions configure a standalone Store. Client fills these from Options.
type StoreOptions struct {
	Policies PolicyTable  // zero => DefaultPolicies
	Clock    Clock        // nil => wall clock
	GenStore gen.GenStore // nil => in-process generations
	Logger   Logger
}

// Store is the in-memory table of key -> entry. It is the only shared mutable
// resource; every mutation goes through its methods so versions and observer
// counts stay consistent.
type Store[V any] struct {
	mu        sync.Mutex
	entries   map[Key]*entry[V]
	pending   map[Key]struct{}
	seq       uint64 // version source; store-wide so versions survive evict/recreate
	nextWatch uint64

	policies PolicyTable
	clock    Clock
	gens     gen.GenStore
	log      Logger
}

func NewStore[V any](opts StoreOptions) *Store[V] {
	s := &Store[V]{
		entries:  make(map[Key]*entry[V]),
		pending:  make(map[Key]struct{}),
		policies: opts.Policies,
		clock:    coalesce[Clock](opts.Clock, wallClock{}),
		log:      named(coalesce[Logger](opts.Logger, NopLogger{}), "store"),
	}
	if s.policies.Policies == nil {
		s.policies = DefaultPolicies()
	}
	if opts.GenStore != nil {
		s.gens = opts.GenStore
	} else {
		s.gens = gen.NewLocal(0, 0, s.clock.Now)
	}
	return s
}

// Policies returns the table the store resolves keys with.
func (s *Store[V]) Policies() PolicyTable { return s.policies }

// Get returns the entry for key without triggering a fetch.
// ok is false when nothing has been cached yet.
func (s *Store[V]) Get(key Key) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.hasValue {
		return Entry[V]{}, false
	}
	return s.view(key, e), true
}

// Set overwrites the value, bumps the version and sets fetchedAt to now.
func (s *Store[V]) Set(key Key, v V) Entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key)
	s.write(e, v, s.clock.Now())
	return s.view(key, e)
}

// Subscribe registers one observer and returns the current entry, if any.
func (s *Store[V]) Subscribe(key Key) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key)
	e.observers++
	return s.view(key, e), e.hasValue
}

// Unsubscribe drops one observer. Unknown keys and zero counts are ignored.
func (s *Store[V]) Unsubscribe(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.observers == 0 {
		s.log.Debug("unsubscribe without observer", Fields{"key": key.String()})
		return
	}
	e.observers--
	if e.observers == 0 {
		e.releasedAt = s.clock.Now()
	}
}

// IsStale reports whether key must be refetched on next read: absent, never
// fetched, marked stale, or older than its policy's StaleAfter. Keys held by an
// optimistic patch are never stale.
func (s *Store[V]) IsStale(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return true
	}
	return s.stale(e, s.clock.Now())
}

// MarkStale flags key for lazy revalidation. Returns false if key is absent.
func (s *Store[V]) MarkStale(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.invalidated = true
	return true
}

// Remove drops the cached value of key. Unobserved entries are deleted and
// their generation bumped so in-flight responses are discarded; observed
// entries keep their observer record. A key under an applied optimistic patch
// keeps its optimistic value and is only marked stale.
func (s *Store[V]) Remove(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.drop(key, e)
	return true
}

// Match returns keys having prefix, in canonical order.
func (s *Store[V]) Match(prefix Key) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Key
	for k := range s.entries {
		if k.HasPrefix(prefix) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// Keys returns every key in canonical order.
func (s *Store[V]) Keys() []Key { return s.Match(Key{}) }

func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Pending reports whether a fetch is in flight for key.
func (s *Store[V]) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// ==============================
// fetch orchestration support
// ==============================

// beginFetch marks key pending and returns the generation the write must match.
func (s *Store[V]) beginFetch(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = struct{}{}
	return s.gens.Snapshot(key.id)
}

// fresh returns the cached value of key if it does not need a refetch.
func (s *Store[V]) fresh(key Key) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.stale(e, s.clock.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (s *Store[V]) endFetch(key Key) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// commitFetch writes a fetch result iff the key was not removed since
// beginFetch and no optimistic patch is holding it.
func (s *Store[V]) commitFetch(key Key, v V, observedGen uint64) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens.Snapshot(key.id) != observedGen {
		return false, "gen_mismatch"
	}
	e := s.ensure(key)
	if e.holds > 0 {
		return false, "optimistic_hold"
	}
	s.write(e, v, s.clock.Now())
	return true, ""
}

func (s *Store[V]) bind(key Key, fn FetchFunc[V]) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.ensure(key).fetch = fn
	s.mu.Unlock()
}

func (s *Store[V]) boundFetch(key Key) FetchFunc[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.fetch
	}
	return nil
}

// ==============================
// invalidation support
// ==============================

type match struct {
	key      Key
	observed bool
}

// invalidate marks every entry under prefixes stale (or removes it) in one
// critical section and reports which matches are observed. Each key appears once.
func (s *Store[V]) invalidate(prefixes []Key, removal bool) []match {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[Key]bool)
	for k, e := range s.entries {
		for _, p := range prefixes {
			if !k.HasPrefix(p) {
				continue
			}
			seen[k] = e.observers > 0
			if removal {
				s.drop(k, e)
			} else {
				e.invalidated = true
			}
			break
		}
	}
	out := make([]match, 0, len(seen))
	for k, obs := range seen {
		out = append(out, match{key: k, observed: obs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.id < out[j].key.id })
	return out
}

// ==============================
// optimistic patch support
// ==============================

type snapshot[V any] struct {
	key         Key
	exists      bool
	value       V
	raw         []byte // codec copy of value; authoritative when non-nil
	hasValue    bool
	fetchedAt   time.Time
	optimistic  bool
	invalidated bool
}

// applyPatch snapshots key, computes update(current) and writes the result as
// an optimistic value without touching fetchedAt. The key stays held (fetch
// results dropped) until settle. update runs under the store lock.
func (s *Store[V]) applyPatch(key Key, update Updater[V], codec c.Codec[V]) (snapshot[V], V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	e, exists := s.entries[key]
	snap := snapshot[V]{key: key, exists: exists}
	cur := zero
	if exists {
		snap.value = e.value
		snap.hasValue = e.hasValue
		snap.fetchedAt = e.fetchedAt
		snap.optimistic = e.optimistic
		snap.invalidated = e.invalidated
		cur = e.value
		if codec != nil && e.hasValue {
			raw, err := codec.Encode(e.value)
			if err != nil {
				return snapshot[V]{}, zero, err
			}
			snap.raw = raw
			// updater gets its own copy so in-place edits cannot reach the snapshot
			if cur, err = codec.Decode(raw); err != nil {
				return snapshot[V]{}, zero, err
			}
		}
	}

	next, err := update(key, cur, exists && e.hasValue)
	if err != nil {
		return snapshot[V]{}, zero, err
	}

	if !exists {
		e = s.ensure(key)
	}
	e.value = next
	e.hasValue = true
	e.optimistic = true
	e.holds++
	s.bumpVersion(e)
	s.notify(e)
	return snap, next, nil
}

// restore writes snap back verbatim and releases one hold.
func (s *Store[V]) restore(snap snapshot[V], codec c.Codec[V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := snap.value
	if snap.raw != nil && codec != nil {
		v, err := codec.Decode(snap.raw)
		if err != nil {
			return err
		}
		value = v
	}

	e, ok := s.entries[snap.key]
	if !ok {
		// swept while held is impossible; recreate to honor the snapshot
		if !snap.exists {
			return nil
		}
		e = s.ensure(snap.key)
	}
	if e.holds > 0 {
		e.holds--
	}

	if !snap.exists || !snap.hasValue {
		var zero V
		e.value = zero
		e.hasValue = false
		e.fetchedAt = time.Time{}
		e.optimistic = false
		e.invalidated = snap.invalidated
		s.bumpVersion(e)
		s.notify(e)
		if !snap.exists && e.observers == 0 && e.holds == 0 {
			delete(s.entries, snap.key)
			s.gens.Bump(snap.key.id)
		}
		return nil
	}

	e.value = value
	e.hasValue = true
	e.fetchedAt = snap.fetchedAt
	e.optimistic = snap.optimistic
	e.invalidated = snap.invalidated
	s.bumpVersion(e)
	s.notify(e)
	return nil
}

// settle releases one hold on key without changing its value.
func (s *Store[V]) settle(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.holds > 0 {
		e.holds--
	}
}

// ==============================
// eviction support
// ==============================

type evicted struct {
	key Key
	age time.Duration
}

// sweep deletes entries with no observers, no holds and an age beyond their
// policy's RetainUnobserved. Age counts from the later of fetchedAt and the
// moment the last observer left.
func (s *Store[V]) sweep() []evicted {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []evicted
	for k, e := range s.entries {
		if e.observers > 0 || e.holds > 0 {
			continue
		}
		since := e.fetchedAt
		if e.releasedAt.After(since) {
			since = e.releasedAt
		}
		age := now.Sub(since)
		if age <= e.policy.RetainUnobserved {
			continue
		}
		delete(s.entries, k)
		s.gens.Bump(k.id)
		out = append(out, evicted{key: k, age: age})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.id < out[j].key.id })
	return out
}

func (s *Store[V]) cleanupGens(retention time.Duration) int {
	return s.gens.Cleanup(retention)
}

// ==============================
// change notification
// ==============================

func (s *Store[V]) watch(key Key) (uint64, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key)
	if e.watchers == nil {
		e.watchers = make(map[uint64]chan struct{})
	}
	s.nextWatch++
	ch := make(chan struct{}, 1)
	e.watchers[s.nextWatch] = ch
	return s.nextWatch, ch
}

func (s *Store[V]) unwatch(key Key, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		delete(e.watchers, id)
	}
}

// ==============================
// internals (caller holds s.mu)
// ==============================

func (s *Store[V]) ensure(key Key) *entry[V] {
	e, ok := s.entries[key]
	if !ok {
		e = &entry[V]{
			policy:     s.policies.For(key),
			releasedAt: s.clock.Now(),
		}
		s.entries[key] = e
	}
	return e
}

func (s *Store[V]) write(e *entry[V], v V, now time.Time) {
	e.value = v
	e.hasValue = true
	e.fetchedAt = now
	e.optimistic = false
	e.invalidated = false
	s.bumpVersion(e)
	s.notify(e)
}

func (s *Store[V]) drop(key Key, e *entry[V]) {
	if e.holds > 0 {
		// the optimistic value stays visible; commit or rollback settles it
		e.invalidated = true
		return
	}
	if e.observers > 0 {
		var zero V
		e.value = zero
		e.hasValue = false
		e.invalidated = true
		s.bumpVersion(e)
		s.notify(e)
		return
	}
	delete(s.entries, key)
	s.gens.Bump(key.id)
}

func (s *Store[V]) bumpVersion(e *entry[V]) {
	s.seq++
	e.version = s.seq
}

func (s *Store[V]) notify(e *entry[V]) {
	for _, ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default: // coalesce
		}
	}
}

func (s *Store[V]) stale(e *entry[V], now time.Time) bool {
	if e.holds > 0 {
		return false // fetches would be dropped anyway
	}
	if !e.hasValue || e.invalidated {
		return true
	}
	return now.Sub(e.fetchedAt) > e.policy.StaleAfter
}

func (s *Store[V]) view(key Key, e *entry[V]) Entry[V] {
	_, pending := s.pending[key]
	return Entry[V]{
		Key:              key,
		Value:            e.value,
		HasValue:         e.hasValue,
		FetchedAt:        e.fetchedAt,
		StaleAfter:       e.policy.StaleAfter,
		RetainUnobserved: e.policy.RetainUnobserved,
		Observers:        e.observers,
		Pending:          pending,
		Version:          e.version,
		Optimistic:       e.optimistic,
		Invalidated:      e.invalidated,
	}
}

func sortKeys(ks []Key) {
	sort.Slice(ks, func(i, j int) bool { return ks[i].id < ks[j].id })
}
