package statecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gen "github.com/unkn0wn-root/statecache/genstore"
	"github.com/unkn0wn-root/statecache/internal/heat"
	"github.com/unkn0wn-root/statecache/internal/util"
)

// Client wires the store and every component around it. It is what UI code
// talks to: subscribe for bound views, emit events, run mutations.
type Client[V any] struct {
	store   *Store[V]
	orch    *Orchestrator[V]
	inv     *Invalidator[V]
	co      *Coordinator[V]
	pre     *Prefetcher[V]
	syncer  *Syncer[V]
	sweeper *Sweeper[V]
	loaders Loaders[V]
	heat    *heat.Tracker
	gens    gen.GenStore
	log     Logger
	hooks   Hooks

	bg        util.Group   // background revalidations started by Subscribe
	mu        sync.RWMutex // held shared by entry points, exclusively by Close
	closed    atomic.Bool
	closeOnce sync.Once
}

func (cl *Client[V]) Store() *Store[V]               { return cl.store }
func (cl *Client[V]) Orchestrator() *Orchestrator[V] { return cl.orch }
func (cl *Client[V]) Invalidator() *Invalidator[V]   { return cl.inv }
func (cl *Client[V]) Coordinator() *Coordinator[V]   { return cl.co }
func (cl *Client[V]) Prefetcher() *Prefetcher[V]     { return cl.pre }
func (cl *Client[V]) Syncer() *Syncer[V]             { return cl.syncer }
func (cl *Client[V]) Sweeper() *Sweeper[V]           { return cl.sweeper }

// Subscribe binds a view to key using the entity loader.
func (cl *Client[V]) Subscribe(ctx context.Context, key Key) (*Subscription[V], error) {
	fn := cl.loaders.fetchFor(key)
	if fn == nil {
		return nil, ErrNoLoader
	}
	return cl.SubscribeFunc(ctx, key, fn)
}

// SubscribeFunc registers an observer of key and returns immediately with
// whatever is cached. If the entry is absent or stale a fetch is started in the
// background; Value joins it. fn becomes the key's fetch function for eager
// refetches and background sync.
func (cl *Client[V]) SubscribeFunc(ctx context.Context, key Key, fn FetchFunc[V]) (*Subscription[V], error) {
	if !cl.enter() {
		return nil, ErrClosed
	}
	defer cl.leave()
	if fn == nil {
		return nil, ErrNoLoader
	}
	_, has := cl.store.Subscribe(key)
	cl.store.bind(key, fn)
	id, ch := cl.store.watch(key)
	cl.pre.Visit(key)

	sub := &Subscription[V]{
		cl:      cl,
		key:     key,
		fn:      fn,
		watchID: id,
		changes: ch,
		seen:    has,
	}
	if cl.store.IsStale(key) {
		cl.bg.Go(func() {
			if _, err := cl.orch.Revalidate(context.WithoutCancel(ctx), key, fn); err != nil {
				cl.log.Debug("subscribe revalidation failed", Fields{"key": key.String(), "err": err})
			}
		})
	}
	return sub, nil
}

// Get reads key, fetching it through the orchestrator when absent or stale.
// On fetch failure the last-known entry is returned together with the error,
// so callers can keep showing it (check HasValue).
func (cl *Client[V]) Get(ctx context.Context, key Key) (Entry[V], error) {
	if !cl.enter() {
		return Entry[V]{}, ErrClosed
	}
	cl.pre.Visit(key)
	cl.leave()
	if !cl.store.IsStale(key) {
		e, _ := cl.store.Get(key)
		return e, nil
	}
	fn := resolveFetch(cl.store, cl.loaders, key)
	if fn == nil {
		e, _ := cl.store.Get(key)
		return e, ErrNoLoader
	}
	_, err := cl.orch.Revalidate(ctx, key, fn)
	// read back: an optimistic hold keeps its value over the fetched one
	e, _ := cl.store.Get(key)
	return e, err
}

// Prefetch warms key in the background if it is absent or stale.
func (cl *Client[V]) Prefetch(ctx context.Context, key Key) bool {
	if !cl.enter() {
		return false
	}
	defer cl.leave()
	return cl.pre.PrefetchKey(ctx, key)
}

// Navigate signals navigation intent toward route.
func (cl *Client[V]) Navigate(ctx context.Context, route string, ec EventContext) int {
	if !cl.enter() {
		return 0
	}
	defer cl.leave()
	return cl.pre.Navigate(ctx, route, ec)
}

// Invalidate applies a semantic event.
func (cl *Client[V]) Invalidate(ctx context.Context, event string, ec EventContext) *Invalidation {
	return cl.inv.Invalidate(ctx, event, ec)
}

// InvalidateKey invalidates key and everything under it.
func (cl *Client[V]) InvalidateKey(ctx context.Context, key Key, opts ...InvalidateOption) *Invalidation {
	return cl.inv.InvalidatePrefix(ctx, key, opts...)
}

// Apply writes an optimistic patch; see Coordinator.Apply.
func (cl *Client[V]) Apply(keys []Key, update Updater[V]) (*Patch[V], error) {
	if cl.closed.Load() {
		return nil, ErrClosed
	}
	return cl.co.Apply(keys, update)
}

// Mutate runs an optimistic mutation end to end; see Coordinator.Mutate.
func (cl *Client[V]) Mutate(ctx context.Context, keys []Key, update Updater[V], mutation MutationFunc[V]) (*Patch[V], error) {
	if cl.closed.Load() {
		return nil, ErrClosed
	}
	return cl.co.Mutate(ctx, keys, update, mutation)
}

// StartSync periodically refreshes live keys while foregrounded.
func (cl *Client[V]) StartSync(keys []Key, interval time.Duration) (*SyncHandle, error) {
	if cl.closed.Load() {
		return nil, ErrClosed
	}
	return cl.syncer.Start(keys, interval)
}

// Close stops background work and waits for it. Safe to call multiple times.
func (cl *Client[V]) Close() error {
	var err error
	cl.closeOnce.Do(func() {
		cl.mu.Lock()
		cl.closed.Store(true)
		cl.mu.Unlock()
		cl.syncer.Close()
		cl.sweeper.Stop()
		cl.pre.Close()
		cl.bg.Close()
		err = cl.release()
	})
	return err
}

// enter admits an entry point unless Close has begun. Callers must leave.
func (cl *Client[V]) enter() bool {
	cl.mu.RLock()
	if cl.closed.Load() {
		cl.mu.RUnlock()
		return false
	}
	return true
}

func (cl *Client[V]) leave() { cl.mu.RUnlock() }

func (cl *Client[V]) release() error {
	if cl.heat != nil {
		cl.heat.Close()
	}
	return cl.gens.Close()
}

// Subscription is one observer of a key. Close it when the view goes away.
type Subscription[V any] struct {
	cl      *Client[V]
	key     Key
	fn      FetchFunc[V]
	watchID uint64
	changes <-chan struct{}

	mu   sync.Mutex
	seen bool // a value was visible to this subscriber at some point

	closeOnce sync.Once
}

func (s *Subscription[V]) Key() Key { return s.key }

// Changes receives a coalesced signal whenever the entry's version changes.
func (s *Subscription[V]) Changes() <-chan struct{} { return s.changes }

// Entry returns the current entry without fetching.
func (s *Subscription[V]) Entry() (Entry[V], bool) { return s.cl.store.Get(s.key) }

// Value returns a fresh value, joining or starting a fetch when the entry is
// absent or stale. A fetch error comes back with the last-known value (ok
// reports whether there is one). If the value disappeared since this
// subscriber last saw it, it is refetched transparently; ErrEvictionRace is
// joined to the error only if that refetch fails.
func (s *Subscription[V]) Value(ctx context.Context) (v V, ok bool, err error) {
	if s.cl.closed.Load() {
		return v, false, ErrClosed
	}
	s.mu.Lock()
	seen := s.seen
	s.mu.Unlock()

	e, has := s.cl.store.Get(s.key)
	race := seen && !has
	if race {
		s.cl.hooks.EvictionRace(s.key.String())
		s.cl.log.Debug("value vanished under subscriber; refetching", Fields{"key": s.key.String()})
	}
	if !has || s.cl.store.IsStale(s.key) {
		fn := s.cl.store.boundFetch(s.key)
		if fn == nil {
			fn = s.fn
		}
		if _, err = s.cl.orch.Revalidate(ctx, s.key, fn); err != nil && race {
			err = errors.Join(ErrEvictionRace, err)
		}
		e, has = s.cl.store.Get(s.key)
	}

	s.mu.Lock()
	if has {
		s.seen = true
	}
	s.mu.Unlock()
	return e.Value, has, err
}

// Close releases the observer. Safe to call multiple times.
func (s *Subscription[V]) Close() {
	s.closeOnce.Do(func() {
		s.cl.store.unwatch(s.key, s.watchID)
		s.cl.store.Unsubscribe(s.key)
	})
}
