// Package async moves Hooks calls off the cache's hot paths onto a small
// worker pool. Events are dropped when the queue is full.
//
//	raw, _ := prom.New(prom.Options{Namespace: "learn"})
//	hooks := async.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cl, _ := statecache.New[Stats](statecache.Options[Stats]{Hooks: hooks})
package async

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/statecache"
)

type Hooks struct {
	inner   statecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ statecache.Hooks = (*Hooks)(nil)

func New(inner statecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// lost the race with Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) FetchFailed(k string, err error) { h.try(func() { h.inner.FetchFailed(k, err) }) }
func (h *Hooks) WriteDropped(k, r string)        { h.try(func() { h.inner.WriteDropped(k, r) }) }
func (h *Hooks) Evicted(k string, age time.Duration) {
	h.try(func() { h.inner.Evicted(k, age) })
}
func (h *Hooks) PatchRolledBack(id string, n int) { h.try(func() { h.inner.PatchRolledBack(id, n) }) }
func (h *Hooks) StaleWriteConflict(k string)      { h.try(func() { h.inner.StaleWriteConflict(k) }) }
func (h *Hooks) BackgroundFailed(src, k string, err error) {
	h.try(func() { h.inner.BackgroundFailed(src, k, err) })
}
func (h *Hooks) Invalidated(ev string, refetched, stale int) {
	h.try(func() { h.inner.Invalidated(ev, refetched, stale) })
}
func (h *Hooks) EvictionRace(k string) { h.try(func() { h.inner.EvictionRace(k) }) }
