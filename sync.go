package statecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Visibility reports whether the host app is in the foreground.
type Visibility interface {
	Foreground() bool
}

// VisibilityFunc adapts a function to Visibility.
type VisibilityFunc func() bool

func (f VisibilityFunc) Foreground() bool { return f() }

type alwaysForeground struct{}

func (alwaysForeground) Foreground() bool { return true }

// Syncer periodically force-refreshes live keys (gamification counters,
// leaderboards) while the app is foregrounded.
type Syncer[V any] struct {
	store   *Store[V]
	orch    *Orchestrator[V]
	loaders Loaders[V]
	vis     Visibility
	log     Logger
	hooks   Hooks

	mu      sync.Mutex
	handles map[*SyncHandle]struct{}
	closed  bool
}

func NewSyncer[V any](store *Store[V], orch *Orchestrator[V], loaders Loaders[V], vis Visibility, log Logger, hooks Hooks) *Syncer[V] {
	return &Syncer[V]{
		store:   store,
		orch:    orch,
		loaders: loaders,
		vis:     coalesce[Visibility](vis, alwaysForeground{}),
		log:     named(coalesce[Logger](log, NopLogger{}), "sync"),
		hooks:   coalesce[Hooks](hooks, NopHooks{}),
		handles: make(map[*SyncHandle]struct{}),
	}
}

// SyncHandle cancels one background sync loop.
type SyncHandle struct {
	Keys []Key

	stop chan struct{}
	done chan struct{}
	once sync.Once
	drop func(*SyncHandle)
}

// Stop cancels the loop and waits for an in-progress tick to return.
// Safe to call multiple times.
func (h *SyncHandle) Stop() {
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		h.drop(h)
	})
}

// Start launches a loop that refreshes keys every interval. Every key must be
// in a live data class and have a fetch function.
func (s *Syncer[V]) Start(keys []Key, interval time.Duration) (*SyncHandle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("statecache: sync interval must be positive, got %s", interval)
	}
	keys = dedupKeys(keys)
	for _, k := range keys {
		if !s.store.policies.Class(k).Live() {
			return nil, fmt.Errorf("%w: %s", ErrNotLive, k)
		}
		if resolveFetch(s.store, s.loaders, k) == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoLoader, k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h := &SyncHandle{
		Keys: keys,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		drop: s.forget,
	}
	s.handles[h] = struct{}{}
	go s.loop(h, interval)
	return h, nil
}

// Tick runs one sync round: if foregrounded, every key is refetched
// concurrently through the orchestrator, bypassing staleness. Failures are
// logged; the first one is returned.
func (s *Syncer[V]) Tick(ctx context.Context, keys []Key) error {
	if !s.vis.Foreground() {
		s.log.Debug("sync tick skipped (background)", nil)
		return nil
	}
	var g errgroup.Group
	for _, k := range keys {
		fn := resolveFetch(s.store, s.loaders, k)
		if fn == nil {
			continue
		}
		k := k
		g.Go(func() error {
			if _, err := s.orch.Request(ctx, k, fn); err != nil {
				s.hooks.BackgroundFailed("sync", k.String(), err)
				s.log.Warn("background sync fetch failed", Fields{"key": k.String(), "err": err})
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops every loop. Must be called on teardown.
func (s *Syncer[V]) Close() {
	s.mu.Lock()
	s.closed = true
	hs := make([]*SyncHandle, 0, len(s.handles))
	for h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h.Stop()
	}
}

// Running returns the number of active loops.
func (s *Syncer[V]) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Syncer[V]) loop(h *SyncHandle, interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.stop:
			cancel() // abandon waits; shared fetches keep running for real subscribers
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			_ = s.Tick(ctx, h.Keys)
		case <-h.stop:
			return
		}
	}
}

func (s *Syncer[V]) forget(h *SyncHandle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}
