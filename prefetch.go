package statecache

import (
	"context"

	"github.com/unkn0wn-root/statecache/internal/heat"
	"github.com/unkn0wn-root/statecache/internal/util"
)

// RouteTable maps a route to the keys its page is about to read.
type RouteTable map[string][]KeyTemplate

// DefaultRoutes returns the built-in route -> keys map.
func DefaultRoutes() RouteTable {
	return RouteTable{
		"/dashboard": {
			{Entity: EntityUser, Params: []string{"userId"}},
			{Entity: EntityPerformance, Params: []string{"userId"}},
			{Entity: EntityGamification, Params: []string{"userId"}},
			{Entity: EntityRecommendations, Params: []string{"userId"}},
		},
		"/quiz": {
			{Entity: EntityQuiz, Params: []string{"quizId"}},
			{Entity: EntityGamification, Params: []string{"userId"}},
		},
		"/learning-assistant": {
			{Entity: EntitySubject},
			{Entity: EntityRecommendations, Params: []string{"userId"}},
		},
		"/welcome": {
			{Entity: EntitySubject},
			{Entity: EntityUser, Params: []string{"userId"}},
		},
	}
}

// Prefetcher issues background fetches ahead of anticipated use. It never
// registers as an observer, so prefetched entries remain evictable, and its
// errors are logged rather than surfaced.
type Prefetcher[V any] struct {
	store   *Store[V]
	orch    *Orchestrator[V]
	loaders Loaders[V]
	routes  RouteTable
	heat    *heat.Tracker // nil disables the behavioral heuristic
	log     Logger
	hooks   Hooks

	bg util.Group
}

func NewPrefetcher[V any](store *Store[V], orch *Orchestrator[V], loaders Loaders[V], routes RouteTable, tracker *heat.Tracker, log Logger, hooks Hooks) *Prefetcher[V] {
	if routes == nil {
		routes = DefaultRoutes()
	}
	return &Prefetcher[V]{
		store:   store,
		orch:    orch,
		loaders: loaders,
		routes:  routes,
		heat:    tracker,
		log:     named(coalesce[Logger](log, NopLogger{}), "prefetch"),
		hooks:   coalesce[Hooks](hooks, NopHooks{}),
	}
}

// Prefetch starts a background fetch of key with fn if the entry is absent or
// stale, and reports whether it did. The caller may discard the result; a
// real subscriber requesting the same key joins the same request.
func (p *Prefetcher[V]) Prefetch(ctx context.Context, key Key, fn FetchFunc[V]) bool {
	if fn == nil || !p.store.IsStale(key) {
		return false
	}
	return p.bg.Go(func() {
		if _, err := p.orch.Request(context.WithoutCancel(ctx), key, fn); err != nil {
			p.hooks.BackgroundFailed("prefetch", key.String(), err)
			p.log.Warn("prefetch failed", Fields{"key": key.String(), "err": err})
		}
	})
}

// PrefetchKey is Prefetch using the bound fetch function or entity loader.
func (p *Prefetcher[V]) PrefetchKey(ctx context.Context, key Key) bool {
	fn := resolveFetch(p.store, p.loaders, key)
	if fn == nil {
		p.log.Debug("no loader for prefetch", Fields{"key": key.String()})
		return false
	}
	return p.Prefetch(ctx, key, fn)
}

// Navigate warms the keys of route (resolved with ec) and then every key the
// visit heuristic considers hot. Returns the number of fetches started.
func (p *Prefetcher[V]) Navigate(ctx context.Context, route string, ec EventContext) int {
	started := 0
	for _, t := range p.routes[route] {
		if !t.Complete(ec) {
			// a truncated key would name a different resource
			continue
		}
		if p.PrefetchKey(ctx, t.Resolve(ec)) {
			started++
		}
	}
	return started + p.Warm(ctx)
}

// Visit records one use of key for the frequency heuristic.
func (p *Prefetcher[V]) Visit(key Key) {
	if p.heat != nil {
		p.heat.Touch(key.id)
	}
}

// Warm prefetches every hot key that has gone stale.
func (p *Prefetcher[V]) Warm(ctx context.Context) int {
	if p.heat == nil {
		return 0
	}
	started := 0
	for _, id := range p.heat.Hot() {
		if p.PrefetchKey(ctx, Key{id: id}) {
			started++
		}
	}
	return started
}

// Wait blocks until background prefetches started so far have finished.
func (p *Prefetcher[V]) Wait() { p.bg.Wait() }

// Close stops accepting prefetches and waits for running ones.
func (p *Prefetcher[V]) Close() { p.bg.Close() }
