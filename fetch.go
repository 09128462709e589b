package statecache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Orchestrator runs fetch functions with at most one in-flight request per key.
// Concurrent requesters of the same key share that request and observe the
// same resolved value or error.
type Orchestrator[V any] struct {
	store *Store[V]
	group singleflight.Group
	log   Logger
	hooks Hooks
}

func NewOrchestrator[V any](store *Store[V], log Logger, hooks Hooks) *Orchestrator[V] {
	return &Orchestrator[V]{
		store: store,
		log:   named(coalesce[Logger](log, NopLogger{}), "fetch"),
		hooks: coalesce[Hooks](hooks, NopHooks{}),
	}
}

// Request returns the result of the in-flight fetch for key, starting one with
// fn if none exists. On success the value is written to the store (unless the
// key was removed meanwhile or is held by an optimistic patch); on failure the
// entry is left untouched and the error goes to every awaiter.
//
// The shared fetch is detached from ctx cancellation: cancelling ctx only
// abandons this caller's wait, other awaiters still get the result.
func (o *Orchestrator[V]) Request(ctx context.Context, key Key, fn FetchFunc[V]) (V, error) {
	return o.do(ctx, key, fn, false)
}

// Revalidate is Request for readers: the shared request only calls fn if the
// entry is still stale when it starts, otherwise it resolves to the cached
// value. Subscribers racing a just-landed fetch do not trigger another one.
func (o *Orchestrator[V]) Revalidate(ctx context.Context, key Key, fn FetchFunc[V]) (V, error) {
	return o.do(ctx, key, fn, true)
}

// Pending reports whether a fetch is in flight for key.
func (o *Orchestrator[V]) Pending(key Key) bool { return o.store.Pending(key) }

func (o *Orchestrator[V]) do(ctx context.Context, key Key, fn FetchFunc[V], lazy bool) (V, error) {
	var zero V
	if fn == nil {
		return zero, ErrNoLoader
	}
	shared := context.WithoutCancel(ctx)
	ch := o.group.DoChan(key.id, func() (any, error) {
		if lazy {
			if v, ok := o.store.fresh(key); ok {
				return v, nil
			}
		}
		return o.run(shared, key, fn)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V) // nil payloads are legal for interface V
		if res.Shared {
			o.log.Debug("fetch deduplicated", Fields{"key": key.String()})
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (o *Orchestrator[V]) run(ctx context.Context, key Key, fn FetchFunc[V]) (any, error) {
	observed := o.store.beginFetch(key)
	defer o.store.endFetch(key)

	v, err := fn(ctx)
	if err != nil {
		o.hooks.FetchFailed(key.String(), err)
		o.log.Debug("fetch failed; entry untouched", Fields{"key": key.String(), "err": err})
		return nil, err
	}
	if ok, reason := o.store.commitFetch(key, v, observed); !ok {
		// evicted keys drop the response; held keys keep showing the optimistic value
		o.hooks.WriteDropped(key.String(), reason)
		o.log.Debug("fetch result not written", Fields{"key": key.String(), "reason": reason})
	}
	return v, nil
}
