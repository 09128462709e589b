package statecache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	c "github.com/unkn0wn-root/statecache/codec"
)

// PatchState is the lifecycle of an optimistic patch:
// PENDING_APPLY -> APPLIED -> (COMMITTED | ROLLED_BACK).
type PatchState int32

const (
	PatchPendingApply PatchState = iota
	PatchApplied
	PatchCommitted
	PatchRolledBack
)

func (s PatchState) String() string {
	switch s {
	case PatchPendingApply:
		return "PENDING_APPLY"
	case PatchApplied:
		return "APPLIED"
	case PatchCommitted:
		return "COMMITTED"
	case PatchRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Updater computes the optimistic value of key from its current value.
// ok is false when nothing is cached yet. It runs under the store lock and
// must not call back into the cache.
type Updater[V any] func(key Key, current V, ok bool) (V, error)

// MutationFunc performs the server round trip. It may return the server's
// authoritative values for some keys (nil is fine).
type MutationFunc[V any] func(ctx context.Context) (map[Key]V, error)

// Patch is one optimistic write over a set of keys with the exact prior
// snapshots needed to revert it.
type Patch[V any] struct {
	ID        string
	Keys      []Key
	AppliedAt time.Time

	co *Coordinator[V]

	mu        sync.Mutex
	state     PatchState
	snapshots []snapshot[V]
	applied   map[Key]V
	conflicts []Key
	refresh   *Invalidation
}

func (p *Patch[V]) State() PatchState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Conflicts lists keys whose server value diverged from the optimistic one.
func (p *Patch[V]) Conflicts() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Key(nil), p.conflicts...)
}

// Refresh returns the invalidation scheduled by the commit, if any.
func (p *Patch[V]) Refresh() *Invalidation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refresh
}

// Rollback restores every snapshot verbatim, even over writes that happened
// after Apply. A second patch on the same key applied after this one loses
// its effect too; the next authoritative refetch reconciles.
func (p *Patch[V]) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PatchApplied {
		return ErrPatchSettled
	}
	err := p.co.revert(p.snapshots)
	p.state = PatchRolledBack
	p.co.hooks.PatchRolledBack(p.ID, len(p.snapshots))
	p.co.log.Info("optimistic patch rolled back", Fields{"patch": p.ID, "keys": len(p.snapshots)})
	return err
}

// Commit marks the patch committed and invalidates its keys so observed ones
// refetch the authoritative value.
func (p *Patch[V]) Commit(ctx context.Context) (*Invalidation, error) {
	return p.CommitWith(ctx, nil)
}

// CommitWith commits using the server's authoritative values. Keys present in
// authoritative are written as fetched. Keys whose value diverged from the
// optimistic one get the authoritative value, are force-refetched whether or
// not they are observed, and are reported as a *ConflictError (errors.Is
// ErrStaleWriteConflict). Keys absent from authoritative are invalidated. The
// patch is committed in every case.
func (p *Patch[V]) CommitWith(ctx context.Context, authoritative map[Key]V) (*Invalidation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PatchApplied {
		return nil, ErrPatchSettled
	}
	store := p.co.store
	for _, k := range p.Keys {
		store.settle(k)
	}

	var refetch []Key
	for _, k := range p.Keys {
		v, ok := authoritative[k]
		if !ok {
			refetch = append(refetch, k)
			continue
		}
		if !p.co.same(p.applied[k], v) {
			p.conflicts = append(p.conflicts, k)
			p.co.hooks.StaleWriteConflict(k.String())
			p.co.log.Warn("optimistic value diverged from server", Fields{"patch": p.ID, "key": k.String()})
			store.Set(k, v)
			refetch = append(refetch, k)
			continue
		}
		store.Set(k, v)
	}
	p.state = PatchCommitted
	if len(refetch) > 0 && p.co.inv != nil {
		p.refresh = p.co.inv.Refresh(ctx, refetch, p.conflicts...)
	}
	if len(p.conflicts) > 0 {
		return p.refresh, &ConflictError{PatchID: p.ID, Keys: append([]Key(nil), p.conflicts...)}
	}
	return p.refresh, nil
}

// Coordinator applies speculative writes ahead of network round trips and
// reverts them by snapshot on failure.
type Coordinator[V any] struct {
	store      *Store[V]
	inv        *Invalidator[V]
	codec      c.Codec[V]
	retryDelay time.Duration
	clock      Clock
	log        Logger
	hooks      Hooks
}

// NewCoordinator builds a coordinator. codec may be nil; then snapshots copy V
// by assignment and conflict detection falls back to reflect.DeepEqual.
func NewCoordinator[V any](store *Store[V], inv *Invalidator[V], codec c.Codec[V], retryDelay time.Duration, log Logger, hooks Hooks) *Coordinator[V] {
	return &Coordinator[V]{
		store:      store,
		inv:        inv,
		codec:      codec,
		retryDelay: coalesce(retryDelay, defaultMutationRetryDelay),
		clock:      store.clock,
		log:        named(coalesce[Logger](log, NopLogger{}), "optimistic"),
		hooks:      coalesce[Hooks](hooks, NopHooks{}),
	}
}

// Apply snapshots each key, writes update(current) as an optimistic value and
// returns the APPLIED patch. If update fails for any key, keys already
// patched are restored and the error is returned.
func (co *Coordinator[V]) Apply(keys []Key, update Updater[V]) (*Patch[V], error) {
	p := &Patch[V]{
		ID:      uuid.NewString(),
		Keys:    dedupKeys(keys),
		co:      co,
		state:   PatchPendingApply,
		applied: make(map[Key]V, len(keys)),
	}
	p.AppliedAt = co.clock.Now()

	for _, k := range p.Keys {
		snap, next, err := co.store.applyPatch(k, update, co.codec)
		if err != nil {
			rerr := co.revert(p.snapshots)
			p.state = PatchRolledBack
			co.log.Debug("optimistic apply failed", Fields{"patch": p.ID, "key": k.String(), "err": err})
			if rerr != nil {
				return p, errors.Join(err, rerr)
			}
			return p, err
		}
		p.snapshots = append(p.snapshots, snap)
		p.applied[k] = next
	}
	p.state = PatchApplied
	return p, nil
}

// Mutate applies the patch, runs mutation with a single fixed-delay retry on
// retryable errors, rolls back before returning on failure, and commits
// (with the server's values when provided) on success.
func (co *Coordinator[V]) Mutate(ctx context.Context, keys []Key, update Updater[V], mutation MutationFunc[V]) (*Patch[V], error) {
	p, err := co.Apply(keys, update)
	if err != nil {
		return p, err
	}

	auth, err := mutation(ctx)
	if err != nil && IsRetryable(err) {
		co.log.Debug("mutation failed; retrying once", Fields{"patch": p.ID, "err": err, "delay": co.retryDelay})
		if serr := sleepCtx(ctx, co.retryDelay); serr != nil {
			err = errors.Join(err, serr)
		} else {
			auth, err = mutation(ctx)
		}
	}
	if err != nil {
		if rerr := p.Rollback(); rerr != nil {
			return p, errors.Join(err, rerr)
		}
		return p, err
	}

	if _, cerr := p.CommitWith(ctx, auth); cerr != nil && !errors.Is(cerr, ErrStaleWriteConflict) {
		return p, cerr
	}
	return p, nil
}

func (co *Coordinator[V]) revert(snaps []snapshot[V]) error {
	var errs []error
	// undo in reverse order of application
	for i := len(snaps) - 1; i >= 0; i-- {
		if err := co.store.restore(snaps[i], co.codec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (co *Coordinator[V]) same(a, b V) bool {
	if co.codec != nil {
		eq, err := c.Equal(co.codec, a, b)
		return err == nil && eq
	}
	return reflect.DeepEqual(a, b)
}

func dedupKeys(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
