package statecache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// EventContext carries identifiers of a semantic event, e.g. {"userId": "u1"}.
type EventContext map[string]string

// KeyTemplate describes a key (or key prefix) in terms of event/route parameters:
// {Entity: "performance", Params: ["userId"]} resolves to ["performance", <userId>].
type KeyTemplate struct {
	Entity string   `yaml:"entity"`
	Params []string `yaml:"params"`
}

// Resolve builds the key. A parameter missing from ec truncates the key at that
// point, so the result is a broader prefix rather than a wrong key.
func (t KeyTemplate) Resolve(ec EventContext) Key {
	segs := make([]any, 0, len(t.Params))
	for _, p := range t.Params {
		v, ok := ec[p]
		if !ok || v == "" {
			break
		}
		segs = append(segs, v)
	}
	return NewKey(t.Entity, segs...)
}

// Complete reports whether every parameter is present in ec.
func (t KeyTemplate) Complete(ec EventContext) bool {
	for _, p := range t.Params {
		if ec[p] == "" {
			return false
		}
	}
	return true
}

// Semantic events raised by the surrounding application.
const (
	EventQuizCompleted       = "quiz-completed"
	EventProfileUpdated      = "profile-updated"
	EventContentEdited       = "content-edited"
	EventOnboardingCompleted = "onboarding-completed"
)

// EventTable maps a semantic event to the key prefixes it affects.
type EventTable map[string][]KeyTemplate

// DefaultEvents returns the built-in event -> prefix table.
func DefaultEvents() EventTable {
	return EventTable{
		EventQuizCompleted: {
			{Entity: EntityPerformance, Params: []string{"userId"}},
			{Entity: EntityGamification, Params: []string{"userId"}},
			{Entity: EntityRecommendations},
			{Entity: EntityLeaderboard},
		},
		EventProfileUpdated: {
			{Entity: EntityUser, Params: []string{"userId"}},
			{Entity: EntityLeaderboard},
		},
		EventContentEdited: {
			{Entity: EntitySubject, Params: []string{"subjectId"}},
			{Entity: EntityTopic, Params: []string{"topicId"}},
			{Entity: EntityQuiz, Params: []string{"quizId"}},
			{Entity: EntityRecommendations},
		},
		EventOnboardingCompleted: {
			{Entity: EntityUser, Params: []string{"userId"}},
			{Entity: EntityRecommendations},
			{Entity: EntityPerformance, Params: []string{"userId"}},
			{Entity: EntityGamification, Params: []string{"userId"}},
		},
	}
}

// LoaderFunc fetches the server value for any key of one entity type.
type LoaderFunc[V any] func(ctx context.Context, key Key) (V, error)

// Loaders maps entity type -> loader (user, subject, topic, quiz, performance,
// gamification, recommendation services).
type Loaders[V any] map[string]LoaderFunc[V]

func (l Loaders[V]) fetchFor(key Key) FetchFunc[V] {
	fn, ok := l[key.Entity()]
	if !ok || fn == nil {
		return nil
	}
	return func(ctx context.Context) (V, error) { return fn(ctx, key) }
}

// resolveFetch prefers the fetch function a subscriber bound to key, then the
// entity loader.
func resolveFetch[V any](s *Store[V], l Loaders[V], key Key) FetchFunc[V] {
	if fn := s.boundFetch(key); fn != nil {
		return fn
	}
	return l.fetchFor(key)
}

// Invalidation reports what one invalidation did. Refetches of observed keys
// run in the background; Wait blocks until they finish.
type Invalidation struct {
	Event       string
	Prefixes    []Key
	Refetched   []Key // observed matches with an immediate refetch scheduled
	MarkedStale []Key // unobserved (or loader-less) matches left for lazy revalidation

	g    *errgroup.Group
	once sync.Once
	err  error
}

// Wait blocks until every scheduled refetch finished and returns the first error.
func (i *Invalidation) Wait() error {
	if i == nil || i.g == nil {
		return nil
	}
	i.once.Do(func() { i.err = i.g.Wait() })
	return i.err
}

type invalidateConfig struct {
	removal bool
	force   map[Key]bool // refetched even when unobserved
}

type InvalidateOption func(*invalidateConfig)

// WithRemoval drops matching values instead of only marking them stale.
// Unobserved matches are deleted outright; observed ones refetch.
func WithRemoval() InvalidateOption {
	return func(c *invalidateConfig) { c.removal = true }
}

// Invalidator maps semantic events to key prefixes. Observed matches refetch
// immediately; the rest are only marked stale and revalidate on next subscribe.
type Invalidator[V any] struct {
	store   *Store[V]
	orch    *Orchestrator[V]
	events  EventTable
	loaders Loaders[V]
	log     Logger
	hooks   Hooks
}

func NewInvalidator[V any](store *Store[V], orch *Orchestrator[V], events EventTable, loaders Loaders[V], log Logger, hooks Hooks) *Invalidator[V] {
	if events == nil {
		events = DefaultEvents()
	}
	return &Invalidator[V]{
		store:   store,
		orch:    orch,
		events:  events,
		loaders: loaders,
		log:     named(coalesce[Logger](log, NopLogger{}), "invalidate"),
		hooks:   coalesce[Hooks](hooks, NopHooks{}),
	}
}

// Invalidate applies event to every prefix the event table lists for it.
// Unknown events are logged and ignored.
func (inv *Invalidator[V]) Invalidate(ctx context.Context, event string, ec EventContext) *Invalidation {
	rules, ok := inv.events[event]
	if !ok {
		inv.log.Warn("unknown invalidation event", Fields{"event": event})
		return &Invalidation{Event: event}
	}
	prefixes := make([]Key, 0, len(rules))
	for _, r := range rules {
		if !r.Complete(ec) {
			inv.log.Debug("event context incomplete; widening prefix", Fields{"event": event, "entity": r.Entity})
		}
		prefixes = append(prefixes, r.Resolve(ec))
	}
	return inv.run(ctx, event, prefixes, invalidateConfig{})
}

// InvalidatePrefix invalidates every key starting with prefix (ad hoc busting).
func (inv *Invalidator[V]) InvalidatePrefix(ctx context.Context, prefix Key, opts ...InvalidateOption) *Invalidation {
	var cfg invalidateConfig
	for _, o := range opts {
		o(&cfg)
	}
	return inv.run(ctx, "manual", []Key{prefix}, cfg)
}

// Refresh invalidates exactly keys (and their descendants), refetching the
// observed ones plus every key in force. Used after an optimistic commit.
func (inv *Invalidator[V]) Refresh(ctx context.Context, keys []Key, force ...Key) *Invalidation {
	cfg := invalidateConfig{}
	if len(force) > 0 {
		cfg.force = make(map[Key]bool, len(force))
		for _, k := range force {
			cfg.force[k] = true
		}
	}
	return inv.run(ctx, "refresh", keys, cfg)
}

func (inv *Invalidator[V]) run(ctx context.Context, event string, prefixes []Key, cfg invalidateConfig) *Invalidation {
	res := &Invalidation{Event: event, Prefixes: prefixes, g: new(errgroup.Group)}
	for _, m := range inv.store.invalidate(prefixes, cfg.removal) {
		if !m.observed && !cfg.force[m.key] {
			res.MarkedStale = append(res.MarkedStale, m.key)
			continue
		}
		fn := resolveFetch(inv.store, inv.loaders, m.key)
		if fn == nil {
			inv.log.Warn("key has no loader; left stale", Fields{"key": m.key.String()})
			res.MarkedStale = append(res.MarkedStale, m.key)
			continue
		}
		res.Refetched = append(res.Refetched, m.key)
		key := m.key
		// already-pending keys join the in-flight request
		res.g.Go(func() error {
			if _, err := inv.orch.Request(ctx, key, fn); err != nil {
				inv.hooks.BackgroundFailed("invalidate", key.String(), err)
				inv.log.Warn("refetch after invalidation failed", Fields{"key": key.String(), "event": event, "err": err})
				return err
			}
			return nil
		})
	}
	inv.hooks.Invalidated(event, len(res.Refetched), len(res.MarkedStale))
	inv.log.Debug("invalidated", Fields{"event": event, "refetched": len(res.Refetched), "marked_stale": len(res.MarkedStale)})
	return res
}
