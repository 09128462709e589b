package statecache

import (
	"time"

	c "github.com/unkn0wn-root/statecache/codec"
	gen "github.com/unkn0wn-root/statecache/genstore"
	"github.com/unkn0wn-root/statecache/internal/heat"
)

// Options tune the cache. Every field is optional; zero values fall back to
// the built-in tables and defaults.
type Options[V any] struct {
	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
	Clock  Clock  // if nil, the wall clock is used

	Policies PolicyTable // zero => DefaultPolicies
	Events   EventTable  // nil => DefaultEvents
	Routes   RouteTable  // nil => DefaultRoutes
	Loaders  Loaders[V]  // entity type -> fetch; used when a subscriber gives none

	// Codec deep-copies snapshots and compares optimistic values with
	// authoritative ones. nil => assignment copy and reflect.DeepEqual.
	Codec c.Codec[V]

	Visibility Visibility   // nil => always foreground
	GenStore   gen.GenStore // nil => in-process generations

	SweepInterval      time.Duration // 0 => 1m
	DisableSweeper     bool          // run Sweep manually
	GenRetention       time.Duration // 0 => 1h
	MutationRetryDelay time.Duration // 0 => 1s

	HeatThreshold   int           // visits that make a key hot; 0 => 3
	HeatWindow      time.Duration // 0 => 30m
	HeatCapacity    int           // tracked keys; 0 => 256
	DisableHeatHint bool          // prefetch only from the route map
}

// New validates opts and starts the cache. The caller must Close it.
func New[V any](opts Options[V]) (*Client[V], error) {
	if opts.Policies.Policies == nil {
		opts.Policies = DefaultPolicies()
	}
	if err := opts.Policies.Validate(); err != nil {
		return nil, err
	}
	log := coalesce[Logger](opts.Logger, NopLogger{})
	hooks := coalesce[Hooks](opts.Hooks, NopHooks{})
	clock := coalesce[Clock](opts.Clock, wallClock{})

	gens := opts.GenStore
	if gens == nil {
		gens = gen.NewLocal(0, 0, clock.Now) // pruned by the sweeper
	}

	var tracker *heat.Tracker
	if !opts.DisableHeatHint {
		t, err := heat.New(heat.Config{
			Capacity:  coalesce(opts.HeatCapacity, defaultHeatCapacity),
			Window:    coalesce(opts.HeatWindow, defaultHeatWindow),
			Threshold: coalesce(opts.HeatThreshold, defaultHeatThreshold),
		})
		if err != nil {
			return nil, err
		}
		tracker = t
	}

	store := NewStore[V](StoreOptions{
		Policies: opts.Policies,
		Clock:    clock,
		GenStore: gens,
		Logger:   log,
	})
	orch := NewOrchestrator(store, log, hooks)
	inv := NewInvalidator(store, orch, opts.Events, opts.Loaders, log, hooks)

	cl := &Client[V]{
		store:   store,
		orch:    orch,
		inv:     inv,
		co:      NewCoordinator(store, inv, opts.Codec, opts.MutationRetryDelay, log, hooks),
		pre:     NewPrefetcher(store, orch, opts.Loaders, opts.Routes, tracker, log, hooks),
		syncer:  NewSyncer(store, orch, opts.Loaders, opts.Visibility, log, hooks),
		sweeper: NewSweeper(store, opts.SweepInterval, opts.GenRetention, log, hooks),
		loaders: opts.Loaders,
		heat:    tracker,
		gens:    gens,
		log:     named(log, "client"),
		hooks:   hooks,
	}
	if !opts.DisableSweeper {
		if err := cl.sweeper.Start(); err != nil {
			cl.release()
			return nil, err
		}
	}
	return cl, nil
}
