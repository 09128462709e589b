// Package prom exports cache events as Prometheus metrics. Keys are
// reduced to their entity type so label cardinality stays bounded.
package prom

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/statecache"
)

type Options struct {
	Namespace  string                // default "statecache"
	Subsystem  string                // optional
	Registerer prometheus.Registerer // nil => prometheus.DefaultRegisterer
}

type Hooks struct {
	fetchFailures    *prometheus.CounterVec
	writesDropped    *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	evictionAge      prometheus.Histogram
	rollbacks        prometheus.Counter
	rolledBackKeys   prometheus.Counter
	conflicts        *prometheus.CounterVec
	backgroundFailed *prometheus.CounterVec
	invalidations    *prometheus.CounterVec
	invalidationKeys *prometheus.CounterVec
	evictionRaces    *prometheus.CounterVec
}

var _ statecache.Hooks = (*Hooks)(nil)

// New creates and registers the collectors.
func New(opts Options) (*Hooks, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = "statecache"
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: opts.Subsystem, Name: name, Help: help,
		}, labels)
	}

	h := &Hooks{
		fetchFailures: counter("fetch_failures_total", "Fetches that returned an error.", "entity"),
		writesDropped: counter("writes_dropped_total", "Fetch results that were not written.", "reason"),
		evictions:     counter("evictions_total", "Entries removed by the sweeper.", "entity"),
		evictionAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: opts.Subsystem,
			Name:    "eviction_age_seconds",
			Help:    "Unobserved age of evicted entries.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: opts.Subsystem,
			Name: "patch_rollbacks_total", Help: "Optimistic patches rolled back.",
		}),
		rolledBackKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: opts.Subsystem,
			Name: "patch_rollback_keys_total", Help: "Keys restored by rollbacks.",
		}),
		conflicts:        counter("stale_write_conflicts_total", "Optimistic values that diverged from the server.", "entity"),
		backgroundFailed: counter("background_failures_total", "Unsurfaced prefetch, sync and refetch failures.", "source"),
		invalidations:    counter("invalidations_total", "Resolved invalidation events.", "event"),
		invalidationKeys: counter("invalidation_keys_total", "Keys touched by invalidations.", "event", "action"),
		evictionRaces:    counter("eviction_races_total", "Subscribers that found their value gone.", "entity"),
	}

	for _, c := range []prometheus.Collector{
		h.fetchFailures, h.writesDropped, h.evictions, h.evictionAge, h.rollbacks,
		h.rolledBackKeys, h.conflicts, h.backgroundFailed, h.invalidations,
		h.invalidationKeys, h.evictionRaces,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// entity returns the first rendered segment of a key.
func entity(key string) string {
	e, _, _ := strings.Cut(key, "/")
	if e == "" {
		return "root"
	}
	return e
}

func (h *Hooks) FetchFailed(key string, _ error) { h.fetchFailures.WithLabelValues(entity(key)).Inc() }
func (h *Hooks) WriteDropped(_ string, reason string) {
	h.writesDropped.WithLabelValues(reason).Inc()
}

func (h *Hooks) Evicted(key string, age time.Duration) {
	h.evictions.WithLabelValues(entity(key)).Inc()
	h.evictionAge.Observe(age.Seconds())
}

func (h *Hooks) PatchRolledBack(_ string, keys int) {
	h.rollbacks.Inc()
	h.rolledBackKeys.Add(float64(keys))
}

func (h *Hooks) StaleWriteConflict(key string) { h.conflicts.WithLabelValues(entity(key)).Inc() }
func (h *Hooks) BackgroundFailed(source, _ string, _ error) {
	h.backgroundFailed.WithLabelValues(source).Inc()
}

func (h *Hooks) Invalidated(event string, refetched, markedStale int) {
	h.invalidations.WithLabelValues(event).Inc()
	h.invalidationKeys.WithLabelValues(event, "refetch").Add(float64(refetched))
	h.invalidationKeys.WithLabelValues(event, "mark_stale").Add(float64(markedStale))
}

func (h *Hooks) EvictionRace(key string) { h.evictionRaces.WithLabelValues(entity(key)).Inc() }
