package statecache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/statecache/codec"
)

type stats struct {
	Score int      `json:"score"`
	Tags  []string `json:"tags,omitempty"`
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// fetcher counts calls and optionally blocks each call until release.
type fetcher struct {
	calls   atomic.Int32
	mu      sync.Mutex
	value   stats
	err     error
	gate    chan struct{}
	started chan struct{}
}

func newFetcher(v stats) *fetcher { return &fetcher{value: v} }

// blocking makes every call wait for release; started fires once per call.
func (f *fetcher) blocking() *fetcher {
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 16)
	return f
}

func (f *fetcher) release() { close(f.gate) }

func (f *fetcher) set(v stats, err error) {
	f.mu.Lock()
	f.value, f.err = v, err
	f.mu.Unlock()
}

func (f *fetcher) fetch(ctx context.Context) (stats, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return stats{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

func (f *fetcher) loader() LoaderFunc[stats] {
	return func(ctx context.Context, _ Key) (stats, error) { return f.fetch(ctx) }
}

func (f *fetcher) n() int { return int(f.calls.Load()) }

type hookLog struct {
	dropped   []string
	evicted   []string
	rollbacks int
	conflicts []string
	bgFailed  []string
	races     int
}

// recHooks records the events tests assert on.
type recHooks struct {
	NopHooks
	mu  sync.Mutex
	log hookLog
}

func (r *recHooks) record(f func(*hookLog)) {
	r.mu.Lock()
	f(&r.log)
	r.mu.Unlock()
}

func (r *recHooks) WriteDropped(_ string, reason string) {
	r.record(func(l *hookLog) { l.dropped = append(l.dropped, reason) })
}

func (r *recHooks) Evicted(k string, _ time.Duration) {
	r.record(func(l *hookLog) { l.evicted = append(l.evicted, k) })
}

func (r *recHooks) PatchRolledBack(string, int) {
	r.record(func(l *hookLog) { l.rollbacks++ })
}

func (r *recHooks) StaleWriteConflict(k string) {
	r.record(func(l *hookLog) { l.conflicts = append(l.conflicts, k) })
}

func (r *recHooks) BackgroundFailed(source, _ string, _ error) {
	r.record(func(l *hookLog) { l.bgFailed = append(l.bgFailed, source) })
}

func (r *recHooks) EvictionRace(string) {
	r.record(func(l *hookLog) { l.races++ })
}

func (r *recHooks) snapshot() hookLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return hookLog{
		dropped:   append([]string(nil), r.log.dropped...),
		evicted:   append([]string(nil), r.log.evicted...),
		rollbacks: r.log.rollbacks,
		conflicts: append([]string(nil), r.log.conflicts...),
		bgFailed:  append([]string(nil), r.log.bgFailed...),
		races:     r.log.races,
	}
}

func newTestStore(t *testing.T, clk Clock) *Store[stats] {
	t.Helper()
	return NewStore[stats](StoreOptions{Clock: clk})
}

func newTestClient(t *testing.T, clk *manualClock, mod func(*Options[stats])) *Client[stats] {
	t.Helper()
	opts := Options[stats]{
		Clock:              clk,
		Codec:              c.JSON[stats]{},
		DisableSweeper:     true,
		MutationRetryDelay: time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	cl, err := New[stats](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
