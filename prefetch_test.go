package statecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/statecache/internal/heat"
)

func newTestPrefetcher(t *testing.T, s *Store[stats], loaders Loaders[stats], tracker *heat.Tracker, hooks Hooks) *Prefetcher[stats] {
	t.Helper()
	return NewPrefetcher(s, NewOrchestrator(s, nil, hooks), loaders, nil, tracker, nil, hooks)
}

func TestPrefetchOnlyWhenStale(t *testing.T) {
	clk := newManualClock()
	s := newTestStore(t, clk)
	p := newTestPrefetcher(t, s, nil, nil, nil)
	k := NewKey("quiz", "q1")
	f := newFetcher(stats{Score: 1})

	if !p.Prefetch(context.Background(), k, f.fetch) {
		t.Fatalf("absent key not prefetched")
	}
	p.Wait()
	if p.Prefetch(context.Background(), k, f.fetch) {
		t.Fatalf("fresh key prefetched again")
	}
	if f.n() != 1 {
		t.Fatalf("fetch calls = %d", f.n())
	}
	e, ok := s.Get(k)
	if !ok || e.Observers != 0 {
		t.Fatalf("prefetch must populate without observing: %+v", e)
	}

	// prefetched entries stay evictable
	clk.Advance(2 * time.Hour)
	if ev := s.sweep(); len(ev) != 1 {
		t.Fatalf("prefetched entry not evictable")
	}
}

func TestPrefetchErrorsAreSwallowed(t *testing.T) {
	hooks := &recHooks{}
	s := newTestStore(t, newManualClock())
	p := newTestPrefetcher(t, s, nil, nil, hooks)
	f := newFetcher(stats{})
	f.set(stats{}, errors.New("down"))

	p.Prefetch(context.Background(), NewKey("quiz", "q1"), f.fetch)
	p.Wait()
	if got := hooks.snapshot().bgFailed; len(got) != 1 || got[0] != "prefetch" {
		t.Fatalf("background failures = %v", got)
	}
	if s.Pending(NewKey("quiz", "q1")) {
		t.Fatalf("failed prefetch left pending state")
	}
}

func TestPrefetchSharesRequestWithSubscriber(t *testing.T) {
	s := newTestStore(t, newManualClock())
	o := NewOrchestrator(s, nil, nil)
	p := NewPrefetcher(s, o, nil, nil, nil, nil, nil)
	k := NewKey("quiz", "q1")
	f := newFetcher(stats{Score: 7}).blocking()

	p.Prefetch(context.Background(), k, f.fetch)
	<-f.started
	done := make(chan stats, 1)
	go func() {
		v, _ := o.Request(context.Background(), k, f.fetch)
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)
	f.release()
	if v := <-done; v.Score != 7 || f.n() != 1 {
		t.Fatalf("subscriber got %+v after %d calls", v, f.n())
	}
	p.Wait()
}

func TestNavigateUsesRouteMap(t *testing.T) {
	s := newTestStore(t, newManualClock())
	user, perf, gam, rec := newFetcher(stats{}), newFetcher(stats{}), newFetcher(stats{}), newFetcher(stats{})
	p := newTestPrefetcher(t, s, Loaders[stats]{
		EntityUser:            user.loader(),
		EntityPerformance:     perf.loader(),
		EntityGamification:    gam.loader(),
		EntityRecommendations: rec.loader(),
	}, nil, nil)

	if n := p.Navigate(context.Background(), "/dashboard", EventContext{"userId": "u1"}); n != 4 {
		t.Fatalf("started %d prefetches, want 4", n)
	}
	p.Wait()
	for _, k := range []Key{
		NewKey("user", "u1"), NewKey("performance", "u1"),
		NewKey("gamification", "u1"), NewKey("recommendations", "u1"),
	} {
		if _, ok := s.Get(k); !ok {
			t.Fatalf("%s not prefetched", k)
		}
	}
	if n := p.Navigate(context.Background(), "/dashboard", nil); n != 0 {
		t.Fatalf("incomplete context must not prefetch truncated keys, started %d", n)
	}
	if n := p.Navigate(context.Background(), "/nowhere", nil); n != 0 {
		t.Fatalf("unknown route started %d", n)
	}
}

func TestNavigateWarmsHotKeys(t *testing.T) {
	tracker, err := heat.New(heat.Config{Capacity: 16, Window: time.Hour, Threshold: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tracker.Close)

	clk := newManualClock()
	s := newTestStore(t, clk)
	topic := newFetcher(stats{Score: 1})
	p := newTestPrefetcher(t, s, Loaders[stats]{EntityTopic: topic.loader()}, tracker, nil)

	hot := NewKey("topic", "t1")
	p.Visit(hot)
	p.Visit(hot)
	p.Visit(NewKey("topic", "t2"))

	if n := p.Navigate(context.Background(), "/unmapped", nil); n != 1 {
		t.Fatalf("warm started %d, want 1", n)
	}
	p.Wait()
	if _, ok := s.Get(hot); !ok {
		t.Fatalf("hot key not warmed")
	}
	if _, ok := s.Get(NewKey("topic", "t2")); ok {
		t.Fatalf("cold key warmed")
	}
}
