package statecache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSyncer(t *testing.T, s *Store[stats], loaders Loaders[stats], vis Visibility, hooks Hooks) *Syncer[stats] {
	t.Helper()
	sy := NewSyncer(s, NewOrchestrator(s, nil, hooks), loaders, vis, nil, hooks)
	t.Cleanup(sy.Close)
	return sy
}

func TestStartRejectsNonLiveKeys(t *testing.T) {
	s := newTestStore(t, newManualClock())
	sy := newTestSyncer(t, s, Loaders[stats]{EntityPerformance: newFetcher(stats{}).loader()}, nil, nil)

	if _, err := sy.Start([]Key{NewKey("performance", "u1")}, time.Second); !errors.Is(err, ErrNotLive) {
		t.Fatalf("err = %v", err)
	}
	if _, err := sy.Start([]Key{NewKey("leaderboard")}, time.Second); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("err = %v", err)
	}
	if _, err := sy.Start([]Key{NewKey("leaderboard")}, 0); err == nil {
		t.Fatalf("zero interval accepted")
	}
}

func TestTickBypassesStaleness(t *testing.T) {
	s := newTestStore(t, newManualClock())
	f := newFetcher(stats{Score: 5})
	sy := newTestSyncer(t, s, Loaders[stats]{EntityGamification: f.loader()}, nil, nil)
	k := NewKey("gamification", "u1")
	s.Set(k, stats{Score: 1}) // fresh

	if err := sy.Tick(context.Background(), []Key{k}); err != nil {
		t.Fatal(err)
	}
	if f.n() != 1 {
		t.Fatalf("fresh key not synced")
	}
	if e, _ := s.Get(k); e.Value.Score != 5 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestTickSkippedInBackground(t *testing.T) {
	s := newTestStore(t, newManualClock())
	f := newFetcher(stats{})
	var fg atomic.Bool
	sy := newTestSyncer(t, s, Loaders[stats]{EntityLeaderboard: f.loader()}, VisibilityFunc(fg.Load), nil)

	_ = sy.Tick(context.Background(), []Key{NewKey("leaderboard")})
	if f.n() != 0 {
		t.Fatalf("tick ran while backgrounded")
	}
	fg.Store(true)
	_ = sy.Tick(context.Background(), []Key{NewKey("leaderboard")})
	if f.n() != 1 {
		t.Fatalf("tick skipped while foregrounded")
	}
}

func TestTickFailureReported(t *testing.T) {
	hooks := &recHooks{}
	s := newTestStore(t, newManualClock())
	f := newFetcher(stats{})
	f.set(stats{}, errors.New("down"))
	sy := newTestSyncer(t, s, Loaders[stats]{EntityLeaderboard: f.loader()}, nil, hooks)

	if err := sy.Tick(context.Background(), []Key{NewKey("leaderboard")}); err == nil {
		t.Fatalf("expected tick error")
	}
	if got := hooks.snapshot().bgFailed; len(got) != 1 || got[0] != "sync" {
		t.Fatalf("background failures = %v", got)
	}
}

func TestSyncLoopRunsUntilStopped(t *testing.T) {
	s := newTestStore(t, newManualClock())
	f := newFetcher(stats{Score: 1})
	sy := newTestSyncer(t, s, Loaders[stats]{EntityLeaderboard: f.loader()}, nil, nil)

	h, err := sy.Start([]Key{NewKey("leaderboard"), NewKey("leaderboard")}, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Keys) != 1 {
		t.Fatalf("keys not deduplicated: %v", h.Keys)
	}
	waitFor(t, "two sync ticks", func() bool { return f.n() >= 2 })
	h.Stop()
	h.Stop()
	if sy.Running() != 0 {
		t.Fatalf("handle still registered")
	}
	n := f.n()
	time.Sleep(20 * time.Millisecond)
	if f.n() != n {
		t.Fatalf("loop kept running after Stop")
	}
}

func TestSyncerCloseStopsLoops(t *testing.T) {
	s := newTestStore(t, newManualClock())
	sy := NewSyncer(s, NewOrchestrator(s, nil, nil), Loaders[stats]{EntityLeaderboard: newFetcher(stats{}).loader()}, nil, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := sy.Start([]Key{NewKey("leaderboard")}, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	sy.Close()
	if sy.Running() != 0 {
		t.Fatalf("running = %d after Close", sy.Running())
	}
	if _, err := sy.Start([]Key{NewKey("leaderboard")}, time.Hour); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close err = %v", err)
	}
}
