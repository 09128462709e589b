package statecache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/statecache/codec"
)

func TestRequestDeduplicates(t *testing.T) {
	s := newTestStore(t, newManualClock())
	o := NewOrchestrator(s, nil, nil)
	k := NewKey("gamification", "u1")
	f := newFetcher(stats{Score: 42}).blocking()

	const n = 8
	var wg sync.WaitGroup
	results := make([]stats, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Request(context.Background(), k, f.fetch)
		}(i)
	}
	<-f.started
	waitFor(t, "pending flag", func() bool { return o.Pending(k) })
	// give the other requesters time to join the in-flight call
	time.Sleep(20 * time.Millisecond)
	f.release()
	wg.Wait()

	if f.n() != 1 {
		t.Fatalf("fetch called %d times, want 1", f.n())
	}
	for i := range results {
		if errs[i] != nil || results[i].Score != 42 {
			t.Fatalf("requester %d got %+v, %v", i, results[i], errs[i])
		}
	}
	if o.Pending(k) {
		t.Fatalf("pending flag left set")
	}
	if e, ok := s.Get(k); !ok || e.Value.Score != 42 {
		t.Fatalf("result not written: %+v", e)
	}
}

func TestRequestFailureLeavesEntryUntouched(t *testing.T) {
	s := newTestStore(t, newManualClock())
	o := NewOrchestrator(s, nil, nil)
	k := NewKey("performance", "u1")
	codec := c.JSON[stats]{}

	before := s.Set(k, stats{Score: 70, Tags: []string{"a"}})
	raw, _ := codec.Encode(before.Value)

	f := newFetcher(stats{})
	f.set(stats{}, &NetworkError{Op: "performance", Err: errors.New("reset")})
	if _, err := o.Request(context.Background(), k, f.fetch); err == nil {
		t.Fatalf("expected error")
	}

	after, _ := s.Get(k)
	got, _ := codec.Encode(after.Value)
	if !bytes.Equal(raw, got) || after.Version != before.Version || !after.FetchedAt.Equal(before.FetchedAt) {
		t.Fatalf("entry changed after failed fetch: %+v -> %+v", before, after)
	}
}

func TestRequestCallerCancelDoesNotCancelShared(t *testing.T) {
	s := newTestStore(t, newManualClock())
	o := NewOrchestrator(s, nil, nil)
	k := NewKey("quiz", "q1")
	f := newFetcher(stats{Score: 9}).blocking()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Request(ctx, k, f.fetch)
		done <- err
	}()
	<-f.started

	other := make(chan stats, 1)
	go func() {
		v, _ := o.Request(context.Background(), k, f.fetch)
		other <- v
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v", err)
	}
	f.release()
	if v := <-other; v.Score != 9 {
		t.Fatalf("other awaiter got %+v", v)
	}
	if f.n() != 1 {
		t.Fatalf("fetch called %d times", f.n())
	}
}

func TestRequestDropsWriteForRemovedKey(t *testing.T) {
	hooks := &recHooks{}
	s := newTestStore(t, newManualClock())
	o := NewOrchestrator(s, nil, hooks)
	k := NewKey("quiz", "q1")
	f := newFetcher(stats{Score: 3}).blocking()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Request(context.Background(), k, f.fetch)
	}()
	<-f.started
	s.Set(k, stats{Score: 1})
	s.Remove(k)
	f.release()
	<-done

	if s.Len() != 0 {
		t.Fatalf("late response resurrected a removed key")
	}
	if got := hooks.snapshot().dropped; len(got) != 1 || got[0] != "gen_mismatch" {
		t.Fatalf("dropped = %v", got)
	}
}

func TestRequestNilFunc(t *testing.T) {
	o := NewOrchestrator(newTestStore(t, newManualClock()), nil, nil)
	if _, err := o.Request(context.Background(), NewKey("user"), nil); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("err = %v", err)
	}
}

func TestRevalidateSkipsFreshEntry(t *testing.T) {
	s := newTestStore(t, newManualClock())
	o := NewOrchestrator(s, nil, nil)
	k := NewKey("user", "u1")
	s.Set(k, stats{Score: 1})

	f := newFetcher(stats{Score: 2})
	v, err := o.Revalidate(context.Background(), k, f.fetch)
	if err != nil || v.Score != 1 || f.n() != 0 {
		t.Fatalf("Revalidate = %+v, %v, calls=%d", v, err, f.n())
	}
	if _, err := o.Request(context.Background(), k, f.fetch); err != nil || f.n() != 1 {
		t.Fatalf("Request must bypass staleness, calls=%d", f.n())
	}
}
