package genstore

import (
	"sync"
	"time"
)

type localGenEntry struct {
	Gen       uint64
	UpdatedAt time.Time
}

// Local keeps generations in-process with an optional cleanup loop that prunes
// long-inactive entries. Retention must comfortably exceed the longest fetch.
type Local struct {
	mu   sync.RWMutex
	gens map[string]localGenEntry
	now  func() time.Time

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ GenStore = (*Local)(nil)

// NewLocal creates a Local store. A nil now uses time.Now. The cleanup loop
// runs only when both cleanupInterval and retention are positive.
func NewLocal(cleanupInterval, retention time.Duration, now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	s := &Local{
		gens: make(map[string]localGenEntry),
		now:  now,
	}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Snapshot(k string) uint64 {
	s.mu.RLock()
	e := s.gens[k]
	s.mu.RUnlock()
	return e.Gen
}

func (s *Local) Bump(k string) uint64 {
	now := s.now()
	s.mu.Lock()
	e := s.gens[k]
	e.Gen++
	e.UpdatedAt = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.Gen
}

func (s *Local) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-retention)

	removed := 0
	s.mu.Lock()
	for k, e := range s.gens {
		if e.UpdatedAt.Before(cutoff) {
			delete(s.gens, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

func (s *Local) Close() error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			s.ticker.Stop() // stop ticker before waiting
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
