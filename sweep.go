package statecache

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper reclaims entries that are both unobserved and past retention.
// Observed entries are never evicted regardless of age.
type Sweeper[V any] struct {
	store        *Store[V]
	interval     time.Duration
	genRetention time.Duration
	log          Logger
	hooks        Hooks

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper[V any](store *Store[V], interval, genRetention time.Duration, log Logger, hooks Hooks) *Sweeper[V] {
	return &Sweeper[V]{
		store:        store,
		interval:     coalesce(interval, defaultSweepInterval),
		genRetention: coalesce(genRetention, defaultGenRetention),
		log:          named(coalesce[Logger](log, NopLogger{}), "sweep"),
		hooks:        coalesce[Hooks](hooks, NopHooks{}),
	}
}

// Sweep runs one pass and returns the number of evicted entries.
func (s *Sweeper[V]) Sweep() int {
	ev := s.store.sweep()
	for _, e := range ev {
		s.hooks.Evicted(e.key.String(), e.age)
	}
	pruned := s.store.cleanupGens(s.genRetention)
	if len(ev) > 0 || pruned > 0 {
		s.log.Debug("sweep removed entries", Fields{"evicted": len(ev), "gens_pruned": pruned})
	}
	return len(ev)
}

// Start schedules Sweep every interval. Calling Start twice is a no-op.
func (s *Sweeper[V]) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	cr := cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))
	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.Sweep() }); err != nil {
		return fmt.Errorf("statecache: schedule sweeper: %w", err)
	}
	cr.Start()
	s.cron = cr
	return nil
}

// Stop unschedules the sweeper and waits for a running pass to finish.
func (s *Sweeper[V]) Stop() {
	s.mu.Lock()
	cr := s.cron
	s.cron = nil
	s.mu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
}

// cronLogger adapts Logger to cron.Logger for panic recovery reports.
type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kvFields(kv)) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	f := kvFields(kv)
	f["err"] = err
	c.l.Error(msg, f)
}

func kvFields(kv []any) Fields {
	f := make(Fields, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
