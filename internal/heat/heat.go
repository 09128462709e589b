// Package heat counts recent visits per key for the behavioral prefetch
// heuristic. Counts decay by TTL: a key not visited within the window starts
// over. Counts are approximate: the admission cache may drop writes under pressure.
package heat

import (
	"errors"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"
)

type Config struct {
	Capacity  int           // max tracked keys
	Window    time.Duration // visit counts expire after this long without a visit
	Threshold int           // visits within Window that make a key hot
}

type Tracker struct {
	c   *rc.Cache
	cfg Config

	mu     sync.Mutex
	recent []string // most recent last; bounded by Capacity
}

func New(cfg Config) (*Tracker, error) {
	if cfg.Capacity <= 0 || cfg.Window <= 0 || cfg.Threshold <= 0 {
		return nil, errors.New("heat: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters:        int64(cfg.Capacity) * 10,
		MaxCost:            int64(cfg.Capacity), // one cost unit per tracked key
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Tracker{c: c, cfg: cfg}, nil
}

// Touch records one visit and returns the visit count within the window.
func (t *Tracker) Touch(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	if v, ok := t.c.Get(id); ok {
		n, _ = v.(int)
	}
	n++
	t.c.SetWithTTL(id, n, 1, t.cfg.Window)
	t.c.Wait() // make the write visible to the next Touch

	t.bumpRecent(id)
	return n
}

// Count returns the current visit count for id.
func (t *Tracker) Count(id string) int {
	v, ok := t.c.Get(id)
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}

// Hot returns ids visited at least Threshold times within the window,
// most recently visited first.
func (t *Tracker) Hot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for i := len(t.recent) - 1; i >= 0; i-- {
		if t.Count(t.recent[i]) >= t.cfg.Threshold {
			out = append(out, t.recent[i])
		}
	}
	return out
}

func (t *Tracker) Close() {
	t.c.Close()
}

func (t *Tracker) bumpRecent(id string) {
	for i, r := range t.recent {
		if r == id {
			t.recent = append(t.recent[:i], t.recent[i+1:]...)
			break
		}
	}
	t.recent = append(t.recent, id)
	if len(t.recent) > t.cfg.Capacity {
		t.recent = t.recent[len(t.recent)-t.cfg.Capacity:]
	}
}
