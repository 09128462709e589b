// Package slog logs cache events to a *slog.Logger with optional sampling
// of the noisy ones and key redaction.
package slog

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/statecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DroppedWriteEvery uint64
	InvalidatedEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	droppedCtr     atomic.Uint64
	invalidatedCtr atomic.Uint64
}

var _ statecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("statecache.fetch_failed", "key", h.redact(key), "err", err)
}

func (h *Hooks) WriteDropped(key, reason string) {
	if h.l == nil || !sample(h.opts.DroppedWriteEvery, &h.droppedCtr) {
		return
	}
	h.l.Debug("statecache.write_dropped", "key", h.redact(key), "reason", reason)
}

func (h *Hooks) Evicted(key string, age time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Debug("statecache.evicted", "key", h.redact(key), "age", age)
}

func (h *Hooks) PatchRolledBack(patchID string, keys int) {
	if h.l == nil {
		return
	}
	h.l.Info("statecache.patch_rolled_back", "patch", patchID, "keys", keys)
}

func (h *Hooks) StaleWriteConflict(key string) {
	if h.l == nil {
		return
	}
	h.l.Warn("statecache.stale_write_conflict", "key", h.redact(key))
}

func (h *Hooks) BackgroundFailed(source, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("statecache.background_failed", "source", source, "key", h.redact(key), "err", err)
}

func (h *Hooks) Invalidated(event string, refetched, markedStale int) {
	if h.l == nil || !sample(h.opts.InvalidatedEvery, &h.invalidatedCtr) {
		return
	}
	h.l.Debug("statecache.invalidated", "event", event, "refetched", refetched, "marked_stale", markedStale)
}

func (h *Hooks) EvictionRace(key string) {
	if h.l == nil {
		return
	}
	h.l.Info("statecache.eviction_race", "key", h.redact(key))
}
