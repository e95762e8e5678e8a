// Package sloghooks logs idxcas.Hooks events to a log/slog logger.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/idxcas"
	"github.com/unkn0wn-root/idxcas/backend"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ConflictEvery uint64
	BatchEvery    uint64
	CacheEvery    uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	conflictCtr atomic.Uint64
	batchCtr    atomic.Uint64
	cacheCtr    atomic.Uint64
}

var _ idxcas.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CorruptIndex(value int64, matches int) {
	if h.l == nil {
		return
	}
	h.l.Error("idxcas.corrupt_index",
		"value", value,
		"matches", matches)
}

func (h *Hooks) Conflict(value int64, result backend.Result, attempt int) {
	if h.l == nil || !sample(h.opts.ConflictEvery, &h.conflictCtr) {
		return
	}
	h.l.Debug("idxcas.conflict",
		"value", value,
		"result", result.String(),
		"attempt", attempt)
}

func (h *Hooks) RetriesExhausted(value int64, attempts int) {
	if h.l == nil {
		return
	}
	h.l.Warn("idxcas.retries_exhausted",
		"value", value,
		"attempts", attempts)
}

func (h *Hooks) CacheHit(op string) {
	if h.l == nil || !sample(h.opts.CacheEvery, &h.cacheCtr) {
		return
	}
	h.l.Debug("idxcas.cache_hit", "op", op)
}

func (h *Hooks) CacheMiss(op string) {
	if h.l == nil || !sample(h.opts.CacheEvery, &h.cacheCtr) {
		return
	}
	h.l.Debug("idxcas.cache_miss", "op", op)
}

func (h *Hooks) BatchFlushed(size int, reason string) {
	if h.l == nil || !sample(h.opts.BatchEvery, &h.batchCtr) {
		return
	}
	h.l.Debug("idxcas.batch_flushed",
		"size", size,
		"reason", reason)
}

func (h *Hooks) BatchFailed(size int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("idxcas.batch_failed",
		"size", size,
		"err", err)
}
