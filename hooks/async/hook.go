// Package asynchook moves idxcas.Hooks calls off the hot path.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ConflictEvery: 10, // sample logs: ~every 10th conflict
//	})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	st, _ := idxcas.New(idxcas.Options{
//	    Backend: be,
//	    Hooks:   hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/idxcas"
	"github.com/unkn0wn-root/idxcas/backend"
)

type Hooks struct {
	inner   idxcas.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against send-on-closed
	closed  bool
	dropped atomic.Uint64
}

var _ idxcas.Hooks = (*Hooks)(nil)

func New(inner idxcas.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports events discarded because the queue was full or closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CorruptIndex(v int64, n int) { h.try(func() { h.inner.CorruptIndex(v, n) }) }
func (h *Hooks) CacheHit(op string)          { h.try(func() { h.inner.CacheHit(op) }) }
func (h *Hooks) CacheMiss(op string)         { h.try(func() { h.inner.CacheMiss(op) }) }
func (h *Hooks) Conflict(v int64, r backend.Result, attempt int) {
	h.try(func() { h.inner.Conflict(v, r, attempt) })
}
func (h *Hooks) RetriesExhausted(v int64, attempts int) {
	h.try(func() { h.inner.RetriesExhausted(v, attempts) })
}
func (h *Hooks) BatchFlushed(size int, reason string) {
	h.try(func() { h.inner.BatchFlushed(size, reason) })
}
func (h *Hooks) BatchFailed(size int, err error) {
	h.try(func() { h.inner.BatchFailed(size, err) })
}
