// Package proxy coalesces the two read primitives the transaction protocols
// need (record point read, index lookup) into windowed grouped backend calls,
// and keeps every reply in a short-TTL cache.
//
// Cached replies may be stale by up to TTL. The protocols re-validate index
// state and version atomically at commit, so a stale read costs a retried
// attempt, never a wrong write.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/unkn0wn-root/idxcas/backend"
	"github.com/unkn0wn-root/idxcas/codec"
	"github.com/unkn0wn-root/idxcas/internal/keys"
	"github.com/unkn0wn-root/idxcas/internal/wire"
	"github.com/unkn0wn-root/idxcas/provider"
)

var ErrClosed = errors.New("idxcas: proxy closed")

// Flush reasons reported to Hooks.BatchFlushed.
const (
	FlushWindow    = "window"
	FlushHighWater = "high_water"
	FlushClose     = "close"
)

// Reader issues one grouped call. backend.Backend satisfies it.
type Reader interface {
	Do(ctx context.Context, reqs []backend.Request) ([]backend.Reply, error)
}

// Logger is the subset of idxcas.Logger the proxy uses.
type Logger interface {
	Debug(msg string, f map[string]any)
	Warn(msg string, f map[string]any)
}

// Hooks is the subset of idxcas.Hooks the proxy reports to.
type Hooks interface {
	CacheHit(op string)
	CacheMiss(op string)
	BatchFlushed(size int, reason string)
	BatchFailed(size int, err error)
}

type Options struct {
	Keys      keys.Layout
	Provider  provider.Provider // nil disables caching; batching still applies
	Codec     codec.Codec[backend.Reply]
	TTL       time.Duration
	Window    time.Duration
	HighWater int
	Logger    Logger
	Hooks     Hooks
	Now       func() time.Time // tests
}

type call struct {
	sig   string
	req   backend.Request
	done  chan struct{}
	reply backend.Reply
	err   error
}

type Proxy struct {
	r         Reader
	keys      keys.Layout
	prov      provider.Provider
	codec     codec.Codec[backend.Reply]
	ttl       time.Duration
	window    time.Duration
	highWater int
	log       Logger
	hooks     Hooks
	now       func() time.Time

	mu      sync.Mutex
	queue   []*call
	pending map[string]*call // queued, not yet sent
	closed  bool

	wake      chan struct{} // queue went from empty to non-empty
	full      chan struct{} // queue reached highWater
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(r Reader, opts Options) (*Proxy, error) {
	if r == nil {
		return nil, errors.New("proxy: reader is required")
	}
	if opts.Window <= 0 || opts.HighWater <= 0 {
		return nil, errors.New("proxy: window and high-water mark must be positive")
	}
	if opts.Provider != nil && (opts.TTL <= 0 || opts.Codec == nil) {
		return nil, errors.New("proxy: caching needs a positive ttl and a codec")
	}
	p := &Proxy{
		r:         r,
		keys:      opts.Keys,
		prov:      opts.Provider,
		codec:     opts.Codec,
		ttl:       opts.TTL,
		window:    opts.Window,
		highWater: opts.HighWater,
		log:       opts.Logger,
		hooks:     opts.Hooks,
		now:       opts.Now,
		pending:   make(map[string]*call),
		wake:      make(chan struct{}, 1),
		full:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if p.log == nil {
		p.log = nopLogger{}
	}
	if p.hooks == nil {
		p.hooks = nopHooks{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	go p.loop()
	return p, nil
}

// LookupIndex returns the ids owning value. fresh skips the cache but still
// goes through the batch queue.
func (p *Proxy) LookupIndex(ctx context.Context, value int64, fresh bool) ([]string, error) {
	rep, err := p.get(ctx, backend.Request{Op: backend.OpLookupIndex, Value: value}, fresh)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), rep.IDs...), nil
}

// ReadRecord returns the stored fields of id; empty when absent.
func (p *Proxy) ReadRecord(ctx context.Context, id string, fresh bool) (map[string]string, error) {
	rep, err := p.get(ctx, backend.Request{Op: backend.OpReadRecord, ID: id}, fresh)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rep.Fields))
	for k, v := range rep.Fields {
		out[k] = v
	}
	return out, nil
}

// Close stops the worker after one last flush of whatever is queued. New
// requests fail with ErrClosed. The cache provider is left open; it belongs
// to the caller.
func (p *Proxy) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stop)
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) get(ctx context.Context, req backend.Request, fresh bool) (backend.Reply, error) {
	sig := p.signature(req)
	if p.prov != nil && !fresh {
		if rep, ok := p.cached(ctx, sig, req.Op); ok {
			p.hooks.CacheHit(req.Op.String())
			return rep, nil
		}
		p.hooks.CacheMiss(req.Op.String())
	}

	c, err := p.enqueue(sig, req)
	if err != nil {
		return backend.Reply{}, err
	}
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		// the batch still runs; only this caller stops waiting
		return backend.Reply{}, ctx.Err()
	}
}

func (p *Proxy) signature(r backend.Request) string {
	if r.Op == backend.OpReadRecord {
		return p.keys.Signature("HGETALL", p.keys.Record(r.ID))
	}
	v := strconv.FormatInt(r.Value, 10)
	return p.keys.Signature("ZRANGEBYSCORE", p.keys.Index(), v, v)
}

func (p *Proxy) cached(ctx context.Context, sig string, op backend.Op) (backend.Reply, bool) {
	raw, ok, err := p.prov.Get(ctx, sig)
	if err != nil {
		p.log.Warn("cache get failed", map[string]any{"key": sig, "err": err})
		return backend.Reply{}, false
	}
	if !ok {
		return backend.Reply{}, false
	}
	f, err := wire.Decode(raw)
	if err != nil || f.Kind != byte(op) {
		_ = p.prov.Del(ctx, sig) // self-heal corrupt
		return backend.Reply{}, false
	}
	if !f.Fresh(p.now(), p.ttl) {
		return backend.Reply{}, false
	}
	rep, err := p.codec.Decode(f.Payload)
	if err != nil {
		if errors.Is(err, codec.ErrTooLarge) {
			p.log.Debug("cached reply over size limit", map[string]any{"key": sig, "size": len(f.Payload)})
		} else {
			p.log.Warn("corrupt cached reply", map[string]any{"key": sig, "err": err})
		}
		_ = p.prov.Del(ctx, sig)
		return backend.Reply{}, false
	}
	return rep, true
}

func (p *Proxy) enqueue(sig string, req backend.Request) (*call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.pending[sig]; ok {
		return c, nil
	}
	c := &call{sig: sig, req: req, done: make(chan struct{})}
	p.pending[sig] = c
	p.queue = append(p.queue, c)
	n := len(p.queue)
	if n == 1 {
		signal(p.wake)
	}
	if n >= p.highWater {
		signal(p.full)
	}
	return c, nil
}

func (p *Proxy) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// loop is the single consumer. It sleeps on wake while the queue is empty.
func (p *Proxy) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
		case <-p.stop:
			p.flush(FlushClose)
			return
		}

		reason := FlushHighWater
		if p.depth() < p.highWater {
			reason = FlushWindow
			t := time.NewTimer(p.window)
			select {
			case <-t.C:
			case <-p.full:
				reason = FlushHighWater
			case <-p.stop:
			}
			t.Stop()
		}
		p.flush(reason)
	}
}

func (p *Proxy) take() []*call {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.queue
	p.queue = nil
	for _, c := range batch {
		delete(p.pending, c.sig)
	}
	// a high-water signal raised for this batch is consumed with it
	select {
	case <-p.full:
	default:
	}
	return batch
}

func (p *Proxy) flush(reason string) {
	batch := p.take()
	if len(batch) == 0 {
		return
	}

	reqs := make([]backend.Request, len(batch))
	for i, c := range batch {
		reqs[i] = c.req
	}
	replies, err := p.r.Do(context.Background(), reqs)
	if err == nil && len(replies) != len(reqs) {
		err = backend.Unavailable(fmt.Errorf("grouped call returned %d replies for %d requests", len(replies), len(reqs)))
	}
	if err != nil {
		p.hooks.BatchFailed(len(batch), err)
		p.log.Warn("batch failed", map[string]any{"size": len(batch), "err": err})
		for _, c := range batch {
			c.err = err
			close(c.done)
		}
		return
	}

	p.hooks.BatchFlushed(len(batch), reason)
	p.log.Debug("batch flushed", map[string]any{"size": len(batch), "reason": reason})
	now := p.now()
	for i, c := range batch {
		c.reply = replies[i]
		p.store(c, now)
		close(c.done)
	}
}

func (p *Proxy) store(c *call, now time.Time) {
	if p.prov == nil {
		return
	}
	payload, err := p.codec.Encode(c.reply)
	if err != nil {
		p.log.Warn("cache encode failed", map[string]any{"key": c.sig, "err": err})
		return
	}
	frame := wire.Encode(byte(c.req.Op), now, payload)
	ok, err := p.prov.Set(context.Background(), c.sig, frame, int64(len(frame)), p.ttl)
	if err != nil {
		p.log.Warn("cache set failed", map[string]any{"key": c.sig, "err": err})
		return
	}
	if !ok {
		p.log.Debug("cache set rejected by provider (pressure)", map[string]any{"key": c.sig})
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]any) {}
func (nopLogger) Warn(string, map[string]any)  {}

type nopHooks struct{}

func (nopHooks) CacheHit(string)          {}
func (nopHooks) CacheMiss(string)         {}
func (nopHooks) BatchFlushed(int, string) {}
func (nopHooks) BatchFailed(int, error)   {}
