package idxcas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/idxcas/backend"
	c "github.com/unkn0wn-root/idxcas/codec"
	"github.com/unkn0wn-root/idxcas/internal/keys"
	"github.com/unkn0wn-root/idxcas/internal/proxy"
	pr "github.com/unkn0wn-root/idxcas/provider"
	"github.com/unkn0wn-root/idxcas/provider/bigcache"
)

const (
	defaultMaxRetries = 20
	defaultHighWater  = 100
	defaultWindow     = 10 * time.Millisecond
	defaultCacheTTL   = 200 * time.Millisecond
)

type store struct {
	be         backend.Backend
	reads      *proxy.Proxy
	provider   pr.Provider // nil when caching is disabled
	indexField string
	protocol   Protocol
	maxRetries int
	log        Logger
	hooks      Hooks
	newID      func() string

	closeOnce sync.Once
	closeErr  error
}

func newStore(opts Options) (*store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("idxcas: backend is required")
	}
	ns := opts.Backend.Namespace()
	if ns == "" {
		return nil, fmt.Errorf("idxcas: backend has no namespace")
	}
	if opts.Protocol != ProtocolCAS && opts.Protocol != ProtocolWatch {
		return nil, fmt.Errorf("idxcas: unknown protocol %d", opts.Protocol)
	}
	if opts.MaxRetries < 0 || opts.BatchHighWater < 0 || opts.BatchWindow < 0 || opts.CacheTTL < 0 {
		return nil, fmt.Errorf("idxcas: retry, batch and cache settings must not be negative")
	}

	s := &store{
		be:         opts.Backend,
		indexField: opts.Backend.IndexField(),
		protocol:   opts.Protocol,
		newID:      newRecordID,
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.maxRetries = coalesce(opts.MaxRetries, defaultMaxRetries)
	highWater := coalesce(opts.BatchHighWater, defaultHighWater)
	window := coalesce(opts.BatchWindow, defaultWindow)
	ttl := coalesce(opts.CacheTTL, defaultCacheTTL)

	var codec c.Codec[backend.Reply]
	if !opts.DisableCache {
		s.provider = opts.CacheProvider
		if s.provider == nil {
			// bigcache expires in whole seconds; the proxy checks ttl itself
			p, err := bigcache.New(bigcache.Config{LifeWindow: max(ttl, time.Second)})
			if err != nil {
				return nil, fmt.Errorf("idxcas: default cache: %w", err)
			}
			s.provider = p
		}
		codec = coalesce[c.Codec[backend.Reply]](opts.CacheCodec, c.Msgpack[backend.Reply]{})
		if opts.MaxCachedReply > 0 {
			codec = c.LimitCodec[backend.Reply]{Inner: codec, MaxDecode: opts.MaxCachedReply}
		}
	}

	reads, err := proxy.New(opts.Backend, proxy.Options{
		Keys:      keys.New(ns, s.indexField),
		Provider:  s.provider,
		Codec:     codec,
		TTL:       ttl,
		Window:    window,
		HighWater: highWater,
		Logger:    s.log,
		Hooks:     s.hooks,
	})
	if err != nil {
		return nil, fmt.Errorf("idxcas: %w", err)
	}
	s.reads = reads

	s.log.Debug("store ready", Fields{
		"ns": ns, "protocol": s.protocol.String(), "max_retries": s.maxRetries,
		"window": window, "high_water": highWater, "cache": s.provider != nil,
	})
	return s, nil
}

func (s *store) Get(ctx context.Context, value int64) (*Record, bool, error) {
	if err := s.be.CheckIndexValue(value); err != nil {
		return nil, false, err
	}
	rec, _, err := s.resolve(ctx, value, false)
	if err != nil || rec == nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *store) GetByID(ctx context.Context, id string) (*Record, bool, error) {
	stored, err := s.reads.ReadRecord(ctx, id, false)
	if err != nil {
		return nil, false, err
	}
	rec, err := decodeRecord(id, s.indexField, stored)
	if err != nil || rec == nil {
		return nil, false, err
	}
	return rec, true, nil
}

// resolve reads the owner of value and its record through the proxy.
// owner is the id the index points at, set even when its record is missing.
func (s *store) resolve(ctx context.Context, value int64, fresh bool) (rec *Record, owner string, err error) {
	ids, err := s.reads.LookupIndex(ctx, value, fresh)
	if err != nil {
		return nil, "", err
	}
	if len(ids) == 0 {
		return nil, "", nil
	}
	if len(ids) > 1 {
		s.hooks.CorruptIndex(value, len(ids))
		s.log.Warn("corrupt index: several owners for one value", Fields{
			"value": value, "matches": len(ids), "using": ids[0],
		})
	}
	owner = ids[0]
	stored, err := s.reads.ReadRecord(ctx, owner, fresh)
	if err != nil {
		return nil, "", err
	}
	rec, err = decodeRecord(owner, s.indexField, stored)
	return rec, owner, err
}

func (s *store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.reads.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.provider != nil {
			if err := s.provider.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.be.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
