package idxcas

import (
	"context"
	"time"

	"github.com/unkn0wn-root/idxcas/backend"
	c "github.com/unkn0wn-root/idxcas/codec"
	pr "github.com/unkn0wn-root/idxcas/provider"
)

// Protocol selects how Upsert commits.
type Protocol uint8

const (
	// ProtocolCAS commits through one atomic conditional apply on the backend.
	ProtocolCAS Protocol = iota
	// ProtocolWatch commits under the backend's optimistic lock. Any
	// concurrent write to the index or the record aborts the attempt.
	ProtocolWatch
)

func (p Protocol) String() string {
	if p == ProtocolWatch {
		return "watch"
	}
	return "cas"
}

// MutateFunc computes the full field set to store. current is nil when no
// record owns the index value yet. The returned map replaces every stored
// field; values must be strings or numbers.
//
// fn runs once per attempt and may run again after a conflict, so it must
// not have side effects.
type MutateFunc func(current *Record) (map[string]any, error)

// Store is get-or-create-or-update over records reachable by id and by a
// unique index value.
type Store interface {
	// Get returns the record owning value. Reads may be served from the
	// short-TTL cache.
	Get(ctx context.Context, value int64) (rec *Record, ok bool, err error)
	GetByID(ctx context.Context, id string) (rec *Record, ok bool, err error)

	// Upsert creates the record for value or updates the one owning it.
	// It retries on conflicts up to Options.MaxRetries commit attempts.
	Upsert(ctx context.Context, value int64, fn MutateFunc) (*Record, error)

	// Close stops the batch worker, then closes the cache provider and the
	// backend.
	Close(ctx context.Context) error
}

// Options configure a Store.
// Only Backend is required; others have sensible defaults. Cache keys are
// scoped by the backend's namespace.
type Options struct {
	// Required
	Backend backend.Backend

	Protocol   Protocol // default ProtocolCAS
	MaxRetries int      // commit attempts per Upsert; 0 => 20

	BatchHighWater int           // queue depth that flushes at once; 0 => 100
	BatchWindow    time.Duration // 0 => 10ms

	CacheTTL       time.Duration          // 0 => 200ms
	DisableCache   bool                   // reads are still batched
	CacheProvider  pr.Provider            // nil => bigcache sized for CacheTTL
	CacheCodec     c.Codec[backend.Reply] // nil => msgpack
	MaxCachedReply int                    // bytes; larger cached replies are dropped on read. 0 => unlimited

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

func New(opts Options) (Store, error) {
	return newStore(opts)
}
