package idxcas

import "github.com/unkn0wn-root/idxcas/backend"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store and its batch worker call them on hot paths.
type Hooks interface {
	// More than one index entry was found for value. The first one is used.
	CorruptIndex(value int64, matches int)

	// A commit attempt for value did not commit. attempt counts from 1.
	Conflict(value int64, result backend.Result, attempt int)

	// Upsert gave up after attempts commit attempts.
	RetriesExhausted(value int64, attempts int)

	// Read cache outcome. op ∈ {"read_record", "lookup_index"}
	CacheHit(op string)
	CacheMiss(op string)

	// One grouped backend call was sent. reason ∈ {"window", "high_water", "close"}
	BatchFlushed(size int, reason string)

	// A grouped backend call failed; every waiter in it got err.
	BatchFailed(size int, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CorruptIndex(int64, int)             {}
func (NopHooks) Conflict(int64, backend.Result, int) {}
func (NopHooks) RetriesExhausted(int64, int)         {}
func (NopHooks) CacheHit(string)                     {}
func (NopHooks) CacheMiss(string)                    {}
func (NopHooks) BatchFlushed(int, string)            {}
func (NopHooks) BatchFailed(int, error)              {}
