package idxcas

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/idxcas/backend"
	"github.com/unkn0wn-root/idxcas/internal/proxy"
)

var (
	// ErrBackendUnavailable wraps connectivity and server failures. It is
	// never retried by the store.
	ErrBackendUnavailable = backend.ErrUnavailable

	ErrRetriesExhausted = errors.New("idxcas: retries exhausted")
	ErrReservedField    = errors.New("idxcas: reserved field name")
	ErrInvalidField     = errors.New("idxcas: field value must be a string or a number")
	ErrCorruptRecord    = errors.New("idxcas: corrupt stored record")
	ErrClosed           = proxy.ErrClosed
)

// RetriesExhaustedError is returned by Upsert when every commit attempt hit a
// conflict. Last is the result of the final attempt.
type RetriesExhaustedError struct {
	IndexValue int64
	Attempts   int
	Last       backend.Result
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("idxcas: upsert %d gave up after %d attempts, last result %s",
		e.IndexValue, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return ErrRetriesExhausted }

// FieldError reports a field the store refused to write.
type FieldError struct {
	Field string
	Err   error // ErrReservedField or ErrInvalidField
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Field)
}

func (e *FieldError) Unwrap() error { return e.Err }
