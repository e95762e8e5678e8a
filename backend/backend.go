// Package backend defines the storage contract idxcas runs on.
//
// A backend stores two things per namespace:
//
//	record - hash-shaped entity keyed by a generated primary id
//	index  - ordered mapping from an index value to the id that owns it
//
// Plain reads (LookupIndex, ReadRecord, Do) never detect conflicts. The only
// writers are Apply (atomic conditional apply, one indivisible unit on the
// backend) and Tx.Commit inside Watch (optimistic lock). Both validate with
// the same decision table, see Decide.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnavailable wraps every connectivity or server failure.
	ErrUnavailable = errors.New("idxcas: backend unavailable")
	// ErrTxAborted is returned by Watch when a watched key was modified
	// by another party before the conditional commit.
	ErrTxAborted = errors.New("idxcas: transaction aborted by concurrent write")
)

// Unavailable wraps err as ErrUnavailable. nil stays nil.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// FieldVersion is the reserved record field holding the version counter.
const FieldVersion = "version"

// Op is a read primitive that can be grouped into one backend call.
type Op uint8

const (
	OpReadRecord Op = iota + 1
	OpLookupIndex
)

func (o Op) String() string {
	switch o {
	case OpReadRecord:
		return "read_record"
	case OpLookupIndex:
		return "lookup_index"
	default:
		return "op(" + strconv.Itoa(int(o)) + ")"
	}
}

// Request is one read inside a grouped call. ID is set for OpReadRecord,
// Value for OpLookupIndex.
type Request struct {
	Op    Op
	ID    string
	Value int64
}

// Reply answers one Request. Fields is empty when the record is absent;
// IDs is empty when no index entry matches.
type Reply struct {
	Fields map[string]string `msgpack:"f,omitempty" cbor:"1,keyasint,omitempty" json:"f,omitempty"`
	IDs    []string          `msgpack:"i,omitempty" cbor:"2,keyasint,omitempty" json:"i,omitempty"`
}

// Intent is the input of one conditional apply.
type Intent struct {
	IndexValue      int64
	ID              string // candidate id; only used as the target on create
	ExpectedVersion uint64 // 0 means the caller believes this is a create
	Fields          map[string]string
}

// Write is a validated record write issued by Tx.Commit.
type Write struct {
	ID         string
	IndexValue int64
	Version    uint64
	Fields     map[string]string
	Create     bool // also insert the index entry
}

// Backend is the full surface idxcas consumes. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Namespace scopes every key the backend touches. The cache proxy keys
	// its entries under it too, so stores over different namespaces never
	// share cached replies.
	Namespace() string

	// IndexField is the record field the index is built over (e.g. "acc_id").
	IndexField() string

	// CheckIndexValue rejects index values the backend cannot store exactly.
	// Callers check before queueing a read, so one bad value never reaches a
	// grouped call shared with other callers.
	CheckIndexValue(value int64) error

	// LookupIndex returns ids whose index value equals value, in index order.
	LookupIndex(ctx context.Context, value int64) ([]string, error)

	// ReadRecord returns every stored field of id; empty map when absent.
	ReadRecord(ctx context.Context, id string) (map[string]string, error)

	// Do issues reqs as one grouped call. Either every reply is returned
	// (len(replies) == len(reqs), same order) or a single error.
	Do(ctx context.Context, reqs []Request) ([]Reply, error)

	// Apply runs the conditional apply described by Decide as one atomic unit
	// and reports what it decided, including the index matches it saw.
	Apply(ctx context.Context, in Intent) (Decision, error)

	// Watch runs fn under an optimistic lock on the index. fn may extend the
	// watched set with Tx.WatchRecord and must finish with Tx.Commit to write.
	// Returns ErrTxAborted when a watched key changed underneath.
	Watch(ctx context.Context, fn func(tx Tx) error) error

	Close(ctx context.Context) error
}

// Tx is the client side of one optimistic-lock attempt.
type Tx interface {
	LookupIndex(ctx context.Context, value int64) ([]string, error)
	// WatchRecord registers a dependency on the record key of id.
	WatchRecord(ctx context.Context, id string) error
	ReadRecord(ctx context.Context, id string) (map[string]string, error)
	// Commit writes w if nothing watched has changed, else ErrTxAborted.
	Commit(ctx context.Context, w Write) error
}

// ParseVersion reads the version counter of a stored record.
// A record without the field is version 0.
func ParseVersion(fields map[string]string) (uint64, error) {
	s, ok := fields[FieldVersion]
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("idxcas: bad version %q: %w", s, err)
	}
	return v, nil
}

// StoredFields returns the storage representation of a committed record:
// the proposed fields plus the version counter and the index field.
func StoredFields(indexField string, w Write) map[string]string {
	out := make(map[string]string, len(w.Fields)+2)
	for k, v := range w.Fields {
		out[k] = v
	}
	out[FieldVersion] = strconv.FormatUint(w.Version, 10)
	out[indexField] = strconv.FormatInt(w.IndexValue, 10)
	return out
}
