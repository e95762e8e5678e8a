// Package badger implements backend.Backend on an embedded badger database.
//
// Badger transactions are serializable snapshot isolated: every key read
// inside an update transaction is tracked, and Commit fails with
// badger.ErrConflict when one of them was written by a transaction that
// committed after ours started. That single primitive serves both protocols:
//
//   - Apply runs lookup, validation and write in one db.Update. A conflict
//     means another writer interleaved, so the unit is re-run from scratch.
//   - Watch hands the open transaction to the caller; its reads are the
//     watched set and Commit reports a conflict as backend.ErrTxAborted.
//
// Index entries are one key per value, so a concurrent create of the same
// value always touches a key both transactions read.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/unkn0wn-root/idxcas/backend"
	"github.com/unkn0wn-root/idxcas/codec"
	"github.com/unkn0wn-root/idxcas/internal/keys"
)

const (
	defaultIndexField   = "acc_id"
	defaultApplyRetries = 16
)

// Logger matches idxcas.Logger so the store's logger can be passed through.
type Logger interface {
	Debug(msg string, f map[string]any)
	Info(msg string, f map[string]any)
	Warn(msg string, f map[string]any)
	Error(msg string, f map[string]any)
}

type Config struct {
	// DB is used when set and left open on Close. Otherwise a database is
	// opened from Path/InMemory and owned by the backend.
	DB *badger.DB

	Path       string
	InMemory   bool
	SyncWrites bool

	Namespace  string // required
	IndexField string // default "acc_id"

	// ApplyRetries bounds how often one Apply is re-run after an SSI
	// conflict before it reports backend.ResultAborted. 0 => 16.
	ApplyRetries int

	Logger Logger // nil disables logging, including badger's own
}

type Backend struct {
	db      *badger.DB
	owned   bool
	keys    keys.Layout
	codec   codec.Msgpack[map[string]string]
	log     Logger
	retries int
}

var _ backend.Backend = (*Backend)(nil)

func Open(cfg Config) (*Backend, error) {
	if cfg.Namespace == "" {
		return nil, errors.New("badger backend: namespace is required")
	}
	field := cfg.IndexField
	if field == "" {
		field = defaultIndexField
	}
	b := &Backend{
		db:      cfg.DB,
		keys:    keys.New(cfg.Namespace, field),
		log:     cfg.Logger,
		retries: cfg.ApplyRetries,
	}
	if b.log == nil {
		b.log = nopLogger{}
	}
	if b.retries <= 0 {
		b.retries = defaultApplyRetries
	}
	if b.db != nil {
		return b, nil
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger backend: path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	b.db, b.owned = db, true
	return b, nil
}

func (b *Backend) Namespace() string  { return b.keys.Namespace() }
func (b *Backend) IndexField() string { return b.keys.IndexField() }

// CheckIndexValue accepts every int64: index keys are fixed-width encodings.
func (b *Backend) CheckIndexValue(int64) error { return nil }

func (b *Backend) LookupIndex(ctx context.Context, value int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		ids, err = b.lookup(txn, value)
		return err
	})
	return ids, backend.Unavailable(err)
}

func (b *Backend) ReadRecord(ctx context.Context, id string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var fields map[string]string
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		fields, err = b.read(txn, id)
		return err
	})
	return fields, backend.Unavailable(err)
}

// Do answers every request from one read transaction, so a batch sees a
// single consistent snapshot.
func (b *Backend) Do(ctx context.Context, reqs []backend.Request) ([]backend.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]backend.Reply, len(reqs))
	err := b.db.View(func(txn *badger.Txn) error {
		for i, r := range reqs {
			switch r.Op {
			case backend.OpReadRecord:
				f, err := b.read(txn, r.ID)
				if err != nil {
					return err
				}
				out[i].Fields = f
			case backend.OpLookupIndex:
				ids, err := b.lookup(txn, r.Value)
				if err != nil {
					return err
				}
				out[i].IDs = ids
			default:
				return fmt.Errorf("badger backend: unknown op %v", r.Op)
			}
		}
		return nil
	})
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	return out, nil
}

func (b *Backend) Apply(ctx context.Context, in backend.Intent) (backend.Decision, error) {
	for attempt := 1; attempt <= b.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return backend.Decision{}, err
		}
		var d backend.Decision
		err := b.db.Update(func(txn *badger.Txn) error {
			ids, err := b.lookup(txn, in.IndexValue)
			if err != nil {
				return err
			}
			d, err = backend.Decide(ids, in, func(id string) (uint64, error) {
				f, err := b.read(txn, id)
				if err != nil {
					return 0, err
				}
				return backend.ParseVersion(f)
			})
			if err != nil || d.Result != backend.ResultCommitted {
				return err
			}
			return b.write(txn, backend.Write{
				ID:         in.ID,
				IndexValue: in.IndexValue,
				Version:    d.Version,
				Fields:     in.Fields,
				Create:     d.Create,
			})
		})
		if errors.Is(err, badger.ErrConflict) {
			b.log.Debug("apply re-run after ssi conflict", map[string]any{"value": in.IndexValue, "attempt": attempt})
			continue
		}
		if err != nil {
			return backend.Decision{}, backend.Unavailable(err)
		}
		return d, nil
	}
	return backend.Decision{Result: backend.ResultAborted}, nil
}

func (b *Backend) Watch(ctx context.Context, fn func(tx backend.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := b.db.NewTransaction(true)
	defer txn.Discard()
	return fn(&watchTx{b: b, txn: txn})
}

func (b *Backend) Close(context.Context) error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) lookup(txn *badger.Txn, value int64) ([]string, error) {
	item, err := txn.Get(b.keys.IndexEntry(value))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return []string{string(id)}, nil
}

func (b *Backend) read(txn *badger.Txn, id string) (map[string]string, error) {
	item, err := txn.Get(b.keys.RecordEntry(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	f, err := b.codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("badger backend: decode record %s: %w", id, err)
	}
	return f, nil
}

// write overwrites the whole record and, on create, inserts the index entry.
func (b *Backend) write(txn *badger.Txn, w backend.Write) error {
	raw, err := b.codec.Encode(backend.StoredFields(b.keys.IndexField(), w))
	if err != nil {
		return err
	}
	if err := txn.Set(b.keys.RecordEntry(w.ID), raw); err != nil {
		return err
	}
	if w.Create {
		return txn.Set(b.keys.IndexEntry(w.IndexValue), []byte(w.ID))
	}
	return nil
}

type watchTx struct {
	b   *Backend
	txn *badger.Txn
}

func (t *watchTx) LookupIndex(ctx context.Context, value int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := t.b.lookup(t.txn, value)
	return ids, backend.Unavailable(err)
}

// WatchRecord is a no-op: the following ReadRecord puts the key in the
// transaction's read set, which is what badger checks on commit.
func (t *watchTx) WatchRecord(ctx context.Context, _ string) error { return ctx.Err() }

func (t *watchTx) ReadRecord(ctx context.Context, id string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := t.b.read(t.txn, id)
	return f, backend.Unavailable(err)
}

func (t *watchTx) Commit(ctx context.Context, w backend.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.b.write(t.txn, w); err != nil {
		return backend.Unavailable(err)
	}
	err := t.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return backend.ErrTxAborted
	}
	return backend.Unavailable(err)
}

type badgerLogger struct{ l Logger }

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.l.Error(fmt.Sprintf(format, args...), nil)
}
func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.l.Warn(fmt.Sprintf(format, args...), nil)
}

// badger logs every level-compaction at info; keep that out of the app's info stream.
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.l.Debug(fmt.Sprintf(format, args...), nil)
}
func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.l.Debug(fmt.Sprintf(format, args...), nil)
}

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]any) {}
func (nopLogger) Info(string, map[string]any)  {}
func (nopLogger) Warn(string, map[string]any)  {}
func (nopLogger) Error(string, map[string]any) {}
