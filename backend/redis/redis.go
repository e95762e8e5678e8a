// Package redis implements backend.Backend on redis.
//
// Layout (see internal/keys):
//
//	{<ns>}:idx:<field>  sorted set, score = index value, member = record id
//	{<ns>}:rec:<id>     hash with the record fields, "version" and <field>
//
// Apply is one Lua script (EVALSHA, falling back to EVAL). Watch uses
// WATCH/MULTI/EXEC. Grouped reads are pipelined.
//
// Sorted-set scores are doubles, so index values must stay within ±2^53.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/idxcas/backend"
	"github.com/unkn0wn-root/idxcas/codec"
	"github.com/unkn0wn-root/idxcas/internal/keys"
)

const maxExactScore = 1 << 53

var (
	ErrNilClient   = errors.New("redis backend: nil client")
	ErrScoreRange  = errors.New("redis backend: index value outside ±2^53")
	errUnknownCode = errors.New("redis backend: unknown script result")
)

// Logger matches idxcas.Logger.
type Logger interface {
	Debug(msg string, f map[string]any)
	Warn(msg string, f map[string]any)
}

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this backend exclusively owns the client

	Namespace  string // required
	IndexField string // default "acc_id"

	Logger Logger
}

type Backend struct {
	rdb         goredis.UniversalClient
	closeClient bool
	keys        keys.Layout
	codec       codec.Msgpack[map[string]string]
	log         Logger
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Namespace == "" {
		return nil, errors.New("redis backend: namespace is required")
	}
	field := cfg.IndexField
	if field == "" {
		field = "acc_id"
	}
	b := &Backend{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		keys:        keys.New(cfg.Namespace, field),
		log:         cfg.Logger,
	}
	if b.log == nil {
		b.log = nopLogger{}
	}
	return b, nil
}

func (b *Backend) Namespace() string  { return b.keys.Namespace() }
func (b *Backend) IndexField() string { return b.keys.IndexField() }

// CheckIndexValue rejects values a sorted-set score cannot hold exactly.
func (b *Backend) CheckIndexValue(value int64) error { return checkScore(value) }

func (b *Backend) LookupIndex(ctx context.Context, value int64) ([]string, error) {
	if err := checkScore(value); err != nil {
		return nil, err
	}
	ids, err := b.rdb.ZRangeByScore(ctx, b.keys.Index(), scoreRange(value)).Result()
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	return ids, nil
}

func (b *Backend) ReadRecord(ctx context.Context, id string) (map[string]string, error) {
	f, err := b.rdb.HGetAll(ctx, b.keys.Record(id)).Result()
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	return f, nil
}

// Do pipelines every request into one round trip. Any command error fails
// the whole group, so callers sharing a group check their index values with
// CheckIndexValue first.
func (b *Backend) Do(ctx context.Context, reqs []backend.Request) ([]backend.Reply, error) {
	for _, r := range reqs {
		switch r.Op {
		case backend.OpReadRecord:
		case backend.OpLookupIndex:
			if err := checkScore(r.Value); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("redis backend: unknown op %v", r.Op)
		}
	}

	cmds := make([]goredis.Cmder, len(reqs))
	_, err := b.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, r := range reqs {
			if r.Op == backend.OpReadRecord {
				cmds[i] = p.HGetAll(ctx, b.keys.Record(r.ID))
			} else {
				cmds[i] = p.ZRangeByScore(ctx, b.keys.Index(), scoreRange(r.Value))
			}
		}
		return nil
	})
	if err != nil {
		return nil, backend.Unavailable(err)
	}

	out := make([]backend.Reply, len(reqs))
	for i, c := range cmds {
		switch c := c.(type) {
		case *goredis.MapStringStringCmd:
			out[i].Fields = c.Val()
		case *goredis.StringSliceCmd:
			out[i].IDs = c.Val()
		}
	}
	return out, nil
}

func (b *Backend) Apply(ctx context.Context, in backend.Intent) (backend.Decision, error) {
	if err := checkScore(in.IndexValue); err != nil {
		return backend.Decision{}, err
	}
	ks, args, err := b.applyArgs(in)
	if err != nil {
		return backend.Decision{}, err
	}
	res, err := applyScript.Run(ctx, b.rdb, ks, args...).Int64Slice()
	if err != nil {
		return backend.Decision{}, backend.Unavailable(err)
	}
	d, err := decodeApply(res)
	if err != nil {
		return backend.Decision{}, err
	}
	if d.Matches > 1 {
		b.log.Warn("corrupt index: several owners for one value", map[string]any{
			"index": b.keys.Index(), "value": in.IndexValue, "matches": d.Matches,
		})
	}
	return d, nil
}

// applyArgs lays out KEYS and ARGV for applySrc.
func (b *Backend) applyArgs(in backend.Intent) ([]string, []interface{}, error) {
	fields := in.Fields
	if fields == nil {
		fields = map[string]string{} // msgpack nil would unpack to nil in lua
	}
	payload, err := b.codec.Encode(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("redis backend: encode payload: %w", err)
	}
	ks := []string{b.keys.Index(), b.keys.Record(in.ID)}
	return ks, []interface{}{in.IndexValue, in.ID, in.ExpectedVersion, payload, b.keys.IndexField()}, nil
}

// decodeApply reads the script's {code, matches, version, created} reply.
func decodeApply(res []int64) (backend.Decision, error) {
	if len(res) != 4 {
		return backend.Decision{}, fmt.Errorf("%w: %v", errUnknownCode, res)
	}
	d := backend.Decision{Result: backend.Result(res[0]), Matches: int(res[1])}
	if !d.Result.Known() {
		return backend.Decision{}, fmt.Errorf("%w: %d", errUnknownCode, res[0])
	}
	if d.Result == backend.ResultCommitted {
		d.Version, d.Create = uint64(res[2]), res[3] == 1
	}
	return d, nil
}

func (b *Backend) Watch(ctx context.Context, fn func(tx backend.Tx) error) error {
	err := b.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		return fn(&watchTx{b: b, tx: tx})
	}, b.keys.Index())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr), errors.Is(err, backend.ErrTxAborted):
		return backend.ErrTxAborted
	default:
		return backend.Unavailable(err)
	}
}

// Close releases the underlying redis client only when this backend owns it.
func (b *Backend) Close(context.Context) error {
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

type watchTx struct {
	b  *Backend
	tx *goredis.Tx
}

func (t *watchTx) LookupIndex(ctx context.Context, value int64) ([]string, error) {
	if err := checkScore(value); err != nil {
		return nil, err
	}
	ids, err := t.tx.ZRangeByScore(ctx, t.b.keys.Index(), scoreRange(value)).Result()
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	return ids, nil
}

func (t *watchTx) WatchRecord(ctx context.Context, id string) error {
	return backend.Unavailable(t.tx.Watch(ctx, t.b.keys.Record(id)).Err())
}

func (t *watchTx) ReadRecord(ctx context.Context, id string) (map[string]string, error) {
	f, err := t.tx.HGetAll(ctx, t.b.keys.Record(id)).Result()
	if err != nil {
		return nil, backend.Unavailable(err)
	}
	return f, nil
}

// Commit queues the overwrite in MULTI/EXEC. EXEC returns nil (TxFailedErr)
// when any watched key changed.
func (t *watchTx) Commit(ctx context.Context, w backend.Write) error {
	rec := t.b.keys.Record(w.ID)
	stored := backend.StoredFields(t.b.keys.IndexField(), w)
	args := make([]interface{}, 0, 2*len(stored))
	for k, v := range stored {
		args = append(args, k, v)
	}
	_, err := t.tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, rec)
		p.HSet(ctx, rec, args...)
		if w.Create {
			p.ZAdd(ctx, t.b.keys.Index(), goredis.Z{Score: float64(w.IndexValue), Member: w.ID})
		}
		return nil
	})
	if errors.Is(err, goredis.TxFailedErr) {
		return backend.ErrTxAborted
	}
	return backend.Unavailable(err)
}

func scoreRange(value int64) *goredis.ZRangeBy {
	s := strconv.FormatInt(value, 10)
	return &goredis.ZRangeBy{Min: s, Max: s}
}

func checkScore(value int64) error {
	if value > maxExactScore || value < -maxExactScore {
		return fmt.Errorf("%w: %d", ErrScoreRange, value)
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]any) {}
func (nopLogger) Warn(string, map[string]any)  {}
