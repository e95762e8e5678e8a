package idxcas

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/idxcas/backend"
	bb "github.com/unkn0wn-root/idxcas/backend/badger"
	pr "github.com/unkn0wn-root/idxcas/provider"
	"github.com/unkn0wn-root/idxcas/provider/bigcache"
)

var protocols = []Protocol{ProtocolCAS, ProtocolWatch}

type countingHooks struct {
	NopHooks
	conflicts atomic.Int64
	exhausted atomic.Int64
	corrupt   atomic.Int64
}

func (h *countingHooks) Conflict(int64, backend.Result, int) { h.conflicts.Add(1) }
func (h *countingHooks) RetriesExhausted(int64, int)         { h.exhausted.Add(1) }
func (h *countingHooks) CorruptIndex(int64, int)             { h.corrupt.Add(1) }

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newTestStore opens a store over db. The backend does not own db, so several
// stores may share it.
func newTestStore(t *testing.T, db *badger.DB, mut func(*Options)) *store {
	t.Helper()
	be, err := bb.Open(bb.Config{DB: db, Namespace: "acct"})
	require.NoError(t, err)
	opts := Options{
		Backend:     be,
		BatchWindow: time.Millisecond,
	}
	if mut != nil {
		mut(&opts)
	}
	st, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st.(*store)
}

// incr bumps counter field "n".
func incr(cur *Record) (map[string]any, error) {
	n := 0
	if cur != nil {
		n, _ = strconv.Atoi(cur.Fields["n"])
	}
	return map[string]any{"n": n + 1}, nil
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	for _, p := range protocols {
		t.Run(p.String(), func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t, openDB(t), func(o *Options) {
				o.Protocol = p
				o.DisableCache = true
			})

			rec, err := st.Upsert(ctx, 42, func(cur *Record) (map[string]any, error) {
				if cur != nil {
					return nil, errors.New("unexpected existing record")
				}
				return map[string]any{"name": "ada", "age": 36, "score": 1.5}, nil
			})
			require.NoError(t, err)
			require.EqualValues(t, 1, rec.Version)
			require.EqualValues(t, 42, rec.IndexValue)
			require.Equal(t, map[string]string{"name": "ada", "age": "36", "score": "1.5"}, rec.Fields)
			require.NotEmpty(t, rec.ID)

			var seen *Record
			updated, err := st.Upsert(ctx, 42, func(cur *Record) (map[string]any, error) {
				seen = cur
				return map[string]any{"name": "grace"}, nil
			})
			require.NoError(t, err)
			require.NotNil(t, seen)
			require.Equal(t, rec.ID, seen.ID)
			require.Equal(t, rec.ID, updated.ID)
			require.EqualValues(t, 2, updated.Version)

			got, ok, err := st.GetByID(ctx, rec.ID)
			require.NoError(t, err)
			require.True(t, ok)
			require.EqualValues(t, 2, got.Version)
			require.Equal(t, map[string]string{"name": "grace"}, got.Fields, "update replaces the whole field set")
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, openDB(t), nil)

	_, ok, err := st.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = st.GetByID(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentUpsertsKeepOneRecordAndGapFreeVersions(t *testing.T) {
	for _, p := range protocols {
		t.Run(p.String(), func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t, openDB(t), func(o *Options) { o.Protocol = p })

			const n = 12
			versions := make([]uint64, n)
			ids := make([]string, n)
			var g errgroup.Group
			for i := 0; i < n; i++ {
				g.Go(func() error {
					rec, err := st.Upsert(ctx, 42, incr)
					if err != nil {
						return err
					}
					versions[i], ids[i] = rec.Version, rec.ID
					return nil
				})
			}
			require.NoError(t, g.Wait())

			seen := make(map[uint64]bool, n)
			for i := range versions {
				require.Equal(t, ids[0], ids[i], "every caller must land on the same record")
				require.False(t, seen[versions[i]], "version %d committed twice", versions[i])
				seen[versions[i]] = true
			}
			for v := uint64(1); v <= n; v++ {
				require.True(t, seen[v], "version %d missing", v)
			}

			owners, err := st.be.LookupIndex(ctx, 42)
			require.NoError(t, err)
			require.Len(t, owners, 1)

			rec, _, err := st.resolve(ctx, 42, true)
			require.NoError(t, err)
			require.NotNil(t, rec)
			require.EqualValues(t, n, rec.Version)
			require.Equal(t, strconv.Itoa(n), rec.Fields["n"], "no update may be lost")
		})
	}
}

func TestCreateRaceSecondCallerBecomesUpdate(t *testing.T) {
	for _, p := range protocols {
		t.Run(p.String(), func(t *testing.T) {
			ctx := context.Background()
			h := &countingHooks{}
			st := newTestStore(t, openDB(t), func(o *Options) {
				o.Protocol = p
				o.Hooks = h
			})

			// both callers read "absent" before either commits
			var ready, release = make(chan struct{}, 2), make(chan struct{})
			var calls atomic.Int64
			racer := func(cur *Record) (map[string]any, error) {
				if calls.Add(1) <= 2 {
					ready <- struct{}{}
					<-release
				}
				return incr(cur)
			}
			var g errgroup.Group
			var a, b *Record
			g.Go(func() (err error) { a, err = st.Upsert(ctx, 42, racer); return })
			g.Go(func() (err error) { b, err = st.Upsert(ctx, 42, racer); return })
			<-ready
			<-ready
			close(release)
			require.NoError(t, g.Wait())

			require.Equal(t, a.ID, b.ID)
			require.ElementsMatch(t, []uint64{1, 2}, []uint64{a.Version, b.Version})
			require.GreaterOrEqual(t, h.conflicts.Load(), int64(1))
		})
	}
}

func TestStaleIDIsRejected(t *testing.T) {
	for _, p := range protocols {
		t.Run(p.String(), func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t, openDB(t), func(o *Options) { o.Protocol = p })

			rec, err := st.Upsert(ctx, 7, incr)
			require.NoError(t, err)

			// a caller still carrying an id the index no longer points at
			res, err := st.commit(ctx, backend.Intent{IndexValue: 7, ID: "previous-owner", ExpectedVersion: 1, Fields: map[string]string{}})
			require.NoError(t, err)
			require.Equal(t, backend.ResultIndexStale, res.Result)

			got, _, err := st.GetByID(ctx, rec.ID)
			require.NoError(t, err)
			require.EqualValues(t, 1, got.Version, "owner record must be untouched")
		})
	}
}

func TestVersionConflictOnStaleExpectedVersion(t *testing.T) {
	for _, p := range protocols {
		t.Run(p.String(), func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t, openDB(t), func(o *Options) { o.Protocol = p })

			var rec *Record
			var err error
			for i := 0; i < 3; i++ {
				rec, err = st.Upsert(ctx, 9, incr)
				require.NoError(t, err)
			}
			require.EqualValues(t, 3, rec.Version)

			_, err = st.Upsert(ctx, 9, incr) // the concurrent writer, now at 4
			require.NoError(t, err)

			res, err := st.commit(ctx, backend.Intent{IndexValue: 9, ID: rec.ID, ExpectedVersion: 3, Fields: map[string]string{"n": "4"}})
			require.NoError(t, err)
			require.Equal(t, backend.ResultVersionConflict, res.Result)
			require.EqualValues(t, 0, res.Result)
		})
	}
}

func TestRetriesAreBounded(t *testing.T) {
	for _, p := range protocols {
		t.Run(p.String(), func(t *testing.T) {
			ctx := context.Background()
			h := &countingHooks{}
			st := newTestStore(t, openDB(t), func(o *Options) {
				o.Protocol = p
				o.MaxRetries = 3
				o.DisableCache = true
				o.Hooks = h
			})
			_, err := st.Upsert(ctx, 5, incr)
			require.NoError(t, err)

			// every attempt is overtaken by another writer before it commits
			var runs atomic.Int64
			_, err = st.Upsert(ctx, 5, func(cur *Record) (map[string]any, error) {
				runs.Add(1)
				if _, err := st.Upsert(ctx, 5, incr); err != nil {
					return nil, err
				}
				return incr(cur)
			})

			var re *RetriesExhaustedError
			require.ErrorAs(t, err, &re)
			require.ErrorIs(t, err, ErrRetriesExhausted)
			require.Equal(t, 3, re.Attempts)
			require.True(t, re.Last.Retryable())
			require.EqualValues(t, 3, runs.Load())
			require.EqualValues(t, 1, h.exhausted.Load())
			require.EqualValues(t, 3, h.conflicts.Load())
		})
	}
}

func TestRetryAfterContentionEnds(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, openDB(t), func(o *Options) { o.DisableCache = true })
	_, err := st.Upsert(ctx, 5, incr)
	require.NoError(t, err)

	var runs atomic.Int64
	rec, err := st.Upsert(ctx, 5, func(cur *Record) (map[string]any, error) {
		if runs.Add(1) <= 2 {
			if _, err := st.Upsert(ctx, 5, incr); err != nil {
				return nil, err
			}
		}
		return incr(cur)
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, runs.Load())
	require.EqualValues(t, 4, rec.Version)
	require.Equal(t, "4", rec.Fields["n"])
}

func TestStaleCacheCostsARetryNotAnUpdate(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	long := func(o *Options) { o.CacheTTL = time.Minute }
	a := newTestStore(t, db, long)
	b := newTestStore(t, db, long)

	_, err := b.Upsert(ctx, 3, incr)
	require.NoError(t, err)
	_, ok, err := a.Get(ctx, 3) // warm a's cache at version 1
	require.NoError(t, err)
	require.True(t, ok)

	_, err = b.Upsert(ctx, 3, incr)
	require.NoError(t, err)

	cached, _, err := a.Get(ctx, 3)
	require.NoError(t, err)
	require.EqualValues(t, 1, cached.Version, "a still reads its cached copy")

	rec, err := a.Upsert(ctx, 3, incr)
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.Version)
	require.Equal(t, "3", rec.Fields["n"])
}

func TestUpsertRejectsBadFields(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, openDB(t), nil)

	cases := []struct {
		fields map[string]any
		want   error
	}{
		{map[string]any{"version": 9}, ErrReservedField},
		{map[string]any{"acc_id": 1}, ErrReservedField},
		{map[string]any{"tags": []string{"a"}}, ErrInvalidField},
		{map[string]any{"ok": true}, ErrInvalidField},
	}
	for _, tc := range cases {
		_, err := st.Upsert(ctx, 1, func(*Record) (map[string]any, error) { return tc.fields, nil })
		require.ErrorIs(t, err, tc.want)
		var fe *FieldError
		require.ErrorAs(t, err, &fe)
	}

	boom := errors.New("boom")
	_, err := st.Upsert(ctx, 1, func(*Record) (map[string]any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	_, ok, err := st.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok, "nothing may be written")
}

type unavailableReads struct {
	backend.Backend
}

func (unavailableReads) Do(context.Context, []backend.Request) ([]backend.Reply, error) {
	return nil, backend.Unavailable(errors.New("dial tcp: connection refused"))
}

func TestBackendFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := &countingHooks{}
	be, err := bb.Open(bb.Config{DB: openDB(t), Namespace: "acct"})
	require.NoError(t, err)
	st, err := New(Options{Backend: unavailableReads{be}, Hooks: h, BatchWindow: time.Millisecond})
	require.NoError(t, err)
	defer st.Close(ctx)

	_, err = st.Upsert(ctx, 1, incr)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.Zero(t, h.conflicts.Load())
}

type unnamed struct {
	backend.Backend
}

func (unnamed) Namespace() string { return "" }

func TestNewValidatesOptions(t *testing.T) {
	be, err := bb.Open(bb.Config{DB: openDB(t), Namespace: "acct"})
	require.NoError(t, err)

	_, err = New(Options{})
	require.Error(t, err)
	_, err = New(Options{Backend: unnamed{be}})
	require.Error(t, err)
	_, err = New(Options{Backend: be, Protocol: Protocol(9)})
	require.Error(t, err)
	_, err = New(Options{Backend: be, MaxRetries: -1})
	require.Error(t, err)
}

func TestClosedStoreRejectsReads(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, openDB(t), nil)
	require.NoError(t, st.Close(ctx))

	_, _, err := st.Get(ctx, 1)
	require.ErrorIs(t, err, ErrClosed)
}

var errNarrowRange = errors.New("index value out of range")

// narrowIndex only stores values within ±2^20 and, like a pipelined redis
// call, fails a whole grouped read that carries one it cannot store.
type narrowIndex struct {
	backend.Backend
}

func (narrowIndex) CheckIndexValue(v int64) error {
	if v > 1<<20 || v < -(1<<20) {
		return errNarrowRange
	}
	return nil
}

func (n narrowIndex) Do(ctx context.Context, reqs []backend.Request) ([]backend.Reply, error) {
	for _, r := range reqs {
		if r.Op != backend.OpLookupIndex {
			continue
		}
		if err := n.CheckIndexValue(r.Value); err != nil {
			return nil, err
		}
	}
	return n.Backend.Do(ctx, reqs)
}

func TestOutOfRangeValueDoesNotFailOtherReads(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seeded, err := newTestStore(t, db, nil).Upsert(ctx, 3, incr)
	require.NoError(t, err)

	be, err := bb.Open(bb.Config{DB: db, Namespace: "acct"})
	require.NoError(t, err)
	st, err := New(Options{Backend: narrowIndex{be}, BatchWindow: 50 * time.Millisecond, DisableCache: true})
	require.NoError(t, err)
	defer st.Close(ctx)

	var (
		g     errgroup.Group
		got   *Record
		found bool
	)
	g.Go(func() error {
		var err error
		got, found, err = st.GetByID(ctx, seeded.ID)
		return err
	})
	g.Go(func() error {
		if _, _, err := st.Get(ctx, 1<<60); !errors.Is(err, errNarrowRange) {
			return fmt.Errorf("Get(1<<60) = %v, want %v", err, errNarrowRange)
		}
		return nil
	})
	require.NoError(t, g.Wait())
	require.True(t, found)
	require.Equal(t, seeded.Version, got.Version)

	_, err = st.Upsert(ctx, 1<<60, func(*Record) (map[string]any, error) {
		t.Error("mutate called for a value the backend cannot store")
		return nil, nil
	})
	require.ErrorIs(t, err, errNarrowRange)
}

// doubleOwner reports a second index owner on every conditional apply.
type doubleOwner struct {
	backend.Backend
}

func (d doubleOwner) Apply(ctx context.Context, in backend.Intent) (backend.Decision, error) {
	dec, err := d.Backend.Apply(ctx, in)
	dec.Matches = 2
	return dec, err
}

func TestCorruptIndexSeenByApplyIsReported(t *testing.T) {
	ctx := context.Background()
	h := &countingHooks{}
	be, err := bb.Open(bb.Config{DB: openDB(t), Namespace: "acct"})
	require.NoError(t, err)
	st, err := New(Options{Backend: doubleOwner{be}, Protocol: ProtocolCAS, Hooks: h, BatchWindow: time.Millisecond})
	require.NoError(t, err)
	defer st.Close(ctx)

	rec, err := st.Upsert(ctx, 8, incr)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Version)
	require.EqualValues(t, 1, h.corrupt.Load())
}

// sharedCache leaves closing to the test so several stores can use it.
type sharedCache struct {
	pr.Provider
}

func (sharedCache) Close(context.Context) error { return nil }

func TestCacheIsScopedByBackendNamespace(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	cache, err := bigcache.New(bigcache.Config{LifeWindow: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close(ctx) })

	open := func(ns string) Store {
		be, err := bb.Open(bb.Config{DB: db, Namespace: ns})
		require.NoError(t, err)
		st, err := New(Options{Backend: be, CacheProvider: sharedCache{cache}, CacheTTL: time.Minute, BatchWindow: time.Millisecond})
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close(ctx) })
		return st
	}
	acct, billing := open("acct"), open("billing")

	created, err := acct.Upsert(ctx, 1, func(*Record) (map[string]any, error) {
		return map[string]any{"owner": "acct"}, nil
	})
	require.NoError(t, err)
	got, ok, err := acct.Get(ctx, 1) // cached under acct
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, created.ID, got.ID)

	_, ok, err = billing.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok, "billing must not see acct's cached reply")
	_, ok, err = billing.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, ok)
}
