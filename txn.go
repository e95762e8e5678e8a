package idxcas

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/idxcas/backend"
)

// upsert states. Every path back to reading goes through conflict, which is
// the only place the attempt budget is checked.
type state uint8

const (
	stateReading state = iota
	stateCommitting
	stateConflict
	stateSucceeded
	stateExhausted
)

func newRecordID() string { return uuid.NewString() }

func (s *store) Upsert(ctx context.Context, value int64, fn MutateFunc) (*Record, error) {
	if fn == nil {
		return nil, errors.New("idxcas: nil MutateFunc")
	}
	if err := s.be.CheckIndexValue(value); err != nil {
		return nil, err
	}
	var (
		st       = stateReading
		fresh    bool // reads after a conflict skip the cache
		attempts int
		last     backend.Result
		in       backend.Intent
		version  uint64
	)
	for {
		switch st {
		case stateReading:
			cur, owner, err := s.resolve(ctx, value, fresh)
			if err != nil {
				return nil, err
			}
			proposed, err := fn(cloneRecord(cur))
			if err != nil {
				return nil, err
			}
			fields, err := normalizeFields(s.indexField, proposed)
			if err != nil {
				return nil, err
			}
			in = backend.Intent{IndexValue: value, Fields: fields}
			switch {
			case cur != nil:
				in.ID, in.ExpectedVersion = cur.ID, cur.Version
			case owner != "":
				// index entry without a readable record yet; committing
				// as a create is rejected and forces a fresh read
				in.ID = owner
			default:
				in.ID = s.newID()
			}
			st = stateCommitting

		case stateCommitting:
			attempts++
			d, err := s.commit(ctx, in)
			if err != nil {
				return nil, err
			}
			last, version = d.Result, d.Version
			if d.Result == backend.ResultCommitted {
				st = stateSucceeded
			} else {
				st = stateConflict
			}

		case stateConflict:
			s.hooks.Conflict(value, last, attempts)
			s.log.Debug("upsert conflict", Fields{"value": value, "result": last.String(), "attempt": attempts})
			if attempts >= s.maxRetries {
				st = stateExhausted
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			fresh = true
			st = stateReading

		case stateSucceeded:
			return &Record{ID: in.ID, IndexValue: value, Version: version, Fields: in.Fields}, nil

		case stateExhausted:
			s.hooks.RetriesExhausted(value, attempts)
			s.log.Warn("upsert retries exhausted", Fields{"value": value, "attempts": attempts, "last": last.String()})
			return nil, &RetriesExhaustedError{IndexValue: value, Attempts: attempts, Last: last}
		}
	}
}

// commit runs one attempt under the configured protocol. Both report the
// index matches they saw, so a corrupt index surfaces the same way.
func (s *store) commit(ctx context.Context, in backend.Intent) (backend.Decision, error) {
	var (
		d   backend.Decision
		err error
	)
	if s.protocol == ProtocolWatch {
		d, err = s.commitWatch(ctx, in)
	} else {
		d, err = s.be.Apply(ctx, in)
	}
	if err != nil {
		return backend.Decision{}, err
	}
	if d.Matches > 1 {
		s.hooks.CorruptIndex(in.IndexValue, d.Matches)
	}
	return d, nil
}

// commitWatch validates under the backend's optimistic lock: the index is
// watched by Watch itself, the owner record once it is known.
func (s *store) commitWatch(ctx context.Context, in backend.Intent) (backend.Decision, error) {
	var d backend.Decision
	err := s.be.Watch(ctx, func(tx backend.Tx) error {
		ids, err := tx.LookupIndex(ctx, in.IndexValue)
		if err != nil {
			return err
		}
		d, err = backend.Decide(ids, in, func(id string) (uint64, error) {
			if err := tx.WatchRecord(ctx, id); err != nil {
				return 0, err
			}
			f, err := tx.ReadRecord(ctx, id)
			if err != nil {
				return 0, err
			}
			return backend.ParseVersion(f)
		})
		if err != nil || d.Result != backend.ResultCommitted {
			return err
		}
		return tx.Commit(ctx, backend.Write{
			ID:         in.ID,
			IndexValue: in.IndexValue,
			Version:    d.Version,
			Fields:     in.Fields,
			Create:     d.Create,
		})
	})
	if errors.Is(err, backend.ErrTxAborted) {
		return backend.Decision{Result: backend.ResultAborted, Matches: d.Matches}, nil
	}
	if err != nil {
		return backend.Decision{}, err
	}
	return d, nil
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	return &cp
}
