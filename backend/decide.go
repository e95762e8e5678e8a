package backend

import "strconv"

// Result is the normalized outcome of a conditional apply.
//
//	 1 committed
//	 0 version conflict
//	-1 index absent, caller expected an update
//	-2 index present, caller expected a create
//	-3 index points at another id than the caller carried (ABA)
//	-4 optimistic lock aborted by a concurrent write
type Result int64

const (
	ResultCommitted       Result = 1
	ResultVersionConflict Result = 0
	ResultIndexAbsent     Result = -1
	ResultIndexPresent    Result = -2
	ResultIndexStale      Result = -3
	ResultAborted         Result = -4
)

func (r Result) String() string {
	switch r {
	case ResultCommitted:
		return "committed"
	case ResultVersionConflict:
		return "version_conflict"
	case ResultIndexAbsent:
		return "index_absent_mismatch"
	case ResultIndexPresent:
		return "index_present_mismatch"
	case ResultIndexStale:
		return "index_stale_mismatch"
	case ResultAborted:
		return "aborted"
	default:
		return "result(" + strconv.FormatInt(int64(r), 10) + ")"
	}
}

// Known reports whether r is one of the defined codes.
func (r Result) Known() bool { return r >= ResultAborted && r <= ResultCommitted }

// IndexMismatch reports whether the index create/update state or owner id
// moved. The caller has to re-resolve the id before retrying.
func (r Result) IndexMismatch() bool {
	return r == ResultIndexAbsent || r == ResultIndexPresent || r == ResultIndexStale
}

// Retryable reports whether a fresh read followed by a new attempt may commit.
func (r Result) Retryable() bool { return r != ResultCommitted && r.Known() }

// Decision is what Decide concluded for one intent.
type Decision struct {
	Result  Result
	Version uint64 // version to write when Result == ResultCommitted
	Create  bool
	Matches int // index matches seen; > 1 means a corrupt index
}

// Decide is the validation table every conditional apply follows. ids is the
// index lookup for the intent's value (first match wins), current reads the
// stored version of the existing id.
//
// An expected version of 0 never writes to an existing record, and an
// existing owner must equal the id the caller carried, so an index that was
// recreated under another id between read and commit is rejected.
func Decide(ids []string, in Intent, current func(id string) (uint64, error)) (Decision, error) {
	d := Decision{Matches: len(ids)}
	if len(ids) == 0 {
		if in.ExpectedVersion != 0 {
			d.Result = ResultIndexAbsent
			return d, nil
		}
		d.Result, d.Version, d.Create = ResultCommitted, 1, true
		return d, nil
	}
	existing := ids[0]
	if in.ExpectedVersion == 0 {
		d.Result = ResultIndexPresent
		return d, nil
	}
	if existing != in.ID {
		d.Result = ResultIndexStale
		return d, nil
	}
	v, err := current(existing)
	if err != nil {
		return d, err
	}
	if v != in.ExpectedVersion {
		d.Result = ResultVersionConflict
		return d, nil
	}
	d.Result, d.Version = ResultCommitted, in.ExpectedVersion+1
	return d, nil
}
