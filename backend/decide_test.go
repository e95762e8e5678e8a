package backend

import (
	"errors"
	"testing"
)

func TestDecideTable(t *testing.T) {
	stored := func(v uint64) func(string) (uint64, error) {
		return func(string) (uint64, error) { return v, nil }
	}
	cases := []struct {
		name    string
		ids     []string
		in      Intent
		current uint64
		want    Result
		version uint64
		create  bool
	}{
		{"create on empty index", nil, Intent{ID: "a"}, 0, ResultCommitted, 1, true},
		{"update on empty index", nil, Intent{ID: "a", ExpectedVersion: 3}, 0, ResultIndexAbsent, 0, false},
		{"create on present index", []string{"a"}, Intent{ID: "b"}, 1, ResultIndexPresent, 0, false},
		{"create with same id", []string{"a"}, Intent{ID: "a"}, 1, ResultIndexPresent, 0, false},
		{"stale owner", []string{"b"}, Intent{ID: "a", ExpectedVersion: 1}, 1, ResultIndexStale, 0, false},
		{"version moved", []string{"a"}, Intent{ID: "a", ExpectedVersion: 3}, 4, ResultVersionConflict, 0, false},
		{"update", []string{"a"}, Intent{ID: "a", ExpectedVersion: 3}, 3, ResultCommitted, 4, false},
		{"first match wins", []string{"a", "b"}, Intent{ID: "a", ExpectedVersion: 2}, 2, ResultCommitted, 3, false},
	}
	for _, tc := range cases {
		d, err := Decide(tc.ids, tc.in, stored(tc.current))
		if err != nil {
			t.Fatalf("%s: unexpected err %v", tc.name, err)
		}
		if d.Result != tc.want || d.Version != tc.version || d.Create != tc.create {
			t.Fatalf("%s: got %+v want result=%v version=%d create=%v", tc.name, d, tc.want, tc.version, tc.create)
		}
		if d.Matches != len(tc.ids) {
			t.Fatalf("%s: matches=%d want %d", tc.name, d.Matches, len(tc.ids))
		}
	}
}

func TestDecideReadErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	_, err := Decide([]string{"a"}, Intent{ID: "a", ExpectedVersion: 1}, func(string) (uint64, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
}

func TestResultClassification(t *testing.T) {
	if ResultCommitted.Retryable() {
		t.Fatalf("committed must not be retryable")
	}
	for _, r := range []Result{ResultVersionConflict, ResultIndexAbsent, ResultIndexPresent, ResultIndexStale, ResultAborted} {
		if !r.Retryable() {
			t.Fatalf("%v should be retryable", r)
		}
	}
	if Result(7).Retryable() || Result(7).Known() {
		t.Fatalf("unknown code classified as known")
	}
	if !ResultIndexStale.IndexMismatch() || ResultVersionConflict.IndexMismatch() {
		t.Fatalf("index mismatch classification wrong")
	}
}

func TestParseVersion(t *testing.T) {
	if v, err := ParseVersion(map[string]string{}); err != nil || v != 0 {
		t.Fatalf("missing version: v=%d err=%v", v, err)
	}
	if v, err := ParseVersion(map[string]string{FieldVersion: "12"}); err != nil || v != 12 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if _, err := ParseVersion(map[string]string{FieldVersion: "x"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestUnavailableWrapsOnce(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := Unavailable(Unavailable(base))
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, base) {
		t.Fatalf("wrap lost identity: %v", err)
	}
	if Unavailable(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
