// Package keys owns the namespaced key layout shared by every backend and
// the cache proxy.
//
//	{<ns>}:idx:<field>  - redis sorted set, score = index value, member = id
//	{<ns>}:rec:<id>     - redis hash holding one record
//	<ns>/idx/<field>/   - badger index prefix, followed by 8 order-preserving bytes
//	<ns>/rec/<id>       - badger record key
//	cache:<ns>:...      - proxy cache entries (see Signature)
//
// The braces are a redis cluster hash tag so the index and every record of a
// namespace land in one slot and can be touched by one script.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

// Layout builds keys for one namespace and index field.
type Layout struct {
	ns    string
	field string
}

func New(namespace, indexField string) Layout {
	return Layout{ns: namespace, field: indexField}
}

func (l Layout) Namespace() string  { return l.ns }
func (l Layout) IndexField() string { return l.field }

// Index is the redis sorted-set key of the unique index.
func (l Layout) Index() string { return "{" + l.ns + "}:idx:" + l.field }

// Record is the redis hash key of id.
func (l Layout) Record(id string) string { return "{" + l.ns + "}:rec:" + id }

// IndexEntry is the badger key of one index value.
func (l Layout) IndexEntry(value int64) []byte {
	p := l.indexPrefix()
	out := make([]byte, len(p)+8)
	copy(out, p)
	binary.BigEndian.PutUint64(out[len(p):], uint64(value)^(1<<63))
	return out
}

func (l Layout) indexPrefix() string { return l.ns + "/idx/" + l.field + "/" }

// RecordEntry is the badger key of id.
func (l Layout) RecordEntry(id string) []byte { return []byte(l.ns + "/rec/" + id) }

// Signature normalizes a read request into a cache key:
// command + target key + sorted parameters. Parameters collapse to a short
// hash so the key length stays bounded.
func (l Layout) Signature(cmd, target string, params ...string) string {
	var b strings.Builder
	b.WriteString("cache:")
	b.WriteString(l.ns)
	b.WriteByte(':')
	b.WriteString(cmd)
	b.WriteByte(':')
	b.WriteString(target)
	if len(params) == 0 {
		return b.String()
	}
	s := make([]string, len(params))
	copy(s, params)
	sort.Strings(s)
	sum := sha256.Sum256([]byte(strings.Join(s, ",")))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(sum[:8])) // first 16 hex chars
	return b.String()
}
