// Package codec turns values into bytes for the cache proxy and the backends.
//
// Msgpack is the default everywhere: it is what the redis CAS script decodes
// with cmsgpack, and it is compact for cached replies. CBOR and JSON are
// alternatives for cached replies only.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
