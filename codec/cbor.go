package codec

import "github.com/fxamacker/cbor/v2"

// CBOR encodes cached replies as CBOR. backend.Reply tags its fields with
// small integer keys (keyasint), so a frame carries no field names and is
// close to the msgpack size. Construct with NewCBOR.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

// NewCBOR builds the codec. deterministic selects RFC 8949 core deterministic
// encoding: map keys are sorted, so equal replies encode to equal bytes.
//
// Replies never contain indefinite-length items or repeated keys, and nest
// at most two levels, so decoding refuses all three. A frame that fails those
// checks was not written by this codec and is dropped from the cache.
func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	eo.IndefLength = cbor.IndefLengthForbidden
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
