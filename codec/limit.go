package codec

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned by LimitCodec.Decode for payloads over MaxDecode.
var ErrTooLarge = errors.New("codec: payload over size limit")

// LimitCodec caps the size of a cached reply the proxy is willing to decode.
// A shared provider (redis) may hold frames written by a process with a
// larger limit or none at all; those fail with ErrTooLarge and are fetched
// from the backend again. Encode is not limited.
type LimitCodec[V any] struct {
	Inner     Codec[V] // required
	MaxDecode int      // bytes; <= 0 disables the limit
}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
