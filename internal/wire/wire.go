package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version byte = 1
	hdrLen       = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("idxcas: corrupt cache entry")
	magic4     = [...]byte{'I', 'D', 'X', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame is one cached backend reply.
type Frame struct {
	Kind     byte      // request op the reply answers
	StoredAt time.Time // when the reply came back from the backend
	Payload  []byte
}

// Fresh reports whether the frame is younger than ttl at now.
func (f Frame) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(f.StoredAt) < ttl
}

// Encode frames payload:
//
//	magic(4) | ver(1) | kind(1) | storedAt(i64 be, unix nanos) | vlen(u32 be) | payload(vlen)
func Encode(kind byte, storedAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(storedAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode parses a frame. The payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] == 0 {
		return Frame{}, ErrCorrupt
	}
	f := Frame{Kind: b[5]}
	off := 6

	f.StoredAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[off:off+8])))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: no short or trailing bytes
		return Frame{}, ErrCorrupt
	}
	f.Payload = b[off : off+vlen]
	return f, nil
}
