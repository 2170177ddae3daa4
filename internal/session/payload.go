package session

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

// errShortPayload is returned when a payload ends before a required field.
var errShortPayload = errors.New("payload too short")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// payloadReader reads little-endian event payload fields. The first failure is
// sticky: later reads return zero values and err reports the failure.
type payloadReader struct {
	b       []byte
	off     int
	ptrSize int
	err     error
}

func newPayloadReader(b []byte, ptrSize int) *payloadReader {
	return &payloadReader{b: b, ptrSize: ptrSize}
}

func (r *payloadReader) remaining() int {
	return len(r.b) - r.off
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = errors.Wrapf(errShortPayload, "need %d bytes at offset %d, have %d", n, r.off, r.remaining())
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *payloadReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *payloadReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *payloadReader) i32() int32 {
	return int32(r.u32())
}

func (r *payloadReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// ptr reads a pointer-sized value.
func (r *payloadReader) ptr() uint64 {
	if r.ptrSize == 4 {
		return uint64(r.u32())
	}
	return r.u64()
}

// utf16z reads a NUL-terminated UTF-16LE string.
func (r *payloadReader) utf16z() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i+1 < len(r.b); i += 2 {
		if r.b[i] == 0 && r.b[i+1] == 0 {
			raw := r.b[r.off:i]
			r.off = i + 2
			s, err := utf16le.NewDecoder().Bytes(raw)
			if err != nil {
				r.err = errors.Wrap(err, "invalid UTF-16 string")
				return ""
			}
			return string(s)
		}
	}
	r.err = errors.Wrapf(errShortPayload, "unterminated string at offset %d", r.off)
	return ""
}
