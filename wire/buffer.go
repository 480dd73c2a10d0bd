package wire

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// reader is a bounds-checked cursor. Every read verifies the remaining
// length before slicing.
type reader struct {
	buf []byte
	off int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) need(n int, field string) error {
	if n < 0 || r.remaining() < n {
		return errors.Wrapf(ErrInvalidDataSize, "%s needs %d bytes, %d remain", field, n, r.remaining())
	}
	return nil
}

func (r *reader) uint8(field string) (uint8, error) {
	if err := r.need(1, field); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) uint16(field string) (uint16, error) {
	if err := r.need(2, field); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) uint32(field string) (uint32, error) {
	if err := r.need(4, field); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// bytes returns a copy so decoded values never alias the input buffer.
// A zero-length field reads as nil.
func (r *reader) bytes(n int, field string) ([]byte, error) {
	if err := r.need(n, field); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

func (r *reader) shortString(field string) (string, error) {
	n, err := r.uint8(field + " length")
	if err != nil {
		return "", err
	}
	return r.text(int(n), field)
}

func (r *reader) longString(field string) (string, error) {
	n, err := r.uint16(field + " length")
	if err != nil {
		return "", err
	}
	return r.text(int(n), field)
}

func (r *reader) text(n int, field string) (string, error) {
	raw, err := r.bytes(n, field)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", errors.Wrapf(ErrStringDecodingFailed, "%s is not valid UTF-8", field)
	}
	return string(raw), nil
}

func (r *reader) end(what string) error {
	if r.remaining() != 0 {
		return errors.Wrapf(ErrInvalidDataSize, "%d trailing bytes after %s", r.remaining(), what)
	}
	return nil
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendShortString(b []byte, s, field string) ([]byte, error) {
	if err := checkText(s, math.MaxUint8, field); err != nil {
		return nil, err
	}
	b = append(b, uint8(len(s)))
	return append(b, s...), nil
}

func appendLongString(b []byte, s, field string) ([]byte, error) {
	if err := checkText(s, math.MaxUint16, field); err != nil {
		return nil, err
	}
	b = appendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

func checkText(s string, max int, field string) error {
	if len(s) > max {
		return errors.Wrapf(ErrFieldTooLarge, "%s is %d bytes, max %d", field, len(s), max)
	}
	if !utf8.ValidString(s) {
		return errors.Wrapf(ErrStringDecodingFailed, "%s is not valid UTF-8", field)
	}
	return nil
}
