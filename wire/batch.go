package wire

import (
	"math"

	"github.com/pkg/errors"
)

// EncodeBatch concatenates envelopes, each prefixed with its u32 length.
func EncodeBatch(envelopes []Envelope) ([]byte, error) {
	size := 0
	for _, e := range envelopes {
		size += 4 + e.EncodedLen()
	}

	out := make([]byte, 0, size)
	for i, e := range envelopes {
		start := len(out)
		out = appendUint32(out, 0)
		var err error
		out, err = AppendEnvelope(out, e)
		if err != nil {
			return nil, errors.WithMessagef(err, "batch item %d", i)
		}
		itemLen := len(out) - start - 4
		if uint64(itemLen) > math.MaxUint32 {
			return nil, errors.Wrapf(ErrFieldTooLarge, "batch item %d is %d bytes", i, itemLen)
		}
		putUint32(out[start:], uint32(itemLen))
	}
	return out, nil
}

// DecodeBatch decodes a length-delimited concatenation of envelopes. A
// corrupt item is reported in errs and decoding continues with the next
// item. Decoding stops only when an item length runs past the buffer.
func DecodeBatch(data []byte) (envelopes []Envelope, errs []error) {
	r := newReader(data)
	for index := 0; r.remaining() > 0; index++ {
		offset := r.off
		itemLen, err := r.uint32("batch item length")
		if err != nil {
			errs = append(errs, &ItemError{Index: index, Offset: offset, Err: err})
			return envelopes, errs
		}
		if uint64(itemLen) > uint64(r.remaining()) {
			errs = append(errs, &ItemError{
				Index:  index,
				Offset: offset,
				Err:    errors.Wrapf(ErrInvalidDataSize, "item length %d exceeds %d remaining", itemLen, r.remaining()),
			})
			return envelopes, errs
		}

		item := r.buf[r.off : r.off+int(itemLen)]
		r.off += int(itemLen)

		env, err := Decode(item)
		if err != nil {
			errs = append(errs, &ItemError{Index: index, Offset: offset, Err: err})
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, errs
}
