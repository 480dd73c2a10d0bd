package wire

import (
	"math"

	"github.com/pkg/errors"
)

// Envelope is the outer unit exchanged between peers.
type Envelope struct {
	Type      MessageType
	MessageID string
	// Timestamp is advisory unix seconds; it never orders delivery.
	Timestamp uint32
	// Payload is nil after decoding when it is empty. The encoding does not
	// distinguish a nil payload from an empty one.
	Payload []byte
	TTL     uint8
}

// EncodedLen returns the encoded size of e without validating it.
func (e Envelope) EncodedLen() int {
	return MinEnvelopeSize + len(e.MessageID) + len(e.Payload) + 1
}

// Encode serializes an envelope.
func Encode(e Envelope) ([]byte, error) {
	return AppendEnvelope(make([]byte, 0, e.EncodedLen()), e)
}

// AppendEnvelope appends the encoding of e to dst.
func AppendEnvelope(dst []byte, e Envelope) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedType, "type 0x%02x", uint8(e.Type))
	}
	if len(e.MessageID) == 0 || len(e.MessageID) > MaxMessageIDLength {
		return nil, errors.Wrapf(ErrFieldTooLarge, "message id is %d bytes, want 1-%d", len(e.MessageID), MaxMessageIDLength)
	}
	if uint64(len(e.Payload)) > math.MaxUint32 {
		return nil, errors.Wrapf(ErrFieldTooLarge, "payload is %d bytes", len(e.Payload))
	}

	dst = append(dst, ProtocolVersion, uint8(e.Type), uint8(len(e.MessageID)))
	dst = append(dst, e.MessageID...)
	dst = appendUint32(dst, uint32(len(e.Payload)))
	dst = appendUint32(dst, e.Timestamp)
	dst = append(dst, e.Payload...)
	dst = append(dst, e.TTL)
	return dst, nil
}

// Decode parses exactly one envelope; trailing bytes are an error.
func Decode(data []byte) (Envelope, error) {
	env, n, err := DecodePrefix(data)
	if err != nil {
		return Envelope{}, err
	}
	if n != len(data) {
		return Envelope{}, errors.Wrapf(ErrInvalidDataSize, "%d trailing bytes after envelope", len(data)-n)
	}
	return env, nil
}

// DecodePrefix parses one envelope from the start of data and reports how
// many bytes it consumed.
func DecodePrefix(data []byte) (Envelope, int, error) {
	if len(data) < MinEnvelopeSize {
		return Envelope{}, 0, errors.Wrapf(ErrInvalidDataSize, "envelope is %d bytes, min %d", len(data), MinEnvelopeSize)
	}

	r := newReader(data)
	version, _ := r.uint8("version")
	if version != ProtocolVersion {
		return Envelope{}, 0, errors.Wrapf(ErrUnsupportedVersion, "version %d", version)
	}
	rawType, _ := r.uint8("type")
	msgType := MessageType(rawType)
	if !msgType.Valid() {
		return Envelope{}, 0, errors.Wrapf(ErrInvalidMessageType, "type 0x%02x", rawType)
	}

	idLen, _ := r.uint8("message id length")
	if idLen == 0 || idLen > MaxMessageIDLength {
		return Envelope{}, 0, errors.Wrapf(ErrInvalidDataSize, "message id length %d out of range", idLen)
	}
	id, err := r.bytes(int(idLen), "message id")
	if err != nil {
		return Envelope{}, 0, err
	}

	payloadLen, err := r.uint32("payload length")
	if err != nil {
		return Envelope{}, 0, err
	}
	timestamp, err := r.uint32("timestamp")
	if err != nil {
		return Envelope{}, 0, err
	}
	if uint64(payloadLen) > uint64(r.remaining()) {
		return Envelope{}, 0, errors.Wrapf(ErrInvalidDataSize, "payload length %d exceeds %d remaining", payloadLen, r.remaining())
	}
	payload, err := r.bytes(int(payloadLen), "payload")
	if err != nil {
		return Envelope{}, 0, err
	}
	ttl, err := r.uint8("ttl")
	if err != nil {
		return Envelope{}, 0, err
	}

	return Envelope{
		Type:      msgType,
		MessageID: string(id),
		Timestamp: timestamp,
		Payload:   payload,
		TTL:       ttl,
	}, r.off, nil
}
