package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidDataSize indicates a buffer too short for a declared length.
	ErrInvalidDataSize = errors.New("wire: invalid data size")
	// ErrUnsupportedVersion indicates an envelope version other than ProtocolVersion.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrInvalidMessageType indicates an unknown type tag on decode.
	ErrInvalidMessageType = errors.New("wire: invalid message type")
	// ErrUnsupportedType indicates an unknown type tag on encode.
	ErrUnsupportedType = errors.New("wire: unsupported message type")
	// ErrFieldTooLarge indicates a field that does not fit its length prefix.
	ErrFieldTooLarge = errors.New("wire: field too large")
	// ErrStringDecodingFailed indicates length-prefixed bytes that are not UTF-8.
	ErrStringDecodingFailed = errors.New("wire: string decoding failed")
)

// ItemError reports one failed item of a batch.
type ItemError struct {
	Index  int
	Offset int
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("batch item %d at offset %d: %v", e.Index, e.Offset, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
