package router

import (
	"fmt"

	"signalmesh/wire"
)

// EventKind identifies an observable routing outcome.
type EventKind uint8

const (
	// KeylessPrivateSend: a Private message went out in plaintext because no
	// session key was available for the next hop.
	KeylessPrivateSend EventKind = iota + 1
	// CodecError: an inbound frame could not be decoded and was dropped.
	CodecError
	// DecryptFailure: an encrypted frame could not be opened and was dropped.
	DecryptFailure
	// DuplicateMessage: an already processed message ID arrived again.
	DuplicateMessage
	// TtlExhausted: a message reached the end of its hop budget.
	TtlExhausted
	// QueueOverflow: a queued frame was discarded to make room.
	QueueOverflow
	// TransportError: the transport adapter rejected a send.
	TransportError
)

var eventKindNames = map[EventKind]string{
	KeylessPrivateSend: "keyless-private-send",
	CodecError:         "codec-error",
	DecryptFailure:     "decrypt-failure",
	DuplicateMessage:   "duplicate-message",
	TtlExhausted:       "ttl-exhausted",
	QueueOverflow:      "queue-overflow",
	TransportError:     "transport-error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event describes a routing outcome the application may want to observe.
// None of them are fatal.
type Event struct {
	Kind      EventKind
	PeerID    string
	MessageID string
	Type      wire.MessageType
	Err       error
}

func (e Event) String() string {
	s := e.Kind.String()
	if e.PeerID != "" {
		s += " peer=" + e.PeerID
	}
	if e.MessageID != "" {
		s += " id=" + e.MessageID
	}
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}

// Stats is a snapshot of router counters.
type Stats struct {
	Sent            uint64
	Delivered       uint64
	Relayed         uint64
	Duplicates      uint64
	TtlExhausted    uint64
	CodecErrors     uint64
	DecryptFailures uint64
	KeylessSends    uint64
	QueueOverflows  uint64
	TransportErrors uint64
	ConnectedPeers  int
	SeenIDs         int
}
