package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ChatRecord is the nested payload of a chat envelope.
type ChatRecord struct {
	Timestamp     uint32
	DeviceName    string
	ChatMessageID string
	Content       string
}

// Encode serializes the record as
// timestamp(4) | nameLen(1) | name | idLen(1) | id | contentLen(2) | content.
func (c ChatRecord) Encode() ([]byte, error) {
	out := make([]byte, 0, 4+1+len(c.DeviceName)+1+len(c.ChatMessageID)+2+len(c.Content))
	out = appendUint32(out, c.Timestamp)

	var err error
	if out, err = appendShortString(out, c.DeviceName, "device name"); err != nil {
		return nil, err
	}
	if out, err = appendShortString(out, c.ChatMessageID, "chat message id"); err != nil {
		return nil, err
	}
	if out, err = appendLongString(out, c.Content, "content"); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeChatRecord parses a chat payload.
func DecodeChatRecord(data []byte) (ChatRecord, error) {
	r := newReader(data)
	var (
		c   ChatRecord
		err error
	)
	if c.Timestamp, err = r.uint32("timestamp"); err != nil {
		return ChatRecord{}, err
	}
	if c.DeviceName, err = r.shortString("device name"); err != nil {
		return ChatRecord{}, err
	}
	if c.ChatMessageID, err = r.shortString("chat message id"); err != nil {
		return ChatRecord{}, err
	}
	if c.Content, err = r.longString("content"); err != nil {
		return ChatRecord{}, err
	}
	if err := r.end("chat record"); err != nil {
		return ChatRecord{}, err
	}
	return c, nil
}

// GameRecord is the nested payload of a game envelope.
type GameRecord struct {
	Timestamp  uint32
	Type       GameMessageType
	SenderID   string
	SenderName string
	RoomID     string
	Data       []byte
}

// Encode serializes the record as
// timestamp(4) | type(1) | senderID | senderName | roomID | dataLen(2) | data,
// with each string carrying a one-byte length prefix.
func (g GameRecord) Encode() ([]byte, error) {
	if !g.Type.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedType, "game type 0x%02x", uint8(g.Type))
	}
	if len(g.Data) > 0xFFFF {
		return nil, errors.Wrapf(ErrFieldTooLarge, "game data is %d bytes", len(g.Data))
	}

	out := make([]byte, 0, 5+3+len(g.SenderID)+len(g.SenderName)+len(g.RoomID)+2+len(g.Data))
	out = appendUint32(out, g.Timestamp)
	out = append(out, uint8(g.Type))

	var err error
	if out, err = appendShortString(out, g.SenderID, "sender id"); err != nil {
		return nil, err
	}
	if out, err = appendShortString(out, g.SenderName, "sender name"); err != nil {
		return nil, err
	}
	if out, err = appendShortString(out, g.RoomID, "room id"); err != nil {
		return nil, err
	}
	out = appendUint16(out, uint16(len(g.Data)))
	return append(out, g.Data...), nil
}

// DecodeGameRecord parses a game payload.
func DecodeGameRecord(data []byte) (GameRecord, error) {
	r := newReader(data)
	var (
		g   GameRecord
		err error
	)
	if g.Timestamp, err = r.uint32("timestamp"); err != nil {
		return GameRecord{}, err
	}
	rawType, err := r.uint8("game type")
	if err != nil {
		return GameRecord{}, err
	}
	g.Type = GameMessageType(rawType)
	if !g.Type.Valid() {
		return GameRecord{}, errors.Wrapf(ErrInvalidMessageType, "game type 0x%02x", rawType)
	}
	if g.SenderID, err = r.shortString("sender id"); err != nil {
		return GameRecord{}, err
	}
	if g.SenderName, err = r.shortString("sender name"); err != nil {
		return GameRecord{}, err
	}
	if g.RoomID, err = r.shortString("room id"); err != nil {
		return GameRecord{}, err
	}
	dataLen, err := r.uint16("game data length")
	if err != nil {
		return GameRecord{}, err
	}
	if g.Data, err = r.bytes(int(dataLen), "game data"); err != nil {
		return GameRecord{}, err
	}
	if err := r.end("game record"); err != nil {
		return GameRecord{}, err
	}
	return g, nil
}

// PeekGameType reads only the game type byte of a game payload. It does
// not validate the rest of the record.
func PeekGameType(payload []byte) (GameMessageType, bool) {
	if len(payload) < 5 {
		return 0, false
	}
	return GameMessageType(payload[4]), true
}

// SignalRecord is the nested payload of signal and emergency envelopes.
type SignalRecord struct {
	Timestamp  uint32
	Kind       SignalKind
	DeviceName string
	// GridCode is a coarse location cell, never a precise position.
	GridCode string
}

// Encode serializes the record as
// timestamp(4) | kind(1) | nameLen(1) | name | gridLen(1) | grid.
func (s SignalRecord) Encode() ([]byte, error) {
	if !s.Kind.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedType, "signal kind 0x%02x", uint8(s.Kind))
	}

	out := make([]byte, 0, 4+1+1+len(s.DeviceName)+1+len(s.GridCode))
	out = appendUint32(out, s.Timestamp)
	out = append(out, uint8(s.Kind))

	var err error
	if out, err = appendShortString(out, s.DeviceName, "device name"); err != nil {
		return nil, err
	}
	if out, err = appendShortString(out, s.GridCode, "grid code"); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeSignalRecord parses a signal payload.
func DecodeSignalRecord(data []byte) (SignalRecord, error) {
	r := newReader(data)
	var (
		s   SignalRecord
		err error
	)
	if s.Timestamp, err = r.uint32("timestamp"); err != nil {
		return SignalRecord{}, err
	}
	rawKind, err := r.uint8("signal kind")
	if err != nil {
		return SignalRecord{}, err
	}
	s.Kind = SignalKind(rawKind)
	if !s.Kind.Valid() {
		return SignalRecord{}, errors.Wrapf(ErrInvalidMessageType, "signal kind 0x%02x", rawKind)
	}
	if s.DeviceName, err = r.shortString("device name"); err != nil {
		return SignalRecord{}, err
	}
	if s.GridCode, err = r.shortString("grid code"); err != nil {
		return SignalRecord{}, err
	}
	if err := r.end("signal record"); err != nil {
		return SignalRecord{}, err
	}
	return s, nil
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}
