// Package wire implements the binary mesh envelope and the nested record
// formats carried inside envelope payloads.
//
// All multi-byte integers are little-endian. The envelope layout is:
//
//	offset  size  field
//	0       1     protocol version (1)
//	1       1     message type
//	2       1     message ID length N (1-64)
//	3       N     message ID
//	3+N     4     payload length M (u32)
//	7+N     4     timestamp (u32 unix seconds)
//	11+N    M     payload
//	11+N+M  1     ttl
package wire

import "fmt"

const (
	// ProtocolVersion is the only envelope version this package speaks.
	ProtocolVersion = 1
	// MinEnvelopeSize is the fixed part of an envelope without ID, payload or ttl.
	MinEnvelopeSize = 11
	// MaxMessageIDLength bounds the single-byte message ID length prefix.
	MaxMessageIDLength = 64
)

// MessageType tags how an envelope payload is interpreted.
type MessageType uint8

const (
	TypeSignal              MessageType = 0x01
	TypeEmergency           MessageType = 0x02
	TypeChat                MessageType = 0x03
	TypeSystem              MessageType = 0x04
	TypeKeyExchange         MessageType = 0x05
	TypeKeyExchangeResponse MessageType = 0x06
	TypeGame                MessageType = 0x07
	TypeTopology            MessageType = 0x08
	TypeHeartbeat           MessageType = 0x09
)

var messageTypeNames = map[MessageType]string{
	TypeSignal:              "signal",
	TypeEmergency:           "emergency",
	TypeChat:                "chat",
	TypeSystem:              "system",
	TypeKeyExchange:         "key_exchange",
	TypeKeyExchangeResponse: "key_exchange_response",
	TypeGame:                "game",
	TypeTopology:            "topology",
	TypeHeartbeat:           "heartbeat",
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// MessageTypes returns every known message type in tag order.
func MessageTypes() []MessageType {
	return []MessageType{
		TypeSignal,
		TypeEmergency,
		TypeChat,
		TypeSystem,
		TypeKeyExchange,
		TypeKeyExchangeResponse,
		TypeGame,
		TypeTopology,
		TypeHeartbeat,
	}
}

// GameMessageType is the sub-type carried in a GameRecord.
type GameMessageType uint8

const (
	GamePlayerJoined       GameMessageType = 0x01
	GamePlayerLeft         GameMessageType = 0x02
	GameRoomSync           GameMessageType = 0x03
	GameReconnectRequest   GameMessageType = 0x04
	GameNumberDrawn        GameMessageType = 0x05
	GamePlayerProgress     GameMessageType = 0x06
	GameChatMessage        GameMessageType = 0x07
	GameStart              GameMessageType = 0x08
	GameEnd                GameMessageType = 0x09
	GameHeartbeat          GameMessageType = 0x0A
	GameRoomStateRequest   GameMessageType = 0x0B
	GameRoomStateUpdate    GameMessageType = 0x0C
	GameEmote              GameMessageType = 0x0D
	GameTurnChange         GameMessageType = 0x0E
	GameWinnerAnnouncement GameMessageType = 0x0F
)

var gameTypeNames = map[GameMessageType]string{
	GamePlayerJoined:       "player_joined",
	GamePlayerLeft:         "player_left",
	GameRoomSync:           "room_sync",
	GameReconnectRequest:   "reconnect_request",
	GameNumberDrawn:        "number_drawn",
	GamePlayerProgress:     "player_progress",
	GameChatMessage:        "chat_message",
	GameStart:              "game_start",
	GameEnd:                "game_end",
	GameHeartbeat:          "heartbeat",
	GameRoomStateRequest:   "room_state_request",
	GameRoomStateUpdate:    "room_state_update",
	GameEmote:              "emote",
	GameTurnChange:         "turn_change",
	GameWinnerAnnouncement: "winner_announcement",
}

// Valid reports whether t is a known game message type.
func (t GameMessageType) Valid() bool {
	_, ok := gameTypeNames[t]
	return ok
}

func (t GameMessageType) String() string {
	if name, ok := gameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// GameMessageTypes returns every known game message type in tag order.
func GameMessageTypes() []GameMessageType {
	out := make([]GameMessageType, 0, len(gameTypeNames))
	for t := GamePlayerJoined; t <= GameWinnerAnnouncement; t++ {
		out = append(out, t)
	}
	return out
}

// SignalKind is the emergency signal category carried in a SignalRecord.
type SignalKind uint8

const (
	SignalSafe     SignalKind = 0x01
	SignalMedical  SignalKind = 0x02
	SignalSupplies SignalKind = 0x03
	SignalDanger   SignalKind = 0x04
)

var signalKindNames = map[SignalKind]string{
	SignalSafe:     "safe",
	SignalMedical:  "medical",
	SignalSupplies: "supplies",
	SignalDanger:   "danger",
}

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	_, ok := signalKindNames[k]
	return ok
}

func (k SignalKind) String() string {
	if name, ok := signalKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(k))
}

// ParseSignalKind maps a signal name such as "medical" to its kind.
func ParseSignalKind(name string) (SignalKind, bool) {
	for kind, n := range signalKindNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}
