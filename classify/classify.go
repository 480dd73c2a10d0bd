// Package classify maps message types to a visibility and a transport
// priority. The mapping is a fixed table; anything missing from it is
// Private so that new message types are never sent in the clear by
// accident.
package classify

import (
	"signalmesh/wire"
)

// Visibility decides whether a message is eligible for per-peer encryption.
type Visibility uint8

const (
	Private Visibility = iota
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "private"
}

// Priority orders outbound queues.
type Priority uint8

const (
	Normal Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "normal"
}

const (
	// NormalTTL is the hop budget of Normal priority messages.
	NormalTTL uint8 = 10
	// HighTTL is the hop budget of High priority messages.
	HighTTL uint8 = 20
)

// Class is the classification of one message.
type Class struct {
	Visibility Visibility
	Priority   Priority
}

// TTL returns the default hop budget for the class priority.
func (c Class) TTL() uint8 {
	if c.Priority == High {
		return HighTTL
	}
	return NormalTTL
}

func (c Class) String() string {
	return c.Visibility.String() + "/" + c.Priority.String()
}

var (
	publicHigh    = Class{Visibility: Public, Priority: High}
	publicNormal  = Class{Visibility: Public, Priority: Normal}
	privateNormal = Class{Visibility: Private, Priority: Normal}
)

var typeTable = map[wire.MessageType]Class{
	wire.TypeSignal:              publicHigh,
	wire.TypeEmergency:           publicHigh,
	wire.TypeHeartbeat:           publicNormal,
	wire.TypeTopology:            publicNormal,
	wire.TypeKeyExchange:         publicNormal,
	wire.TypeKeyExchangeResponse: publicNormal,
	wire.TypeChat:                privateNormal,
	wire.TypeSystem:              privateNormal,
	wire.TypeGame:                privateNormal,
}

var gameTable = map[wire.GameMessageType]Class{
	wire.GameNumberDrawn:        publicNormal,
	wire.GameTurnChange:         publicNormal,
	wire.GameStart:              publicNormal,
	wire.GameEnd:                publicNormal,
	wire.GameHeartbeat:          publicNormal,
	wire.GameEmote:              publicNormal,
	wire.GameWinnerAnnouncement: publicNormal,
	wire.GamePlayerJoined:       privateNormal,
	wire.GamePlayerLeft:         privateNormal,
	wire.GameRoomSync:           privateNormal,
	wire.GameRoomStateRequest:   privateNormal,
	wire.GameRoomStateUpdate:    privateNormal,
	wire.GameChatMessage:        privateNormal,
	wire.GamePlayerProgress:     privateNormal,
	wire.GameReconnectRequest:   privateNormal,
}

// ForType classifies an envelope type.
func ForType(t wire.MessageType) Class {
	if c, ok := typeTable[t]; ok {
		return c
	}
	return privateNormal
}

// ForGame classifies a game sub-type.
func ForGame(t wire.GameMessageType) Class {
	if c, ok := gameTable[t]; ok {
		return c
	}
	return privateNormal
}

// ForEnvelope classifies a plaintext envelope. Game envelopes are refined by
// the game sub-type when the payload header is readable.
func ForEnvelope(e wire.Envelope) Class {
	if e.Type == wire.TypeGame {
		if gameType, ok := wire.PeekGameType(e.Payload); ok {
			return ForGame(gameType)
		}
	}
	return ForType(e.Type)
}
