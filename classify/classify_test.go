package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalmesh/wire"
)

func TestForTypeIsStable(t *testing.T) {
	for _, msgType := range wire.MessageTypes() {
		first := ForType(msgType)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, ForType(msgType), "type %s", msgType)
		}
	}
}

func TestUnknownTypesArePrivate(t *testing.T) {
	for _, raw := range []uint8{0x00, 0x0A, 0x40, 0xFF} {
		c := ForType(wire.MessageType(raw))
		assert.Equal(t, Private, c.Visibility)
		assert.Equal(t, Normal, c.Priority)
	}
	assert.Equal(t, Private, ForGame(0xEE).Visibility)
}

func TestEmergencyTrafficIsHighPriority(t *testing.T) {
	for _, msgType := range []wire.MessageType{wire.TypeSignal, wire.TypeEmergency} {
		c := ForType(msgType)
		assert.Equal(t, High, c.Priority)
		assert.Equal(t, HighTTL, c.TTL())
	}
	assert.Equal(t, NormalTTL, ForType(wire.TypeChat).TTL())
}

func TestContentBearingTypesArePrivate(t *testing.T) {
	assert.Equal(t, Private, ForType(wire.TypeChat).Visibility)
	assert.Equal(t, Private, ForType(wire.TypeSystem).Visibility)
	assert.Equal(t, Public, ForType(wire.TypeHeartbeat).Visibility)
}

func TestGameTable(t *testing.T) {
	public := []wire.GameMessageType{
		wire.GameNumberDrawn,
		wire.GameTurnChange,
		wire.GameStart,
		wire.GameEnd,
		wire.GameHeartbeat,
		wire.GameEmote,
	}
	private := []wire.GameMessageType{
		wire.GamePlayerJoined,
		wire.GamePlayerLeft,
		wire.GameRoomSync,
		wire.GameChatMessage,
		wire.GamePlayerProgress,
	}
	for _, gt := range public {
		assert.Equal(t, Public, ForGame(gt).Visibility, "game type %s", gt)
	}
	for _, gt := range private {
		assert.Equal(t, Private, ForGame(gt).Visibility, "game type %s", gt)
	}
	for _, gt := range wire.GameMessageTypes() {
		assert.Equal(t, Normal, ForGame(gt).Priority)
	}
}

func TestForEnvelopeRefinesGame(t *testing.T) {
	drawn, err := wire.GameRecord{Type: wire.GameNumberDrawn, RoomID: "r"}.Encode()
	require.NoError(t, err)
	joined, err := wire.GameRecord{Type: wire.GamePlayerJoined, RoomID: "r"}.Encode()
	require.NoError(t, err)

	assert.Equal(t, Public, ForEnvelope(wire.Envelope{Type: wire.TypeGame, Payload: drawn}).Visibility)
	assert.Equal(t, Private, ForEnvelope(wire.Envelope{Type: wire.TypeGame, Payload: joined}).Visibility)
	assert.Equal(t, Private, ForEnvelope(wire.Envelope{Type: wire.TypeGame, Payload: []byte{1}}).Visibility)
}
