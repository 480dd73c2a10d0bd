package wire

import (
	"bytes"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatEnvelopeScenario(t *testing.T) {
	chat := ChatRecord{
		Timestamp:     1_700_000_000,
		DeviceName:    "Alice",
		ChatMessageID: "chat-1",
		Content:       "hello",
	}
	payload, err := chat.Encode()
	require.NoError(t, err)

	env := Envelope{
		Type:      TypeChat,
		MessageID: "11111111-1111-1111-1111-111111111111",
		Timestamp: 1_700_000_000,
		Payload:   payload,
		TTL:       10,
	}
	encoded, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)

	decodedChat, err := DecodeChatRecord(decoded.Payload)
	require.NoError(t, err)
	assert.Equal(t, chat, decodedChat)

	reencoded, err := Encode(decoded)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(encoded, reencoded), "re-encoding must be byte identical")
}

func TestEncodeLayout(t *testing.T) {
	env := Envelope{
		Type:      TypeSignal,
		MessageID: "ab",
		Timestamp: 0x01020304,
		Payload:   []byte{0xAA, 0xBB, 0xCC},
		TTL:       20,
	}
	encoded, err := Encode(env)
	require.NoError(t, err)

	want := []byte{
		0x01,       // version
		0x01,       // type
		0x02,       // id length
		'a', 'b',   // id
		3, 0, 0, 0, // payload length
		0x04, 0x03, 0x02, 0x01, // timestamp
		0xAA, 0xBB, 0xCC, // payload
		20, // ttl
	}
	assert.Equal(t, want, encoded)
	assert.Equal(t, len(want), env.EncodedLen())
}

func TestEnvelopeRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	types := MessageTypes()
	for i := 0; i < 200; i++ {
		id := make([]byte, 1+rng.Intn(MaxMessageIDLength))
		rng.Read(id)
		var payload []byte
		if n := rng.Intn(512); n > 0 {
			payload = make([]byte, n)
			rng.Read(payload)
		}
		env := Envelope{
			Type:      types[rng.Intn(len(types))],
			MessageID: string(id),
			Timestamp: rng.Uint32(),
			Payload:   payload,
			TTL:       uint8(rng.Intn(256)),
		}

		encoded, err := Encode(env)
		require.NoError(t, err)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, env, decoded)
	}
}

func TestEmptyPayloadDecodesAsNil(t *testing.T) {
	for name, payload := range map[string][]byte{"nil": nil, "empty": {}} {
		t.Run(name, func(t *testing.T) {
			env := Envelope{Type: TypeHeartbeat, MessageID: "hb-1", Timestamp: 9, Payload: payload, TTL: 1}
			encoded, err := Encode(env)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Nil(t, decoded.Payload)

			env.Payload = nil
			assert.True(t, reflect.DeepEqual(env, decoded))

			again, err := Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, encoded, again)
		})
	}
}

func TestEncodeRejectsInvalidEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want error
	}{
		{
			name: "unknown type",
			env:  Envelope{Type: 0x7F, MessageID: "id"},
			want: ErrUnsupportedType,
		},
		{
			name: "empty id",
			env:  Envelope{Type: TypeChat},
			want: ErrFieldTooLarge,
		},
		{
			name: "id over 64 bytes",
			env:  Envelope{Type: TypeChat, MessageID: strings.Repeat("x", MaxMessageIDLength+1)},
			want: ErrFieldTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.env)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(Envelope{Type: TypeChat, MessageID: "abc", Payload: []byte("xyz"), TTL: 3})
	require.NoError(t, err)

	badVersion := append([]byte(nil), valid...)
	badVersion[0] = 2

	badType := append([]byte(nil), valid...)
	badType[1] = 0xF0

	overlongPayload := append([]byte(nil), valid...)
	overlongPayload[6] = 0xFF

	zeroID := append([]byte(nil), valid...)
	zeroID[2] = 0

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrInvalidDataSize},
		{name: "short header", data: valid[:10], want: ErrInvalidDataSize},
		{name: "bad version", data: badVersion, want: ErrUnsupportedVersion},
		{name: "bad type", data: badType, want: ErrInvalidMessageType},
		{name: "payload past end", data: overlongPayload, want: ErrInvalidDataSize},
		{name: "missing ttl", data: valid[:len(valid)-1], want: ErrInvalidDataSize},
		{name: "trailing bytes", data: append(append([]byte(nil), valid...), 0), want: ErrInvalidDataSize},
		{name: "zero id length", data: zeroID, want: ErrInvalidDataSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecodeNeverPanicsOnTruncationOrCorruption(t *testing.T) {
	valid, err := Encode(Envelope{Type: TypeGame, MessageID: "truncate-me", Payload: bytes.Repeat([]byte{9}, 40), TTL: 5})
	require.NoError(t, err)

	for n := 0; n < len(valid); n++ {
		_, err := Decode(valid[:n])
		assert.Error(t, err, "prefix of %d bytes", n)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		corrupt := append([]byte(nil), valid...)
		for j := 0; j < 1+rng.Intn(4); j++ {
			corrupt[rng.Intn(len(corrupt))] = byte(rng.Intn(256))
		}
		assert.NotPanics(t, func() { _, _ = Decode(corrupt) })
	}
}

func TestDecodedEnvelopeDoesNotAliasInput(t *testing.T) {
	encoded, err := Encode(Envelope{Type: TypeSystem, MessageID: "id", Payload: []byte{1, 2, 3}, TTL: 1})
	require.NoError(t, err)

	env, err := Decode(encoded)
	require.NoError(t, err)
	for i := range encoded {
		encoded[i] = 0
	}
	assert.Equal(t, []byte{1, 2, 3}, env.Payload)
}
