package wire

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRoundTrip(t *testing.T) {
	envs := []Envelope{
		{Type: TypeChat, MessageID: "a", Payload: []byte("one"), TTL: 10},
		{Type: TypeSignal, MessageID: "b", Timestamp: 5, TTL: 20},
		{Type: TypeHeartbeat, MessageID: "c", Payload: []byte{0}, TTL: 1},
	}
	data, err := EncodeBatch(envs)
	require.NoError(t, err)

	decoded, errs := DecodeBatch(data)
	assert.Empty(t, errs)
	assert.Equal(t, envs, decoded)
}

func TestBatchSkipsCorruptItem(t *testing.T) {
	envs := []Envelope{
		{Type: TypeChat, MessageID: "first", Payload: []byte("one"), TTL: 10},
		{Type: TypeChat, MessageID: "second", Payload: []byte("two"), TTL: 10},
		{Type: TypeChat, MessageID: "third", Payload: []byte("three"), TTL: 10},
	}
	data, err := EncodeBatch(envs)
	require.NoError(t, err)

	// Corrupt the version byte of the second item.
	first := envs[0].EncodedLen()
	data[4+first+4] = 9

	decoded, errs := DecodeBatch(data)
	require.Len(t, errs, 1)
	assert.Equal(t, []Envelope{envs[0], envs[2]}, decoded)

	var itemErr *ItemError
	require.True(t, errors.As(errs[0], &itemErr))
	assert.Equal(t, 1, itemErr.Index)
	assert.Equal(t, 4+first, itemErr.Offset)
	assert.True(t, errors.Is(errs[0], ErrUnsupportedVersion))
}

func TestBatchStopsOnOverlongItem(t *testing.T) {
	data, err := EncodeBatch([]Envelope{{Type: TypeChat, MessageID: "ok", TTL: 1}})
	require.NoError(t, err)
	data = append(data, 0xFF, 0xFF, 0, 0, 1, 2)

	decoded, errs := DecodeBatch(data)
	assert.Len(t, decoded, 1)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrInvalidDataSize))
}

func TestBatchEncodeReportsItem(t *testing.T) {
	_, err := EncodeBatch([]Envelope{
		{Type: TypeChat, MessageID: "ok"},
		{Type: 0, MessageID: "bad"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedType))
	assert.Contains(t, err.Error(), "batch item 1")
}
