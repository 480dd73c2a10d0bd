package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "signalmesh session key v1"

// DeriveSessionKey expands an X25519 shared secret into a 32-byte session
// key. Both peers derive the same key regardless of which side they are:
// the device IDs are ordered before they are mixed in.
func DeriveSessionKey(sharedSecret []byte, localDeviceID, peerDeviceID string, context []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if localDeviceID == "" || peerDeviceID == "" {
		return nil, errors.New("device IDs are required")
	}

	low, high := localDeviceID, peerDeviceID
	if high < low {
		low, high = high, low
	}
	info := []byte(sessionKeyInfo + "|" + low + "|" + high)

	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, context, info), key); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}
	return key, nil
}
