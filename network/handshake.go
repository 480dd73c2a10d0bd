package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"signalmesh/crypto"
	"signalmesh/storage"
)

var (
	// ErrKeyChanged indicates a known peer presented a different public key.
	ErrKeyChanged = errors.New("network: peer public key changed")
	// ErrPeerRefused indicates the peer is blocked locally.
	ErrPeerRefused = errors.New("network: peer refused")
	// ErrSelfConnection indicates the remote side presented our own device ID.
	ErrSelfConnection = errors.New("network: connected to self")
)

// PeerError attaches the remote device ID to a handshake rejection.
type PeerError struct {
	PeerDeviceID string
	Err          error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %v", e.PeerDeviceID, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

// PeerPinner pins a peer identity key on first contact and verifies it on
// every later handshake. storage.Store implements it.
type PeerPinner interface {
	PinPeer(deviceID, deviceName, ed25519PublicKey, keyFingerprint, addr string) (*storage.Peer, error)
}

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity LocalIdentity
	// Pins is optional. Without it every verified identity is accepted.
	Pins PeerPinner

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if len(o.Identity.Keys.PrivateKey) == 0 {
		return errors.New("local Ed25519 private key is required")
	}
	if len(o.Identity.Keys.PublicKey) == 0 {
		return errors.New("local Ed25519 public key is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func (o HandshakeOptions) connectionOptions(peerDeviceID, peerDeviceName, remoteAddr string, outbound bool) ConnectionOptions {
	return ConnectionOptions{
		LocalDeviceID:     o.Identity.DeviceID,
		PeerDeviceID:      peerDeviceID,
		PeerDeviceName:    peerDeviceName,
		RemoteAddr:        remoteAddr,
		Outbound:          outbound,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		SuppressPong:      !o.autoRespondPingEnabled(),
	}
}

// admitPeer checks a verified remote identity against the pinned key store.
// addr is recorded as the peer's redial address when non-empty.
func (o HandshakeOptions) admitPeer(deviceID, deviceName string, publicKey ed25519.PublicKey, addr string) error {
	if deviceID == "" {
		return errors.New("peer device ID is required")
	}
	if deviceID == o.Identity.DeviceID {
		return ErrSelfConnection
	}
	if o.Pins == nil {
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(publicKey)
	_, err := o.Pins.PinPeer(deviceID, deviceName, encoded, crypto.KeyFingerprint(publicKey), addr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrKeyMismatch):
		return &PeerError{PeerDeviceID: deviceID, Err: ErrKeyChanged}
	case errors.Is(err, storage.ErrPeerBlocked):
		return &PeerError{PeerDeviceID: deviceID, Err: ErrPeerRefused}
	default:
		return fmt.Errorf("pin peer %q: %w", deviceID, err)
	}
}

func deriveSessionKey(localEphemeralPrivateKey *ecdh.PrivateKey, peerX25519PublicKeyBase64, localDeviceID, peerDeviceID, challengeNonceBase64 string) ([]byte, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(peerX25519PublicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	peerPublicKey, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(localEphemeralPrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	challengeNonce, err := decodeChallengeNonce(challengeNonceBase64)
	if err != nil {
		return nil, err
	}

	return crypto.DeriveSessionKey(sharedSecret, localDeviceID, peerDeviceID, challengeNonce)
}

func decodeChallengeNonce(encoded string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(nonce) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(nonce), challengeNonceSize)
	}
	return nonce, nil
}

func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrKeyChanged):
		return "key_changed"
	case errors.Is(err, ErrPeerRefused):
		return "peer_refused"
	case errors.Is(err, ErrSelfConnection):
		return "self_connection"
	default:
		return "handshake_failed"
	}
}

func makeVersionMismatchError(got int64) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              "version_mismatch",
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
