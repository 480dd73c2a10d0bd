package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"signalmesh/crypto"
)

const (
	// ProtocolVersion is the current session protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1 << 20
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// challengeNonceSize is the raw length of the server handshake nonce.
	challengeNonceSize = 32
)

// Frame kinds carried as the first byte of every post-handshake frame.
const (
	FrameControl byte = 0x00
	FrameMesh    byte = 0x01
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypePeerDisconnect     = "peer_disconnect"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrUnknownFrameKind indicates a session frame with an unrecognized kind byte.
	ErrUnknownFrameKind = errors.New("network: unknown frame kind")
)

// LocalIdentity contains local device values required to build handshake messages.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Keys       crypto.Identity
}

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is the first frame a listener sends. The dialer must
// echo the nonce inside its signed handshake.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HandshakeMessage is the signed identity the dialer presents.
type HandshakeMessage struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce,omitempty"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// HandshakeResponse is returned by the listening side of the handshake.
type HandshakeResponse struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce,omitempty"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// PeerDisconnect signals graceful disconnect.
type PeerDisconnect struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorMessage reports handshake failures to the remote side.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a control message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteSessionFrame writes one post-handshake frame tagged with its kind.
func WriteSessionFrame(w io.Writer, kind byte, payload []byte) error {
	framed := make([]byte, 1+len(payload))
	framed[0] = kind
	copy(framed[1:], payload)
	return WriteFrame(w, framed)
}

// SplitSessionFrame separates the kind byte from a post-handshake frame.
func SplitSessionFrame(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrUnknownFrameKind
	}
	switch frame[0] {
	case FrameControl, FrameMesh:
		return frame[0], frame[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameKind, frame[0])
	}
}

func buildHandshakeMessage(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce, msgType string) (HandshakeMessage, error) {
	if len(identity.Keys.PrivateKey) != ed25519.PrivateKeySize {
		return HandshakeMessage{}, errors.New("invalid local Ed25519 private key")
	}
	if len(identity.Keys.PublicKey) != ed25519.PublicKeySize {
		return HandshakeMessage{}, errors.New("invalid local Ed25519 public key")
	}

	msg := HandshakeMessage{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Keys.PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ChallengeNonce:   challengeNonce,
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signature, err := signHandshake(msg, identity.Keys)
	if err != nil {
		return HandshakeMessage{}, err
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// BuildHandshakeMessage builds and signs a handshake answering a challenge.
func BuildHandshakeMessage(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce string) (HandshakeMessage, error) {
	return buildHandshakeMessage(identity, ephemeralPublicKey, challengeNonce, TypeHandshake)
}

// BuildHandshakeResponse builds and signs a handshake response. The
// response signs over the same challenge nonce so it cannot be replayed
// into another session.
func BuildHandshakeResponse(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce string) (HandshakeResponse, error) {
	msg, err := buildHandshakeMessage(identity, ephemeralPublicKey, challengeNonce, TypeHandshakeResponse)
	if err != nil {
		return HandshakeResponse{}, err
	}
	return HandshakeResponse(msg), nil
}

// VerifyHandshakeMessage verifies the signature and protocol version for a handshake.
func VerifyHandshakeMessage(msg HandshakeMessage) (ed25519.PublicKey, error) {
	return verifyHandshake(msg)
}

// VerifyHandshakeResponse verifies the signature and protocol version for a response.
func VerifyHandshakeResponse(msg HandshakeResponse) (ed25519.PublicKey, error) {
	return verifyHandshake(HandshakeMessage(msg))
}

func verifyHandshake(msg HandshakeMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode handshake signature: %w", err)
	}

	signable, err := handshakeSignable(msg)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

func signHandshake(msg HandshakeMessage, keys crypto.Identity) ([]byte, error) {
	signable, err := handshakeSignable(msg)
	if err != nil {
		return nil, err
	}

	signature, err := keys.Sign(signable)
	if err != nil {
		return nil, fmt.Errorf("sign handshake payload: %w", err)
	}
	return signature, nil
}

func handshakeSignable(msg HandshakeMessage) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	return signable, nil
}
