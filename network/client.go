package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"signalmesh/crypto"
)

// RemoteError is a handshake rejection reported by the listening side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Dial connects to a peer and performs the handshake. The returned
// connection is not started.
func Dial(address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	peerConnection, err := handshakeOutbound(conn, address, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return peerConnection, nil
}

func handshakeOutbound(conn net.Conn, address string, opts HandshakeOptions) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	challengePayload, err := readHandshakeFrame(conn, opts.ConnectionTimeout, TypeHandshakeChallenge)
	if err != nil {
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}

	var challenge HandshakeChallenge
	if err := json.Unmarshal(challengePayload, &challenge); err != nil {
		return nil, fmt.Errorf("decode handshake challenge: %w", err)
	}
	if _, err := decodeChallengeNonce(challenge.Nonce); err != nil {
		return nil, err
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}

	handshake, err := BuildHandshakeMessage(opts.Identity, localEphemeralPublicKey.Bytes(), challenge.Nonce)
	if err != nil {
		return nil, err
	}
	if err := writeControlJSON(conn, handshake); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	responsePayload, err := readHandshakeFrame(conn, opts.ConnectionTimeout, TypeHandshakeResponse)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}

	response, err := decodeHandshakeResponse(responsePayload)
	if err != nil {
		return nil, err
	}
	if response.ChallengeNonce != challenge.Nonce {
		return nil, errors.New("handshake response does not answer our challenge")
	}
	peerPublicKey, err := VerifyHandshakeResponse(response)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify handshake response: %w", err)
	}

	if err := opts.admitPeer(response.DeviceID, response.DeviceName, peerPublicKey, address); err != nil {
		return nil, err
	}

	sessionKey, err := deriveSessionKey(localEphemeralPrivateKey, response.X25519PublicKey, opts.Identity.DeviceID, response.DeviceID, challenge.Nonce)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, opts.connectionOptions(response.DeviceID, response.DeviceName, address, true)), nil
}

// readHandshakeFrame reads one pre-session frame and checks its type,
// surfacing a remote error message as *RemoteError.
func readHandshakeFrame(conn net.Conn, timeout time.Duration, want string) ([]byte, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return nil, err
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType == TypeError {
		var remoteErr ErrorMessage
		if err := json.Unmarshal(payload, &remoteErr); err != nil {
			return nil, fmt.Errorf("decode remote error response: %w", err)
		}
		return nil, &RemoteError{Code: remoteErr.Code, Message: remoteErr.Message}
	}
	if msgType != want {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, want, msgType)
	}
	return payload, nil
}
