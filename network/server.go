package network

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"signalmesh/crypto"
)

// Server accepts inbound TCP sessions and upgrades them to PeerConnection.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and handshaked peer connections. They are not
// started; the receiver calls Start once the session is registered.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	peerConnection, err := s.accept(conn)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("inbound handshake from %s: %w", conn.RemoteAddr(), err))
		return
	}

	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) accept(conn net.Conn) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := generateHandshakeChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate handshake challenge nonce: %w", err)
	}
	challengePayload, err := EncodeJSON(HandshakeChallenge{
		Type:  TypeHandshakeChallenge,
		Nonce: nonce,
	})
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, challengePayload); err != nil {
		return nil, fmt.Errorf("write handshake challenge: %w", err)
	}

	handshakePayload, err := ReadFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	msgType, err := DecodeMessageType(handshakePayload)
	if err != nil {
		return nil, err
	}
	if msgType != TypeHandshake {
		_ = s.sendError(conn, "unknown_type", fmt.Sprintf("Expected %q, got %q", TypeHandshake, msgType))
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}

	handshake, err := decodeHandshake(handshakePayload)
	if err != nil {
		return nil, err
	}

	if handshake.ProtocolVersion != ProtocolVersion {
		_ = writeControlJSON(conn, makeVersionMismatchError(int64(handshake.ProtocolVersion)))
		return nil, ErrUnsupportedVersion
	}
	if handshake.ChallengeNonce != nonce {
		_ = s.sendError(conn, "invalid_handshake_challenge", "Handshake challenge nonce mismatch.")
		return nil, errors.New("handshake challenge nonce mismatch")
	}

	peerPublicKey, err := VerifyHandshakeMessage(handshake)
	if err != nil {
		_ = s.sendError(conn, "invalid_signature", "Handshake signature rejected.")
		return nil, fmt.Errorf("verify handshake: %w", err)
	}

	// Inbound sockets come from an ephemeral port, so no redial address is recorded.
	if err := s.options.admitPeer(handshake.DeviceID, handshake.DeviceName, peerPublicKey, ""); err != nil {
		_ = s.sendError(conn, errorCodeFor(err), err.Error())
		return nil, err
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}

	sessionKey, err := deriveSessionKey(localEphemeralPrivateKey, handshake.X25519PublicKey, s.options.Identity.DeviceID, handshake.DeviceID, nonce)
	if err != nil {
		return nil, err
	}

	response, err := BuildHandshakeResponse(s.options.Identity, localEphemeralPublicKey.Bytes(), nonce)
	if err != nil {
		return nil, err
	}
	if err := writeControlJSON(conn, response); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, s.options.connectionOptions(handshake.DeviceID, handshake.DeviceName, "", false)), nil
}

func (s *Server) sendError(conn net.Conn, code, message string) error {
	return writeControlJSON(conn, ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

// writeControlJSON writes one pre-session JSON frame.
func writeControlJSON(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func generateHandshakeChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}
