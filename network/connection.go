package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalDeviceID     string
	PeerDeviceID      string
	PeerDeviceName    string
	RemoteAddr        string
	Outbound          bool
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	// SuppressPong leaves inbound pings unanswered.
	SuppressPong bool
}

// PeerConnection manages a stateful framed TCP session with one peer.
// Mesh frames are handed to the callback passed to Start; control frames
// (ping, pong, disconnect) are handled internally.
type PeerConnection struct {
	conn net.Conn

	sessionKey []byte

	localDeviceID  string
	peerDeviceID   string
	peerDeviceName string
	remoteAddr     string
	outbound       bool

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	onMesh    func([]byte)
	startOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, sessionKey []byte, options ConnectionOptions) *PeerConnection {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	remoteAddr := options.RemoteAddr
	if remoteAddr == "" && conn.RemoteAddr() != nil {
		remoteAddr = conn.RemoteAddr().String()
	}

	pc := &PeerConnection{
		conn:              conn,
		sessionKey:        append([]byte(nil), sessionKey...),
		localDeviceID:     options.LocalDeviceID,
		peerDeviceID:      options.PeerDeviceID,
		peerDeviceName:    options.PeerDeviceName,
		remoteAddr:        remoteAddr,
		outbound:          options.Outbound,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		autoRespondPing:   !options.SuppressPong,
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}
	pc.touchActivity()

	return pc
}

// Start begins reading frames and sending keep-alives. Mesh frames are
// passed to onMesh on the read goroutine. Nothing is read before Start, so
// the caller can register the session key first.
func (pc *PeerConnection) Start(onMesh func([]byte)) {
	pc.startOnce.Do(func() {
		pc.onMesh = onMesh
		pc.touchActivity()
		pc.setState(StateReady)
		go pc.readLoop()
		go pc.keepAliveLoop()
	})
}

// PeerDeviceID returns the verified device ID of the remote side.
func (pc *PeerConnection) PeerDeviceID() string {
	return pc.peerDeviceID
}

// PeerDeviceName returns the name the remote side presented.
func (pc *PeerConnection) PeerDeviceName() string {
	return pc.peerDeviceName
}

// RemoteAddr returns the dialed address for outbound sessions, otherwise
// the socket's remote address.
func (pc *PeerConnection) RemoteAddr() string {
	return pc.remoteAddr
}

// Outbound reports whether this side dialed the connection.
func (pc *PeerConnection) Outbound() bool {
	return pc.outbound
}

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// SessionKey returns a copy of the negotiated session key.
func (pc *PeerConnection) SessionKey() []byte {
	return append([]byte(nil), pc.sessionKey...)
}

// SendMessage marshals a control message and writes it as one frame.
func (pc *PeerConnection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return pc.send(FrameControl, payload)
}

// SendMesh writes one router frame.
func (pc *PeerConnection) SendMesh(frame []byte) error {
	if err := pc.send(FrameMesh, frame); err != nil {
		return err
	}
	pc.setState(StateReady)
	return nil
}

func (pc *PeerConnection) send(kind byte, payload []byte) error {
	if pc.State() == StateDisconnected {
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteSessionFrame(pc.conn, kind, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		pc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	pc.touchActivity()
	return nil
}

// Disconnect sends peer_disconnect and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	pc.setState(StateDisconnecting)

	_ = pc.SendMessage(PeerDisconnect{
		Type:         TypePeerDisconnect,
		FromDeviceID: pc.localDeviceID,
		Timestamp:    time.Now().UnixMilli(),
	})

	return pc.Close()
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}

			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		kind, payload, err := SplitSessionFrame(frame)
		if err != nil {
			jww.WARN.Printf("[network] %s: %v", pc.peerDeviceID, err)
			continue
		}

		if kind == FrameMesh {
			pc.setState(StateReady)
			if pc.onMesh != nil && len(payload) > 0 {
				pc.onMesh(payload)
			}
			continue
		}

		if !pc.handleControl(payload) {
			return
		}
	}
}

// handleControl processes one control message. It returns false once the
// connection has been closed by the remote side.
func (pc *PeerConnection) handleControl(payload []byte) bool {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		jww.WARN.Printf("[network] %s: bad control frame: %v", pc.peerDeviceID, err)
		return true
	}

	switch msgType {
	case TypePing:
		pc.setState(StateIdle)
		if pc.autoRespondPing {
			_ = pc.SendMessage(PongMessage{
				Type:         TypePong,
				FromDeviceID: pc.localDeviceID,
				Timestamp:    time.Now().UnixMilli(),
			})
		}
	case TypePong:
		pc.ackPong()
		pc.setState(StateIdle)
	case TypePeerDisconnect:
		pc.setState(StateDisconnecting)
		pc.closeWithError(nil)
		return false
	case TypeError:
		var remoteErr ErrorMessage
		if err := json.Unmarshal(payload, &remoteErr); err == nil {
			jww.WARN.Printf("[network] %s reported [%s]: %s", pc.peerDeviceID, remoteErr.Code, remoteErr.Message)
		}
	default:
		jww.DEBUG.Printf("[network] %s: ignoring control message %q", pc.peerDeviceID, msgType)
	}
	return true
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.State() == StateDisconnected {
				return
			}

			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < pc.keepAliveInterval {
				continue
			}

			if pc.isWaitingPong() {
				continue
			}

			if err := pc.SendMessage(PingMessage{
				Type:         TypePing,
				FromDeviceID: pc.localDeviceID,
				Timestamp:    time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
			pc.setState(StateIdle)
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	if pc.state == StateDisconnected {
		return
	}
	pc.state = state
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.stateMu.Lock()
		pc.state = StateDisconnected
		pc.stateMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}

func decodeHandshake(payload []byte) (HandshakeMessage, error) {
	var msg HandshakeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HandshakeMessage{}, fmt.Errorf("decode handshake: %w", err)
	}
	return msg, nil
}

func decodeHandshakeResponse(payload []byte) (HandshakeResponse, error) {
	var msg HandshakeResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HandshakeResponse{}, fmt.Errorf("decode handshake response: %w", err)
	}
	return msg, nil
}
