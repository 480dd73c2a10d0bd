package network

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"signalmesh/router"
	"signalmesh/storage"
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrPeerNotConnected indicates no live session exists for a peer.
	ErrPeerNotConnected = errors.New("network: peer not connected")
	// ErrTransportClosed indicates the transport has been shut down.
	ErrTransportClosed = errors.New("network: transport closed")
)

// SessionKeyRegistry receives the key negotiated for each live session.
// crypto.SessionKeys implements it.
type SessionKeyRegistry interface {
	Set(peerID string, key []byte) error
	Remove(peerID string)
}

// PeerStore is the persistent peer table the transport keeps current.
// storage.Store implements it.
type PeerStore interface {
	PeerPinner
	UpdatePeerStatus(deviceID, status string, lastSeenTimestamp int64) error
	LogSecurityEvent(event storage.SecurityEvent) error
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	Handshake     HandshakeOptions
	ListenAddress string
	Keys          SessionKeyRegistry
	// Store is optional. When set it pins peer keys and tracks peer status.
	Store PeerStore
	// Bootstrap lists host:port addresses that are dialed and kept connected.
	Bootstrap        []string
	ReconnectBackoff []time.Duration
}

// Transport is a TCP mesh transport. Each connected peer has exactly one
// live session; mesh frames are exchanged over it and handed to the
// registered router handlers.
type Transport struct {
	options TransportOptions

	server *Server

	mu       sync.RWMutex
	sessions map[string]*PeerConnection
	handlers router.Handlers
	isClosed bool

	// lifecycleMu orders session registration and teardown together with
	// their connect/disconnect callbacks.
	lifecycleMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTransport validates options. Call Start to listen and dial.
func NewTransport(options TransportOptions) (*Transport, error) {
	options.Handshake = options.Handshake.withDefaults()
	if err := options.Handshake.validateIdentity(); err != nil {
		return nil, err
	}
	if options.Keys == nil {
		return nil, errors.New("session key registry is required")
	}
	if options.Store != nil && options.Handshake.Pins == nil {
		options.Handshake.Pins = options.Store
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}

	return &Transport{
		options:  options,
		sessions: make(map[string]*PeerConnection),
		closed:   make(chan struct{}),
	}, nil
}

// SetHandlers registers the callbacks frames and peer lifecycle changes
// are reported to.
func (t *Transport) SetHandlers(h router.Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// Start begins listening for inbound sessions and dialing bootstrap peers.
func (t *Transport) Start() error {
	server, err := Listen(t.options.ListenAddress, t.options.Handshake)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.isClosed {
		t.mu.Unlock()
		_ = server.Close()
		return ErrTransportClosed
	}
	t.server = server
	t.mu.Unlock()

	jww.INFO.Printf("[network] listening on %s", server.Addr())

	t.wg.Add(2)
	go t.acceptLoop(server)
	go t.errorLoop(server)

	for _, address := range t.options.Bootstrap {
		t.wg.Add(1)
		go t.maintain(address)
	}
	return nil
}

// Addr returns the listening address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.server == nil {
		return nil
	}
	return t.server.Addr()
}

// Connect dials address once and registers the session. It returns the
// peer's device ID.
func (t *Transport) Connect(address string) (string, error) {
	if t.closedNow() {
		return "", ErrTransportClosed
	}
	conn, err := Dial(address, t.options.Handshake)
	if err != nil {
		t.noteHandshakeFailure(err)
		return "", err
	}
	active := t.register(conn)
	if active == nil {
		return "", ErrTransportClosed
	}
	return active.PeerDeviceID(), nil
}

// Send writes data to each listed peer's session. Failures for individual
// peers are joined; peers that succeeded are not retried.
func (t *Transport) Send(data []byte, peers []string) error {
	if t.closedNow() {
		return ErrTransportClosed
	}

	var errs []error
	for _, peerID := range peers {
		conn := t.session(peerID)
		if conn == nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID))
			continue
		}
		if err := conn.SendMesh(data); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", peerID, err))
			continue
		}
		jww.TRACE.Printf("[network] sent %d bytes to %s", len(data), peerID)
	}
	return errors.Join(errs...)
}

// Peers returns the device IDs with a live session, sorted.
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]string, 0, len(t.sessions))
	for peerID := range t.sessions {
		peers = append(peers, peerID)
	}
	sort.Strings(peers)
	return peers
}

// Close disconnects every session and stops listening and redialing.
func (t *Transport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.isClosed = true
		server := t.server
		sessions := make([]*PeerConnection, 0, len(t.sessions))
		for _, conn := range t.sessions {
			sessions = append(sessions, conn)
		}
		t.mu.Unlock()

		close(t.closed)
		if server != nil {
			closeErr = server.Close()
		}
		for _, conn := range sessions {
			_ = conn.Disconnect()
		}
		t.wg.Wait()
	})
	return closeErr
}

func (t *Transport) acceptLoop(server *Server) {
	defer t.wg.Done()
	for conn := range server.Incoming() {
		t.register(conn)
	}
}

func (t *Transport) errorLoop(server *Server) {
	defer t.wg.Done()
	for err := range server.Errors() {
		t.noteHandshakeFailure(err)
	}
}

// maintain keeps one bootstrap address connected, redialing with backoff.
func (t *Transport) maintain(address string) {
	defer t.wg.Done()

	attempt := 0
	for {
		if !t.wait(t.backoffForAttempt(attempt)) {
			return
		}

		conn, err := Dial(address, t.options.Handshake)
		if err != nil {
			attempt++
			t.noteHandshakeFailure(fmt.Errorf("dial bootstrap peer %s: %w", address, err))
			continue
		}

		active := t.register(conn)
		if active == nil {
			return
		}
		attempt = 0

		select {
		case <-active.Done():
			jww.INFO.Printf("[network] session with %s (%s) ended, redialing", active.PeerDeviceID(), address)
		case <-t.closed:
			return
		}
	}
}

// register installs conn as the live session for its peer, or discards it
// if an existing session wins the tie-break. It returns the session that
// is live afterwards, or nil when the transport is closed.
func (t *Transport) register(conn *PeerConnection) *PeerConnection {
	peerID := conn.PeerDeviceID()

	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.mu.Lock()
	if t.isClosed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	existing := t.sessions[peerID]
	if existing != nil && !t.supersedes(conn, existing) {
		t.mu.Unlock()
		jww.DEBUG.Printf("[network] keeping existing session with %s", peerID)
		_ = conn.Close()
		return existing
	}
	if err := t.options.Keys.Set(peerID, conn.SessionKey()); err != nil {
		t.mu.Unlock()
		jww.ERROR.Printf("[network] register session key for %s: %v", peerID, err)
		_ = conn.Close()
		return existing
	}
	t.sessions[peerID] = conn
	handlers := t.handlers
	t.mu.Unlock()

	if existing != nil {
		_ = existing.Close()
	}

	conn.Start(func(frame []byte) {
		t.deliver(frame, peerID)
	})
	t.wg.Add(1)
	go t.watch(conn)

	if existing != nil {
		jww.INFO.Printf("[network] replaced session with %s", peerID)
		return conn
	}

	jww.INFO.Printf("[network] connected to %s (%s) at %s", peerID, conn.PeerDeviceName(), conn.RemoteAddr())
	if handlers.OnPeerConnected != nil {
		handlers.OnPeerConnected(peerID)
	}
	return conn
}

// supersedes reports whether candidate should replace current. A newer
// session from the same dialer wins; otherwise both ends keep the
// connection dialed by the lower device ID.
func (t *Transport) supersedes(candidate, current *PeerConnection) bool {
	if current.State() == StateDisconnected {
		return true
	}
	candidateDialer := t.dialerOf(candidate)
	if candidateDialer == t.dialerOf(current) {
		return true
	}
	return candidateDialer == min(t.options.Handshake.Identity.DeviceID, candidate.PeerDeviceID())
}

func (t *Transport) dialerOf(conn *PeerConnection) string {
	if conn.Outbound() {
		return t.options.Handshake.Identity.DeviceID
	}
	return conn.PeerDeviceID()
}

// watch tears down a session once its connection ends. A session that was
// already replaced is left alone.
func (t *Transport) watch(conn *PeerConnection) {
	defer t.wg.Done()
	<-conn.Done()

	peerID := conn.PeerDeviceID()

	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.mu.Lock()
	if t.sessions[peerID] != conn {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, peerID)
	t.options.Keys.Remove(peerID)
	handlers := t.handlers
	t.mu.Unlock()

	if err := conn.LastError(); err != nil {
		jww.WARN.Printf("[network] session with %s closed: %v", peerID, err)
	} else {
		jww.INFO.Printf("[network] disconnected from %s", peerID)
	}

	if t.options.Store != nil {
		err := t.options.Store.UpdatePeerStatus(peerID, storage.PeerStatusOffline, time.Now().UnixMilli())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			jww.WARN.Printf("[network] mark %s offline: %v", peerID, err)
		}
	}

	if handlers.OnPeerDisconnected != nil {
		handlers.OnPeerDisconnected(peerID)
	}
}

func (t *Transport) deliver(frame []byte, peerID string) {
	t.mu.RLock()
	onReceive := t.handlers.OnReceive
	t.mu.RUnlock()

	jww.TRACE.Printf("[network] received %d bytes from %s", len(frame), peerID)
	if onReceive != nil {
		onReceive(frame, peerID)
	}
}

// noteHandshakeFailure logs a failed session attempt. Key changes are
// also recorded as security events.
func (t *Transport) noteHandshakeFailure(err error) {
	if err == nil {
		return
	}
	if !errors.Is(err, ErrKeyChanged) {
		jww.WARN.Printf("[network] %v", err)
		return
	}

	jww.ERROR.Printf("[network] %v", err)
	if t.options.Store == nil {
		return
	}
	event := storage.SecurityEvent{
		EventType: storage.SecurityEventKeyMismatch,
		Severity:  storage.SecuritySeverityCritical,
	}
	var peerErr *PeerError
	if errors.As(err, &peerErr) {
		peerID := peerErr.PeerDeviceID
		event.PeerDeviceID = &peerID
	}
	details, jsonErr := EncodeJSON(map[string]string{"error": err.Error()})
	if jsonErr == nil {
		event.Details = string(details)
	}
	if logErr := t.options.Store.LogSecurityEvent(event); logErr != nil {
		jww.WARN.Printf("[network] record key mismatch: %v", logErr)
	}
}

func (t *Transport) session(peerID string) *PeerConnection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[peerID]
}

func (t *Transport) closedNow() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isClosed
}

func (t *Transport) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-t.closed:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.closed:
		return false
	}
}

func (t *Transport) backoffForAttempt(attempt int) time.Duration {
	backoff := t.options.ReconnectBackoff
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
