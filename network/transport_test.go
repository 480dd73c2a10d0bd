package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	appcrypto "signalmesh/crypto"
	"signalmesh/router"
	"signalmesh/storage"
	"signalmesh/wire"
)

type meshNode struct {
	id        string
	transport *Transport
	router    *router.Router
	keys      *appcrypto.SessionKeys

	mu     sync.Mutex
	inbox  []wire.Envelope
	events []router.Event
}

func startMeshNode(t *testing.T, id string, store PeerStore, bootstrap ...string) *meshNode {
	t.Helper()

	node := &meshNode{id: id, keys: appcrypto.NewSessionKeys()}
	transport, err := NewTransport(TransportOptions{
		Handshake: HandshakeOptions{
			Identity:         testIdentity(t, id, "Node "+id),
			FrameReadTimeout: 100 * time.Millisecond,
		},
		ListenAddress:    "127.0.0.1:0",
		Keys:             node.keys,
		Store:            store,
		Bootstrap:        bootstrap,
		ReconnectBackoff: []time.Duration{0, 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	node.transport = transport

	r, err := router.New(router.Options{
		Transport: transport,
		Keys:      node.keys,
		OnMessage: func(env wire.Envelope, _ string) {
			node.mu.Lock()
			defer node.mu.Unlock()
			node.inbox = append(node.inbox, env)
		},
		OnEvent: func(ev router.Event) {
			node.mu.Lock()
			defer node.mu.Unlock()
			node.events = append(node.events, ev)
		},
	})
	if err != nil {
		t.Fatalf("router.New failed: %v", err)
	}
	node.router = r

	if err := transport.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = transport.Close()
		_ = r.Close()
	})
	return node
}

func (n *meshNode) addr() string {
	return n.transport.Addr().String()
}

func (n *meshNode) received() []wire.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]wire.Envelope(nil), n.inbox...)
}

func (n *meshNode) eventCount(kind router.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ev := range n.events {
		if ev.Kind == kind {
			count++
		}
	}
	return count
}

func (n *meshNode) connectedTo(peerID string) bool {
	for _, p := range n.router.Peers() {
		if p == peerID {
			return n.keys.HasKey(peerID)
		}
	}
	return false
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransportCarriesPrivateChatBetweenRouters(t *testing.T) {
	a := startMeshNode(t, "node-a", nil)
	b := startMeshNode(t, "node-b", nil, a.addr())

	waitUntil(t, "a and b connected", func() bool {
		return a.connectedTo("node-b") && b.connectedTo("node-a")
	})

	err := b.router.Send(context.Background(), wire.Envelope{
		Type:    wire.TypeChat,
		Payload: []byte("water at the school gym"),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitUntil(t, "chat delivered to a", func() bool {
		return len(a.received()) == 1
	})
	if got := a.received()[0]; !bytes.Equal(got.Payload, []byte("water at the school gym")) {
		t.Fatalf("unexpected payload %q", got.Payload)
	}
	if n := b.eventCount(router.KeylessPrivateSend); n != 0 {
		t.Fatalf("expected chat to be sealed with the session key, got %d keyless sends", n)
	}
	if n := a.eventCount(router.DecryptFailure); n != 0 {
		t.Fatalf("expected no decrypt failures, got %d", n)
	}
}

func TestTransportRelaysAcrossIntermediateNode(t *testing.T) {
	hub := startMeshNode(t, "node-hub", nil)
	left := startMeshNode(t, "node-left", nil, hub.addr())
	right := startMeshNode(t, "node-right", nil, hub.addr())

	waitUntil(t, "hub connected to both sides", func() bool {
		return hub.connectedTo("node-left") && hub.connectedTo("node-right") &&
			left.connectedTo("node-hub") && right.connectedTo("node-hub")
	})

	signal, err := wire.SignalRecord{
		Timestamp:  1700000000,
		Kind:       wire.SignalMedical,
		DeviceName: "left",
		GridCode:   "C4",
	}.Encode()
	if err != nil {
		t.Fatalf("encode signal record: %v", err)
	}
	if err := left.router.Send(context.Background(), wire.Envelope{Type: wire.TypeSignal, Payload: signal}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitUntil(t, "signal relayed to right", func() bool {
		return len(right.received()) == 1 && len(hub.received()) == 1
	})
	got := right.received()[0]
	if got.TTL != hub.received()[0].TTL-1 {
		t.Fatalf("expected relay to spend one hop: hub ttl=%d right ttl=%d", hub.received()[0].TTL, got.TTL)
	}
	if len(left.received()) != 0 {
		t.Fatalf("sender should not receive its own flood back")
	}
}

func TestTransportDisconnectPurgesPeerState(t *testing.T) {
	a := startMeshNode(t, "node-stay", nil)
	b := startMeshNode(t, "node-leave", nil, a.addr())

	waitUntil(t, "connected", func() bool {
		return a.connectedTo("node-leave") && b.connectedTo("node-stay")
	})

	if err := b.transport.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	waitUntil(t, "peer removed on a", func() bool {
		return len(a.transport.Peers()) == 0 && len(a.router.Peers()) == 0 && !a.keys.HasKey("node-leave")
	})

	err := a.router.Send(context.Background(), wire.Envelope{Type: wire.TypeHeartbeat}, "node-leave")
	if !errors.Is(err, router.ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected after disconnect, got %v", err)
	}
}

func TestSimultaneousDialsSettleOnOneSession(t *testing.T) {
	low := startMeshNode(t, "node-1", nil)
	high := startMeshNode(t, "node-2", nil, low.addr())
	if _, err := low.transport.Connect(high.addr()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitUntil(t, "both sides on the session dialed by the lower ID", func() bool {
		lowSide := low.transport.session("node-2")
		highSide := high.transport.session("node-1")
		if lowSide == nil || highSide == nil {
			return false
		}
		return lowSide.Outbound() && !highSide.Outbound() &&
			bytes.Equal(lowSide.SessionKey(), highSide.SessionKey())
	})

	if peers := low.transport.Peers(); len(peers) != 1 {
		t.Fatalf("expected one session on low side, got %v", peers)
	}
	if peers := high.transport.Peers(); len(peers) != 1 {
		t.Fatalf("expected one session on high side, got %v", peers)
	}

	if err := high.router.Send(context.Background(), wire.Envelope{Type: wire.TypeChat, Payload: []byte("still here")}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitUntil(t, "chat over surviving session", func() bool {
		return len(low.received()) == 1
	})
}

func TestTransportRecordsKeyMismatch(t *testing.T) {
	store := newTestStore(t)
	otherPublic, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}
	if _, err := store.PinPeer(
		"node-impostor",
		"Impostor",
		base64.StdEncoding.EncodeToString(otherPublic),
		appcrypto.KeyFingerprint(otherPublic),
		"",
	); err != nil {
		t.Fatalf("PinPeer failed: %v", err)
	}

	guarded := startMeshNode(t, "node-guarded", store)
	impostor := startMeshNode(t, "node-impostor", nil)

	if _, err := impostor.transport.Connect(guarded.addr()); err == nil {
		t.Fatalf("expected handshake with changed key to fail")
	}

	waitUntil(t, "key mismatch security event", func() bool {
		events, err := store.SecurityEvents(storage.SecurityEventFilter{Kinds: []string{storage.SecurityEventKeyMismatch}})
		return err == nil && len(events) == 1 &&
			events[0].PeerDeviceID != nil && *events[0].PeerDeviceID == "node-impostor"
	})
	if peers := guarded.transport.Peers(); len(peers) != 0 {
		t.Fatalf("expected no session with impostor, got %v", peers)
	}
}

func TestTransportMarksPeerOfflineOnDisconnect(t *testing.T) {
	store := newTestStore(t)
	a := startMeshNode(t, "node-tracked", store)
	b := startMeshNode(t, "node-visitor", nil, a.addr())

	waitUntil(t, "connected", func() bool {
		return a.connectedTo("node-visitor")
	})
	peer, err := store.GetPeer("node-visitor")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.Status != storage.PeerStatusOnline {
		t.Fatalf("expected online, got %q", peer.Status)
	}

	_ = b.transport.Close()

	waitUntil(t, "peer marked offline", func() bool {
		peer, err := store.GetPeer("node-visitor")
		return err == nil && peer.Status == storage.PeerStatusOffline
	})
}

func TestSendToUnknownPeerFails(t *testing.T) {
	a := startMeshNode(t, "node-lonely", nil)
	if err := a.transport.Send([]byte{0x01}, []string{"nobody"}); !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}
}

func TestBackoffForAttemptClampsToLastStep(t *testing.T) {
	transport, err := NewTransport(TransportOptions{
		Handshake: HandshakeOptions{Identity: testIdentity(t, "node-backoff", "Backoff")},
		Keys:      appcrypto.NewSessionKeys(),
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}

	want := []time.Duration{0, 5 * time.Second, 15 * time.Second, 60 * time.Second, 60 * time.Second}
	for attempt, expected := range want {
		if got := transport.backoffForAttempt(attempt); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
}

func TestNewTransportRequiresKeyRegistry(t *testing.T) {
	_, err := NewTransport(TransportOptions{
		Handshake: HandshakeOptions{Identity: testIdentity(t, "node-nokeys", "No Keys")},
	})
	if err == nil {
		t.Fatalf("expected error without a key registry")
	}
}
