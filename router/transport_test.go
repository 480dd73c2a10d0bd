package router

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"signalmesh/wire"
)

type sentFrame struct {
	peer string
	data []byte
}

// recordingTransport captures every frame handed to it. With release set,
// each Send blocks until release is closed.
type recordingTransport struct {
	mu       sync.Mutex
	handlers Handlers
	sent     []sentFrame
	err      error

	entered     chan struct{}
	release     chan struct{}
	releaseOnce sync.Once
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{}
}

func newGatedTransport() *recordingTransport {
	return &recordingTransport{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

// unblock lets every pending and future Send through.
func (t *recordingTransport) unblock() {
	t.releaseOnce.Do(func() { close(t.release) })
}

func (t *recordingTransport) SetHandlers(h Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

func (t *recordingTransport) Send(data []byte, peers []string) error {
	if t.release != nil {
		select {
		case t.entered <- struct{}{}:
		default:
		}
		<-t.release
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		t.sent = append(t.sent, sentFrame{peer: p, data: append([]byte(nil), data...)})
	}
	return t.err
}

func (t *recordingTransport) frames() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentFrame(nil), t.sent...)
}

func (t *recordingTransport) framesTo(peer string) [][]byte {
	var out [][]byte
	for _, f := range t.frames() {
		if f.peer == peer {
			out = append(out, f.data)
		}
	}
	return out
}

// memNet is an in-memory mesh. Delivery is synchronous on the sender's
// goroutine.
type memNet struct {
	mu    sync.Mutex
	nodes map[string]*memNode
	links map[[2]string]bool
}

type memNode struct {
	id  string
	net *memNet

	mu       sync.Mutex
	handlers Handlers
}

func newMemNet() *memNet {
	return &memNet{nodes: make(map[string]*memNode), links: make(map[[2]string]bool)}
}

func (m *memNet) node(id string) *memNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := &memNode{id: id, net: m}
	m.nodes[id] = n
	return n
}

func (m *memNet) link(a, b string) {
	m.mu.Lock()
	m.links[[2]string{a, b}] = true
	m.links[[2]string{b, a}] = true
	na, nb := m.nodes[a], m.nodes[b]
	m.mu.Unlock()

	na.current().OnPeerConnected(b)
	nb.current().OnPeerConnected(a)
}

func (n *memNode) SetHandlers(h Handlers) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = h
}

func (n *memNode) current() Handlers {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers
}

func (n *memNode) Send(data []byte, peers []string) error {
	for _, p := range peers {
		n.net.mu.Lock()
		dst, linked := n.net.nodes[p], n.net.links[[2]string{n.id, p}]
		n.net.mu.Unlock()
		if dst == nil || !linked {
			return errors.Errorf("%s is not linked to %s", n.id, p)
		}
		dst.current().OnReceive(append([]byte(nil), data...), n.id)
	}
	return nil
}

type delivery struct {
	env  wire.Envelope
	from string
}

// collector records deliveries and events from one router.
type collector struct {
	mu         sync.Mutex
	deliveries []delivery
	events     []Event
}

func (c *collector) onMessage(env wire.Envelope, from string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, delivery{env: env, from: from})
}

func (c *collector) onEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) delivered() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.deliveries...)
}

func (c *collector) count(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (c *collector) eventsOf(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRouter(t *testing.T, opts Options) (*Router, *collector) {
	t.Helper()
	c := &collector{}
	opts.OnMessage = c.onMessage
	opts.OnEvent = c.onEvent
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, c
}

func encodeFrame(t *testing.T, env wire.Envelope) []byte {
	t.Helper()
	data, err := wire.Encode(env)
	require.NoError(t, err)
	return data
}
