// Package router implements flood routing over a peer-to-peer transport.
//
// Outbound messages are classified, encrypted per next hop when Private and
// a session key exists, and queued per peer with High priority frames ahead
// of Normal ones. Inbound frames are decoded, deduplicated by message ID,
// decrypted when marked, delivered once to the application and re-flooded
// to every other connected peer while hop budget remains.
package router

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"signalmesh/classify"
	"signalmesh/dedup"
	"signalmesh/gate"
	"signalmesh/wire"
)

// EncryptedFrameMarker is the first byte of a frame whose envelope payload
// is sealed under the sending peer's session key. Plaintext frames start
// with the protocol version byte instead.
const EncryptedFrameMarker byte = 0xE5

// DefaultQueueDepth bounds each peer's outbound queue.
const DefaultQueueDepth = 256

var (
	// ErrNoPeers is returned by Send when no peer is connected.
	ErrNoPeers = errors.New("router: no connected peers")
	// ErrPeerNotConnected is returned by Send for an unknown target.
	ErrPeerNotConnected = errors.New("router: peer not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("router: closed")
)

// Handlers are the callbacks a Transport reports into.
type Handlers struct {
	OnReceive          func(data []byte, fromPeer string)
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
}

// Transport moves frames between this node and its directly connected
// peers.
type Transport interface {
	Send(data []byte, peers []string) error
	SetHandlers(h Handlers)
}

// Options configures a Router.
type Options struct {
	Transport  Transport
	Keys       gate.KeyStore
	KeyTimeout time.Duration
	Dedup      dedup.Options
	QueueDepth int
	// OnMessage receives each delivered envelope once, already decrypted.
	OnMessage func(env wire.Envelope, fromPeer string)
	OnEvent   func(ev Event)
	Now       func() time.Time
}

// Router is safe for concurrent use by any number of transport callbacks.
type Router struct {
	transport  Transport
	gate       *gate.Gate
	seen       *dedup.Cache
	onMessage  func(wire.Envelope, string)
	onEvent    func(Event)
	queueDepth int
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]*peerQueue
	closed bool

	sent, delivered, relayed, duplicates, ttlExhausted atomic.Uint64
	codecErrors, decryptFailures, keylessSends          atomic.Uint64
	queueOverflows, transportErrors                     atomic.Uint64
}

// New creates a Router and registers it with the transport.
func New(opts Options) (*Router, error) {
	if opts.Transport == nil {
		return nil, errors.New("router: transport is required")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dedup.Now == nil {
		opts.Dedup.Now = opts.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		transport:  opts.Transport,
		gate:       gate.New(opts.Keys, opts.KeyTimeout),
		seen:       dedup.New(opts.Dedup),
		onMessage:  opts.OnMessage,
		onEvent:    opts.OnEvent,
		queueDepth: opts.QueueDepth,
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[string]*peerQueue),
	}

	if opts.Dedup.Backing != nil {
		jww.INFO.Printf("[router] restored %d recently seen message IDs", r.seen.Restored())
		r.wg.Add(1)
		go r.pruneLoop(opts.Dedup.Window)
	}

	opts.Transport.SetHandlers(Handlers{
		OnReceive:          r.Receive,
		OnPeerConnected:    r.PeerConnected,
		OnPeerDisconnected: r.PeerDisconnected,
	})
	return r, nil
}

// Send floods env to targets, or to every connected peer when no target is
// given. An empty message ID, zero timestamp or zero TTL is filled in. The
// ID is marked as seen so copies echoed back by the mesh are absorbed.
func (r *Router) Send(ctx context.Context, env wire.Envelope, targets ...string) error {
	if env.MessageID == "" {
		env.MessageID = wire.NewMessageID()
	} else {
		env.MessageID = wire.NormalizeMessageID(env.MessageID)
	}
	if env.Timestamp == 0 {
		env.Timestamp = uint32(r.now().Unix())
	}
	class := classify.ForEnvelope(env)
	if env.TTL == 0 {
		env.TTL = class.TTL()
	}

	plain, err := wire.Encode(env)
	if err != nil {
		return err
	}

	queues, err := r.targetQueues(targets)
	if err != nil {
		return err
	}

	r.seen.Observe(env.MessageID)
	for _, q := range queues {
		frame := r.frameFor(ctx, env, class, plain, q.peerID)
		r.enqueue(q, outbound{frame: frame, messageID: env.MessageID, priority: class.Priority})
	}
	r.sent.Add(1)
	jww.TRACE.Printf("[router] sent %s %s (%s) to %d peers", env.Type, env.MessageID, class, len(queues))
	return nil
}

// Receive handles one frame from a directly connected peer. It never
// returns an error: every failure is dropped and reported as an Event.
func (r *Router) Receive(data []byte, fromPeer string) {
	if r.isClosed() {
		return
	}

	encrypted := len(data) > 0 && data[0] == EncryptedFrameMarker
	body := data
	if encrypted {
		body = data[1:]
	}

	env, err := wire.Decode(body)
	if err != nil {
		r.codecErrors.Add(1)
		jww.WARN.Printf("[router] dropping undecodable frame from %s: %v", fromPeer, err)
		r.emit(Event{Kind: CodecError, PeerID: fromPeer, Err: err})
		return
	}

	if !r.seen.Observe(env.MessageID) {
		r.duplicates.Add(1)
		jww.DEBUG.Printf("[router] duplicate %s from %s", env.MessageID, fromPeer)
		r.emit(Event{Kind: DuplicateMessage, PeerID: fromPeer, MessageID: env.MessageID, Type: env.Type})
		return
	}

	if env.TTL == 0 {
		r.ttlExhausted.Add(1)
		jww.DEBUG.Printf("[router] %s from %s arrived with no hops left", env.MessageID, fromPeer)
		r.emit(Event{Kind: TtlExhausted, PeerID: fromPeer, MessageID: env.MessageID, Type: env.Type})
		return
	}
	env.TTL--

	if encrypted {
		plaintext, err := r.gate.Decrypt(r.ctx, env.Payload, fromPeer)
		if err != nil {
			r.decryptFailures.Add(1)
			jww.WARN.Printf("[router] dropping %s from %s: %v", env.MessageID, fromPeer, err)
			r.emit(Event{Kind: DecryptFailure, PeerID: fromPeer, MessageID: env.MessageID, Type: env.Type, Err: err})
			return
		}
		env.Payload = plaintext
	}

	r.delivered.Add(1)
	if r.onMessage != nil {
		r.onMessage(env, fromPeer)
	}

	if env.TTL == 0 {
		r.ttlExhausted.Add(1)
		jww.DEBUG.Printf("[router] not relaying %s: hop budget spent", env.MessageID)
		r.emit(Event{Kind: TtlExhausted, PeerID: fromPeer, MessageID: env.MessageID, Type: env.Type})
		return
	}
	r.relay(env, fromPeer)
}

func (r *Router) relay(env wire.Envelope, fromPeer string) {
	plain, err := wire.Encode(env)
	if err != nil {
		// Decoded envelopes always re-encode.
		jww.ERROR.Printf("[router] re-encoding %s failed: %v", env.MessageID, err)
		return
	}
	class := classify.ForEnvelope(env)

	r.mu.Lock()
	queues := make([]*peerQueue, 0, len(r.peers))
	for id, q := range r.peers {
		if id != fromPeer {
			queues = append(queues, q)
		}
	}
	r.mu.Unlock()

	for _, q := range queues {
		frame := r.frameFor(r.ctx, env, class, plain, q.peerID)
		r.enqueue(q, outbound{frame: frame, messageID: env.MessageID, priority: class.Priority})
	}
	if len(queues) > 0 {
		r.relayed.Add(1)
		jww.TRACE.Printf("[router] relayed %s to %d peers, ttl %d", env.MessageID, len(queues), env.TTL)
	}
}

// frameFor builds the wire frame of env for one next hop. Private messages
// are sealed under that hop's key; without one they go out as plain.
func (r *Router) frameFor(ctx context.Context, env wire.Envelope, class classify.Class, plain []byte, peerID string) []byte {
	if class.Visibility == classify.Public {
		return plain
	}

	var cause error
	if r.gate.HasSessionKey(ctx, peerID) {
		frame, err := r.seal(ctx, env, peerID)
		if err == nil {
			return frame
		}
		cause = err
	}

	r.keylessSends.Add(1)
	jww.WARN.Printf("[router] sending private %s %s to %s without encryption", env.Type, env.MessageID, peerID)
	r.emit(Event{Kind: KeylessPrivateSend, PeerID: peerID, MessageID: env.MessageID, Type: env.Type, Err: cause})
	return plain
}

func (r *Router) seal(ctx context.Context, env wire.Envelope, peerID string) ([]byte, error) {
	ciphertext, err := r.gate.Encrypt(ctx, env.Payload, peerID)
	if err != nil {
		return nil, err
	}
	env.Payload = ciphertext
	frame := make([]byte, 1, 1+env.EncodedLen())
	frame[0] = EncryptedFrameMarker
	return wire.AppendEnvelope(frame, env)
}

func (r *Router) targetQueues(targets []string) ([]*peerQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	if len(targets) == 0 {
		if len(r.peers) == 0 {
			return nil, ErrNoPeers
		}
		queues := make([]*peerQueue, 0, len(r.peers))
		for _, q := range r.peers {
			queues = append(queues, q)
		}
		return queues, nil
	}

	queues := make([]*peerQueue, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		q, ok := r.peers[id]
		if !ok {
			return nil, errors.Wrapf(ErrPeerNotConnected, "peer %s", id)
		}
		queues = append(queues, q)
	}
	return queues, nil
}

func (r *Router) enqueue(q *peerQueue, item outbound) {
	dropped, ok := q.push(item)
	if !ok || dropped == nil {
		return
	}
	r.queueOverflows.Add(1)
	jww.WARN.Printf("[router] queue for %s full, dropped %s", q.peerID, dropped.messageID)
	r.emit(Event{Kind: QueueOverflow, PeerID: q.peerID, MessageID: dropped.messageID})
}

// PeerConnected starts an outbound queue for peerID.
func (r *Router) PeerConnected(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || peerID == "" {
		return
	}
	if _, ok := r.peers[peerID]; ok {
		return
	}
	q := newPeerQueue(peerID, r.queueDepth)
	r.peers[peerID] = q
	r.wg.Add(1)
	go r.drain(q)
	jww.INFO.Printf("[router] peer %s connected", peerID)
}

// PeerDisconnected discards every frame still queued for peerID.
func (r *Router) PeerDisconnected(peerID string) {
	r.mu.Lock()
	q, ok := r.peers[peerID]
	delete(r.peers, peerID)
	r.mu.Unlock()
	if !ok {
		return
	}
	discarded := q.close()
	jww.INFO.Printf("[router] peer %s disconnected, discarded %d queued frames", peerID, discarded)
}

// drain is the per-peer sender. Sends to different peers run in parallel.
func (r *Router) drain(q *peerQueue) {
	defer r.wg.Done()
	for {
		for {
			item, ok := q.pop()
			if !ok {
				break
			}
			if err := r.transport.Send(item.frame, []string{q.peerID}); err != nil {
				r.transportErrors.Add(1)
				jww.ERROR.Printf("[router] send %s to %s failed: %v", item.messageID, q.peerID, err)
				r.emit(Event{Kind: TransportError, PeerID: q.peerID, MessageID: item.messageID, Err: err})
			}
		}
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

func (r *Router) pruneLoop(window time.Duration) {
	defer r.wg.Done()
	if window <= 0 {
		window = dedup.DefaultWindow
	}
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.seen.Prune(); err != nil {
				jww.WARN.Printf("[router] pruning seen IDs failed: %v", err)
			} else if n > 0 {
				jww.DEBUG.Printf("[router] pruned %d seen IDs", n)
			}
		}
	}
}

// Peers returns the connected peer IDs, sorted.
func (r *Router) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	connected := len(r.peers)
	r.mu.Unlock()
	return Stats{
		Sent:            r.sent.Load(),
		Delivered:       r.delivered.Load(),
		Relayed:         r.relayed.Load(),
		Duplicates:      r.duplicates.Load(),
		TtlExhausted:    r.ttlExhausted.Load(),
		CodecErrors:     r.codecErrors.Load(),
		DecryptFailures: r.decryptFailures.Load(),
		KeylessSends:    r.keylessSends.Load(),
		QueueOverflows:  r.queueOverflows.Load(),
		TransportErrors: r.transportErrors.Load(),
		ConnectedPeers:  connected,
		SeenIDs:         r.seen.Len(),
	}
}

// Close stops every peer sender and discards queued frames.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	peers := r.peers
	r.peers = make(map[string]*peerQueue)
	r.mu.Unlock()

	r.cancel()
	for _, q := range peers {
		q.close()
	}
	r.wg.Wait()
	return nil
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}
