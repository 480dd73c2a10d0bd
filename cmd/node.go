package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"signalmesh/config"
	appcrypto "signalmesh/crypto"
	"signalmesh/dedup"
	"signalmesh/network"
	"signalmesh/router"
	"signalmesh/storage"
	"signalmesh/wire"
)

// nodeSettings are the command line overrides applied on top of the stored
// device configuration.
type nodeSettings struct {
	DataDir string
	Port    int
	Peers   []string
	Name    string
}

func nodeSettingsFromViper() nodeSettings {
	return nodeSettings{
		DataDir: viper.GetString(dataDirFlag),
		Port:    viper.GetInt(portFlag),
		Peers:   viper.GetStringSlice(peerFlag),
		Name:    viper.GetString(nameFlag),
	}
}

// applyOverrides copies non-empty settings onto cfg for this run only.
// Bootstrap peers are merged with the stored list without duplicates.
func applyOverrides(cfg *config.DeviceConfig, s nodeSettings) {
	if name := strings.TrimSpace(s.Name); name != "" {
		cfg.DeviceName = name
	}
	if s.Port > 0 {
		cfg.PortMode = config.PortModeFixed
		cfg.ListeningPort = s.Port
	}

	known := make(map[string]bool, len(cfg.Peers))
	for _, p := range cfg.Peers {
		known[p] = true
	}
	for _, p := range s.Peers {
		p = strings.TrimSpace(p)
		if p == "" || known[p] {
			continue
		}
		known[p] = true
		cfg.Peers = append(cfg.Peers, p)
	}
}

func listenAddress(cfg *config.DeviceConfig) string {
	if cfg.PortMode == config.PortModeFixed {
		return fmt.Sprintf(":%d", cfg.ListeningPort)
	}
	return ":0"
}

// node is a running mesh participant: storage, session keys, transport and
// router wired together.
type node struct {
	cfg       *config.DeviceConfig
	identity  appcrypto.Identity
	store     *storage.Store
	keys      *appcrypto.SessionKeys
	transport *network.Transport
	router    *router.Router
	out       io.Writer
}

// loadIdentity loads the device config and key pair, persisting a changed
// fingerprint back to config.json.
func loadIdentity(s nodeSettings) (*config.DeviceConfig, string, appcrypto.Identity, error) {
	cfg, cfgPath, err := config.LoadOrCreate(s.DataDir)
	if err != nil {
		return nil, "", appcrypto.Identity{}, errors.Wrap(err, "load config")
	}

	identity, err := appcrypto.LoadOrCreateIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return nil, "", appcrypto.Identity{}, errors.Wrap(err, "load identity")
	}
	if fp := identity.Fingerprint(); cfg.KeyFingerprint != fp {
		cfg.KeyFingerprint = fp
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, "", appcrypto.Identity{}, errors.Wrap(err, "save fingerprint")
		}
	}

	applyOverrides(cfg, s)
	return cfg, cfgPath, identity, nil
}

// startNode opens storage, builds the router over a TCP transport and
// starts listening and dialing bootstrap peers. Delivered messages are
// printed to out.
func startNode(s nodeSettings, out io.Writer) (*node, error) {
	cfg, cfgPath, identity, err := loadIdentity(s)
	if err != nil {
		return nil, err
	}

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath), storage.Options{
		SecurityEventRetention: cfg.SecurityEventRetention(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	jww.INFO.Printf("[node] using database %s", dbPath)
	if err := store.MarkAllPeersOffline(); err != nil {
		jww.WARN.Printf("[node] resetting peer status failed: %v", err)
	}

	n := &node{
		cfg:      cfg,
		identity: identity,
		store:    store,
		keys:     appcrypto.NewSessionKeys(),
		out:      out,
	}

	n.transport, err = network.NewTransport(network.TransportOptions{
		Handshake: network.HandshakeOptions{
			Identity: network.LocalIdentity{
				DeviceID:   cfg.DeviceID,
				DeviceName: cfg.DeviceName,
				Keys:       identity,
			},
		},
		ListenAddress: listenAddress(cfg),
		Keys:          n.keys,
		Store:         store,
		Bootstrap:     cfg.Peers,
	})
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "create transport")
	}

	dedupOpts := dedup.Options{
		Window:     cfg.DedupWindow(),
		MaxEntries: cfg.DedupMaxEntries,
	}
	if cfg.ShouldPersistSeenIDs() {
		dedupOpts.Backing = store
	}

	n.router, err = router.New(router.Options{
		Transport:  n.transport,
		Keys:       n.keys,
		KeyTimeout: cfg.KeyTimeout(),
		Dedup:      dedupOpts,
		QueueDepth: cfg.QueueDepth,
		OnMessage:  n.onMessage,
		OnEvent:    n.onEvent,
	})
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "create router")
	}

	if err := n.transport.Start(); err != nil {
		_ = n.router.Close()
		_ = store.Close()
		return nil, errors.Wrap(err, "start transport")
	}
	jww.INFO.Printf("[node] listening on %s", n.transport.Addr())
	return n, nil
}

func (n *node) close() {
	if err := n.transport.Close(); err != nil {
		jww.WARN.Printf("[node] closing transport: %v", err)
	}
	if err := n.router.Close(); err != nil {
		jww.WARN.Printf("[node] closing router: %v", err)
	}
	if err := n.store.MarkAllPeersOffline(); err != nil {
		jww.WARN.Printf("[node] resetting peer status: %v", err)
	}
	if err := n.store.Close(); err != nil {
		jww.WARN.Printf("[node] closing storage: %v", err)
	}
}

func (n *node) printIdentity(w io.Writer) {
	printIdentity(w, n.cfg, n.identity)
	if addr := n.transport.Addr(); addr != nil {
		fmt.Fprintf(w, "Listening:       %s\n", addr)
	}
	if len(n.cfg.Peers) > 0 {
		fmt.Fprintf(w, "Bootstrap peers: %s\n", strings.Join(n.cfg.Peers, ", "))
	}
}

func printIdentity(w io.Writer, cfg *config.DeviceConfig, identity appcrypto.Identity) {
	fmt.Fprintf(w, "Device ID:       %s\n", cfg.DeviceID)
	fmt.Fprintf(w, "Device Name:     %s\n", cfg.DeviceName)
	fmt.Fprintf(w, "Key Fingerprint: %s\n", appcrypto.FormatFingerprint(identity.Fingerprint()))
}

func (n *node) onMessage(env wire.Envelope, fromPeer string) {
	fmt.Fprintf(n.out, "[%s via %s] %s\n", env.Type, fromPeer, describeEnvelope(env))
}

func (n *node) onEvent(ev router.Event) {
	event, ok := securityEventFor(ev, time.Now())
	if !ok {
		return
	}
	if err := n.store.LogSecurityEvent(event); err != nil {
		jww.WARN.Printf("[node] recording %s: %v", ev.Kind, err)
	}
}

// consoleHelp lists the console commands. Any other line is sent as chat.
const consoleHelp = "/peers /known /forget <device-id> /connect <host:port> /events [kind...] /trace <message-id> /stats"

const (
	eventListLimit    = 20
	recentEventWindow = 24 * time.Hour
)

// handleInput runs a console command or broadcasts line as chat.
func (n *node) handleInput(ctx context.Context, line string, w io.Writer) {
	if !strings.HasPrefix(line, "/") {
		if err := n.broadcastChat(ctx, line); err != nil {
			fmt.Fprintf(w, "not sent: %v\n", err)
		}
		return
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	var err error
	switch command {
	case "/peers":
		n.printSessions(w, time.Now())
	case "/known":
		err = n.printKnownPeers(w)
	case "/forget":
		err = n.forgetPeer(w, args)
	case "/connect":
		err = n.connectPeer(w, args)
	case "/events":
		err = n.printEvents(w, storage.SecurityEventFilter{Kinds: args, Limit: eventListLimit})
	case "/trace":
		if len(args) != 1 {
			err = errors.New("usage: /trace <message-id>")
			break
		}
		err = n.printEvents(w, storage.SecurityEventFilter{MessageID: args[0]})
	case "/stats":
		err = n.printStats(w, time.Now())
	default:
		err = errors.Errorf("unknown command, try: %s", consoleHelp)
	}
	if err != nil {
		fmt.Fprintf(w, "%s: %v\n", command, err)
	}
}

// printSessions lists connected peers with the age of their session key.
func (n *node) printSessions(w io.Writer, now time.Time) {
	peers := n.router.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(w, "no connected peers")
		return
	}
	for _, p := range peers {
		rec, ok := n.keys.Record(p)
		if !ok {
			fmt.Fprintf(w, "%s  no session key\n", p)
			continue
		}
		fmt.Fprintf(w, "%s  session key for %s\n", p, now.Sub(rec.EstablishedAt).Truncate(time.Second))
	}
}

// printKnownPeers lists every pinned peer and flags peers whose latest key
// change was rejected.
func (n *node) printKnownPeers(w io.Writer) error {
	peers, err := n.store.ListPeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(w, "no known peers")
		return nil
	}
	for _, p := range peers {
		fmt.Fprintln(w, describePeer(p))
		rotations, err := n.store.GetRecentKeyRotationEvents(p.DeviceID, 1)
		if err != nil {
			return err
		}
		if len(rotations) == 1 && rotations[0].Decision == storage.KeyRotationDecisionRejected {
			fmt.Fprintf(w, "  rejected key %s at %s\n",
				appcrypto.FormatFingerprint(rotations[0].NewKeyFingerprint),
				time.UnixMilli(rotations[0].Timestamp).Format(time.RFC3339))
		}
	}
	return nil
}

// forgetPeer drops a pinned identity so the peer's next handshake pins
// whatever key it presents. Connected peers cannot be forgotten.
func (n *node) forgetPeer(w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /forget <device-id>")
	}
	id := args[0]
	for _, p := range n.router.Peers() {
		if p == id {
			return errors.Errorf("%s is connected", id)
		}
	}
	if err := n.store.RemovePeer(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Errorf("unknown peer %s", id)
		}
		return err
	}
	jww.INFO.Printf("[node] forgot pinned identity of %s", id)
	fmt.Fprintf(w, "forgot %s\n", id)
	return nil
}

func (n *node) connectPeer(w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /connect <host:port>")
	}
	id, err := n.transport.Connect(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "connected to %s\n", id)
	return nil
}

func (n *node) printEvents(w io.Writer, filter storage.SecurityEventFilter) error {
	events, err := n.store.SecurityEvents(filter)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no security events")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintln(w, formatSecurityEvent(ev))
	}
	return nil
}

// printStats prints router counters followed by the security events
// recorded over the last day.
func (n *node) printStats(w io.Writer, now time.Time) error {
	fmt.Fprintln(w, formatStats(n.router.Stats()))
	counts, err := n.store.SecurityEventCounts(now.Add(-recentEventWindow).UnixMilli())
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fmt.Fprintln(w, "security events (24h): "+formatCounts(counts))
	}
	return nil
}

func (n *node) broadcastChat(ctx context.Context, content string) error {
	payload, err := wire.ChatRecord{
		Timestamp:     uint32(time.Now().Unix()),
		DeviceName:    n.cfg.DeviceName,
		ChatMessageID: uuid.NewString(),
		Content:       content,
	}.Encode()
	if err != nil {
		return err
	}
	return n.router.Send(ctx, wire.Envelope{Type: wire.TypeChat, Payload: payload})
}

func (n *node) broadcastSignal(ctx context.Context, msgType wire.MessageType, kind wire.SignalKind, grid string) (string, error) {
	payload, err := wire.SignalRecord{
		Timestamp:  uint32(time.Now().Unix()),
		Kind:       kind,
		DeviceName: n.cfg.DeviceName,
		GridCode:   grid,
	}.Encode()
	if err != nil {
		return "", err
	}
	id := wire.NewMessageID()
	if err := n.router.Send(ctx, wire.Envelope{Type: msgType, MessageID: id, Payload: payload}); err != nil {
		return "", err
	}
	return id, nil
}

// describeEnvelope renders a delivered envelope for the console. Payloads
// that do not decode as their nested record are shown by size.
func describeEnvelope(env wire.Envelope) string {
	switch env.Type {
	case wire.TypeChat:
		if rec, err := wire.DecodeChatRecord(env.Payload); err == nil {
			return fmt.Sprintf("%s: %s", rec.DeviceName, rec.Content)
		}
	case wire.TypeSignal, wire.TypeEmergency:
		if rec, err := wire.DecodeSignalRecord(env.Payload); err == nil {
			s := fmt.Sprintf("%s reports %s", rec.DeviceName, strings.ToUpper(rec.Kind.String()))
			if rec.GridCode != "" {
				s += " at " + rec.GridCode
			}
			return s
		}
	case wire.TypeGame:
		if rec, err := wire.DecodeGameRecord(env.Payload); err == nil {
			return fmt.Sprintf("%s in room %s: %s (%d bytes)", rec.SenderName, rec.RoomID, rec.Type, len(rec.Data))
		}
	}
	return fmt.Sprintf("%d byte payload", len(env.Payload))
}

// securityEventFor maps the router events worth keeping to a stored
// security event.
func securityEventFor(ev router.Event, now time.Time) (storage.SecurityEvent, bool) {
	switch ev.Kind {
	case router.KeylessPrivateSend, router.DecryptFailure, router.CodecError:
	default:
		return storage.SecurityEvent{}, false
	}

	details := map[string]string{}
	if ev.Err != nil {
		details["error"] = ev.Err.Error()
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}

	event := storage.SecurityEvent{
		EventType: ev.Kind.String(),
		Details:   string(raw),
		Severity:  storage.SecuritySeverityWarning,
		Timestamp: now.UnixMilli(),
	}
	if ev.Type.Valid() {
		event.MessageType = ev.Type.String()
	}
	if ev.PeerID != "" {
		peer := ev.PeerID
		event.PeerDeviceID = &peer
	}
	if ev.MessageID != "" {
		id := ev.MessageID
		event.MessageID = &id
	}
	return event, true
}

func formatStats(s router.Stats) string {
	return fmt.Sprintf(
		"peers=%d seen=%d sent=%d delivered=%d relayed=%d duplicates=%d ttl_exhausted=%d "+
			"codec_errors=%d decrypt_failures=%d keyless=%d overflows=%d transport_errors=%d",
		s.ConnectedPeers, s.SeenIDs, s.Sent, s.Delivered, s.Relayed, s.Duplicates, s.TtlExhausted,
		s.CodecErrors, s.DecryptFailures, s.KeylessSends, s.QueueOverflows, s.TransportErrors,
	)
}

func describePeer(p storage.Peer) string {
	s := fmt.Sprintf("%s (%s) %s %s", p.DeviceName, p.DeviceID, p.Status, appcrypto.FormatFingerprint(p.KeyFingerprint))
	if p.LastKnownAddr != nil {
		s += " at " + *p.LastKnownAddr
	}
	if p.LastSeenTimestamp != nil {
		s += ", last seen " + time.UnixMilli(*p.LastSeenTimestamp).Format(time.RFC3339)
	}
	return s
}

func formatSecurityEvent(ev storage.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", time.UnixMilli(ev.Timestamp).Format(time.RFC3339), ev.Severity, ev.EventType)
	if ev.PeerDeviceID != nil {
		fmt.Fprintf(&b, " peer=%s", *ev.PeerDeviceID)
	}
	if ev.MessageID != nil {
		fmt.Fprintf(&b, " msg=%s", *ev.MessageID)
	}
	if ev.MessageType != "" {
		fmt.Fprintf(&b, " type=%s", ev.MessageType)
	}
	if ev.Details != "{}" {
		fmt.Fprintf(&b, " %s", ev.Details)
	}
	return b.String()
}

// formatCounts renders per-kind counts sorted by kind.
func formatCounts(counts map[string]int) string {
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
	}
	return strings.Join(parts, " ")
}
