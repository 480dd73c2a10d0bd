package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalmesh/crypto"
	"signalmesh/wire"
)

type meshNode struct {
	router *Router
	seen   *collector
	keys   *crypto.SessionKeys
}

func buildMesh(t *testing.T, ids ...string) (*memNet, map[string]*meshNode) {
	t.Helper()
	net := newMemNet()
	nodes := make(map[string]*meshNode, len(ids))
	for _, id := range ids {
		keys := crypto.NewSessionKeys()
		r, c := newTestRouter(t, Options{Transport: net.node(id), Keys: keys})
		nodes[id] = &meshNode{router: r, seen: c, keys: keys}
	}
	return net, nodes
}

func pairKeys(t *testing.T, nodes map[string]*meshNode, a, b string, key []byte) {
	t.Helper()
	require.NoError(t, nodes[a].keys.Set(b, key))
	require.NoError(t, nodes[b].keys.Set(a, key))
}

func TestFloodOverCycleDeliversOncePerNode(t *testing.T) {
	net, nodes := buildMesh(t, "a", "b", "c", "d")
	net.link("a", "b")
	net.link("b", "c")
	net.link("c", "a")
	net.link("c", "d")
	net.link("d", "b")

	env := wire.Envelope{Type: wire.TypeSignal, MessageID: "flood-1", Payload: []byte("danger: bridge out")}
	require.NoError(t, nodes["a"].router.Send(context.Background(), env))

	require.Eventually(t, func() bool {
		return len(nodes["b"].seen.delivered()) == 1 &&
			len(nodes["c"].seen.delivered()) == 1 &&
			len(nodes["d"].seen.delivered()) == 1
	}, waitFor, tick)
	require.Never(t, func() bool {
		return len(nodes["a"].seen.delivered()) > 0 ||
			len(nodes["b"].seen.delivered()) > 1 ||
			len(nodes["c"].seen.delivered()) > 1 ||
			len(nodes["d"].seen.delivered()) > 1
	}, quiet, tick)

	for _, id := range []string{"b", "c", "d"} {
		got := nodes[id].seen.delivered()[0].env
		assert.Equal(t, env.Payload, got.Payload, id)
		assert.Equal(t, "flood-1", got.MessageID, id)
	}
}

func TestHopBudgetLimitsReach(t *testing.T) {
	net, nodes := buildMesh(t, "a", "b", "c", "d")
	net.link("a", "b")
	net.link("b", "c")
	net.link("c", "d")

	env := wire.Envelope{Type: wire.TypeHeartbeat, MessageID: "short-hop", Timestamp: 1, TTL: 2}
	require.NoError(t, nodes["a"].router.Send(context.Background(), env))

	require.Eventually(t, func() bool {
		return len(nodes["c"].seen.delivered()) == 1
	}, waitFor, tick)
	require.Never(t, func() bool { return len(nodes["d"].seen.delivered()) > 0 }, quiet, tick)
	assert.Len(t, nodes["b"].seen.delivered(), 1)
}

func TestPrivateMessageIsResealedHopByHop(t *testing.T) {
	net, nodes := buildMesh(t, "a", "b", "c")
	pairKeys(t, nodes, "a", "b", keyFor(0xAB))
	pairKeys(t, nodes, "b", "c", keyFor(0xBC))
	net.link("a", "b")
	net.link("b", "c")

	env := wire.Envelope{Type: wire.TypeChat, MessageID: "private-hop", Payload: []byte("room 12 needs insulin")}
	require.NoError(t, nodes["a"].router.Send(context.Background(), env))

	require.Eventually(t, func() bool { return len(nodes["c"].seen.delivered()) == 1 }, waitFor, tick)
	got := nodes["c"].seen.delivered()[0]
	assert.Equal(t, env.Payload, got.env.Payload)
	assert.Equal(t, "b", got.from)

	for _, id := range []string{"a", "b", "c"} {
		assert.Zero(t, nodes[id].seen.count(KeylessPrivateSend), id)
		assert.Zero(t, nodes[id].seen.count(DecryptFailure), id)
	}
}

func TestMismatchedLinkKeysDropPrivateTraffic(t *testing.T) {
	net, nodes := buildMesh(t, "a", "b")
	require.NoError(t, nodes["a"].keys.Set("b", keyFor(1)))
	require.NoError(t, nodes["b"].keys.Set("a", keyFor(2)))
	net.link("a", "b")

	env := wire.Envelope{Type: wire.TypeChat, MessageID: "mismatch", Payload: []byte("hello")}
	require.NoError(t, nodes["a"].router.Send(context.Background(), env))

	require.Eventually(t, func() bool { return nodes["b"].seen.count(DecryptFailure) == 1 }, waitFor, tick)
	assert.Empty(t, nodes["b"].seen.delivered())
}
