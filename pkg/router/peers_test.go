package router

import (
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/routing"
	"github.com/rendermesh/farmnode/pkg/wire"
)

var (
	testSession = uuid.MustParse("11111111-2222-4333-8444-555555555555")
	selfNode    = uuid.MustParse("88888888-7777-4666-8555-444444444444")
	lesserNode  = uuid.MustParse("11111111-0000-4000-8000-000000000001")
	greaterNode = uuid.MustParse("ffffffff-eeee-4ddd-8ccc-bbbbbbbbbbbb")
	renderComp  = uuid.MustParse("12121212-3434-4565-8787-909090909090")
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	return New(selfNode, filepath.Join(t.TempDir(), "ipc"))
}

// pipeEndpoint builds an untracked, unstarted endpoint over one side of an
// in-memory pipe. The other side is returned for inspection.
func pipeEndpoint(t *testing.T, r *Router, kind PeerKind, id uuid.UUID) (*Endpoint, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return newEndpoint(r, kind, id, local, nil), remote
}

func textEnvelope(t *testing.T, name string) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.ClassPing, &wire.Ping{RequestType: name})
	require.NoError(t, err)
	env.RoutingName = name
	return env
}

func TestPeerRegistryClients(t *testing.T) {
	t.Parallel()

	t.Run("duplicate client is refused", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		p := NewPeerRegistry()
		first, _ := pipeEndpoint(t, r, PeerClient, testSession)
		second, _ := pipeEndpoint(t, r, PeerClient, testSession)

		assert.True(t, p.TrackClient(testSession, first))
		assert.False(t, p.TrackClient(testSession, second))
		assert.Same(t, first, p.Client(testSession))
	})

	t.Run("stash drains in arrival order on connect", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		p := NewPeerRegistry()

		p.StashEnvelope(testSession, textEnvelope(t, "first"))
		p.StashEnvelope(testSession, textEnvelope(t, "second"))
		require.Equal(t, 2, p.StashLen(testSession))

		ep, _ := pipeEndpoint(t, r, PeerClient, testSession)
		require.True(t, p.TrackClient(testSession, ep))
		assert.Equal(t, 0, p.StashLen(testSession))

		assert.Equal(t, "first", (<-ep.sendQ).RoutingName)
		assert.Equal(t, "second", (<-ep.sendQ).RoutingName)
	})

	t.Run("stash delivers directly once client present", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		p := NewPeerRegistry()
		ep, _ := pipeEndpoint(t, r, PeerClient, testSession)
		require.True(t, p.TrackClient(testSession, ep))

		p.StashEnvelope(testSession, textEnvelope(t, "direct"))
		assert.Equal(t, 0, p.StashLen(testSession))
		assert.Equal(t, "direct", (<-ep.sendQ).RoutingName)
	})

	t.Run("clear stash drops pending envelopes", func(t *testing.T) {
		t.Parallel()
		p := NewPeerRegistry()
		p.StashEnvelope(testSession, textEnvelope(t, "doomed"))
		p.ClearStash(testSession)
		assert.Equal(t, 0, p.StashLen(testSession))
	})
}

func TestPeerRegistryDestroy(t *testing.T) {
	t.Parallel()
	r := testRouter(t)
	p := NewPeerRegistry()

	client, _ := pipeEndpoint(t, r, PeerClient, testSession)
	node, _ := pipeEndpoint(t, r, PeerNode, greaterNode)
	comp, _ := pipeEndpoint(t, r, PeerComputation, renderComp)
	service, _ := pipeEndpoint(t, r, PeerService, selfNode)

	require.True(t, p.TrackClient(testSession, client))
	p.TrackNode(greaterNode, node)
	p.TrackComputation(renderComp, comp)
	require.NoError(t, p.SetService(service))
	assert.Len(t, p.All(), 4)

	kind, id := p.Destroy(node)
	assert.Equal(t, PeerNode, kind)
	assert.Equal(t, greaterNode, id)
	assert.Nil(t, p.Node(greaterNode))

	kind, id = p.Destroy(client)
	assert.Equal(t, PeerClient, kind)
	assert.Equal(t, testSession, id)

	kind, _ = p.Destroy(service)
	assert.Equal(t, PeerService, kind)
	assert.Nil(t, p.Service())

	// already removed
	kind, _ = p.Destroy(node)
	assert.Equal(t, PeerNone, kind)

	other, _ := pipeEndpoint(t, r, PeerService, selfNode)
	require.NoError(t, p.SetService(other))
}

func TestPeerRegistryDuplicateService(t *testing.T) {
	t.Parallel()
	r := testRouter(t)
	p := NewPeerRegistry()
	first, _ := pipeEndpoint(t, r, PeerService, selfNode)
	second, _ := pipeEndpoint(t, r, PeerService, selfNode)

	require.NoError(t, p.SetService(first))
	assert.Error(t, p.SetService(second))
	assert.Same(t, first, p.Service())
}

func TestParseDestinations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		to         []wire.Address
		wantIPC    int
		wantNodes  int
		wantClient bool
	}{
		{
			name:       "client only",
			to:         []wire.Address{{Session: testSession}},
			wantClient: true,
		},
		{
			name:    "local computation",
			to:      []wire.Address{{Session: testSession, Node: selfNode, Computation: renderComp}},
			wantIPC: 1,
		},
		{
			name:      "remote node",
			to:        []wire.Address{{Session: testSession, Node: greaterNode, Computation: renderComp}},
			wantNodes: 1,
		},
		{
			name: "local node without computation is dropped",
			to:   []wire.Address{{Session: testSession, Node: selfNode}},
		},
		{
			name: "mixed destinations",
			to: []wire.Address{
				{Session: testSession},
				{Session: testSession, Node: selfNode, Computation: renderComp},
				{Session: testSession, Node: greaterNode, Computation: uuid.New()},
				{Session: testSession, Node: greaterNode, Computation: uuid.New()},
				{Session: testSession, Node: lesserNode, Computation: uuid.New()},
			},
			wantIPC:    1,
			wantNodes:  2,
			wantClient: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ipc, nodes, toClient := parseDestinations(selfNode, tc.to)
			assert.Len(t, ipc, tc.wantIPC)
			assert.Len(t, nodes, tc.wantNodes)
			assert.Equal(t, tc.wantClient, toClient)
		})
	}
}

// primeNodeInfo installs routing data whose node map can resolve the given
// peer node, so reciprocal connections have an address to dial.
func primeNodeInfo(t *testing.T, r *Router, peer uuid.UUID, port int) {
	t.Helper()
	raw := fmt.Sprintf(`{
		"%s": {
			"nodes": {
				"%s": {"host": "self.farm", "ip": "127.0.0.1", "tcp": 9001, "entry": true},
				"%s": {"host": "peer.farm", "ip": "127.0.0.1", "tcp": %d}
			},
			"computations": {}
		}
	}`, testSession, r.nodeID, peer, port)
	doc, err := object.Decode([]byte(raw))
	require.NoError(t, err)
	data, err := routing.NewSessionRoutingData(testSession, r.nodeID, doc)
	require.NoError(t, err)
	r.store.Put(data)
}

func TestNodeConnectionCollisions(t *testing.T) {
	t.Parallel()

	registration := func(nodeID uuid.UUID) *wire.Registration {
		return &wire.Registration{Kind: wire.KindNode, NodeID: nodeID}
	}

	t.Run("unknown lesser node is rejected outright", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		local, remote := net.Pipe()
		defer remote.Close()

		r.connectNodeIncoming(local, registration(lesserNode))

		assert.Nil(t, r.peers.Node(lesserNode))
		_ = remote.SetReadDeadline(time.Now().Add(time.Second))
		_, err := remote.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("lesser node triggers reciprocal connection", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		primeNodeInfo(t, r, lesserNode, 1)
		local, remote := net.Pipe()
		defer remote.Close()

		r.connectNodeIncoming(local, registration(lesserNode))

		// incoming connection dropped, outbound endpoint tracked
		ep := r.peers.Node(lesserNode)
		require.NotNil(t, ep)
		assert.NotNil(t, ep.dial)
		_ = remote.SetReadDeadline(time.Now().Add(time.Second))
		_, err := remote.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("greater node is accepted", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		local, remote := net.Pipe()
		defer remote.Close()

		r.connectNodeIncoming(local, registration(greaterNode))

		ep := r.peers.Node(greaterNode)
		require.NotNil(t, ep)
		assert.Nil(t, ep.dial)
	})

	t.Run("lesser node is dropped while reciprocal in progress", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		pending := newOutboundEndpoint(r, routing.NodeInfo{NodeID: lesserNode, IP: "127.0.0.1", Port: 1})
		r.peers.TrackNode(lesserNode, pending)

		local, remote := net.Pipe()
		defer remote.Close()
		r.connectNodeIncoming(local, registration(lesserNode))

		assert.Same(t, pending, r.peers.Node(lesserNode))
		select {
		case <-pending.connSet:
			t.Fatal("pending endpoint should not have adopted the dropped connection")
		default:
		}
		_ = remote.SetReadDeadline(time.Now().Add(time.Second))
		_, err := remote.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("greater node is adopted into waiting endpoint", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		pending := newOutboundEndpoint(r, routing.NodeInfo{NodeID: greaterNode, IP: "127.0.0.1", Port: 1})
		r.peers.TrackNode(greaterNode, pending)

		local, remote := net.Pipe()
		defer remote.Close()
		r.connectNodeIncoming(local, registration(greaterNode))

		select {
		case <-pending.connSet:
		default:
			t.Fatal("pending endpoint should have adopted the connection")
		}
		assert.Same(t, local, pending.conn)
	})
}

func TestEndpointQueue(t *testing.T) {
	t.Parallel()

	t.Run("full queue drops instead of blocking", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		ep, _ := pipeEndpoint(t, r, PeerClient, testSession)

		for i := 0; i < sendQueueDepth+10; i++ {
			ep.Enqueue(textEnvelope(t, "flood"))
		}
		assert.Equal(t, sendQueueDepth, len(ep.sendQ))
	})

	t.Run("enqueue to rewrites destinations on a copy", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		ep, _ := pipeEndpoint(t, r, PeerNode, greaterNode)

		orig := textEnvelope(t, "payload")
		orig.To = []wire.Address{{Session: testSession}}
		rewritten := []wire.Address{{Session: testSession, Node: greaterNode, Computation: renderComp}}
		ep.EnqueueTo(orig, rewritten)

		queued := <-ep.sendQ
		assert.Equal(t, rewritten, queued.To)
		assert.Equal(t, []wire.Address{{Session: testSession}}, orig.To)
		assert.Equal(t, orig.Payload, queued.Payload)
	})

	t.Run("drain reports empty queue", func(t *testing.T) {
		t.Parallel()
		r := testRouter(t)
		ep, _ := pipeEndpoint(t, r, PeerClient, testSession)
		assert.True(t, ep.Drain(100*time.Millisecond))

		ep.Enqueue(textEnvelope(t, "stuck"))
		assert.False(t, ep.Drain(50*time.Millisecond))
	})
}
