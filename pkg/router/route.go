package router

import (
	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/routing"
	"github.com/rendermesh/farmnode/pkg/wire"
)

// parseDestinations splits an envelope's destination list into the three
// delivery buckets: the session's client (any address without a node id),
// computations on this node, and remote nodes. An address naming this node
// with no computation fits no bucket and is dropped.
func parseDestinations(localNode uuid.UUID, to []wire.Address) (
	ipc map[uuid.UUID][]wire.Address, nodes map[uuid.UUID][]wire.Address, toClient bool) {

	ipc = make(map[uuid.UUID][]wire.Address)
	nodes = make(map[uuid.UUID][]wire.Address)

	for _, addr := range to {
		switch {
		case addr.Node == uuid.Nil:
			toClient = true
		case addr.Node == localNode && addr.Computation != uuid.Nil:
			ipc[addr.Computation] = append(ipc[addr.Computation], addr)
		case addr.Node != localNode:
			nodes[addr.Node] = append(nodes[addr.Node], addr)
		}
	}
	return ipc, nodes, toClient
}

// routeMessage delivers an envelope to every destination in its To list,
// using the session's routing data to resolve nodes. Destinations on the
// same remote node share one forwarded copy.
func (r *Router) routeMessage(env *wire.Envelope, data *routing.SessionRoutingData) {
	sessionID := data.SessionID()
	ipc, nodes, toClient := parseDestinations(r.nodeID, env.To)

	if toClient {
		if data.IsEntryNode() {
			r.sendToLocalClient(sessionID, env)
		} else {
			// The client hangs off the session's entry node; forward
			// there with a client-only address.
			entryNodeID := data.NodeMap().EntryNodeID()
			nodes[entryNodeID] = append(nodes[entryNodeID], wire.Address{Session: sessionID})
		}
	}

	for compID := range ipc {
		r.sendToLocalComputation(sessionID, compID, env)
	}

	for nodeID, addrs := range nodes {
		dest := r.peers.Node(nodeID)
		if dest == nil {
			dest = r.connectNode(nodeID, data)
		}
		if dest != nil {
			dest.EnqueueTo(env, addrs)
		} else {
			logger.Errorf("Could not find destination node for message, node ID %s", nodeID)
		}
	}
}

// sendToLocalClient hands an envelope to the session's client, stashing it
// if the client has not connected yet. Only valid on the entry node.
func (r *Router) sendToLocalClient(sessionID uuid.UUID, env *wire.Envelope) {
	r.peers.StashEnvelope(sessionID, env)
}

// sendToLocalComputation hands an envelope to a computation's IPC
// endpoint. The computation is supposed to be local, so a missing endpoint
// is a bug rather than a routing problem.
func (r *Router) sendToLocalComputation(sessionID, compID uuid.UUID, env *wire.Envelope) {
	dest := r.peers.Computation(compID)
	if dest == nil {
		logger.Errorf("Could not find IPC endpoint for local computation id %s", compID)
		return
	}
	dest.Enqueue(env)
}

// connectNode creates an outbound endpoint for a remote node, resolving
// its address through the session's node map. Creation is double-checked
// under the node connection mutex so concurrent routes to the same node
// produce a single endpoint.
func (r *Router) connectNode(nodeID uuid.UUID, data *routing.SessionRoutingData) *Endpoint {
	r.nodeMu.Lock()
	defer r.nodeMu.Unlock()
	if ep := r.peers.Node(nodeID); ep != nil {
		return ep
	}

	info, ok := data.NodeMap().Find(nodeID)
	if !ok {
		return nil
	}
	logger.Debugf("Connecting from node '%s' to node '%s'", r.nodeID, nodeID)
	ep := newOutboundEndpoint(r, info)
	r.peers.TrackNode(nodeID, ep)
	ep.start()
	return ep
}
