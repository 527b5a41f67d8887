package router

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/wire"
)

// PeerKind classifies a tracked endpoint.
type PeerKind int

// Peer kinds. PeerListener is reserved for session listeners, which the
// protocol defines but no current peer registers as.
const (
	PeerNone PeerKind = iota
	PeerClient
	PeerNode
	PeerComputation
	PeerListener
	PeerService
)

func (k PeerKind) String() string {
	switch k {
	case PeerClient:
		return "Client"
	case PeerNode:
		return "Node"
	case PeerComputation:
		return "Computation"
	case PeerListener:
		return "Listener"
	case PeerService:
		return "Service"
	case PeerNone:
		return "None"
	default:
		return fmt.Sprintf("PeerKind(%d)", int(k))
	}
}

// PeerRegistry tracks every live endpoint by kind and id, plus the stash of
// envelopes waiting for clients that have not connected yet. The single
// mutex also orders stash draining against new arrivals: an envelope is
// either stashed or queued, never both, and the stash drains before any
// envelope routed after the client attached.
type PeerRegistry struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*Endpoint // by session id
	nodes   map[uuid.UUID]*Endpoint // by node id
	comps   map[uuid.UUID]*Endpoint // by computation id
	service *Endpoint
	stash   map[uuid.UUID][]*wire.Envelope // by session id
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		clients: make(map[uuid.UUID]*Endpoint),
		nodes:   make(map[uuid.UUID]*Endpoint),
		comps:   make(map[uuid.UUID]*Endpoint),
		stash:   make(map[uuid.UUID][]*wire.Envelope),
	}
}

// TrackClient registers a session's client endpoint and hands it every
// stashed envelope in arrival order. It reports false, changing nothing,
// when the session already has a client.
func (p *PeerRegistry) TrackClient(sessionID uuid.UUID, ep *Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[sessionID]; ok {
		return false
	}
	p.clients[sessionID] = ep
	for _, env := range p.stash[sessionID] {
		ep.Enqueue(env)
	}
	delete(p.stash, sessionID)
	return true
}

// TrackNode registers a node endpoint.
func (p *PeerRegistry) TrackNode(nodeID uuid.UUID, ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[nodeID] = ep
}

// TrackComputation registers a computation's IPC endpoint.
func (p *PeerRegistry) TrackComputation(compID uuid.UUID, ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.comps[compID] = ep
}

// SetService registers the service endpoint. Only one service connection
// may exist.
func (p *PeerRegistry) SetService(ep *Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.service != nil {
		return fmt.Errorf("refusing service connection because one already exists")
	}
	p.service = ep
	return nil
}

// Client returns the client endpoint for a session, or nil.
func (p *PeerRegistry) Client(sessionID uuid.UUID) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[sessionID]
}

// Node returns the endpoint for a peer node, or nil.
func (p *PeerRegistry) Node(nodeID uuid.UUID) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[nodeID]
}

// Computation returns the IPC endpoint for a computation, or nil.
func (p *PeerRegistry) Computation(compID uuid.UUID) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.comps[compID]
}

// Service returns the service endpoint, or nil.
func (p *PeerRegistry) Service() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.service
}

// StashEnvelope delivers an envelope to a session's client, or stashes it
// until the client connects.
func (p *PeerRegistry) StashEnvelope(sessionID uuid.UUID, env *wire.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.clients[sessionID]; ok {
		ep.Enqueue(env)
		return
	}
	p.stash[sessionID] = append(p.stash[sessionID], env)
}

// ClearStash drops any envelopes stashed for a client that never arrived.
func (p *PeerRegistry) ClearStash(sessionID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stash, sessionID)
}

// StashLen returns the number of envelopes stashed for a session.
func (p *PeerRegistry) StashLen(sessionID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stash[sessionID])
}

// Destroy removes an endpoint from whichever table holds it, reporting
// what it was. The endpoint itself is not closed; the caller owns that.
func (p *PeerRegistry) Destroy(ep *Endpoint) (PeerKind, uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.clients {
		if e == ep {
			delete(p.clients, id)
			return PeerClient, id
		}
	}
	for id, e := range p.nodes {
		if e == ep {
			delete(p.nodes, id)
			return PeerNode, id
		}
	}
	for id, e := range p.comps {
		if e == ep {
			delete(p.comps, id)
			return PeerComputation, id
		}
	}
	if p.service == ep && ep != nil {
		p.service = nil
		return PeerService, uuid.Nil
	}
	return PeerNone, uuid.Nil
}

// All returns every tracked endpoint. Used at shutdown.
func (p *PeerRegistry) All() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	eps := make([]*Endpoint, 0, len(p.clients)+len(p.nodes)+len(p.comps)+1)
	for _, ep := range p.clients {
		eps = append(eps, ep)
	}
	for _, ep := range p.nodes {
		eps = append(eps, ep)
	}
	for _, ep := range p.comps {
		eps = append(eps, ep)
	}
	if p.service != nil {
		eps = append(eps, p.service)
	}
	return eps
}
