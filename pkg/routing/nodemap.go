// Package routing holds the per-session routing tables the router consults
// to forward envelopes: which nodes participate in a session, which node is
// the entry node, and how client messages fan out to computations.
package routing

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

// NodeInfo describes one node participating in a session.
type NodeInfo struct {
	NodeID   uuid.UUID
	Hostname string
	IP       string
	Port     int
}

// NodeMap is the set of nodes participating in one session. The entry node
// is fixed at construction; updates may only add new nodes, because node ids
// refer to fixed machines and existing connections cannot be rewired.
type NodeMap struct {
	mu          sync.Mutex
	nodes       map[uuid.UUID]NodeInfo
	entryNodeID uuid.UUID
}

// NewNodeMap builds a node map from the "nodes" object of a session's
// routing data.
func NewNodeMap(nodes object.Object) *NodeMap {
	m := &NodeMap{nodes: make(map[uuid.UUID]NodeInfo, len(nodes))}
	for idStr := range nodes {
		nodeID, err := uuid.Parse(idStr)
		if err != nil {
			logger.Warnf("Skipping node map entry with invalid node id %q: %v", idStr, err)
			continue
		}
		info, ok := object.Child(nodes, idStr)
		if !ok {
			logger.Warnf("Skipping node map entry %q: not an object", idStr)
			continue
		}
		m.nodes[nodeID] = NodeInfo{
			NodeID:   nodeID,
			Hostname: object.String(info, "host", ""),
			IP:       object.String(info, "ip", ""),
			Port:     object.Int(info, "tcp", 0),
		}
		if object.Bool(info, "entry", false) {
			m.entryNodeID = nodeID
		}
	}
	return m
}

// Update adds nodes missing from the map. Existing entries are untouched.
func (m *NodeMap) Update(nodes object.Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idStr := range nodes {
		nodeID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		if _, exists := m.nodes[nodeID]; exists {
			continue
		}
		info, ok := object.Child(nodes, idStr)
		if !ok {
			continue
		}
		m.nodes[nodeID] = NodeInfo{
			NodeID:   nodeID,
			Hostname: object.String(info, "host", ""),
			IP:       object.String(info, "ip", ""),
			Port:     object.Int(info, "tcp", 0),
		}
	}
}

// EntryNodeID returns the session's entry node. Fixed for the life of the
// map, so no lock is needed.
func (m *NodeMap) EntryNodeID() uuid.UUID {
	return m.entryNodeID
}

// Find returns the info for a node, if present.
func (m *NodeMap) Find(nodeID uuid.UUID) (NodeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.nodes[nodeID]
	return info, ok
}

// Len returns the number of nodes in the map.
func (m *NodeMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}
