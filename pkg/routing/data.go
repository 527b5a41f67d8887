package routing

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

// SessionRoutingData is everything the router knows about one session: the
// participating nodes and, on the entry node only, the client addresser.
type SessionRoutingData struct {
	sessionID uuid.UUID
	nodeID    uuid.UUID
	nodeMap   *NodeMap
	addresser *ClientAddresser
}

// NewSessionRoutingData parses a session's routing data document. nodeID
// identifies this node; when it is the session's entry node a client
// addresser is built as well.
func NewSessionRoutingData(sessionID, nodeID uuid.UUID, routingData object.Object) (*SessionRoutingData, error) {
	session, ok := object.Child(routingData, sessionID.String())
	if !ok {
		return nil, fmt.Errorf("routing data has no entry for session %s", sessionID)
	}
	nodes, ok := object.Child(session, "nodes")
	if !ok {
		return nil, fmt.Errorf("routing data for session %s has no nodes object", sessionID)
	}

	logger.Infof("Session node map: %v", nodes)

	d := &SessionRoutingData{
		sessionID: sessionID,
		nodeID:    nodeID,
		nodeMap:   NewNodeMap(nodes),
	}
	if nodeID == d.nodeMap.EntryNodeID() {
		d.addresser = NewClientAddresser(sessionID, routingData)
	}
	return d, nil
}

// SessionID returns the session this data belongs to.
func (d *SessionRoutingData) SessionID() uuid.UUID {
	return d.sessionID
}

// NodeMap returns the session's node table.
func (d *SessionRoutingData) NodeMap() *NodeMap {
	return d.nodeMap
}

// IsEntryNode reports whether this node is the session's entry node.
func (d *SessionRoutingData) IsEntryNode() bool {
	return d.nodeID == d.nodeMap.EntryNodeID()
}

// Addresser returns the client addresser, or nil off the entry node.
func (d *SessionRoutingData) Addresser() *ClientAddresser {
	return d.addresser
}

// UpdateNodeMap merges new nodes from an updated routing data document.
func (d *SessionRoutingData) UpdateNodeMap(routingData object.Object) {
	if session, ok := object.Child(routingData, d.sessionID.String()); ok {
		if nodes, ok := object.Child(session, "nodes"); ok {
			d.nodeMap.Update(nodes)
		}
	}
}

// UpdateClientAddresser rebuilds the client addresser from an updated
// routing data document. No-op off the entry node.
func (d *SessionRoutingData) UpdateClientAddresser(routingData object.Object) {
	if d.addresser == nil {
		return
	}
	d.addresser.Update(d.sessionID, routingData)
}
