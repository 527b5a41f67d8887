// Package session manages the sessions assigned to this node and the
// computation processes they run.
//
// The coordinator drives the lifecycle over the agent's REST API: it
// creates a session with a definition document, modifies it with a new
// definition, signals it to start, and eventually deletes it. Each
// session owns zero or more computations, which are spawned as executor
// child processes and supervised until they exit. The Controller relays
// session traffic to and from the message router child process over its
// IPC control connection.
package session

import (
	"errors"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/object"
)

// Config is this node's view of a session definition document.
//
// The coordinator sends the same document to every node participating in
// a session. Each node reads its own block plus the shared routing object:
//
//	{
//	  "<nodeID>": {
//	    "config": {
//	      "computations": { "<name>": <definition>, ... },
//	      "sessionId": "<sessionID>",
//	      "contexts": { "<name>": <context>, ... },
//	      "logLevel": 3
//	    }
//	  },
//	  "routing": {
//	    "<sessionID>": {
//	      "nodes": { "<nodeID>": { "entry": true, ... }, ... },
//	      "computations": { "<name>": { "compId": ..., "nodeId": ... }, ... }
//	    }
//	  }
//	}
//
// The config block may list only the definitions needed on this node; the
// routing computation list always covers the whole session.
type Config struct {
	nodeID    uuid.UUID
	sessionID uuid.UUID

	definitions object.Object
	contexts    object.Object
	routing     object.Object
	response    object.Object

	// computations on this node, keyed by computation id
	computations map[uuid.UUID]string

	entryNode bool
	logLevel  int
}

// ParseConfig validates a session definition document and extracts the
// parts relevant to the given node. The returned error messages are
// surfaced verbatim in coordinator-facing HTTP responses.
func ParseConfig(desc object.Object, nodeID uuid.UUID) (*Config, error) {
	c := &Config{
		nodeID:       nodeID,
		computations: make(map[uuid.UUID]string),
		response:     object.Object{},
	}

	nodeEntry, _ := object.Child(desc, nodeID.String())
	nodeConfig, _ := object.Child(nodeEntry, "config")

	defs, ok := object.Child(nodeConfig, "computations")
	if !ok {
		return nil, errors.New("Session definition has no config object for this node")
	}
	c.definitions = defs

	sessionID, err := uuid.Parse(object.String(nodeConfig, "sessionId", ""))
	if err != nil {
		return nil, errors.New("Session definition has no session id")
	}
	c.sessionID = sessionID

	if ctxs, ok := object.Child(nodeConfig, "contexts"); ok {
		c.contexts = ctxs
	}
	c.logLevel = object.Int(nodeConfig, "logLevel", -1)

	routing, ok := object.Child(desc, "routing")
	if !ok {
		return nil, errors.New("Session definition has no routing object")
	}
	c.routing = routing

	sessionRouting, _ := object.Child(routing, c.sessionID.String())
	comps, ok := object.Child(sessionRouting, "computations")
	if !ok {
		return nil, errors.New("Session definition has no computation list")
	}

	for name, v := range comps {
		info, ok := v.(object.Object)
		if !ok {
			return nil, errors.New("Session definition has invalid computation list")
		}
		compNode, okNode := info["nodeId"].(string)
		rawCompID, okComp := info["compId"].(string)
		if !okNode || !okComp {
			return nil, errors.New("Session definition has invalid computation list")
		}

		nid, err := uuid.Parse(compNode)
		if err != nil || nid != nodeID {
			continue
		}
		compID, err := uuid.Parse(rawCompID)
		if err != nil || compID == uuid.Nil {
			return nil, errors.New("Session definition has invalid entry in computation list")
		}
		c.computations[compID] = name

		// hostId duplicates compId: older coordinators still read it.
		c.response[name] = object.Object{
			"hostId": compID.String(),
			"compId": compID.String(),
			"nodeId": nodeID.String(),
		}
	}

	nodes, _ := object.Child(sessionRouting, "nodes")
	thisNode, _ := object.Child(nodes, nodeID.String())
	c.entryNode = object.Bool(thisNode, "entry", false)

	return c, nil
}

// SessionID returns the session this configuration describes.
func (c *Config) SessionID() uuid.UUID { return c.sessionID }

// NodeID returns the node the configuration was parsed for.
func (c *Config) NodeID() uuid.UUID { return c.nodeID }

// IsEntryNode reports whether this node accepts the session's client
// connection.
func (c *Config) IsEntryNode() bool { return c.entryNode }

// LogLevel returns the session default log level, or -1 when the
// definition does not set one.
func (c *Config) LogLevel() int { return c.logLevel }

// Computations returns the computations assigned to this node, keyed by
// computation id. The caller must not mutate the returned map.
func (c *Config) Computations() map[uuid.UUID]string { return c.computations }

// Definition returns the named computation definition from this node's
// config block.
func (c *Config) Definition(name string) (object.Object, bool) {
	return object.Child(c.definitions, name)
}

// Context returns the named context, if the definition carries one.
func (c *Config) Context(name string) (object.Object, bool) {
	return object.Child(c.contexts, name)
}

// Routing returns the shared routing object for the whole session.
func (c *Config) Routing() object.Object { return c.routing }

// Response returns the per-computation placement data reported back to
// the coordinator after a successful create or modify.
func (c *Config) Response() object.Object { return c.response }
