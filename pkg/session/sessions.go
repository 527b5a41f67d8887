package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/config"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/process"
	"github.com/rendermesh/farmnode/pkg/telemetry"
)

// OperationError is a failed session operation together with the HTTP
// status code the REST layer should report it with.
type OperationError struct {
	Message  string
	HTTPCode int
}

// Error returns the operation failure message.
func (e *OperationError) Error() string { return e.Message }

func opError(message string, code int) *OperationError {
	return &OperationError{Message: message, HTTPCode: code}
}

// Sessions is the table of sessions assigned to this node, keyed by
// session id. Deleted sessions stay in the table as Defunct so late
// status queries and client connects can be answered.
type Sessions struct {
	pm       *process.Manager
	defaults config.ComputationDefaults
	nodeID   uuid.UUID
	ctl      *Controller

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool

	startTimeSecs int64
}

// NewSessions builds the session table and wires it to the controller so
// incoming router traffic can be matched to sessions.
func NewSessions(pm *process.Manager, defaults config.ComputationDefaults, nodeID uuid.UUID, ctl *Controller) *Sessions {
	s := &Sessions{
		pm:            pm,
		defaults:      defaults,
		nodeID:        nodeID,
		ctl:           ctl,
		sessions:      make(map[uuid.UUID]*Session),
		startTimeSecs: time.Now().Unix(),
	}
	ctl.setSessions(s)
	return s
}

// Create parses a session definition, registers routing for the session
// with the node router and starts spawning its computations. The spawn
// itself runs asynchronously; the returned response document maps
// computation names to their assigned ids.
func (s *Sessions) Create(definition object.Object) (object.Object, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, opError("Node is closed : cannot accept new sessions", 409)
	}

	cfg, err := ParseConfig(definition, s.nodeID)
	if err != nil {
		return nil, opError(err.Error(), 400)
	}
	id := cfg.SessionID()

	session := newSession(id, s.nodeID, s.defaults, s.pm, s.ctl)
	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return nil, opError("Session already exists", 409)
	}
	s.sessions[id] = session
	s.mu.Unlock()

	if err := s.ctl.InitializeRouting(cfg); err != nil {
		s.remove(id)
		logger.Errorf("Failed to initialize routing for session %s: %v", id, err)
		return nil, opError("Failed to initialize session with node router", 500)
	}

	if cfg.IsEntryNode() {
		logger.Debugf("This node is entry node for session %s", id)
		session.SetExpirationTime(time.Now().Add(s.defaults.ClientConnectionTimeout), "Client failed to connect")
	}

	logger.Debugf("About to spawn computations for session %s", id)
	if err := session.AsyncUpdateConfig(cfg); err != nil {
		s.remove(id)
		return nil, err
	}
	telemetry.SessionCreated()
	return cfg.Response(), nil
}

// Modify applies an updated session definition to an existing session.
func (s *Sessions) Modify(definition object.Object) (object.Object, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, opError("Node is closed : cannot modify sessions", 409)
	}

	cfg, err := ParseConfig(definition, s.nodeID)
	if err != nil {
		return nil, opError(err.Error(), 400)
	}

	session := s.Session(cfg.SessionID())
	if session == nil {
		return nil, opError("Session doesn't exist", 404)
	}
	if err := session.AsyncUpdateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg.Response(), nil
}

// Delete starts an asynchronous shutdown of a session. The session is
// retained as Defunct.
func (s *Sessions) Delete(id uuid.UUID, reason string) error {
	session := s.Session(id)
	if session == nil {
		return opError("Session doesn't exist", 404)
	}
	return session.AsyncDelete(reason)
}

// Signal applies a signal document to a session.
func (s *Sessions) Signal(id uuid.UUID, signalData object.Object) error {
	session := s.Session(id)
	if session == nil {
		return opError("Session does not exist", 404)
	}
	return session.Signal(signalData)
}

// Status returns the status document for a session.
func (s *Sessions) Status(id uuid.UUID) (object.Object, error) {
	session := s.Session(id)
	if session == nil {
		return nil, opError("Session does not exist", 404)
	}
	return session.Status(), nil
}

// Performance returns per-computation performance stats for a session.
func (s *Sessions) Performance(id uuid.UUID) (object.Object, error) {
	session := s.Session(id)
	if session == nil {
		return nil, opError("Session does not exist", 404)
	}
	return session.PerformanceStats(), nil
}

// Session returns the session with the given id, or nil.
func (s *Sessions) Session(id uuid.UUID) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Computation looks up a computation across the session table, or nil.
func (s *Sessions) Computation(sessionID, compID uuid.UUID) *Computation {
	session := s.Session(sessionID)
	if session == nil {
		return nil
	}
	return session.Computation(compID)
}

// ActiveSessionIDs lists the ids of sessions that are not defunct.
func (s *Sessions) ActiveSessionIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id, session := range s.sessions {
		if session.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// LastActivity returns the unix time of the most recent activity across
// all sessions, or the service start time if there have been none.
func (s *Sessions) LastActivity(includeComputations bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.startTimeSecs
	for _, session := range s.sessions {
		if sla := session.LastActivity(includeComputations); sla > last {
			last = sla
		}
	}
	return last
}

// IdleStatus fills out with per-session idle times plus the node-wide
// idle time, both in seconds.
func (s *Sessions) IdleStatus(out object.Object) {
	now := time.Now().Unix()

	s.mu.Lock()
	mostRecent := s.startTimeSecs
	list := make([]any, 0, len(s.sessions))
	for _, session := range s.sessions {
		sla := session.LastActivity(true)
		if sla > mostRecent {
			mostRecent = sla
		}
		list = append(list, object.Object{
			"id":       session.ID().String(),
			"idletime": int(now - sla),
		})
	}
	s.mu.Unlock()

	out["sessions"] = list
	out["idletime"] = int(now - mostRecent)
}

// SetClosed marks the node closed or open to new sessions.
func (s *Sessions) SetClosed(closed bool) {
	s.mu.Lock()
	s.closed = closed
	s.mu.Unlock()
}

// ShutdownAll synchronously shuts down every session. New sessions are
// refused from this point on.
func (s *Sessions) ShutdownAll(reason string) {
	logger.Debugf("Shutting down all sessions")

	s.mu.Lock()
	s.closed = true
	all := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		all = append(all, session)
	}
	s.mu.Unlock()

	for _, session := range all {
		if err := session.SyncShutdown(reason); err != nil {
			logger.Warnf("Failed to shutdown session : %v", err)
		}
	}
	logger.Debugf("Have shut down all sessions")
}

func (s *Sessions) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
