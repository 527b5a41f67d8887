package routing

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/logger"
)

// Store is the router's table of session routing data. An entry has a
// two-phase lifetime: the store's own strong reference, installed by Put
// and dropped by Release or Delete, plus a count of references acquired by
// endpoints that are still using the data. The entry stays visible until
// the strong reference and every acquired reference are gone, so an
// endpoint draining a kicked session can finish addressing its messages.
type Store struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*storeEntry
}

type storeEntry struct {
	data   *SessionRoutingData
	strong bool
	refs   int
}

// NewStore creates an empty routing store.
func NewStore() *Store {
	return &Store{entries: make(map[uuid.UUID]*storeEntry)}
}

// Put installs routing data for its session. If live data already exists
// for the session it is kept and returned instead.
func (s *Store) Put(data *SessionRoutingData) *SessionRoutingData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[data.SessionID()]; ok {
		e.strong = true
		return e.data
	}
	s.entries[data.SessionID()] = &storeEntry{data: data, strong: true}
	return data
}

// Get returns the live routing data for a session, or nil.
func (s *Store) Get(sessionID uuid.UUID) *SessionRoutingData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sessionID]; ok {
		return e.data
	}
	return nil
}

// Acquire returns the live routing data for a session and records the
// caller as a user. Callers must pair it with Unref.
func (s *Store) Acquire(sessionID uuid.UUID) *SessionRoutingData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sessionID]; ok {
		e.refs++
		return e.data
	}
	return nil
}

// Unref drops one acquired reference. Once the strong reference is gone
// and the last user unrefs, the entry disappears.
func (s *Store) Unref(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if !e.strong && e.refs == 0 {
		delete(s.entries, sessionID)
	}
}

// Release drops the store's strong reference. The entry remains visible
// while endpoints still hold acquired references.
func (s *Store) Release(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return
	}
	e.strong = false
	if e.refs == 0 {
		delete(s.entries, sessionID)
	}
}

// Delete removes a session's routing data outright, warning if endpoints
// still hold references to it.
func (s *Store) Delete(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return
	}
	if e.refs > 0 {
		logger.Warnf("Deleting routing data for session %s while still in use", sessionID)
	}
	delete(s.entries, sessionID)
}

// FindNodeInfo searches every live session's node map for a node.
func (s *Store) FindNodeInfo(nodeID uuid.UUID) (NodeInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if info, ok := e.data.NodeMap().Find(nodeID); ok {
			return info, true
		}
	}
	return NodeInfo{}, false
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
