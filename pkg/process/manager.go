package process

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/logger"
)

// Manager tracks every child the agent has spawned so shutdown can reap
// whatever is still running. Processes register at creation and stay in
// the table until removed.
type Manager struct {
	mu        sync.Mutex
	processes map[uuid.UUID]*Process
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{processes: make(map[uuid.UUID]*Process)}
}

// Add creates and registers a process. The id must be unique among live
// processes; a duplicate returns nil.
func (m *Manager) Add(id uuid.UUID, name string, sessionID uuid.UUID) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processes[id]; exists {
		logger.Errorf("Failed to create process object for %s: id %s already in use", name, id)
		return nil
	}
	p := &Process{
		id:        id,
		name:      name,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
	m.processes[id] = p
	return p
}

// Get returns a registered process, or nil.
func (m *Manager) Get(id uuid.UUID) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processes[id]
}

// Remove unregisters a process, force-killing it if it is still running.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	p, ok := m.processes[id]
	if ok {
		delete(m.processes, id)
	}
	m.mu.Unlock()
	if ok && p.State() == StateSpawned {
		p.Terminate(true)
	}
}

// Len returns the number of registered processes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

// Shutdown politely terminates every live process, waits up to the timeout
// for each, then force-kills the stragglers.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	live := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		live = append(live, p)
	}
	m.processes = make(map[uuid.UUID]*Process)
	m.mu.Unlock()

	for _, p := range live {
		if p.State() == StateSpawned {
			p.Terminate(false)
		}
	}
	deadline := time.Now().Add(timeout)
	for _, p := range live {
		if p.State() != StateSpawned {
			continue
		}
		remaining := time.Until(deadline)
		if remaining > 0 && p.WaitUntilExit(remaining) {
			continue
		}
		logger.Warnf("Process %s did not exit in time, killing", p.Name())
		p.Terminate(true)
	}
}
