package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/config"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/process"
	"github.com/rendermesh/farmnode/pkg/telemetry"
)

// State is the lifecycle state of a session on this node.
type State int

const (
	// StateFree means no operation is in progress and the session can be
	// modified or deleted.
	StateFree State = iota
	// StateBusy means a create, modify or delete operation is running.
	StateBusy
	// StateDefunct means the session has been deleted. Defunct sessions
	// stay in the table so status queries can still report them.
	StateDefunct
)

// String renders the state for status documents.
func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateBusy:
		return "Busy"
	case StateDefunct:
		return "Defunct"
	default:
		return "Unknown"
	}
}

const (
	// waitForShutdownTimeout bounds how long a delete waits for
	// computations to exit before escalating.
	waitForShutdownTimeout = 30 * time.Second

	// forceKillWait is the grace period after a SIGKILL before a
	// computation is declared uninterruptable.
	forceKillWait = 5 * time.Second
)

// Session is one session assigned to this node: a set of computation
// processes plus the routing state the node router holds for them.
//
// Create, modify and delete run asynchronously on their own goroutine.
// While one is running the session is Busy and further operations are
// refused. Failures inside an operation are reported to the coordinator
// through the controller as sessionOperationFailed events, since the
// REST request that triggered the operation has already returned.
type Session struct {
	id     uuid.UUID
	nodeID uuid.UUID

	defaults config.ComputationDefaults
	pm       *process.Manager
	ctl      *Controller

	// logLevel is only touched by the operation goroutine.
	logLevel int

	stateMu      sync.Mutex
	state        State
	shuttingDown bool
	deleteReason string
	// opDone is non-nil while an operation goroutine is running and is
	// closed when it finishes.
	opDone chan struct{}

	compsMu sync.Mutex
	comps   map[uuid.UUID]*Computation

	activityMu       sync.Mutex
	lastActivitySecs int64

	expireMu   sync.Mutex
	expireStop chan struct{}
}

func newSession(id, nodeID uuid.UUID, defaults config.ComputationDefaults, pm *process.Manager, ctl *Controller) *Session {
	return &Session{
		id:               id,
		nodeID:           nodeID,
		defaults:         defaults,
		pm:               pm,
		ctl:              ctl,
		logLevel:         defaults.LogLevel,
		state:            StateFree,
		deleteReason:     "Not Deleted",
		comps:            make(map[uuid.UUID]*Computation),
		lastActivitySecs: time.Now().Unix(),
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) processManager() *process.Manager { return s.pm }

func (s *Session) controller() *Controller { return s.ctl }

func (s *Session) isAutoSuspend() bool { return s.defaults.AutoSuspend }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// DeleteReason returns why the session was deleted, or "Not Deleted".
func (s *Session) DeleteReason() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.deleteReason
}

// IsActive reports whether the session has not been deleted.
func (s *Session) IsActive() bool {
	return s.State() != StateDefunct
}

// Computation returns the named computation, or nil.
func (s *Session) Computation(id uuid.UUID) *Computation {
	s.compsMu.Lock()
	defer s.compsMu.Unlock()
	return s.comps[id]
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivitySecs = time.Now().Unix()
	s.activityMu.Unlock()
}

// LastActivity returns the unix time of the most recent session activity,
// optionally folding in message traffic seen by the computations.
func (s *Session) LastActivity(includeComputations bool) int64 {
	s.activityMu.Lock()
	last := s.lastActivitySecs
	s.activityMu.Unlock()
	if includeComputations {
		s.compsMu.Lock()
		for _, comp := range s.comps {
			if ca := comp.lastActivity(); ca > last {
				last = ca
			}
		}
		s.compsMu.Unlock()
	}
	return last
}

// checkIsFree is called with stateMu held.
func (s *Session) checkIsFree() error {
	switch s.state {
	case StateBusy:
		return opError("Session is busy", 409)
	case StateDefunct:
		return opError("Session is defunct", 409)
	default:
		return nil
	}
}

// Signal applies a signal document to the session. "run" releases or
// updates the computations and pushes new routing data to the router,
// "engineReady" tells the entry node's client the engine is up.
func (s *Session) Signal(signalData object.Object) error {
	s.stateMu.Lock()
	if err := s.checkIsFree(); err != nil {
		s.stateMu.Unlock()
		return err
	}
	s.stateMu.Unlock()

	status := object.String(signalData, "status", "")
	logger.Debugf("Session %s signal %s", s.id, status)

	switch status {
	case "run":
		s.compsMu.Lock()
		comps := make([]*Computation, 0, len(s.comps))
		for _, comp := range s.comps {
			comps = append(comps, comp)
		}
		s.compsMu.Unlock()
		for _, comp := range comps {
			comp.Signal(signalData)
		}
		if object.Has(signalData, "routing") {
			if err := s.ctl.UpdateRouting(s.id, signalData); err != nil {
				return err
			}
		}
	case "engineReady":
		s.ctl.SignalEngineReady(s.id)
	default:
		encoded, _ := object.Encode(signalData)
		logger.Warnf("Unknown signal received : %s", encoded)
	}
	s.touch()
	return nil
}

// AsyncUpdateConfig starts an operation goroutine that brings the
// session's computations in line with cfg. Used both for the initial
// create and for later modifies.
func (s *Session) AsyncUpdateConfig(cfg *Config) error {
	if cfg.SessionID() != s.id {
		return opError("Config session id did not match session object.", 500)
	}
	if cfg.NodeID() != s.nodeID {
		return opError("Config node id did not match session object.", 500)
	}

	s.stateMu.Lock()
	if s.shuttingDown {
		s.stateMu.Unlock()
		return opError("Session is shutting down", 500)
	}
	if s.state == StateBusy {
		s.stateMu.Unlock()
		return opError("Session is busy and cannot be modified", 409)
	}
	if s.state == StateDefunct {
		s.stateMu.Unlock()
		return opError("Session is defunct and cannot be modified", 409)
	}
	s.state = StateBusy
	done := make(chan struct{})
	s.opDone = done
	s.stateMu.Unlock()

	s.touch()
	go s.updateWorker(cfg, done)
	return nil
}

// AsyncDelete starts an operation goroutine that shuts the session down.
func (s *Session) AsyncDelete(reason string) error {
	s.stateMu.Lock()
	if s.shuttingDown {
		s.stateMu.Unlock()
		return opError("Session is shutting down", 500)
	}
	if s.state == StateBusy {
		s.stateMu.Unlock()
		return opError("Session is busy and cannot be deleted", 409)
	}
	if s.state == StateDefunct {
		s.stateMu.Unlock()
		return opError("Session is defunct and cannot be deleted", 409)
	}
	s.state = StateBusy
	done := make(chan struct{})
	s.opDone = done
	s.stateMu.Unlock()

	s.touch()
	deadline := time.Now().Add(waitForShutdownTimeout)
	go s.deleteWorker(reason, deadline, done)
	return nil
}

// SyncShutdown deletes the session on the caller's goroutine, waiting
// out any operation already in flight. Used when the whole node is
// going down.
func (s *Session) SyncShutdown(reason string) error {
	logger.Debugf("Shutting down session %s", s.id)

	s.stateMu.Lock()
	s.shuttingDown = true
	deadline := time.Now().Add(waitForShutdownTimeout)
	for s.state == StateBusy {
		done := s.opDone
		s.stateMu.Unlock()
		if done == nil {
			s.stateMu.Lock()
			break
		}
		select {
		case <-done:
		case <-time.After(time.Until(deadline)):
			return errors.New("Session shutdown took too long")
		}
		s.stateMu.Lock()
	}
	alreadyDefunct := s.state == StateDefunct
	s.stateMu.Unlock()

	if !alreadyDefunct {
		s.runDelete(reason, time.Now().Add(waitForShutdownTimeout))
	}
	logger.Debugf("Have shut down session %s", s.id)
	return nil
}

func (s *Session) updateWorker(cfg *Config, done chan struct{}) {
	if err := s.applyNewConfig(cfg); err != nil {
		s.ctl.SessionOperationFailed(s.id, "create/modify", err.Error())
	}
	s.stateMu.Lock()
	if s.state == StateBusy {
		s.state = StateFree
	}
	s.stateMu.Unlock()
	close(done)
}

func (s *Session) deleteWorker(reason string, deadline time.Time, done chan struct{}) {
	s.runDelete(reason, deadline)
	close(done)
}

// runDelete stops every computation, tells the router to drop the
// session and marks the session defunct.
func (s *Session) runDelete(reason string, deadline time.Time) {
	s.compsMu.Lock()
	comps := make([]*Computation, 0, len(s.comps))
	for _, comp := range s.comps {
		comps = append(comps, comp)
	}
	s.compsMu.Unlock()

	for _, comp := range comps {
		comp.Shutdown()
	}
	for _, comp := range comps {
		if comp.WaitUntilShutdown(deadline) {
			continue
		}
		comp.forceShutdown()
		if !comp.WaitUntilShutdown(time.Now().Add(forceKillWait)) {
			comp.markUninterruptable()
			logger.Errorf("Cannot stop computation %s [%s]", comp.Name(), comp.ID())
		}
	}

	if err := s.ctl.ShutdownSession(s.id, reason); err != nil {
		s.ctl.SessionOperationFailed(s.id, "delete", err.Error())
	}

	s.stateMu.Lock()
	s.state = StateDefunct
	s.deleteReason = reason
	s.stateMu.Unlock()
	telemetry.SessionDeleted()

	// a pending client-connect expiration would otherwise fire against
	// the now-defunct session
	s.StopExpiration()
}

// applyNewConfig computes the delta between the running computations and
// cfg, stops the ones no longer wanted and starts the new ones.
func (s *Session) applyNewConfig(cfg *Config) error {
	if lvl := cfg.LogLevel(); lvl >= 0 {
		s.logLevel = lvl
	} else {
		s.logLevel = s.defaults.LogLevel
	}

	wanted := cfg.Computations()

	s.compsMu.Lock()
	var defunct []*Computation
	for id, comp := range s.comps {
		if _, ok := wanted[id]; !ok {
			defunct = append(defunct, comp)
		}
	}
	type newComp struct {
		id   uuid.UUID
		name string
	}
	var added []newComp
	for id, name := range wanted {
		if _, ok := s.comps[id]; !ok {
			added = append(added, newComp{id: id, name: name})
		}
	}
	s.compsMu.Unlock()

	for _, comp := range defunct {
		comp.Shutdown()
	}
	deadline := time.Now().Add(waitForShutdownTimeout)
	for _, comp := range defunct {
		if !comp.WaitUntilShutdown(deadline) {
			logger.Errorf("Cannot stop computation %s [%s]", comp.Name(), comp.ID())
			return errors.New("Computations did not shutdown within timeout.")
		}
	}

	for _, nc := range added {
		if err := s.startNewComputation(nc.id, nc.name, cfg); err != nil {
			return err
		}
	}
	return nil
}

// startNewComputation builds the executor spawn configuration for one
// computation and launches it.
func (s *Session) startNewComputation(compID uuid.UUID, name string, cfg *Config) error {
	compConfig := NewComputationConfig(compID, s.nodeID, s.id, name, s.defaults)

	definition, ok := cfg.Definition(name)
	if !ok {
		logger.Errorf("Cannot start computation %s [%s] because its definition is not present in the config", name, compID)
		return errors.New("Missing definition for " + name)
	}

	var context object.Object
	if contextName := compConfig.ContextName(definition); contextName != "" {
		context, ok = cfg.Context(contextName)
		if !ok {
			logger.Errorf("Cannot start computation %s [%s] because context '%s' is not present in the config", name, compID, contextName)
			return errors.New("Missing named context for " + name)
		}
	}

	compConfig.SetDefinition(definition, context, s.logLevel)
	compConfig.AddRouting(cfg.Routing())

	if err := compConfig.ApplyPackaging(definition, context); err != nil {
		return errors.New("Cannot start computation " + name + " : " + err.Error())
	}
	if err := compConfig.WriteExecConfigFile(); err != nil {
		return errors.New("Cannot start computation " + name + " : failed to save config file")
	}

	comp, err := newComputation(compID, name, s)
	if err != nil {
		return errors.New("Cannot start computation " + name)
	}
	if err := comp.Start(compConfig.SpawnSpec()); err != nil {
		comp.destroy()
		return errors.New("Cannot start computation " + name)
	}

	s.compsMu.Lock()
	s.comps[compID] = comp
	s.compsMu.Unlock()
	return nil
}

// Status returns the session state plus per-computation status, keyed by
// computation name.
func (s *Session) Status() object.Object {
	comps := object.Object{}
	s.compsMu.Lock()
	for _, comp := range s.comps {
		comps[comp.Name()] = comp.Status()
	}
	s.compsMu.Unlock()
	return object.Object{
		"state":        s.State().String(),
		"computations": comps,
	}
}

// PerformanceStats returns per-computation resource and traffic figures,
// keyed by computation name.
func (s *Session) PerformanceStats() object.Object {
	comps := object.Object{}
	s.compsMu.Lock()
	for _, comp := range s.comps {
		stats := object.Object{}
		comp.PerformanceStats(stats)
		comps[comp.Name()] = stats
	}
	s.compsMu.Unlock()
	return object.Object{"computations": comps}
}

// SetExpirationTime arms a timer that expires the session if it is still
// armed when the deadline passes. Arming replaces any earlier timer.
func (s *Session) SetExpirationTime(expiry time.Time, message string) {
	s.StopExpiration()
	stop := make(chan struct{})
	s.expireMu.Lock()
	s.expireStop = stop
	s.expireMu.Unlock()
	go s.expireWorker(expiry, message, stop)
}

// StopExpiration disarms a pending expiration timer, if any.
func (s *Session) StopExpiration() {
	s.expireMu.Lock()
	if s.expireStop != nil {
		close(s.expireStop)
		s.expireStop = nil
	}
	s.expireMu.Unlock()
}

func (s *Session) expireWorker(expiry time.Time, message string, stop chan struct{}) {
	timer := time.NewTimer(time.Until(expiry))
	defer timer.Stop()
	select {
	case <-stop:
		return
	case <-timer.C:
	}
	// lost a race with StopExpiration or a re-arm if the channel is no
	// longer the armed one
	s.expireMu.Lock()
	armed := s.expireStop == stop
	if armed {
		s.expireStop = nil
	}
	s.expireMu.Unlock()
	if armed {
		s.ctl.SessionExpired(s.id, message)
	}
}
