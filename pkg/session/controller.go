package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/config"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/process"
	"github.com/rendermesh/farmnode/pkg/telemetry"
	"github.com/rendermesh/farmnode/pkg/wire"
)

const (
	routerProgram = "farmnode-router"

	// routingAckTimeout bounds how long session creation waits for the
	// router to acknowledge new routing data.
	routingAckTimeout = 10 * time.Second

	// the RouterInfo message carrying the TCP port is expected within
	// routerPortWaitCount * routerPortWaitInterval of connecting
	routerPortWaitCount    = 100
	routerPortWaitInterval = 100 * time.Millisecond
)

// EventSink receives session events bound for the coordinator. A zero
// session or computation id means the event is node scoped.
type EventSink interface {
	Post(sessionID, compID uuid.UUID, data object.Object)
}

// Controller owns the node's side of the router control channel. It
// spawns the router child, registers on its IPC socket, relays control
// and routing messages for the session table and turns router traffic
// into coordinator events.
type Controller struct {
	nodeID uuid.UUID
	sink   EventSink

	sessions *Sessions

	routerProcessID uuid.UUID

	sendMu sync.Mutex
	conn   net.Conn

	mu          sync.Mutex
	port        int
	routingAcks map[uuid.UUID]chan struct{}

	exiting atomic.Bool
	done    chan struct{}
}

// NewController builds a controller posting session events to sink.
func NewController(nodeID uuid.UUID, sink EventSink) *Controller {
	return &Controller{
		nodeID:      nodeID,
		sink:        sink,
		routingAcks: make(map[uuid.UUID]chan struct{}),
	}
}

func (ctl *Controller) setSessions(s *Sessions) {
	ctl.sessions = s
}

// StartRouter reaps any router left over from a previous run and spawns
// a fresh one advertising the given IPC path.
func (ctl *Controller) StartRouter(defaults config.ComputationDefaults, pm *process.Manager) error {
	if reaped, err := process.ReapStale("router"); err != nil {
		logger.Warnf("Failed to reap stale router process: %v", err)
	} else if reaped {
		logger.Infof("Reaped a stale router process from a previous run")
	}

	ctl.routerProcessID = uuid.New()
	proc := pm.Add(ctl.routerProcessID, routerProgram, ctl.routerProcessID)
	if proc == nil {
		logger.Errorf("Failed to create router process object")
		return errors.New("Cannot start node router")
	}
	spec := process.SpawnSpec{
		Program: routerProgram,
		Args: []string{
			"--node-id", ctl.nodeID.String(),
			"--ipc", defaults.IPCName,
			"-l", routerLogLevel(defaults.LogLevel),
		},
		CleanupProcessGroup: true,
	}
	if err := proc.Spawn(spec); err != nil {
		logger.Errorf("Failed to spawn router process: %v", err)
		pm.Remove(ctl.routerProcessID)
		return errors.New("Cannot start node router")
	}
	if err := process.WritePIDFile("router", proc.Pid()); err != nil {
		logger.Warnf("Failed to record router pid: %v", err)
	}
	return nil
}

// routerLogLevel maps a computation log level onto the router binary's
// named levels.
func routerLogLevel(level int) string {
	switch {
	case level >= 4:
		return "debug"
	case level == 3:
		return "info"
	case level == 2:
		return "warn"
	default:
		return "error"
	}
}

// Connect registers on the router's IPC socket as the control channel
// and waits for the router to report its TCP message port. The caller
// retries while the router child is still starting up.
func (ctl *Controller) Connect(ipcPath string) error {
	conn, err := net.Dial("unix", ipcPath)
	if err != nil {
		return err
	}
	reg := &wire.Registration{
		Minor:  wire.VersionMinor,
		Patch:  wire.VersionPatch,
		Kind:   wire.KindControl,
		NodeID: ctl.nodeID,
	}
	if err := wire.WriteRegistration(conn, reg); err != nil {
		conn.Close()
		return err
	}

	ctl.sendMu.Lock()
	ctl.conn = conn
	ctl.sendMu.Unlock()
	ctl.done = make(chan struct{})
	go ctl.dispatch(conn)

	for i := 0; i < routerPortWaitCount; i++ {
		if ctl.Port() != 0 {
			return nil
		}
		time.Sleep(routerPortWaitInterval)
	}
	logger.Errorf("Did not receive internet port number from router within timeout")
	conn.Close()
	return errors.New("Did not receive internet port number from router within timeout")
}

// Port returns the router's TCP message port, or 0 before the router has
// reported it.
func (ctl *Controller) Port() int {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.port
}

// Run blocks until the router connection is gone. Call after Connect.
func (ctl *Controller) Run() {
	<-ctl.done
}

// StopRunning drops the router connection, which ends the dispatch loop.
// The router child exits when it sees the control channel close.
func (ctl *Controller) StopRunning() {
	ctl.exiting.Store(true)
	ctl.sendMu.Lock()
	if ctl.conn != nil {
		ctl.conn.Close()
	}
	ctl.sendMu.Unlock()
}

func (ctl *Controller) dispatch(conn net.Conn) {
	defer close(ctl.done)
	for {
		env, err := wire.ReadEnvelope(conn)
		if err != nil {
			if !ctl.exiting.Load() {
				logger.Errorf("Lost router connection: %v", err)
				ctl.PostEvent(uuid.Nil, uuid.Nil, object.Object{
					"eventType":       "shutdownWithError",
					"reason":          "Lost router connection",
					"nodeId":          ctl.nodeID.String(),
					"routerProcessId": ctl.routerProcessID.String(),
				})
			}
			return
		}
		ctl.handleMessage(env)
	}
}

func (ctl *Controller) handleMessage(env *wire.Envelope) {
	switch env.ClassID {
	case wire.ClassRouterInfo:
		var info wire.RouterInfo
		if err := env.DecodePayload(&info); err != nil {
			logger.Warnf("Discarding malformed RouterInfo message: %v", err)
			return
		}
		logger.Debugf("Router is listening for messages on port %d", info.MessagePort)
		ctl.mu.Lock()
		ctl.port = info.MessagePort
		ctl.mu.Unlock()

	case wire.ClassSessionRoutingData:
		var msg wire.SessionRoutingData
		if err := env.DecodePayload(&msg); err != nil {
			logger.Warnf("Discarding malformed SessionRoutingData message: %v", err)
			return
		}
		if msg.Action != wire.RoutingAcknowledge {
			logger.Errorf("Expected session routing data with 'acknowledge' action, but got '%s'", msg.Action)
			return
		}
		ch := ctl.routingAckChan(msg.SessionID)
		select {
		case <-ch:
		default:
			close(ch)
		}

	case wire.ClassComputationStatus:
		var msg wire.ComputationStatus
		if err := env.DecodePayload(&msg); err != nil {
			logger.Warnf("Discarding malformed ComputationStatus message: %v", err)
			return
		}
		ctl.PostEvent(msg.SessionID, msg.ComputationID, object.Object{
			"eventType": "computationReady",
		})

	case wire.ClassClientConnectionStatus:
		var msg wire.ClientConnectionStatus
		if err := env.DecodePayload(&msg); err != nil {
			logger.Warnf("Discarding malformed ClientConnectionStatus message: %v", err)
			return
		}
		ctl.handleClientStatus(&msg)

	case wire.ClassExecutorHeartbeat:
		if env.From.Session == uuid.Nil || env.From.Computation == uuid.Nil {
			logger.Errorf("Cannot get 'from' address from heartbeat message")
			return
		}
		var hb wire.ExecutorHeartbeat
		if err := env.DecodePayload(&hb); err != nil {
			logger.Warnf("Discarding malformed heartbeat message: %v", err)
			return
		}
		telemetry.HeartbeatReceived()
		if ctl.sessions == nil {
			return
		}
		// nil when the computation already exited
		if comp := ctl.sessions.Computation(env.From.Session, env.From.Computation); comp != nil {
			comp.OnHeartbeat(hb)
		}

	case wire.ClassControl:
		var c wire.Control
		if err := env.DecodePayload(&c); err != nil {
			logger.Warnf("Discarding malformed control message: %v", err)
			return
		}
		if c.Command == "routershutdown" {
			logger.Infof("Router requested node shutdown")
			ctl.PostEvent(uuid.Nil, uuid.Nil, object.Object{
				"eventType": "shutdownWithError",
				"reason":    "Node router requested shutdown",
				"nodeId":    ctl.nodeID.String(),
			})
		} else {
			logger.Warnf("Ignoring unexpected control command '%s' from router", c.Command)
		}

	default:
		logger.Warnf("Ignoring unexpected %s message from router", wire.ClassName(env.ClassID))
	}
}

// handleClientStatus reacts to the router's view of the client
// connection on the entry node.
func (ctl *Controller) handleClientStatus(msg *wire.ClientConnectionStatus) {
	if msg.Reason != wire.ReasonConnected {
		ctl.PostEvent(msg.SessionID, uuid.Nil, object.Object{
			"eventType": "sessionClientDisconnected",
			"reason":    msg.Reason,
		})
		return
	}

	logger.Debugf("Client has connected to session %s", msg.SessionID)
	if ctl.sessions == nil {
		return
	}
	session := ctl.sessions.Session(msg.SessionID)
	if session == nil {
		_ = ctl.KickClient(msg.SessionID, "unknownSession", "unknownSession")
		return
	}
	if !session.IsActive() {
		_ = ctl.KickClient(msg.SessionID, "sessionDeleted", session.DeleteReason())
		return
	}
	session.StopExpiration()
}

// routingAckChan returns the ack channel for a session, creating it if
// needed. Only the dispatch goroutine closes these.
func (ctl *Controller) routingAckChan(sessionID uuid.UUID) chan struct{} {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ch, ok := ctl.routingAcks[sessionID]
	if !ok {
		ch = make(chan struct{})
		ctl.routingAcks[sessionID] = ch
	}
	return ch
}

func (ctl *Controller) send(classID uuid.UUID, content any, to ...wire.Address) error {
	env, err := wire.NewEnvelope(classID, content)
	if err != nil {
		logger.Errorf("Failed to build %s message: %v", wire.ClassName(classID), err)
		return err
	}
	env.To = to

	ctl.sendMu.Lock()
	defer ctl.sendMu.Unlock()
	if ctl.conn == nil {
		return errors.New("Not connected to node router")
	}
	return wire.WriteEnvelope(ctl.conn, env)
}

// InitializeRouting hands the router the routing data for a new session
// and waits for its acknowledgement.
func (ctl *Controller) InitializeRouting(cfg *Config) error {
	raw, err := object.Encode(cfg.Routing())
	if err != nil {
		return err
	}

	ch := make(chan struct{})
	ctl.mu.Lock()
	ctl.routingAcks[cfg.SessionID()] = ch
	ctl.mu.Unlock()

	if err := ctl.send(wire.ClassSessionRoutingData, &wire.SessionRoutingData{
		Action:      wire.RoutingInitialize,
		SessionID:   cfg.SessionID(),
		RoutingData: string(raw),
	}); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(routingAckTimeout):
		return errors.New("Router did not acknowledge session routing data")
	}
}

// UpdateRouting pushes replacement routing data for a running session.
func (ctl *Controller) UpdateRouting(sessionID uuid.UUID, signalData object.Object) error {
	routing, _ := object.Child(signalData, "routing")
	raw, err := object.Encode(routing)
	if err != nil {
		return err
	}
	return ctl.send(wire.ClassSessionRoutingData, &wire.SessionRoutingData{
		Action:      wire.RoutingUpdate,
		SessionID:   sessionID,
		RoutingData: string(raw),
	})
}

// KickClient tells the router to disconnect a session's client. The
// status document travels with the disconnect so the client learns why.
func (ctl *Controller) KickClient(sessionID uuid.UUID, disconnectReason, stoppedReason string) error {
	status, err := object.Encode(object.Object{
		"disconnectReason":  disconnectReason,
		"execStatus":        "stopped",
		"execStoppedReason": stoppedReason,
	})
	if err != nil {
		return err
	}
	return ctl.send(wire.ClassClientConnectionStatus, &wire.ClientConnectionStatus{
		SessionID:     sessionID,
		Reason:        disconnectReason,
		SessionStatus: string(status),
	})
}

// ShutdownSession drops the session's client and deletes its routing
// data from the router.
func (ctl *Controller) ShutdownSession(sessionID uuid.UUID, reason string) error {
	if err := ctl.KickClient(sessionID, reason, reason); err != nil {
		return err
	}
	return ctl.send(wire.ClassSessionRoutingData, &wire.SessionRoutingData{
		Action:    wire.RoutingDelete,
		SessionID: sessionID,
	})
}

// SignalEngineReady tells the session's client that the engine is up.
func (ctl *Controller) SignalEngineReady(sessionID uuid.UUID) error {
	return ctl.send(wire.ClassEngineReady, &wire.EngineReady{},
		wire.Address{Session: sessionID})
}

// SendControl delivers a control command to one computation.
func (ctl *Controller) SendControl(compID, sessionID uuid.UUID, command string, data object.Object) error {
	logger.Debugf("Sending control '%s' to computation %s", command, compID)
	return ctl.send(wire.ClassControl, &wire.Control{Command: command, Data: data},
		wire.Address{Session: sessionID, Node: ctl.nodeID, Computation: compID})
}

// SendStop asks one computation to stop via its message channel.
func (ctl *Controller) SendStop(compID, sessionID uuid.UUID) error {
	return ctl.SendControl(compID, sessionID, wire.ControlStop, nil)
}

// PostEvent forwards a session event to the configured sink.
func (ctl *Controller) PostEvent(sessionID, compID uuid.UUID, data object.Object) {
	if ctl.sink != nil {
		ctl.sink.Post(sessionID, compID, data)
	}
}

// SessionOperationFailed reports an asynchronous operation failure to
// the coordinator.
func (ctl *Controller) SessionOperationFailed(sessionID uuid.UUID, operation, message string) {
	logger.Errorf("Session operation '%s' failed : %s", operation, message)
	ctl.PostEvent(sessionID, uuid.Nil, object.Object{
		"eventType": "sessionOperationFailed",
		"operation": operation,
		"reason":    message,
	})
}

// SessionExpired reports that an expiration timer fired for a session.
func (ctl *Controller) SessionExpired(sessionID uuid.UUID, message string) {
	logger.Warnf("Session expired : %s", message)
	ctl.PostEvent(sessionID, uuid.Nil, object.Object{
		"eventType": "sessionExpired",
		"reason":    message,
	})
}
