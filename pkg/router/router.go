// Package router implements the per-host message router. It accepts
// connections from session clients, peer node routers, local computation
// executors and the node agent itself, and forwards framed envelopes
// between them according to per-session routing data installed by the
// agent. It runs as its own process so a crashing agent never takes down
// in-flight message traffic.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/routing"
	"github.com/rendermesh/farmnode/pkg/telemetry"
	"github.com/rendermesh/farmnode/pkg/wire"
)

const (
	// statusDrainTimeout bounds the wait for a kicked client's final
	// session status to reach the wire.
	statusDrainTimeout = 5 * time.Second

	// statsInterval is the per-computation cadence of heartbeat stats
	// logging.
	statsInterval = 30 * time.Second

	// acceptsPerPoll caps how many new connections are admitted per poll
	// interval, shared across both listeners.
	acceptsPerPoll = 32
)

// Router accepts peer connections on a TCP port and a unix domain socket
// and routes envelopes between them. One Router serves one node.
type Router struct {
	nodeID  uuid.UUID
	ipcPath string

	tcpLn net.Listener
	ipcLn net.Listener
	port  int

	peers *PeerRegistry
	store *routing.Store

	// nodeMu orders node endpoint creation against incoming node
	// registrations so the connection collision rules see a consistent
	// endpoint table.
	nodeMu sync.Mutex

	limiter *rate.Limiter

	destroyMu      sync.Mutex
	destroyPending []*Endpoint

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a router for the given node. ipcPath is where the unix
// domain socket for local executors and the agent will be bound.
func New(nodeID uuid.UUID, ipcPath string) *Router {
	return &Router{
		nodeID:   nodeID,
		ipcPath:  ipcPath,
		peers:    NewPeerRegistry(),
		store:    routing.NewStore(),
		limiter:  rate.NewLimiter(rate.Every(pollInterval/acceptsPerPoll), acceptsPerPoll),
		shutdown: make(chan struct{}),
	}
}

// NodeID returns the node this router serves.
func (r *Router) NodeID() uuid.UUID {
	return r.nodeID
}

// Listen binds the TCP and IPC listeners. Port 0 binds an ephemeral port;
// the service learns the real one from the RouterInfo message sent when it
// connects.
func (r *Router) Listen(port int) error {
	tcpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on TCP port %d: %w", port, err)
	}
	r.port = tcpLn.Addr().(*net.TCPAddr).Port

	ipcLn, err := listenUnix(r.ipcPath)
	if err != nil {
		_ = tcpLn.Close()
		return err
	}

	r.tcpLn = tcpLn
	r.ipcLn = ipcLn
	logger.Infof("Router listening on port %d", r.port)
	return nil
}

// listenUnix binds a unix domain socket, replacing any stale socket file
// left by a previous run.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create socket directory for %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix socket %s: %w", path, err)
	}
	// Owner-only. The agent's health check verifies these bits.
	if err := os.Chmod(path, 0700); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions on %s: %w", path, err)
	}
	return ln, nil
}

// Port returns the bound TCP port. Valid after Listen.
func (r *Router) Port() int {
	return r.port
}

// RoutingStore exposes the session routing table, for tests.
func (r *Router) RoutingStore() *routing.Store {
	return r.store
}

// Run serves connections until the node service disconnects or the context
// is canceled. Signals do not stop the router directly: the agent is asked
// to shut down via RequestShutdown and the router exits when the agent
// drops its connection, so message traffic outlives an agent that is still
// winding sessions down.
func (r *Router) Run(ctx context.Context) error {
	if r.tcpLn == nil || r.ipcLn == nil {
		return fmt.Errorf("router is not listening")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.acceptLoop(ctx, r.tcpLn) })
	g.Go(func() error { return r.acceptLoop(ctx, r.ipcLn) })
	g.Go(func() error { return r.tickLoop(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-r.shutdown:
		}
		_ = r.tcpLn.Close()
		_ = r.ipcLn.Close()
		return nil
	})

	err := g.Wait()

	for _, ep := range r.peers.All() {
		r.flagDestroy(ep)
	}
	r.destroyEndpoints()

	if rmErr := os.Remove(r.ipcPath); rmErr != nil && !os.IsNotExist(rmErr) {
		logger.Warnf("Failed to remove socket %s: %v", r.ipcPath, rmErr)
	}
	return err
}

// RequestShutdown asks the node service to begin an orderly node shutdown.
// The router itself keeps running until the service disconnects, so
// sessions being torn down can still deliver their final messages.
func (r *Router) RequestShutdown() {
	env, err := wire.NewEnvelope(wire.ClassControl, &wire.Control{Command: "routershutdown"})
	if err != nil {
		logger.Errorf("Failed to build shutdown message: %v", err)
		return
	}
	r.notifyService(env)
}

func (r *Router) beginShutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdown) })
}

func (r *Router) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.shutdown:
				return nil
			default:
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go r.handleConnection(conn)
	}
}

func (r *Router) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.destroyEndpoints()
		case <-ctx.Done():
			return nil
		case <-r.shutdown:
			return nil
		}
	}
}

// handleConnection negotiates a new connection's registration and hands it
// to the filter for its peer kind. No identification within the timeout is
// a failed connection.
func (r *Router) handleConnection(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(negotiationTimeout))
	reg, err := wire.ReadRegistration(conn)
	if err != nil {
		logger.Errorf("Rejecting connection from %s: %v", conn.RemoteAddr(), err)
		telemetry.HandshakeFailed()
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	switch reg.Kind {
	case wire.KindClient:
		r.connectClient(conn, reg)
	case wire.KindNode:
		r.connectNodeIncoming(conn, reg)
	case wire.KindExecutor:
		r.connectExecutor(conn, reg)
	case wire.KindControl:
		r.connectService(conn, reg)
	default:
		logger.Errorf("Rejecting connection from %s with unknown registration kind %d",
			conn.RemoteAddr(), uint32(reg.Kind))
		telemetry.HandshakeFailed()
		_ = conn.Close()
	}
}

func (r *Router) connectClient(conn net.Conn, reg *wire.Registration) {
	sessionID := reg.SessionID

	data := r.store.Acquire(sessionID)
	var ep *Endpoint
	if data != nil {
		ep = newEndpoint(r, PeerClient, sessionID, conn, data)
		logger.Debugf("Basic handshake succeeded for client of session %s", sessionID)
	} else {
		// Unless something is terribly wrong, this is a client connecting
		// after its session already shut down. Accept it anyway so the
		// shutdown status can be delivered; with no routing data its
		// incoming messages are ignored.
		ep = newEndpoint(r, PeerClient, sessionID, conn, nil)
		logger.Debugf("Client for invalid session %s accepted temporarily", sessionID)
	}

	if !r.peers.TrackClient(sessionID, ep) {
		logger.Errorf("Refusing client connection because one already exists for session %s", sessionID)
		if data != nil {
			r.store.Unref(sessionID)
		}
		_ = conn.Close()
		return
	}
	ep.start()
	r.notifyClientConnected(sessionID)
}

// connectNodeIncoming applies the node connection collision rules. Two
// routers may dial each other at the same time; to keep exactly one
// connection, the final connection always runs from the greater node id to
// the lesser. A registration from a lesser id is therefore refused and
// answered with a reciprocal outbound connection, while one from a greater
// id is either accepted fresh or adopted into the outbound endpoint
// already waiting for it.
func (r *Router) connectNodeIncoming(conn net.Conn, reg *wire.Registration) {
	peerID := reg.NodeID
	logger.Debugf("Registration received from node peer '%s'", peerID)

	r.nodeMu.Lock()
	defer r.nodeMu.Unlock()

	existing := r.peers.Node(peerID)
	fromLesser := bytes.Compare(peerID[:], r.nodeID[:]) < 0

	if existing == nil {
		if fromLesser {
			info, ok := r.store.FindNodeInfo(peerID)
			if !ok {
				logger.Errorf("Unexpected node connection from nodeId %s", peerID)
				_ = conn.Close()
				return
			}
			logger.Debug("Rejecting node to node connection from lesser nodeId. Reciprocal connection will be created.")
			_ = conn.Close()
			ep := newOutboundEndpoint(r, info)
			r.peers.TrackNode(peerID, ep)
			ep.start()
			return
		}
		logger.Debug("Accepting node to node connection from greater nodeId")
		ep := newEndpoint(r, PeerNode, peerID, conn, nil)
		r.peers.TrackNode(peerID, ep)
		ep.start()
		return
	}

	if fromLesser {
		logger.Debug("Rejecting node to node connection from lesser nodeId. Reciprocal connection is already in progress.")
		_ = conn.Close()
		return
	}
	logger.Debug("Accepting node to node connection from greater nodeId. Using for existing endpoint.")
	if !existing.adoptConn(conn) {
		_ = conn.Close()
	}
}

func (r *Router) connectExecutor(conn net.Conn, reg *wire.Registration) {
	logger.Debugf("Registration received from computation '%s'", reg.ComputationID)

	r.notifyComputationStatus(reg.SessionID, reg.ComputationID, "ready")

	// Without routing data the endpoint can still be written to, but its
	// messages are never read.
	data := r.store.Acquire(reg.SessionID)
	ep := newEndpoint(r, PeerComputation, reg.ComputationID, conn, data)
	r.peers.TrackComputation(reg.ComputationID, ep)
	ep.start()
}

func (r *Router) connectService(conn net.Conn, reg *wire.Registration) {
	ep := newEndpoint(r, PeerService, reg.NodeID, conn, nil)
	if err := r.peers.SetService(ep); err != nil {
		logger.Errorf("Refusing service connection because one already exists")
		_ = conn.Close()
		return
	}

	// The agent spawns the router with an ephemeral port, so it has to be
	// told which port peers should be sent to.
	env, err := wire.NewEnvelope(wire.ClassRouterInfo, &wire.RouterInfo{MessagePort: r.port})
	if err != nil {
		logger.Errorf("Failed to build router info message: %v", err)
	} else {
		ep.Enqueue(env)
	}

	ep.start()
	logger.Debug("Basic handshake succeeded for node service")
}

// handleReceived dispatches one envelope read from an endpoint. Control
// messages and heartbeats are consumed by the router; everything else is
// routed toward its destinations.
func (r *Router) handleReceived(ep *Endpoint, env *wire.Envelope) {
	telemetry.EnvelopeRouted(ep.kind.String())

	if ep.kind == PeerService {
		r.handleServiceMessage(env)
		return
	}

	switch env.ClassID {
	case wire.ClassControl:
		if ep.kind == PeerClient {
			var ctl wire.Control
			if err := env.DecodePayload(&ctl); err == nil && ctl.Command == "disconnect" {
				r.notifyClientDisconnected(ep.id, wire.ReasonClientShutdown)
			}
		} else if len(env.To) == 1 && env.To[0].Computation == uuid.Nil && env.To[0].Node == r.nodeID {
			logger.Errorf("Unexpected control message from %s", ep.describe())
		}

	case wire.ClassExecutorHeartbeat:
		// Heartbeats only come from executors; from anything else they
		// are ignored.
		if ep.kind != PeerComputation {
			return
		}
		var hb wire.ExecutorHeartbeat
		if err := env.DecodePayload(&hb); err != nil {
			logger.Warnf("Discarding malformed heartbeat from %s: %v", ep.describe(), err)
			return
		}
		r.forwardHeartbeat(ep, env)
		r.logStats(ep, &hb)

	default:
		if ep.kind == PeerNode {
			if len(env.To) == 0 {
				logger.Warnf("Dropping unaddressed %s message from %s", wire.ClassName(env.ClassID), ep.describe())
				return
			}
			sessionID := env.To[0].Session
			data := r.store.Get(sessionID)
			if data == nil {
				logger.Warnf("Received message for unknown session(%s) from %s", sessionID, ep.describe())
				return
			}
			r.routeMessage(env, data)
			return
		}

		data := ep.data
		if data == nil {
			return
		}
		if ep.kind == PeerClient && !r.addressClientEnvelope(env, data) {
			return
		}
		r.routeMessage(env, data)
	}
}

// addressClientEnvelope fills in the destinations of a message arriving
// from the session's client. Pings fan out to every computation; anything
// else goes through the session's message filters by routing name.
func (r *Router) addressClientEnvelope(env *wire.Envelope, data *routing.SessionRoutingData) bool {
	addresser := data.Addresser()
	if addresser == nil {
		logger.Errorf("No client addresser for session %s: this node is not the session's entry node", data.SessionID())
		return false
	}
	if env.ClassID == wire.ClassPing {
		env.To = addresser.AddressToAll()
	} else {
		env.To = addresser.Address(env.RoutingName)
	}
	return true
}

// handleServiceMessage consumes one envelope from the node service.
func (r *Router) handleServiceMessage(env *wire.Envelope) {
	switch env.ClassID {
	case wire.ClassClientConnectionStatus:
		var status wire.ClientConnectionStatus
		if err := env.DecodePayload(&status); err != nil {
			logger.Warnf("Discarding malformed client connection status: %v", err)
			return
		}
		logger.Debugf("Received client status notification for session %s [reason %s]",
			status.SessionID, status.Reason)
		// "connected" only travels router to service, but check anyway;
		// everything else is a request to kick the client.
		if status.Reason != wire.ReasonConnected {
			r.kickClient(status.SessionID, status.Reason, status.SessionStatus)
		}

	case wire.ClassSessionRoutingData:
		var msg wire.SessionRoutingData
		if err := env.DecodePayload(&msg); err != nil {
			logger.Warnf("Discarding malformed session routing data: %v", err)
			return
		}
		r.handleRoutingData(&msg)

	case wire.ClassControl, wire.ClassEngineReady:
		// Pre-addressed by the node service, so just route.
		if len(env.To) == 0 {
			logger.Warnf("Dropping unaddressed %s message from node service", wire.ClassName(env.ClassID))
			return
		}
		sessionID := env.To[0].Session
		if data := r.store.Get(sessionID); data != nil {
			r.routeMessage(env, data)
		}
	}
}

func (r *Router) handleRoutingData(msg *wire.SessionRoutingData) {
	switch msg.Action {
	case wire.RoutingInitialize:
		doc, err := object.Decode([]byte(msg.RoutingData))
		if err != nil {
			logger.Errorf("Failed to parse routing data for session %s: %v", msg.SessionID, err)
			return
		}
		data, err := routing.NewSessionRoutingData(msg.SessionID, r.nodeID, doc)
		if err != nil {
			logger.Errorf("Failed to install routing data for session %s: %v", msg.SessionID, err)
			return
		}
		r.store.Put(data)

		ack, err := wire.NewEnvelope(wire.ClassSessionRoutingData, &wire.SessionRoutingData{
			Action:    wire.RoutingAcknowledge,
			SessionID: msg.SessionID,
		})
		if err != nil {
			logger.Errorf("Failed to build routing acknowledgement: %v", err)
			return
		}
		r.notifyService(ack)

	case wire.RoutingUpdate:
		doc, err := object.Decode([]byte(msg.RoutingData))
		if err != nil {
			logger.Errorf("Failed to parse routing data update for session %s: %v", msg.SessionID, err)
			return
		}
		if data := r.store.Get(msg.SessionID); data != nil {
			data.UpdateClientAddresser(doc)
			data.UpdateNodeMap(doc)
		}

	case wire.RoutingDelete:
		r.store.Delete(msg.SessionID)
	}
}

// kickClient disconnects a session's client, delivering statusJSON as the
// final session status first.
func (r *Router) kickClient(sessionID uuid.UUID, reason, statusJSON string) {
	logger.Debugf("Disconnecting client of session %s for reason: %s", sessionID, reason)

	ep := r.peers.Client(sessionID)
	if ep == nil {
		logger.Debugf("There was no client to disconnect for session %s", sessionID)
		r.peers.ClearStash(sessionID)
		return
	}

	env, err := wire.NewEnvelope(wire.ClassSessionStatus, &wire.SessionStatus{Status: statusJSON})
	if err != nil {
		logger.Errorf("Failed to build session status message: %v", err)
	} else {
		ep.Enqueue(env)
	}

	// Give queued messages a chance to reach the wire, but not forever;
	// normally this takes nowhere near the full timeout.
	if !ep.Drain(statusDrainTimeout) {
		logger.Warnf("Timed out sending final status to client of session %s", sessionID)
	}
	r.flagDestroy(ep)
	logger.Debugf("Disconnected client of session %s", sessionID)
}

// endpointDisconnected handles an endpoint whose connection dropped.
// Kind-specific notifications fire only on the first transition, so an
// endpoint already being destroyed by a kick stays silent.
func (r *Router) endpointDisconnected(ep *Endpoint) {
	if !ep.destroyed.CompareAndSwap(false, true) {
		return
	}
	switch ep.kind {
	case PeerClient:
		logger.Debugf("Client of session %s disconnected", ep.id)
		r.notifyClientDisconnected(ep.id, wire.ReasonClientDropped)
	case PeerService:
		logger.Info("Node service has disconnected. Shutting down router.")
		r.beginShutdown()
	}
	r.addDestroyPending(ep)
}

// flagDestroy marks an endpoint for teardown on the next housekeeping
// tick without any disconnect notification.
func (r *Router) flagDestroy(ep *Endpoint) {
	if !ep.destroyed.CompareAndSwap(false, true) {
		return
	}
	r.addDestroyPending(ep)
}

func (r *Router) addDestroyPending(ep *Endpoint) {
	r.destroyMu.Lock()
	r.destroyPending = append(r.destroyPending, ep)
	r.destroyMu.Unlock()
}

// destroyEndpoints reaps every endpoint flagged since the last tick:
// close, wait for its goroutines, untrack, and release its hold on the
// session routing data.
func (r *Router) destroyEndpoints() {
	r.destroyMu.Lock()
	pending := r.destroyPending
	r.destroyPending = nil
	r.destroyMu.Unlock()

	for _, ep := range pending {
		ep.Close()
		ep.Wait()
		kind, id := r.peers.Destroy(ep)
		if kind == PeerNode {
			logger.Errorf("Remote node '%s' disconnected", id)
		} else if kind != PeerNone {
			logger.Debugf("Destroyed %s endpoint for %s", kind, id)
		}
		if ep.data != nil {
			r.store.Unref(ep.data.SessionID())
		}
	}
}

func (r *Router) notifyService(env *wire.Envelope) {
	svc := r.peers.Service()
	if svc == nil {
		logger.Errorf("Router has no service endpoint")
		return
	}
	svc.Enqueue(env)
}

func (r *Router) notifyClientConnected(sessionID uuid.UUID) {
	r.notifyConnectionStatus(&wire.ClientConnectionStatus{
		SessionID: sessionID,
		Reason:    wire.ReasonConnected,
	})
}

func (r *Router) notifyClientDisconnected(sessionID uuid.UUID, reason string) {
	r.notifyConnectionStatus(&wire.ClientConnectionStatus{
		SessionID: sessionID,
		Reason:    reason,
	})
}

func (r *Router) notifyConnectionStatus(status *wire.ClientConnectionStatus) {
	env, err := wire.NewEnvelope(wire.ClassClientConnectionStatus, status)
	if err != nil {
		logger.Errorf("Failed to build client connection status: %v", err)
		return
	}
	r.notifyService(env)
}

func (r *Router) notifyComputationStatus(sessionID, compID uuid.UUID, status string) {
	env, err := wire.NewEnvelope(wire.ClassComputationStatus, &wire.ComputationStatus{
		SessionID:     sessionID,
		ComputationID: compID,
		Status:        status,
	})
	if err != nil {
		logger.Errorf("Failed to build computation status: %v", err)
		return
	}
	r.notifyService(env)
}

// forwardHeartbeat passes an executor heartbeat to the node service with
// the from address the executor itself does not know.
func (r *Router) forwardHeartbeat(ep *Endpoint, env *wire.Envelope) {
	clone := *env
	clone.From = wire.Address{
		Session:     ep.data.SessionID(),
		Node:        r.nodeID,
		Computation: ep.id,
	}
	r.notifyService(&clone)
}

// logStats writes a computation's heartbeat stats to the log, at most once
// per stats interval per computation.
func (r *Router) logStats(ep *Endpoint, hb *wire.ExecutorHeartbeat) {
	if hb.TransmitSecs < ep.statsDue.Unix() {
		return
	}
	transmit := time.Unix(hb.TransmitSecs, hb.TransmitMicroSecs*1000)
	logger.Infow("Computation stats",
		"session", ep.data.SessionID().String(),
		"computation", ep.id.String(),
		"time", transmit.Format("2006-01-02T15:04:05"),
		"hyperthreaded", hb.Hyperthreaded,
		"cpuUsage5Sec", hb.CPUUsage5Secs,
		"cpuUsage60Sec", hb.CPUUsage60Secs,
		"cpuUsageTotal", hb.CPUUsageTotalSecs,
		"sentMessages5Sec", hb.SentMessages5Sec,
		"sentMessages60Sec", hb.SentMessages60Sec,
		"sentMessagesTotal", hb.SentMessagesTotal,
		"receivedMessages5Sec", hb.ReceivedMessages5Sec,
		"receivedMessages60Sec", hb.ReceivedMessages60Sec,
		"receivedMessagesTotal", hb.ReceivedMessagesTotal,
		"memoryUsageBytes", hb.MemoryUsageBytes,
	)
	ep.statsDue = time.Now().Add(statsInterval)
}
