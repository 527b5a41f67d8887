package router

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/routing"
	"github.com/rendermesh/farmnode/pkg/wire"
)

const (
	// pollInterval is the deadline granularity on every connection and the
	// period of the router's housekeeping tick.
	pollInterval = time.Second

	// negotiationTimeout bounds the registration exchange on a new
	// connection and outbound dials.
	negotiationTimeout = 5 * time.Second

	// sendQueueDepth bounds each endpoint's outgoing queue. A peer that
	// stops reading loses messages rather than wedging the router.
	sendQueueDepth = 4096

	drainPollInterval = 10 * time.Millisecond
)

// pollReader reads with short deadlines so a read never blocks past
// pollInterval without rechecking for shutdown. A timeout with no data is
// retried; partial data is returned so framed reads resume where they
// stopped.
type pollReader struct {
	conn   net.Conn
	closed <-chan struct{}
}

func (r *pollReader) Read(p []byte) (int, error) {
	for {
		select {
		case <-r.closed:
			return 0, net.ErrClosed
		default:
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := r.conn.Read(p)
		if n > 0 {
			// A deadline error with data is not fatal; if the connection
			// is really gone the next read reports it.
			return n, nil
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return 0, err
		}
	}
}

// pollWriter writes with short deadlines, resuming after a timeout from
// wherever the partial write stopped so frames are never corrupted.
type pollWriter struct {
	conn   net.Conn
	closed <-chan struct{}
}

func (w *pollWriter) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		select {
		case <-w.closed:
			return total, net.ErrClosed
		default:
		}
		_ = w.conn.SetWriteDeadline(time.Now().Add(pollInterval))
		n, err := w.conn.Write(p[total:])
		total += n
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

// Endpoint is one peer connection: a send loop draining a bounded queue
// plus, for peers the router reads from, a receive loop feeding envelopes
// back to the router. A node endpoint created for an outbound connection
// starts without a socket; its send loop dials the peer, and depending on
// which node id is greater either keeps that connection or waits for the
// peer to dial back and have the accepted connection adopted.
type Endpoint struct {
	router *Router
	kind   PeerKind
	id     uuid.UUID
	desc   string

	sendQ chan *wire.Envelope

	connMu  sync.Mutex
	conn    net.Conn
	connSet chan struct{}

	// dial is set on outbound node endpoints only.
	dial *routing.NodeInfo

	// data is the session routing data acquired for the endpoint's
	// lifetime, nil for peers without session context.
	data *routing.SessionRoutingData

	// statsDue is touched only from the endpoint's receive path.
	statsDue time.Time

	sending   atomic.Bool
	destroyed atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newEndpoint wraps an accepted connection. data may be nil; without it
// only node and service endpoints get a receive loop, so a peer with no
// session context can be written to but is never read.
func newEndpoint(r *Router, kind PeerKind, id uuid.UUID, conn net.Conn, data *routing.SessionRoutingData) *Endpoint {
	ep := &Endpoint{
		router:  r,
		kind:    kind,
		id:      id,
		desc:    conn.RemoteAddr().String(),
		sendQ:   make(chan *wire.Envelope, sendQueueDepth),
		conn:    conn,
		connSet: make(chan struct{}),
		data:    data,
		closed:  make(chan struct{}),
	}
	close(ep.connSet)
	if kind == PeerComputation {
		ep.statsDue = initialStatsDue(id)
	}
	return ep
}

// newOutboundEndpoint creates a node endpoint that establishes its own
// connection to the peer node.
func newOutboundEndpoint(r *Router, info routing.NodeInfo) *Endpoint {
	return &Endpoint{
		router:  r,
		kind:    PeerNode,
		id:      info.NodeID,
		desc:    net.JoinHostPort(info.IP, strconv.Itoa(info.Port)),
		sendQ:   make(chan *wire.Envelope, sendQueueDepth),
		connSet: make(chan struct{}),
		dial:    &info,
		closed:  make(chan struct{}),
	}
}

// start launches the endpoint's goroutines. Peers without routing context
// that are neither nodes nor the service get no receive loop.
func (ep *Endpoint) start() {
	ep.wg.Add(1)
	go ep.sendLoop()
	if ep.data != nil || ep.kind == PeerNode || ep.kind == PeerService {
		ep.wg.Add(1)
		go ep.receiveLoop()
	}
}

// ID returns the peer id the endpoint was registered under.
func (ep *Endpoint) ID() uuid.UUID {
	return ep.id
}

// Kind returns the endpoint's peer kind.
func (ep *Endpoint) Kind() PeerKind {
	return ep.kind
}

// Data returns the session routing data held by the endpoint, or nil.
func (ep *Endpoint) Data() *routing.SessionRoutingData {
	return ep.data
}

// Enqueue queues an envelope for sending. When the queue is full the
// envelope is dropped rather than blocking the router.
func (ep *Endpoint) Enqueue(env *wire.Envelope) {
	select {
	case ep.sendQ <- env:
	default:
		logger.Errorf("Send queue for %s endpoint %s is full, dropping %s message",
			ep.kind, ep.desc, wire.ClassName(env.ClassID))
	}
}

// EnqueueTo queues a copy of the envelope with its destination list
// replaced. The payload is shared, only the header is copied, so one
// received envelope can fan out to several peers.
func (ep *Endpoint) EnqueueTo(env *wire.Envelope, to []wire.Address) {
	clone := *env
	clone.To = to
	ep.Enqueue(&clone)
}

// Drain waits until every queued envelope has been written out, or the
// timeout passes. Used before tearing down a kicked client so the final
// status message makes it onto the wire.
func (ep *Endpoint) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(ep.sendQ) == 0 && !ep.sending.Load() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ep.closed:
			return false
		case <-time.After(drainPollInterval):
		}
	}
}

// adoptConn installs an accepted connection into an endpoint waiting for
// one and wakes its send loop. Only the first connection wins.
func (ep *Endpoint) adoptConn(conn net.Conn) bool {
	ep.connMu.Lock()
	defer ep.connMu.Unlock()
	if ep.conn != nil {
		return false
	}
	ep.conn = conn
	close(ep.connSet)
	return true
}

// Close shuts the connection down and stops both loops. Idempotent.
func (ep *Endpoint) Close() {
	ep.closeOnce.Do(func() {
		close(ep.closed)
		ep.connMu.Lock()
		if ep.conn != nil {
			_ = ep.conn.Close()
		}
		ep.connMu.Unlock()
	})
}

// Wait blocks until the endpoint's goroutines have exited.
func (ep *Endpoint) Wait() {
	ep.wg.Wait()
}

// describe names the endpoint for log messages.
func (ep *Endpoint) describe() string {
	switch ep.kind {
	case PeerClient:
		return "client(" + ep.id.String() + ")"
	case PeerNode:
		return "node(" + ep.id.String() + ")"
	case PeerComputation:
		return "computation(" + ep.id.String() + ")"
	case PeerService:
		return "service"
	default:
		return "peer(" + ep.id.String() + ")"
	}
}

func (ep *Endpoint) isClosed() bool {
	select {
	case <-ep.closed:
		return true
	default:
		return false
	}
}

func (ep *Endpoint) sendLoop() {
	defer ep.wg.Done()

	if ep.dial != nil && !ep.connect() {
		return
	}
	select {
	case <-ep.connSet:
	case <-ep.closed:
		return
	}

	w := &pollWriter{conn: ep.conn, closed: ep.closed}
	for {
		select {
		case env := <-ep.sendQ:
			ep.sending.Store(true)
			err := wire.WriteEnvelope(w, env)
			ep.sending.Store(false)
			if err != nil {
				if !ep.isClosed() && !errors.Is(err, net.ErrClosed) {
					logger.Errorf("Failed to send %s to %s endpoint %s: %v",
						wire.ClassName(env.ClassID), ep.kind, ep.desc, err)
				}
				ep.router.endpointDisconnected(ep)
				return
			}
		case <-ep.closed:
			return
		}
	}
}

// connect dials the peer node and sends a registration identifying this
// node. Connections between nodes always run from the greater node id to
// the lesser: when the remote id is lesser this connection is kept, and
// when it is greater the dial only announces this node, the socket is
// thrown away, and the peer dials back with the connection that gets
// adopted here.
func (ep *Endpoint) connect() bool {
	d := net.Dialer{Timeout: negotiationTimeout}
	conn, err := d.Dial("tcp", ep.desc)
	if err != nil {
		logger.Errorf("Failed to connect to node %s at %s: %v", ep.id, ep.desc, err)
		ep.router.endpointDisconnected(ep)
		return false
	}

	reg := &wire.Registration{
		Minor:  wire.VersionMinor,
		Patch:  wire.VersionPatch,
		Kind:   wire.KindNode,
		NodeID: ep.router.nodeID,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(negotiationTimeout))
	if err := wire.WriteRegistration(conn, reg); err != nil {
		logger.Errorf("Failed to register with node %s at %s: %v", ep.id, ep.desc, err)
		_ = conn.Close()
		ep.router.endpointDisconnected(ep)
		return false
	}
	_ = conn.SetWriteDeadline(time.Time{})

	if bytes.Compare(ep.id[:], ep.router.nodeID[:]) < 0 {
		if !ep.adoptConn(conn) {
			_ = conn.Close()
		}
		return true
	}

	logger.Debugf("Waiting for reciprocal connection from node %s", ep.id)
	select {
	case <-ep.connSet:
		_ = conn.Close()
		return true
	case <-ep.closed:
		_ = conn.Close()
		return false
	}
}

func (ep *Endpoint) receiveLoop() {
	defer ep.wg.Done()

	select {
	case <-ep.connSet:
	case <-ep.closed:
		return
	}

	r := bufio.NewReader(&pollReader{conn: ep.conn, closed: ep.closed})
	for {
		env, err := wire.ReadEnvelope(r)
		if err != nil {
			if !ep.isClosed() && err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Errorf("Failed to read from %s endpoint %s: %v", ep.kind, ep.desc, err)
			}
			ep.router.endpointDisconnected(ep)
			return
		}
		ep.router.handleReceived(ep, env)
	}
}

// initialStatsDue staggers the first stats log per computation so
// executors started together do not all log in the same second.
func initialStatsDue(id uuid.UUID) time.Time {
	var x byte
	for _, b := range id {
		x ^= b
	}
	return time.Now().Add(time.Duration(x&0x1f) * time.Second)
}
