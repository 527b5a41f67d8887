// Package events reports session and computation lifecycle changes to the
// coordinator. Events are queued so callers never wait on the coordinator's
// HTTP round trip; a single worker preserves report order.
package events

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/discovery"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/telemetry"
)

// Event types understood by the coordinator.
const (
	TypeComputationTerminated     = "computationTerminated"
	TypeComputationReady          = "computationReady"
	TypeSessionClientDisconnected = "sessionClientDisconnected"
	TypeSessionOperationFailed    = "sessionOperationFailed"
	TypeSessionExpired            = "sessionExpired"
	TypeShutdownWithError         = "shutdownWithError"
)

const (
	headerHostDeleteReason    = "X-Host-Delete-Reason"
	headerEventType           = "X-Event-Type"
	headerSessionDeleteReason = "X-Session-Delete-Reason"
)

const (
	queueDepth        = 256
	drainPollInterval = 10 * time.Millisecond

	// The coordinator can mishandle a DELETE that lands too soon after
	// the session was created, so deletion reports hold off briefly.
	deleteDelay = 50 * time.Millisecond
)

// Event is one queued lifecycle report. CompID is uuid.Nil for
// session-level events.
type Event struct {
	SessionID uuid.UUID
	CompID    uuid.UUID
	Data      object.Object
}

// Notifier queues events and dispatches them to the coordinator from a
// single worker goroutine.
type Notifier struct {
	coordinator *discovery.ServiceClient
	stop        func()

	queue   chan Event
	pending atomic.Int64

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewNotifier creates a notifier posting to the given coordinator client
// and starts its worker. stop is invoked when a shutdownWithError event
// arrives; it must not block.
func NewNotifier(coordinator *discovery.ServiceClient, stop func()) *Notifier {
	n := &Notifier{
		coordinator: coordinator,
		stop:        stop,
		queue:       make(chan Event, queueDepth),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go n.run()
	return n
}

// Post queues an event for delivery. The queue is bounded; when the
// coordinator has been unreachable long enough to fill it, further events
// are dropped with a warning rather than blocking session operations.
func (n *Notifier) Post(sessionID, compID uuid.UUID, data object.Object) {
	n.pending.Add(1)
	select {
	case n.queue <- Event{SessionID: sessionID, CompID: compID, Data: data}:
	default:
		n.pending.Add(-1)
		logger.Warnf("Event queue is full, dropping %s event for session %s",
			object.String(data, "eventType", "unknown"), sessionID)
	}
}

// Drain waits until every queued event has been dispatched, or the timeout
// expires. It reports whether the queue emptied.
func (n *Notifier) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for n.pending.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(drainPollInterval)
	}
	return true
}

// Close stops the worker. Events still queued are dropped; call Drain
// first to flush them.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.quit) })
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case ev := <-n.queue:
			n.send(ev)
			n.pending.Add(-1)
		case <-n.quit:
			return
		}
	}
}

func (n *Notifier) send(ev Event) {
	eventType := object.String(ev.Data, "eventType", "")
	if eventType == "" {
		raw, _ := object.Encode(ev.Data)
		logger.Errorf("Missing eventType string in event data: %s", raw)
		return
	}

	detail := ""
	if ev.CompID != uuid.Nil {
		detail = " for computation " + ev.CompID.String()
	} else if ev.SessionID != uuid.Nil {
		detail = " for session " + ev.SessionID.String()
	}
	logger.Debugf("Sending event %s%s", eventType, detail)
	telemetry.EventDispatched(eventType)

	switch eventType {
	case TypeComputationTerminated:
		n.computationTerminated(ev)
	case TypeComputationReady:
		n.computationReady(ev)
	case TypeSessionClientDisconnected, TypeSessionOperationFailed, TypeSessionExpired:
		n.terminateSession(ev, eventType)
	case TypeShutdownWithError:
		n.shutdownWithError(ev)
	default:
		logger.Warnf("Unknown eventType %q in event for session %s", eventType, ev.SessionID)
	}
}

// computationTerminated maps to DELETE /sessions/<s>/computations/<c>.
func (n *Notifier) computationTerminated(ev Event) {
	time.Sleep(deleteDelay)

	headers := map[string]string{}
	if reason, ok := ev.Data["reason"].(string); ok {
		headers[headerHostDeleteReason] = escapeNewlines(reason)
	}

	path := "/sessions/" + ev.SessionID.String() + "/computations/" + ev.CompID.String()
	if err := n.coordinator.Delete(context.Background(), path, headers); err != nil {
		logger.Warnf("Coordinator rejected computation termination report: %v", err)
	}
}

// computationReady maps to PUT /sessions/<s>/hosts/<c>.
func (n *Notifier) computationReady(ev Event) {
	path := "/sessions/" + ev.SessionID.String() + "/hosts/" + ev.CompID.String()
	if err := n.coordinator.Put(context.Background(), path, object.Object{"status": "ready"}); err != nil {
		logger.Warnf("Coordinator rejected computation ready report: %v", err)
	}
}

// terminateSession maps the session-ending events to DELETE /sessions/<s>.
// The event type and reason travel as headers so the coordinator can log
// why this node gave up on the session.
func (n *Notifier) terminateSession(ev Event, eventType string) {
	time.Sleep(deleteDelay)

	headers := map[string]string{headerEventType: eventType}
	if reason, ok := ev.Data["reason"].(string); ok {
		headers[headerSessionDeleteReason] = escapeNewlines(reason)
	} else {
		headers[headerSessionDeleteReason] = eventType
	}

	if err := n.coordinator.Delete(context.Background(), "/sessions/"+ev.SessionID.String(), headers); err != nil {
		logger.Warnf("Coordinator rejected session termination report: %v", err)
	}
}

// shutdownWithError asks the whole node to stop. The coordinator is not
// called; deregistration happens on the normal shutdown path.
func (n *Notifier) shutdownWithError(ev Event) {
	if reason, ok := ev.Data["reason"].(string); ok {
		logger.Errorf("Node shutdown requested: %s", reason)
	}
	raw, _ := object.Encode(ev.Data)
	logger.Errorf("Shutting down node after error event: %s", raw)
	if n.stop != nil {
		n.stop()
	}
}

// Header values are single-line; multi-line reasons from computation
// stderr get their newlines escaped.
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
