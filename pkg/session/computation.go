package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/process"
	"github.com/rendermesh/farmnode/pkg/telemetry"
	"github.com/rendermesh/farmnode/pkg/wire"
)

// Computation supervises one executor process belonging to a session. It
// relays control signals to the executor through the router and tracks
// the usage statistics the executor reports in its heartbeats.
type Computation struct {
	session *Session
	proc    *process.Process

	mu sync.Mutex

	// sentGo is set once the initial "go" control has been sent; later
	// run signals become routing updates.
	sentGo              bool
	terminationExpected bool
	uninterruptable     bool

	lastHeartbeat             wire.ExecutorHeartbeat
	haveHeartbeat             bool
	cpuUsage5SecsMax          float64
	cpuUsage60SecsMax         float64
	memoryUsageBytesMax       uint64
	lastSentMessagesSecs      int64
	lastSentMessagesMicroSecs int64
	lastRecvMessagesSecs      int64
	lastRecvMessagesMicroSecs int64
	lastActivitySecs          int64
}

// newComputation registers a process for the computation with the session's
// process manager.
func newComputation(id uuid.UUID, name string, session *Session) (*Computation, error) {
	proc := session.processManager().Add(id, name, session.ID())
	if proc == nil {
		logger.Errorf("Failed to create Process object for %s", name)
		return nil, errors.New("Failed to create Process object")
	}
	c := &Computation{
		session:          session,
		proc:             proc,
		lastActivitySecs: time.Now().Unix(),
	}
	proc.OnExit(c.onTerminate)
	return c, nil
}

// destroy unregisters the computation's process. The session calls this
// once the computation has been removed from its table.
func (c *Computation) destroy() {
	c.session.processManager().Remove(c.proc.ID())
}

// ID returns the computation id.
func (c *Computation) ID() uuid.UUID { return c.proc.ID() }

// SessionID returns the owning session's id.
func (c *Computation) SessionID() uuid.UUID { return c.session.ID() }

// Name returns the computation name from the session definition.
func (c *Computation) Name() string { return c.proc.Name() }

// Start spawns the executor process.
func (c *Computation) Start(spec process.SpawnSpec) error {
	if err := c.proc.Spawn(spec); err != nil {
		logger.Errorf("Failed to spawn process for %s: %v", c.Name(), err)
		return err
	}
	telemetry.ComputationLaunched()
	c.mu.Lock()
	c.terminationExpected = false
	c.lastActivitySecs = time.Now().Unix()
	c.mu.Unlock()
	return nil
}

// Shutdown politely asks the executor to exit. A stop control goes out
// over the message channel first, then SIGTERM. The exit is marked
// expected so the termination event reads as a stop, not a crash.
func (c *Computation) Shutdown() {
	c.mu.Lock()
	c.terminationExpected = true
	c.mu.Unlock()
	if c.proc.State() == process.StateSpawned {
		_ = c.session.controller().SendStop(c.ID(), c.SessionID())
	}
	c.proc.Terminate(false)
}

// forceShutdown kills the executor's process group outright.
func (c *Computation) forceShutdown() {
	c.mu.Lock()
	c.terminationExpected = true
	c.mu.Unlock()
	c.proc.Terminate(true)
}

// markUninterruptable records that the process survived a kill. Status
// reports it until the process finally goes away.
func (c *Computation) markUninterruptable() {
	c.mu.Lock()
	c.uninterruptable = true
	c.mu.Unlock()
}

// WaitUntilShutdown blocks until the executor has exited or the deadline
// passes, reporting whether it exited in time.
func (c *Computation) WaitUntilShutdown(deadline time.Time) bool {
	return c.proc.WaitUntilExit(time.Until(deadline))
}

// Signal handles a session signal for this computation. The first "run"
// sends the executor its "go" control; later runs carry routing updates.
func (c *Computation) Signal(signalData object.Object) {
	status := object.String(signalData, "status", "")
	if status != "run" || c.proc.State() != process.StateSpawned {
		return
	}

	c.mu.Lock()
	first := !c.sentGo
	c.sentGo = true
	c.mu.Unlock()

	if !first {
		_ = c.session.controller().SendControl(c.ID(), c.SessionID(), wire.ControlUpdate, signalData)
		return
	}
	_ = c.session.controller().SendControl(c.ID(), c.SessionID(), wire.ControlGo, signalData)
	if c.session.isAutoSuspend() {
		// Debugging aid: freeze the computation right at "go" so a
		// developer can attach before any work happens.
		logger.Infof("Auto-suspending computation %s by sending SIGSTOP. Use SIGCONT to resume.", c.Name())
		if err := c.proc.StopGroup(); err != nil {
			logger.Warnf("Failed to suspend computation %s: %v", c.Name(), err)
		}
	}
}

// onTerminate runs on the process waiter goroutine when the executor
// exits.
func (c *Computation) onTerminate(status process.ExitStatus) {
	telemetry.ComputationExited()
	data := object.Object{
		"reason":    c.Name() + " " + status.String(),
		"eventType": "computationTerminated",
	}
	c.session.controller().PostEvent(c.SessionID(), c.ID(), data)
}

// OnHeartbeat folds an executor heartbeat into the running statistics.
func (c *Computation) OnHeartbeat(hb wire.ExecutorHeartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = hb
	c.haveHeartbeat = true
	if hb.CPUUsage5Secs > c.cpuUsage5SecsMax {
		c.cpuUsage5SecsMax = hb.CPUUsage5Secs
	}
	if hb.CPUUsage60Secs > c.cpuUsage60SecsMax {
		c.cpuUsage60SecsMax = hb.CPUUsage60Secs
	}
	if hb.MemoryUsageBytes > c.memoryUsageBytesMax {
		c.memoryUsageBytesMax = hb.MemoryUsageBytes
	}
	if hb.SentMessages5Sec > 0 {
		c.lastSentMessagesSecs = hb.TransmitSecs
		c.lastSentMessagesMicroSecs = hb.TransmitMicroSecs
		c.lastActivitySecs = hb.TransmitSecs
	}
	if hb.ReceivedMessages5Sec > 0 {
		c.lastRecvMessagesSecs = hb.TransmitSecs
		c.lastRecvMessagesMicroSecs = hb.TransmitMicroSecs
		c.lastActivitySecs = hb.TransmitSecs
	}
}

// lastActivity returns the unix time of the last observed message
// traffic, or of the spawn when the executor has been quiet.
func (c *Computation) lastActivity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivitySecs
}

// Status describes the computation lifecycle for status queries.
func (c *Computation) Status() object.Object {
	c.mu.Lock()
	sentGo := c.sentGo
	stopping := c.terminationExpected
	uninterruptable := c.uninterruptable
	c.mu.Unlock()

	status := object.Object{}
	switch c.proc.State() {
	case process.StateNotSpawned:
		status["state"] = "NotStarted"
	case process.StateSpawned:
		switch {
		case uninterruptable:
			status["state"] = "Uninterruptable"
		case stopping:
			status["state"] = "Stopping"
		case sentGo:
			status["state"] = "Running"
		default:
			status["state"] = "Starting"
		}
	case process.StateFailed:
		status["state"] = "LaunchError"
	default:
		es, _ := c.proc.Status()
		status["state"] = "Stopped"
		status["stoppedReason"] = es.String()
		if es.Type == process.ExitTypeExit {
			status["exitType"] = "Exit"
			status["exitCode"] = es.Code
		} else {
			status["exitType"] = "Signal"
			status["signal"] = int(es.Signal)
		}
	}
	return status
}

// PerformanceStats adds the latest heartbeat statistics, and the maxima
// observed over the computation's lifetime, to obj.
func (c *Computation) PerformanceStats(obj object.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hb := c.lastHeartbeat
	obj["memoryUsageBytesMax"] = c.memoryUsageBytesMax
	obj["memoryUsageBytesCurrent"] = hb.MemoryUsageBytes

	obj["cpuUsage5Secs"] = hb.CPUUsage5Secs
	obj["cpuUsage5SecsMax"] = c.cpuUsage5SecsMax
	obj["cpuUsage60Secs"] = hb.CPUUsage60Secs
	obj["cpuUsage60SecsMax"] = c.cpuUsage60SecsMax
	obj["cpuUsageTotalSecs"] = hb.CPUUsageTotalSecs
	obj["hyperthreaded"] = hb.Hyperthreaded

	obj["sentMessagesCount5Secs"] = hb.SentMessages5Sec
	obj["sentMessagesCount60Secs"] = hb.SentMessages60Sec
	obj["sentMessagesCountTotal"] = hb.SentMessagesTotal

	obj["receivedMessagesCount5Secs"] = hb.ReceivedMessages5Sec
	obj["receivedMessagesCount60Secs"] = hb.ReceivedMessages60Sec
	obj["receivedMessagesCountTotal"] = hb.ReceivedMessagesTotal

	obj["lastHeartbeatTime"] = timeString(hb.TransmitSecs, hb.TransmitMicroSecs)
	obj["lastSentMessagesTime"] = timeString(c.lastSentMessagesSecs, c.lastSentMessagesMicroSecs)
	obj["lastReceivedMessagesTime"] = timeString(c.lastRecvMessagesSecs, c.lastRecvMessagesMicroSecs)
}

// timeString renders a heartbeat timestamp for performance reports. The
// zero time renders empty, meaning "never".
func timeString(secs, microSecs int64) string {
	if secs == 0 && microSecs == 0 {
		return ""
	}
	return time.Unix(secs, microSecs*1000).Format("2006-01-02 15:04:05,000")
}
