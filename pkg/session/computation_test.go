package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/process"
	"github.com/rendermesh/farmnode/pkg/wire"
)

func heartbeatAt(secs int64, sent int) wire.ExecutorHeartbeat {
	return wire.ExecutorHeartbeat{TransmitSecs: secs, SentMessages5Sec: sent}
}

// idleSpec runs a shell that exits cleanly on SIGTERM.
func idleSpec() process.SpawnSpec {
	return process.SpawnSpec{
		Program:             "/bin/sh",
		Args:                []string{"-c", "trap 'exit 0' TERM; while :; do sleep 0.1; done"},
		CleanupProcessGroup: true,
	}
}

func TestComputationLifecycle(t *testing.T) {
	t.Parallel()

	s, sink := newTestSession(t)
	comp, err := newComputation(renderComp, "render", s)
	require.NoError(t, err)
	assert.Equal(t, renderComp, comp.ID())
	assert.Equal(t, testSession, comp.SessionID())
	assert.Equal(t, "render", comp.Name())

	assert.Equal(t, "NotStarted", object.String(comp.Status(), "state", ""))

	// signals before the process runs are dropped
	comp.Signal(object.Object{"status": "run"})
	assert.Equal(t, "NotStarted", object.String(comp.Status(), "state", ""))

	require.NoError(t, comp.Start(idleSpec()))
	assert.Equal(t, "Starting", object.String(comp.Status(), "state", ""))

	comp.Signal(object.Object{"status": "run"})
	assert.Equal(t, "Running", object.String(comp.Status(), "state", ""))

	// repeat runs stay Running; they only carry updates
	comp.Signal(object.Object{"status": "run"})
	assert.Equal(t, "Running", object.String(comp.Status(), "state", ""))

	comp.Shutdown()
	require.True(t, comp.WaitUntilShutdown(time.Now().Add(5*time.Second)))

	status := comp.Status()
	assert.Equal(t, "Stopped", object.String(status, "state", ""))
	assert.Equal(t, "exited normally", object.String(status, "stoppedReason", ""))
	assert.Equal(t, "Exit", object.String(status, "exitType", ""))
	assert.Equal(t, 0, object.Int(status, "exitCode", -1))

	require.Eventually(t, func() bool {
		return len(sink.ofType("computationTerminated")) == 1
	}, 2*time.Second, 20*time.Millisecond)
	ev := sink.ofType("computationTerminated")[0]
	assert.Equal(t, "render exited normally", object.String(ev.data, "reason", ""))
}

func TestComputationForceShutdown(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	comp, err := newComputation(renderComp, "stubborn", s)
	require.NoError(t, err)

	// a computation that ignores SIGTERM
	require.NoError(t, comp.Start(process.SpawnSpec{
		Program:             "/bin/sh",
		Args:                []string{"-c", "trap '' TERM; while :; do sleep 0.1; done"},
		CleanupProcessGroup: true,
	}))

	comp.Shutdown()
	assert.False(t, comp.WaitUntilShutdown(time.Now().Add(500*time.Millisecond)))
	assert.Equal(t, "Stopping", object.String(comp.Status(), "state", ""))

	comp.forceShutdown()
	require.True(t, comp.WaitUntilShutdown(time.Now().Add(5*time.Second)))

	status := comp.Status()
	assert.Equal(t, "Stopped", object.String(status, "state", ""))
	assert.Equal(t, "exited due to signal 9", object.String(status, "stoppedReason", ""))
	assert.Equal(t, "Signal", object.String(status, "exitType", ""))
	assert.Equal(t, 9, object.Int(status, "signal", -1))
}

func TestComputationLaunchError(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	comp, err := newComputation(renderComp, "broken", s)
	require.NoError(t, err)

	require.Error(t, comp.Start(process.SpawnSpec{Program: "/no/such/program"}))
	assert.Equal(t, "LaunchError", object.String(comp.Status(), "state", ""))
}

func TestComputationUninterruptable(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	comp, err := newComputation(renderComp, "render", s)
	require.NoError(t, err)
	require.NoError(t, comp.Start(idleSpec()))

	comp.markUninterruptable()
	assert.Equal(t, "Uninterruptable", object.String(comp.Status(), "state", ""))

	comp.forceShutdown()
	require.True(t, comp.WaitUntilShutdown(time.Now().Add(5*time.Second)))
}

func TestComputationDuplicateIDRefused(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	_, err := newComputation(renderComp, "render", s)
	require.NoError(t, err)

	_, err = newComputation(renderComp, "render", s)
	require.EqualError(t, err, "Failed to create Process object")
}

func TestComputationHeartbeatStats(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	comp, err := newComputation(renderComp, "render", s)
	require.NoError(t, err)

	now := time.Now().Unix()
	comp.OnHeartbeat(wire.ExecutorHeartbeat{
		TransmitSecs:         now,
		TransmitMicroSecs:    250000,
		MemoryUsageBytes:     64 << 20,
		CPUUsage5Secs:        3.5,
		CPUUsage60Secs:       2.0,
		CPUUsageTotalSecs:    120.0,
		Hyperthreaded:        true,
		SentMessages5Sec:     4,
		SentMessages60Sec:    10,
		SentMessagesTotal:    42,
		ReceivedMessages5Sec: 1,
	})
	// a later, quieter heartbeat must not lower the maxima
	comp.OnHeartbeat(wire.ExecutorHeartbeat{
		TransmitSecs:     now + 5,
		MemoryUsageBytes: 32 << 20,
		CPUUsage5Secs:    1.0,
		CPUUsage60Secs:   1.5,
	})

	stats := object.Object{}
	comp.PerformanceStats(stats)

	assert.EqualValues(t, 64<<20, stats["memoryUsageBytesMax"])
	assert.EqualValues(t, 32<<20, stats["memoryUsageBytesCurrent"])
	assert.Equal(t, 1.0, stats["cpuUsage5Secs"])
	assert.Equal(t, 3.5, stats["cpuUsage5SecsMax"])
	assert.Equal(t, 1.5, stats["cpuUsage60Secs"])
	assert.Equal(t, 2.0, stats["cpuUsage60SecsMax"])

	// counters come from the latest heartbeat verbatim
	assert.Equal(t, 0, stats["sentMessagesCount5Secs"])
	assert.NotEmpty(t, stats["lastHeartbeatTime"])

	// message times stick to the heartbeat that carried traffic
	first := timeString(now, 250000)
	assert.Equal(t, first, stats["lastSentMessagesTime"])
	assert.Equal(t, first, stats["lastReceivedMessagesTime"])
	assert.Equal(t, now, comp.lastActivity())
}

func TestTimeString(t *testing.T) {
	t.Parallel()

	assert.Empty(t, timeString(0, 0))

	rendered := timeString(time.Now().Unix(), 123000)
	assert.Len(t, rendered, len("2006-01-02 15:04:05,000"))
	assert.Equal(t, ",123", rendered[len(rendered)-4:])
}

func TestComputationDestroyUnregisters(t *testing.T) {
	t.Parallel()

	pm := process.NewManager()
	t.Cleanup(func() { pm.Shutdown(time.Second) })
	sink := &recordingSink{}
	s := newSession(testSession, testNode, testDefaults(), pm, NewController(testNode, sink))

	comp, err := newComputation(renderComp, "render", s)
	require.NoError(t, err)
	assert.Equal(t, 1, pm.Len())

	comp.destroy()
	assert.Equal(t, 0, pm.Len())
}
