package process

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcess(t *testing.T, m *Manager) *Process {
	t.Helper()
	p := m.Add(uuid.New(), "test-child", uuid.New())
	require.NotNil(t, p)
	return p
}

func TestSpawnAndExit(t *testing.T) {
	t.Parallel()
	m := NewManager()

	t.Run("clean exit", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "exit 0"}}))
		require.True(t, p.WaitUntilExit(5*time.Second))

		status, done := p.Status()
		require.True(t, done)
		assert.Equal(t, ExitTypeExit, status.Type)
		assert.Equal(t, 0, status.Code)
		assert.False(t, status.Expected)
		assert.Equal(t, "exited normally", status.String())
	})

	t.Run("nonzero exit code", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "exit 3"}}))
		require.True(t, p.WaitUntilExit(5*time.Second))

		status, done := p.Status()
		require.True(t, done)
		assert.Equal(t, ExitTypeExit, status.Type)
		assert.Equal(t, 3, status.Code)
		assert.Equal(t, "exited with status 3", status.String())
	})

	t.Run("killed by signal", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "kill -KILL $$"}}))
		require.True(t, p.WaitUntilExit(5*time.Second))

		status, done := p.Status()
		require.True(t, done)
		assert.Equal(t, ExitTypeSignal, status.Type)
		assert.Equal(t, 9, int(status.Signal))
		assert.Equal(t, "exited due to signal 9", status.String())
	})

	t.Run("spawn failure", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		err := p.Spawn(SpawnSpec{Program: "/no/such/program"})
		assert.Error(t, err)
		assert.Equal(t, StateFailed, p.State())
	})

	t.Run("double spawn rejected", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "exit 0"}}))
		assert.Error(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "exit 0"}}))
		require.True(t, p.WaitUntilExit(5*time.Second))
	})
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	m := NewManager()

	t.Run("polite terminate marks exit expected", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "sleep 30"}}))

		p.Terminate(false)
		require.True(t, p.WaitUntilExit(5*time.Second))

		status, done := p.Status()
		require.True(t, done)
		assert.Equal(t, ExitTypeSignal, status.Type)
		assert.True(t, status.Expected)
	})

	t.Run("force terminate kills immediately", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		// Ignore SIGTERM so only SIGKILL can end it.
		require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 30"}}))

		p.Terminate(true)
		require.True(t, p.WaitUntilExit(5*time.Second))

		status, done := p.Status()
		require.True(t, done)
		assert.Equal(t, ExitTypeSignal, status.Type)
		assert.Equal(t, 9, int(status.Signal))
	})

	t.Run("terminate before spawn is a no-op", func(t *testing.T) {
		t.Parallel()
		p := newTestProcess(t, m)
		p.Terminate(false)
		assert.Equal(t, StateNotSpawned, p.State())
	})
}

func TestOnExitCallback(t *testing.T) {
	t.Parallel()
	m := NewManager()
	p := newTestProcess(t, m)

	var fired atomic.Bool
	var got ExitStatus
	doneCh := make(chan struct{})
	p.OnExit(func(status ExitStatus) {
		got = status
		fired.Store(true)
		close(doneCh)
	})

	require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "exit 7"}}))
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}
	assert.True(t, fired.Load())
	assert.Equal(t, 7, got.Code)
}

func TestStopAndContinueGroup(t *testing.T) {
	t.Parallel()
	m := NewManager()
	p := newTestProcess(t, m)
	require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "sleep 30"}}))

	require.NoError(t, p.StopGroup())
	require.NoError(t, p.ContinueGroup())

	p.Terminate(true)
	require.True(t, p.WaitUntilExit(5*time.Second))

	// Signalling an exited process reports an error.
	assert.Error(t, p.StopGroup())
}

func TestManager(t *testing.T) {
	t.Parallel()

	t.Run("add get remove", func(t *testing.T) {
		t.Parallel()
		m := NewManager()
		id := uuid.New()
		p := m.Add(id, "worker", uuid.New())
		require.NotNil(t, p)
		assert.Equal(t, p, m.Get(id))
		assert.Equal(t, 1, m.Len())

		m.Remove(id)
		assert.Nil(t, m.Get(id))
		assert.Equal(t, 0, m.Len())
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		t.Parallel()
		m := NewManager()
		id := uuid.New()
		require.NotNil(t, m.Add(id, "worker", uuid.New()))
		assert.Nil(t, m.Add(id, "worker-again", uuid.New()))
	})

	t.Run("remove kills a live process", func(t *testing.T) {
		t.Parallel()
		m := NewManager()
		p := newTestProcess(t, m)
		require.NoError(t, p.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "sleep 30"}}))

		m.Remove(p.ID())
		require.True(t, p.WaitUntilExit(5*time.Second))
	})

	t.Run("shutdown reaps everything", func(t *testing.T) {
		t.Parallel()
		m := NewManager()
		p1 := newTestProcess(t, m)
		p2 := newTestProcess(t, m)
		require.NoError(t, p1.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "sleep 30"}}))
		require.NoError(t, p2.Spawn(SpawnSpec{Program: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 30"}}))

		m.Shutdown(2 * time.Second)
		require.True(t, p1.WaitUntilExit(5*time.Second))
		require.True(t, p2.WaitUntilExit(5*time.Second))
		assert.Equal(t, 0, m.Len())
	})
}

func TestExitStatusString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status ExitStatus
		want   string
	}{
		{"clean", ExitStatus{Type: ExitTypeExit, Code: 0}, "exited normally"},
		{"crash", ExitStatus{Type: ExitTypeExit, Code: 2}, "exited with status 2"},
		{"expected stop", ExitStatus{Type: ExitTypeExit, Code: 1, Expected: true}, "stopped by request (status 1)"},
		{"signal", ExitStatus{Type: ExitTypeSignal, Signal: 15}, "exited due to signal 15"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.status.String())
		})
	}
}

func TestPIDFiles(t *testing.T) {
	name := "pidtest-" + uuid.NewString()
	t.Cleanup(func() { _ = RemovePIDFile(name) })

	_, err := ReadPIDFile(name)
	assert.Error(t, err)

	require.NoError(t, WritePIDFile(name, 12345))
	pid, err := ReadPIDFile(name)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	require.NoError(t, RemovePIDFile(name))
	_, err = ReadPIDFile(name)
	assert.Error(t, err)

	// Removing again is fine.
	assert.NoError(t, RemovePIDFile(name))
}

func TestReapStale(t *testing.T) {
	name := "reaptest-" + uuid.NewString()
	t.Cleanup(func() { _ = RemovePIDFile(name) })

	// No PID file at all.
	reaped, err := ReapStale(name)
	require.NoError(t, err)
	assert.False(t, reaped)

	// A pid that no longer exists: the file is cleaned up quietly.
	require.NoError(t, WritePIDFile(name, 1<<30))
	reaped, err = ReapStale(name)
	require.NoError(t, err)
	assert.False(t, reaped)
	_, err = ReadPIDFile(name)
	assert.Error(t, err)
}
