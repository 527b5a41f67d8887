// Package process manages the child processes the agent spawns: computation
// executors and the router. Each child runs in its own process group so
// suspend, resume and cleanup signals reach helpers the child forks. The
// agent targets Linux render hosts; there is no Windows support.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/rendermesh/farmnode/pkg/logger"
)

// State of a managed process.
type State int

// Process states. A process moves strictly forward: spawn failures land in
// StateFailed, everything that spawned eventually reaches StateExited.
const (
	StateNotSpawned State = iota
	StateSpawned
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotSpawned:
		return "not spawned"
	case StateSpawned:
		return "spawned"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ExitType classifies how a process ended.
type ExitType string

// Exit types.
const (
	ExitTypeExit   ExitType = "Exit"
	ExitTypeSignal ExitType = "Signal"
)

// ExitStatus describes how a process ended. Expected is set when the exit
// followed a Terminate call, so observers can tell a requested shutdown
// from a crash.
type ExitStatus struct {
	Type     ExitType
	Code     int
	Signal   syscall.Signal
	Expected bool
}

// String renders the status the way it appears in termination events.
func (es ExitStatus) String() string {
	if es.Type == ExitTypeSignal {
		return fmt.Sprintf("exited due to signal %d", int(es.Signal))
	}
	if es.Code == 0 {
		return "exited normally"
	}
	if es.Expected {
		return fmt.Sprintf("stopped by request (status %d)", es.Code)
	}
	return fmt.Sprintf("exited with status %d", es.Code)
}

// SpawnSpec describes a process to spawn. MemoryMB and Cores are the
// resources granted to the process; they are recorded for status reporting
// but not enforced by the agent.
type SpawnSpec struct {
	Program    string
	Args       []string
	Env        []string // nil inherits the agent's environment
	WorkingDir string

	MemoryMB int
	Cores    int

	// CleanupProcessGroup kills the whole process group once the main
	// process exits, reaping helpers it forked and left behind.
	CleanupProcessGroup bool
}

// Process is one managed child process. Created through a Manager, spawned
// once, and watched by a waiter goroutine that records the exit status and
// notifies the exit callback.
type Process struct {
	id        uuid.UUID
	name      string
	sessionID uuid.UUID

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	pgid   int
	spec   SpawnSpec
	status ExitStatus

	expected bool
	done     chan struct{}
	onExit   func(ExitStatus)
}

// ID returns the process id assigned at creation.
func (p *Process) ID() uuid.UUID { return p.id }

// Name returns the display name used in logs and events.
func (p *Process) Name() string { return p.name }

// SessionID returns the session the process belongs to.
func (p *Process) SessionID() uuid.UUID { return p.sessionID }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pid returns the operating system pid, or 0 before a successful spawn.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Spec returns the spawn spec. Valid after a successful Spawn.
func (p *Process) Spec() SpawnSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// OnExit registers the callback invoked once when the process exits. Must
// be set before Spawn.
func (p *Process) OnExit(fn func(ExitStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

// Spawn starts the process in its own process group. Stdout and stderr are
// streamed line by line into the agent log tagged with the process name.
func (p *Process) Spawn(spec SpawnSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateNotSpawned {
		return fmt.Errorf("process %s already spawned", p.name)
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.WorkingDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// exec copies the streams itself and Wait blocks until the copies
	// finish, so no output is dropped at exit.
	out := &logWriter{name: p.name}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		p.state = StateFailed
		return fmt.Errorf("failed to spawn %s: %w", p.name, err)
	}

	p.cmd = cmd
	p.spec = spec
	p.pgid = cmd.Process.Pid
	p.state = StateSpawned

	logger.Infow("Spawned process",
		"name", p.name, "pid", cmd.Process.Pid, "program", spec.Program)

	go p.wait(out)
	return nil
}

// logWriter forwards a child's output to the agent log one line at a time.
// exec writes to it from a single copy goroutine per process.
type logWriter struct {
	name string
	buf  []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		nl := bytes.IndexByte(w.buf, '\n')
		if nl < 0 {
			break
		}
		if line := strings.TrimRight(string(w.buf[:nl]), "\r"); line != "" {
			logger.Infof("[%s] %s", w.name, line)
		}
		w.buf = w.buf[nl+1:]
	}
	return len(p), nil
}

// flush logs whatever partial line remains after the process exits.
func (w *logWriter) flush() {
	if len(w.buf) > 0 {
		logger.Infof("[%s] %s", w.name, string(w.buf))
		w.buf = nil
	}
}

// wait blocks until the process exits, then records the status and fires
// the exit callback. Runs in its own goroutine for the life of the process.
func (p *Process) wait(out *logWriter) {
	err := p.cmd.Wait()
	out.flush()

	p.mu.Lock()
	status := classifyExit(err)
	status.Expected = p.expected
	p.status = status
	p.state = StateExited
	cleanup := p.spec.CleanupProcessGroup
	pgid := p.pgid
	onExit := p.onExit
	p.mu.Unlock()

	if cleanup && pgid > 0 {
		// The main process is gone; anything left in the group is a
		// straggler it forked.
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}

	logger.Infow("Process exited",
		"name", p.name, "pid", pgid, "status", status.String())

	close(p.done)
	if onExit != nil {
		onExit(status)
	}
}

func classifyExit(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Type: ExitTypeExit, Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Type: ExitTypeSignal, Signal: ws.Signal()}
			}
			return ExitStatus{Type: ExitTypeExit, Code: ws.ExitStatus()}
		}
		return ExitStatus{Type: ExitTypeExit, Code: exitErr.ExitCode()}
	}
	// Wait itself failed; treat as an abnormal exit.
	return ExitStatus{Type: ExitTypeExit, Code: -1}
}

// Terminate asks the process to exit and marks the exit expected. Polite
// termination sends SIGTERM to the process group; force sends SIGKILL.
func (p *Process) Terminate(force bool) {
	p.mu.Lock()
	if p.state != StateSpawned {
		p.mu.Unlock()
		return
	}
	p.expected = true
	pgid := p.pgid
	p.mu.Unlock()

	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warnf("Failed to send %s to process group of %s: %v", unix.SignalName(sig), p.name, err)
	}
}

// StopGroup suspends the process group with SIGSTOP.
func (p *Process) StopGroup() error {
	return p.signalGroup(unix.SIGSTOP)
}

// ContinueGroup resumes a suspended process group with SIGCONT.
func (p *Process) ContinueGroup() error {
	return p.signalGroup(unix.SIGCONT)
}

func (p *Process) signalGroup(sig unix.Signal) error {
	p.mu.Lock()
	pgid := p.pgid
	state := p.state
	p.mu.Unlock()
	if state != StateSpawned {
		return fmt.Errorf("process %s is not running", p.name)
	}
	if err := unix.Kill(-pgid, sig); err != nil {
		return fmt.Errorf("failed to send %s to process group of %s: %w",
			unix.SignalName(sig), p.name, err)
	}
	return nil
}

// Done returns a channel closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// WaitUntilExit blocks until the process exits or the timeout elapses,
// reporting whether it exited in time.
func (p *Process) WaitUntilExit(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Status returns the exit status. The second return is false while the
// process is still running.
func (p *Process) Status() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateExited {
		return ExitStatus{}, false
	}
	return p.status, true
}

// Alive reports whether a pid refers to a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// KillGroup force-kills the process group of a pid. Used to reap children
// left behind by a previous agent run.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}
	return nil
}
