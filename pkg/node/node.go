// Package node ties the agent together: it owns the session table, the
// router child, the HTTP service and the farm registrations, and runs
// the whole assembly until asked to stop.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrg/xdg"
	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rendermesh/farmnode/pkg/api"
	"github.com/rendermesh/farmnode/pkg/config"
	"github.com/rendermesh/farmnode/pkg/discovery"
	nodeerrors "github.com/rendermesh/farmnode/pkg/errors"
	"github.com/rendermesh/farmnode/pkg/events"
	"github.com/rendermesh/farmnode/pkg/hostinfo"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/process"
	"github.com/rendermesh/farmnode/pkg/session"
)

const (
	// ipcPerms are the permission bits the router's IPC socket must
	// carry for the health check to pass.
	ipcPerms = 0o700

	// diskFullThreshold is the root partition usage percentage at which
	// the node reports itself unhealthy.
	diskFullThreshold = 98.0

	// routerConnectInterval and routerConnectTries bound the wait for
	// the freshly spawned router child to open its IPC socket.
	routerConnectInterval = time.Second
	routerConnectTries    = 10

	// drainEventsTimeout is how long shutdown waits for queued
	// coordinator events to flush.
	drainEventsTimeout = time.Second

	// processShutdownTimeout bounds the final sweep over child
	// processes that survived session shutdown.
	processShutdownTimeout = 5 * time.Second

	// lockAcquireTimeout and lockRetryInterval bound the wait for the
	// per-node instance lock.
	lockAcquireTimeout = time.Second
	lockRetryInterval  = 100 * time.Millisecond

	deregisterTimeout = 30 * time.Second
)

// Node is the per-host agent. Initialize builds and starts every
// subsystem; Run blocks until StopRunning and then tears them down in
// order.
type Node struct {
	settings *config.Settings
	nodeID   uuid.UUID

	resources *hostinfo.Resources
	host      *hostinfo.Info

	pm         *process.Manager
	controller *session.Controller
	sessions   *session.Sessions
	notifier   *events.Notifier
	server     *api.Server

	consulURL      string
	coordinatorURL string
	coordinator    *discovery.ServiceClient

	consulServiceID string
	consulCheckName string
	registered      atomic.Bool

	// info is the registration document sent to the coordinator.
	// infoUpdating single-flights the async tag updates.
	infoMu       sync.Mutex
	info         object.Object
	infoUpdating bool
	updateWG     sync.WaitGroup

	lock *flock.Flock

	serveCancel context.CancelFunc
	group       *errgroup.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds an uninitialized node from settings.
func New(settings *config.Settings) *Node {
	return &Node{
		settings: settings,
		stopCh:   make(chan struct{}),
	}
}

// Initialize brings up the node: resources, router child, session
// table, HTTP service, and registration with the farm's services.
// On success the HTTP service and router control channel are live.
func (n *Node) Initialize(ctx context.Context) error {
	if n.settings.NodeID == "" {
		n.nodeID = uuid.New()
	} else {
		id, err := uuid.Parse(n.settings.NodeID)
		if err != nil {
			return nodeerrors.NewBadRequestError("Node id argument is invalid : "+n.settings.NodeID, err)
		}
		n.nodeID = id
	}
	logger.Infof("Initializing node ID %s", n.nodeID)

	if err := n.acquireLock(); err != nil {
		return err
	}

	res, err := hostinfo.CalcResources(n.settings.MaxNodeMemory, n.settings.Memory, n.settings.Cores)
	if err != nil {
		return err
	}
	n.resources = res

	n.pm = process.NewManager()

	if n.settings.SetMaxFDs {
		if err := raiseFDLimit(); err != nil {
			return err
		}
	}

	host, err := hostinfo.Gather()
	if err != nil {
		return err
	}
	n.host = host
	logger.Infof("Node address %s [%s]", host.IPAddress, host.Hostname)

	if err := n.findServices(ctx); err != nil {
		return err
	}

	// The IPC socket address is shared with the router child and every
	// executor it spawns.
	n.settings.Computation.IPCName = filepath.Join(n.settings.IPCDir, "farmnodeipc-"+n.nodeID.String())

	n.coordinator = discovery.NewServiceClient(n.coordinatorURL)
	n.notifier = events.NewNotifier(n.coordinator, n.StopRunning)

	n.controller = session.NewController(n.nodeID, n.notifier)
	if err := n.controller.StartRouter(n.settings.Computation, n.pm); err != nil {
		return err
	}
	if err := n.connectRouter(ctx); err != nil {
		return err
	}
	n.sessions = session.NewSessions(n.pm, n.settings.Computation, n.nodeID, n.controller)

	svc := api.NewService(n.sessions, n, !n.settings.DisableBanList)
	if n.settings.Profiling {
		svc.EnableProfiling()
	}
	server, err := api.NewServer(fmt.Sprintf(":%d", n.settings.HTTPPort), svc.Router())
	if err != nil {
		return err
	}
	n.server = server

	serveCtx, cancel := context.WithCancel(context.Background())
	n.serveCancel = cancel
	n.group = &errgroup.Group{}
	n.group.Go(func() error {
		if err := n.server.Serve(serveCtx); err != nil {
			logger.Errorf("HTTP service failed: %v", err)
			n.StopRunning()
			return err
		}
		return nil
	})
	n.group.Go(func() error {
		// The control channel dying means the router is gone; the node
		// cannot do useful work without it.
		n.controller.Run()
		n.StopRunning()
		return nil
	})

	n.buildNodeInfo(n.server.Port(), n.controller.Port())
	if err := n.registerNode(ctx); err != nil {
		return err
	}
	return nil
}

// Run blocks until StopRunning is called or ctx is canceled, then runs
// the shutdown sequence: sessions down, events drained, registrations
// removed, children reaped.
func (n *Node) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-n.stopCh:
	}

	logger.Debug("Shutting down node")
	n.sessions.ShutdownAll("node exiting")
	n.notifier.Drain(drainEventsTimeout)
	n.deregisterNode()

	n.updateWG.Wait()
	n.serveCancel()
	n.controller.StopRunning()
	err := n.group.Wait()
	n.notifier.Close()
	n.pm.Shutdown(processShutdownTimeout)
	n.releaseLock()
	return err
}

// StopRunning asks Run to begin shutdown. Safe to call from any
// goroutine, any number of times.
func (n *Node) StopRunning() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

// SetStatus applies a coordinator-driven lifecycle change: shutdown,
// close (stop accepting sessions), or unregistered (the coordinator
// dropped us; skip deregistration on exit).
func (n *Node) SetStatus(payload object.Object) error {
	status, ok := payload["status"].(string)
	if !ok {
		return opError("Request body is missing 'status' field", 400)
	}
	switch status {
	case "shutdown":
		n.StopRunning()
	case "close":
		n.sessions.SetClosed(true)
	case "unregistered":
		n.registered.Store(false)
	default:
		return opError("Unknown 'status' value: "+status, 400)
	}
	return nil
}

// CheckHealth reports whether the node can host sessions: the router's
// IPC socket must be intact and the local disks usable.
func (n *Node) CheckHealth() error {
	if err := n.checkIPCSocket(); err != nil {
		return err
	}
	return n.checkDisk()
}

func (n *Node) checkIPCSocket() error {
	path := n.settings.Computation.IPCName
	fi, err := os.Stat(path)
	if err != nil {
		return opError("IPC socket file "+path+" does not exist", 500)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return opError("IPC socket file "+path+" exists, but is not a socket", 500)
	}
	if perms := fi.Mode().Perm(); perms&ipcPerms != ipcPerms {
		return opError(fmt.Sprintf("IPC socket file %s exists, but permissions are %04o : required permissions are %04o",
			path, perms, ipcPerms), 500)
	}
	return nil
}

func (n *Node) checkDisk() error {
	usage, err := disk.Usage("/")
	if err != nil {
		return opError("Cannot determine root partition usage: "+err.Error(), 500)
	}
	if usage.UsedPercent >= diskFullThreshold {
		return opError(fmt.Sprintf("Root partition usage at %.1f%%", usage.UsedPercent), 500)
	}

	// Probe that scratch space is writable; a full or read-only tmp
	// breaks computation spawning in ways that are hard to diagnose.
	f, err := os.CreateTemp("", "farmnode-probe-*")
	if err != nil {
		return opError("Unable to open a sample tmp file for writing: "+err.Error(), 500)
	}
	name := f.Name()
	_, werr := f.WriteString("1")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(name)
		return opError("Unable to write to a sample tmp file: "+name, 500)
	}
	if err := os.Remove(name); err != nil {
		return opError("Unable to remove sample tmp file: "+name, 500)
	}
	return nil
}

// connectRouter waits for the router child to open its IPC socket and
// report the TCP message port.
func (n *Node) connectRouter(ctx context.Context) error {
	ipc := n.settings.Computation.IPCName
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, n.controller.Connect(ipc)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(routerConnectInterval)),
		backoff.WithMaxTries(routerConnectTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debugf("Router not accepting connections yet (%v), retrying in %s", err, wait)
		}),
	)
	if err != nil {
		return nodeerrors.NewUnavailableError("Cannot connect to node router", err)
	}
	return nil
}

// acquireLock takes the per-node instance lock, preventing two agents
// with the same node id from fighting over the IPC socket and PID
// files.
func (n *Node) acquireLock() error {
	dir := n.settings.RuntimeDir
	if dir == "" {
		dir = filepath.Join(xdg.RuntimeDir, "farmnode")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nodeerrors.NewInternalError("Cannot create runtime directory "+dir, err)
	}

	lockPath := filepath.Join(dir, "farmnode-"+n.nodeID.String()+".lock")
	fileLock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nodeerrors.NewInternalError("Failed to acquire instance lock "+lockPath, err)
	}
	if !locked {
		return nodeerrors.NewConflictError("Another agent instance is already running with node id "+n.nodeID.String(), nil)
	}
	n.lock = fileLock
	return nil
}

func (n *Node) releaseLock() {
	if n.lock != nil {
		if err := n.lock.Unlock(); err != nil {
			logger.Warnf("Failed to release instance lock: %v", err)
		}
	}
}

// raiseFDLimit lifts the soft file descriptor limit to the hard limit.
// Every computation costs sockets and pipes, so the default soft limit
// runs out fast on a busy node.
func raiseFDLimit() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return nodeerrors.NewInternalError("Failed to get current file descriptor limits", err)
	}
	if lim.Cur < lim.Max {
		logger.Debugf("Current fd limit at %d, setting to max of %d", lim.Cur, lim.Max)
		lim.Cur = lim.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return nodeerrors.NewInternalError("Failed to set current file descriptor limits", err)
		}
	}
	return nil
}

func opError(message string, code int) *session.OperationError {
	return &session.OperationError{Message: message, HTTPCode: code}
}
