package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendermesh/farmnode/pkg/discovery"
	nodeerrors "github.com/rendermesh/farmnode/pkg/errors"
	"github.com/rendermesh/farmnode/pkg/hostinfo"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

// consulCheckInterval is how often the registry probes the node's
// health endpoint once registered.
const consulCheckInterval = 30 * time.Second

// findServices resolves the consul and coordinator endpoints from the
// settings, falling back to the configuration service and the registry
// where no explicit host was given.
func (n *Node) findServices(ctx context.Context) error {
	if !n.settings.NoConsul {
		if n.settings.ConsulHost != "" {
			n.consulURL = fmt.Sprintf("http://%s:%d", n.settings.ConsulHost, n.settings.ConsulPort)
		} else {
			if n.settings.ConfigServiceURL == "" {
				return nodeerrors.NewBadRequestError("Config service URL not set. Cannot determine consul endpoint", nil)
			}
			cfg := discovery.NewConfigurationClient(n.settings.ConfigServiceURL)
			url, err := cfg.GetServiceURL(ctx, "consul", n.settings.Environment, n.settings.Datacenter)
			if err != nil {
				return nodeerrors.NewUnavailableError("Failed to get consul service endpoint from the configuration service", err)
			}
			n.consulURL = url
		}
		logger.Infof("Node using consul URL %s", n.consulURL)
	}

	if n.settings.CoordinatorHost != "" {
		endpoint := n.settings.CoordinatorEndpoint
		if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		n.coordinatorURL = fmt.Sprintf("http://%s:%d%s", n.settings.CoordinatorHost, n.settings.CoordinatorPort, endpoint)
	} else {
		if n.settings.NoConsul {
			return nodeerrors.NewBadRequestError("Must specify a coordinator host if consul is not being used", nil)
		}
		consul := discovery.NewConsulClient(n.consulURL)
		url, err := consul.FindCoordinatorURL(ctx)
		if err != nil {
			return nodeerrors.NewUnavailableError("Failed to get coordinator service endpoint from consul", err)
		}
		n.coordinatorURL = url
	}
	logger.Infof("Node using coordinator URL %s", n.coordinatorURL)
	return nil
}

// registerNode announces the node to the registry and the coordinator.
// The consul agent needs a numeric address or its health probes resolve
// through whatever DNS the consul host sees, which is not always ours.
func (n *Node) registerNode(ctx context.Context) error {
	n.infoMu.Lock()
	info := object.Clone(n.info)
	n.infoMu.Unlock()

	httpPort := n.server.Port()
	if !n.settings.NoConsul {
		consul := discovery.NewConsulClient(numericServiceURL(n.consulURL))
		n.consulServiceID = fmt.Sprintf("node@%s:%d", n.host.Hostname, httpPort)
		n.consulCheckName = fmt.Sprintf("node-health@%s:%d", n.host.Hostname, httpPort)

		if err := consul.RegisterService(ctx, n.consulServiceID, "farm-node", n.host.IPAddress, httpPort); err != nil {
			return nodeerrors.NewUnavailableError("Node registration failed", err)
		}
		checkURL := fmt.Sprintf("http://%s:%d/node/1/health", n.host.IPAddress, httpPort)
		if err := consul.RegisterCheck(ctx, n.consulCheckName, n.consulServiceID, checkURL, consulCheckInterval); err != nil {
			return nodeerrors.NewUnavailableError("Node registration failed", err)
		}
		if err := consul.UpdateNodeInfo(ctx, info); err != nil {
			return nodeerrors.NewUnavailableError("Node registration failed", err)
		}
	}

	if err := n.coordinator.Post(ctx, "/nodes", info); err != nil {
		return nodeerrors.NewUnavailableError("Node registration failed", err)
	}
	n.registered.Store(true)
	return nil
}

// deregisterNode removes the node from the coordinator and the
// registry. Failures are logged and ignored; the node is exiting either
// way and the registry's health check will expire the entry.
func (n *Node) deregisterNode() {
	if !n.registered.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()

	if err := n.coordinator.Delete(ctx, "/nodes/"+n.nodeID.String(), nil); err != nil {
		logger.Errorf("Failure while deregistering node: %v", err)
	}
	if !n.settings.NoConsul {
		consul := discovery.NewConsulClient(numericServiceURL(n.consulURL))
		if err := consul.DeregisterCheck(ctx, n.consulCheckName); err != nil {
			logger.Errorf("Failure while deregistering node: %v", err)
		}
		if err := consul.DeregisterService(ctx, n.consulServiceID); err != nil {
			logger.Errorf("Failure while deregistering node: %v", err)
		}
	}
	n.registered.Store(false)
}

// numericServiceURL rewrites the host part of an http URL to its IPv4
// address, leaving the port and path alone. The URL is returned as is
// when the host cannot be resolved.
func numericServiceURL(raw string) string {
	rest, ok := strings.CutPrefix(raw, "http://")
	if !ok {
		return raw
	}
	host := rest
	tail := ""
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		host, tail = rest[:i], rest[i:]
	}
	return "http://" + hostinfo.ResolveIPv4(host) + tail
}
