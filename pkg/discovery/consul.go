package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

const (
	// coordinatorKVPath is the KV key holding the coordinator endpoint.
	coordinatorKVPath = "/v1/kv/farm/services/coordinator?raw"
	// nodeInfoKVPrefix is the KV prefix for per-node info documents.
	nodeInfoKVPrefix = "/v1/kv/farm/services/nodes/"

	// coordinatorFetchInterval and coordinatorFetchTries bound the
	// bootstrap wait for a coordinator endpoint to appear in the KV store.
	coordinatorFetchInterval = time.Second
	coordinatorFetchTries    = 10
)

// ConsulClient talks to a Consul agent: service and health check
// registration plus the KV entries the farm uses for discovery.
type ConsulClient struct {
	*ServiceClient
}

// NewConsulClient creates a client for the Consul agent at baseURL.
func NewConsulClient(baseURL string) *ConsulClient {
	return &ConsulClient{ServiceClient: NewServiceClient(baseURL)}
}

// consulService is the body of a service registration request.
type consulService struct {
	ID      string `json:"ID"`
	Name    string `json:"Name"`
	Address string `json:"Address"`
	Port    int    `json:"Port"`
}

// consulCheck is the body of a health check registration request.
type consulCheck struct {
	ID        string `json:"ID"`
	Name      string `json:"Name"`
	Interval  string `json:"Interval"`
	Timeout   string `json:"Timeout"`
	HTTP      string `json:"HTTP"`
	ServiceID string `json:"ServiceID"`
	Status    string `json:"Status"`
}

// RegisterService registers the node agent as a Consul service.
func (c *ConsulClient) RegisterService(ctx context.Context, id, name, ipAddr string, port int) error {
	logger.Debugf("Registering service %s:%s with consul", name, id)
	return c.Put(ctx, "/v1/agent/service/register", consulService{
		ID:      id,
		Name:    name,
		Address: ipAddr,
		Port:    port,
	})
}

// RegisterCheck registers an HTTP health check against a registered
// service. The check timeout is set just short of the poll interval so a
// hung endpoint fails the check rather than stalling it.
func (c *ConsulClient) RegisterCheck(ctx context.Context, name, serviceID, url string, interval time.Duration) error {
	secs := int(interval.Seconds())
	logger.Debugf("Registering health check %s with consul", name)
	return c.Put(ctx, "/v1/agent/check/register", consulCheck{
		ID:        name,
		Name:      name,
		Interval:  fmt.Sprintf("%ds", secs),
		Timeout:   fmt.Sprintf("%ds", secs-1),
		HTTP:      url,
		ServiceID: serviceID,
		Status:    "passing",
	})
}

// DeregisterService removes a service registration.
func (c *ConsulClient) DeregisterService(ctx context.Context, id string) error {
	logger.Debugf("Deregistering service %s from consul", id)
	return c.Put(ctx, "/v1/agent/service/deregister/"+id, nil)
}

// DeregisterCheck removes a health check registration.
func (c *ConsulClient) DeregisterCheck(ctx context.Context, name string) error {
	logger.Debugf("Deregistering health check %s from consul", name)
	return c.Put(ctx, "/v1/agent/check/deregister/"+name, nil)
}

// GetCoordinatorURL reads the coordinator endpoint from the KV store.
func (c *ConsulClient) GetCoordinatorURL(ctx context.Context) (string, error) {
	doc, err := c.Get(ctx, coordinatorKVPath)
	if err != nil {
		return "", err
	}

	ip := object.String(doc, "ipAddress", "")
	port := object.Int(doc, "port", 0)
	urlPath := object.String(doc, "urlPath", "")
	if ip == "" || port == 0 || !object.Has(doc, "urlPath") {
		return "", fmt.Errorf("consul KV entry %q has an invalid coordinator record", coordinatorKVPath)
	}
	return fmt.Sprintf("http://%s:%d%s", ip, port, urlPath), nil
}

// FindCoordinatorURL polls the KV store until the coordinator endpoint
// appears. At bootstrap the coordinator may register after this node
// starts, so misses are retried at a constant interval for a bounded
// number of attempts.
func (c *ConsulClient) FindCoordinatorURL(ctx context.Context) (string, error) {
	return backoff.Retry(ctx, func() (string, error) {
		return c.GetCoordinatorURL(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(coordinatorFetchInterval)),
		backoff.WithMaxTries(coordinatorFetchTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnf("Unable to fetch coordinator endpoint from consul: %v. Retrying in %s", err, wait)
		}),
	)
}

// UpdateNodeInfo writes the node's info document to the KV store so other
// farm services can inspect it. The document must carry the node id.
func (c *ConsulClient) UpdateNodeInfo(ctx context.Context, info object.Object) error {
	id := object.String(info, "id", "")
	if id == "" {
		return fmt.Errorf("cannot write node info to consul: missing id field")
	}
	if err := c.Put(ctx, nodeInfoKVPrefix+id+"/info", info); err != nil {
		return fmt.Errorf("failed to write node info to consul for node id %s: %w", id, err)
	}
	return nil
}
