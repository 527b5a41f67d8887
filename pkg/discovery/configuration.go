package discovery

import (
	"context"
	"fmt"

	"github.com/rendermesh/farmnode/pkg/object"
)

// endpointCatalogPath is the well-known catalog prefix on the
// configuration service. Appending datacenter, environment and service
// name narrows the lookup to a single endpoint.
const endpointCatalogPath = "/serve/farm/endpoints"

// ConfigurationClient resolves service names to URLs through the farm's
// configuration service.
type ConfigurationClient struct {
	*ServiceClient
}

// NewConfigurationClient creates a configuration service client.
func NewConfigurationClient(baseURL string) *ConfigurationClient {
	return &ConfigurationClient{ServiceClient: NewServiceClient(baseURL)}
}

// GetServiceURL returns the URL of a named service endpoint for the given
// environment and datacenter. Narrowing is hierarchical: without a
// datacenter the catalog root is queried.
func (c *ConfigurationClient) GetServiceURL(ctx context.Context, service, environment, datacenter string) (string, error) {
	path := endpointCatalogPath
	if datacenter != "" {
		path += "/" + datacenter
		if environment != "" {
			path += "/" + environment
			if service != "" {
				path += "/" + service
			}
		}
	}

	doc, err := c.Get(ctx, path)
	if err != nil {
		return "", err
	}
	url := object.String(doc, "url", "")
	if url == "" {
		return "", fmt.Errorf("configuration service response for %q is missing the url field", path)
	}
	return url, nil
}
