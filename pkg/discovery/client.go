// Package discovery locates and registers with the farm's central
// services. Bootstrap runs in three hops: the configuration service maps a
// service name to a URL, the Consul agent's KV store holds the coordinator
// endpoint, and the coordinator itself accepts node registrations. All
// three speak JSON over HTTP and share one client shape.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

// userAgent identifies the node agent on every outgoing service request.
const userAgent = "Node Service"

// requestTimeout bounds each service request end to end.
const requestTimeout = 60 * time.Second

// ServiceError is returned when a service request fails with a non-2xx
// status or an unusable body. StatusCode is zero when the request never
// produced a response.
type ServiceError struct {
	StatusCode int
	URL        string
	Message    string
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request %s failed: %s", e.URL, e.Message)
	}
	return fmt.Sprintf("request %s returned status %d: %s", e.URL, e.StatusCode, e.Message)
}

// Unavailable reports whether the failure looks like a service outage
// rather than a rejected request. Callers use it to decide between
// retrying and giving up.
func (e *ServiceError) Unavailable() bool {
	switch e.StatusCode {
	case 0, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsUnavailable reports whether err is a ServiceError for an unreachable
// or overloaded service.
func IsUnavailable(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Unavailable()
}

// ServiceClient issues JSON requests against one service base URL.
type ServiceClient struct {
	baseURL string
	client  *http.Client
}

// NewServiceClient creates a client for the service at baseURL.
func NewServiceClient(baseURL string) *ServiceClient {
	return &ServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// BaseURL returns the base URL the client was created with.
func (c *ServiceClient) BaseURL() string {
	return c.baseURL
}

// Get fetches path and decodes the JSON response body.
func (c *ServiceClient) Get(ctx context.Context, path string) (object.Object, error) {
	return c.GetWithHeaders(ctx, path, nil)
}

// GetWithHeaders is Get with extra request headers, for services that
// demand them (the cloud metadata endpoints).
func (c *ServiceClient) GetWithHeaders(ctx context.Context, path string, headers map[string]string) (object.Object, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil, headers)
	if err != nil {
		return nil, err
	}
	doc, err := object.Decode(body)
	if err != nil {
		return nil, &ServiceError{URL: c.baseURL + path,
			Message: fmt.Sprintf("invalid JSON response %q", string(body))}
	}
	return doc, nil
}

// Put sends data to path as a JSON body. A nil data sends an empty body.
func (c *ServiceClient) Put(ctx context.Context, path string, data any) error {
	_, err := c.do(ctx, http.MethodPut, path, data, nil)
	return err
}

// Post sends data to path as a JSON body.
func (c *ServiceClient) Post(ctx context.Context, path string, data any) error {
	_, err := c.do(ctx, http.MethodPost, path, data, nil)
	return err
}

// Delete issues a DELETE against path with optional extra headers.
func (c *ServiceClient) Delete(ctx context.Context, path string, headers map[string]string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, headers)
	return err
}

func (c *ServiceClient) do(ctx context.Context, method, path string, data any, headers map[string]string) ([]byte, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.Debugf("%s %s", method, url)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ServiceError{URL: url, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, URL: url, Message: err.Error()}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ServiceError{StatusCode: resp.StatusCode, URL: url, Message: string(body)}
	}
	return body, nil
}
