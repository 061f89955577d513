// Package discovery reads the service endpoints and version published by the cloud.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/resource"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

const collection = "discovery"

var (
	publicPath  = []string{".well-known", "drogue-endpoints"}
	versionPath = []string{".well-known", "drogue-version"}
	infoPath    = []string{"api", "console", "v1alpha1", "info"}
)

// HTTPEndpoint is a service reachable by URL.
type HTTPEndpoint struct {
	URL string `json:"url"`
}

// MQTTEndpoint is a broker address.
type MQTTEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Endpoints lists the services of a cloud instance. The public listing leaves
// the service endpoints empty.
type Endpoints struct {
	API                   string        `json:"api,omitempty"`
	Console               string        `json:"console,omitempty"`
	IssuerURL             string        `json:"issuer_url,omitempty"`
	SSO                   string        `json:"sso,omitempty"`
	Registry              *HTTPEndpoint `json:"registry,omitempty"`
	HTTP                  *HTTPEndpoint `json:"http,omitempty"`
	MQTT                  *MQTTEndpoint `json:"mqtt,omitempty"`
	MQTTIntegration       *MQTTEndpoint `json:"mqtt_integration,omitempty"`
	KafkaBootstrapServers string        `json:"kafka_bootstrap_servers,omitempty"`
}

// VersionInfo is the running cloud version.
type VersionInfo struct {
	Version string `json:"version"`
}

// Client calls the discovery endpoints.
type Client struct {
	exec resource.Executor
}

// New returns a discovery client.
func New(exec resource.Executor) *Client {
	return &Client{exec: exec}
}

func (c *Client) get(ctx context.Context, op string, path []string, anonymous bool, out any) error {
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:  op,
		Collection: collection,
		Method:     http.MethodGet,
		Path:       path,
		Anonymous:  anonymous,
	})
	if err != nil {
		return fmt.Errorf("discover %s: %w", op, err)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: %s: %w", errs.ErrMalformed, op, err)
	}
	return nil
}

// PublicEndpoints returns the endpoints published without authentication.
func (c *Client) PublicEndpoints(ctx context.Context) (*Endpoints, error) {
	var e Endpoints
	if err := c.get(ctx, "endpoints", publicPath, true, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Endpoints returns the complete endpoint list visible to the caller.
func (c *Client) Endpoints(ctx context.Context) (*Endpoints, error) {
	var e Endpoints
	if err := c.get(ctx, "info", infoPath, false, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Version returns the running cloud version. It needs no credential.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v VersionInfo
	if err := c.get(ctx, "version", versionPath, true, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// SSOURL returns the identity provider issuer from the authenticated endpoint list.
// It returns errs.ErrNotFound when the cloud publishes none.
func (c *Client) SSOURL(ctx context.Context) (*url.URL, error) {
	e, err := c.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	if e.IssuerURL == "" {
		return nil, fmt.Errorf("issuer url: %w", errs.ErrNotFound)
	}
	u, err := url.Parse(e.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: issuer url %q: %w", errs.ErrMalformed, e.IssuerURL, err)
	}
	return u, nil
}
