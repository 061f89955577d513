// Package accesstoken manages the caller's API access tokens.
package accesstoken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/resource"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

const collection = "tokens"

var basePath = []string{"api", "tokens", "v1alpha1"}

// AccessToken describes an existing token. The secret part is never returned.
type AccessToken struct {
	Created time.Time `json:"created"`
	Prefix  string    `json:"prefix"`
}

// Created is a new token. Token is shown only once.
type Created struct {
	Token  string `json:"token"`
	Prefix string `json:"prefix"`
}

// Client calls the access token endpoint.
type Client struct {
	exec resource.Executor
}

// New returns an access token client.
func New(exec resource.Executor) *Client {
	return &Client{exec: exec}
}

// List returns the caller's tokens.
func (c *Client) List(ctx context.Context) ([]AccessToken, error) {
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:  "list",
		Collection: collection,
		Method:     http.MethodGet,
		Path:       basePath,
	})
	if err != nil {
		return nil, fmt.Errorf("list access tokens: %w", err)
	}
	out := []AccessToken{}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: access tokens: %w", errs.ErrMalformed, err)
	}
	return out, nil
}

// Create issues a token. An empty description is omitted. Creation is not
// retried, so a lost response never yields two tokens.
func (c *Client) Create(ctx context.Context, description string) (*Created, error) {
	var q url.Values
	if description != "" {
		q = url.Values{"description": {description}}
	}
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:  "create",
		Collection: collection,
		Method:     http.MethodPost,
		Path:       basePath,
		Query:      q,
		NoRetry:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}
	var out Created
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Token == "" {
		return nil, fmt.Errorf("%w: created access token has no secret", errs.ErrMalformed)
	}
	return &out, nil
}

// Delete revokes the token with prefix.
func (c *Client) Delete(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: token prefix is required", errs.ErrClient)
	}
	_, err := c.exec.Execute(ctx, transport.Request{
		Operation:  "delete",
		Collection: collection,
		Method:     http.MethodDelete,
		Path:       append(append([]string(nil), basePath...), prefix),
	})
	if err != nil {
		return fmt.Errorf("delete access token %q: %w", prefix, err)
	}
	return nil
}
