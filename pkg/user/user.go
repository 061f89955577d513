// Package user asks the user service whether a user may act on an application.
package user

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/resource"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

// Scope is the resource kind a permission applies to.
type Scope string

const (
	ScopeDevice Scope = "Device"
	ScopeApp    Scope = "App"
)

// Permission is an action on a scope. It encodes as {"<Scope>":"<Action>"}.
type Permission struct {
	Scope  Scope
	Action string
}

var (
	DeviceCreate = Permission{ScopeDevice, "Create"}
	DeviceDelete = Permission{ScopeDevice, "Delete"}
	DeviceWrite  = Permission{ScopeDevice, "Write"}
	DeviceRead   = Permission{ScopeDevice, "Read"}

	AppCreate    = Permission{ScopeApp, "Create"}
	AppDelete    = Permission{ScopeApp, "Delete"}
	AppWrite     = Permission{ScopeApp, "Write"}
	AppRead      = Permission{ScopeApp, "Read"}
	AppTransfer  = Permission{ScopeApp, "Transfer"}
	AppSubscribe = Permission{ScopeApp, "Subscribe"}
	AppCommand   = Permission{ScopeApp, "Command"}
	AppMembers   = Permission{ScopeApp, "Members"}
)

func (p Permission) String() string { return string(p.Scope) + "(" + p.Action + ")" }

func (p Permission) MarshalJSON() ([]byte, error) {
	if p.Scope == "" || p.Action == "" {
		return nil, fmt.Errorf("incomplete permission %q", p.String())
	}
	return json.Marshal(map[Scope]string{p.Scope: p.Action})
}

func (p *Permission) UnmarshalJSON(b []byte) error {
	var m map[Scope]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("permission needs exactly one scope, got %d", len(m))
	}
	for s, a := range m {
		*p = Permission{Scope: s, Action: a}
	}
	return nil
}

// AuthorizationRequest asks whether UserID, holding Roles, has Permission on
// Application. The caller vouches for UserID and Roles.
type AuthorizationRequest struct {
	Application string     `json:"application"`
	Permission  Permission `json:"permission"`
	UserID      *string    `json:"user_id"`
	Roles       []string   `json:"roles"`
}

// Outcome is the decision of the user service.
type Outcome string

const (
	Allow Outcome = "allow"
	Deny  Outcome = "deny"
)

// Allowed reports whether the request was granted.
func (o Outcome) Allowed() bool { return o == Allow }

// Ensure returns nil when allowed and the result of deny otherwise.
func (o Outcome) Ensure(deny func() error) error {
	if o.Allowed() {
		return nil
	}
	return deny()
}

// AuthorizationResponse carries the outcome.
type AuthorizationResponse struct {
	Outcome Outcome `json:"outcome"`
}

// Client calls the user service.
type Client struct {
	exec      resource.Executor
	authzPath []string
}

// Option configures a Client.
type Option func(*Client)

// WithAuthzPath overrides the authorization endpoint path segments.
func WithAuthzPath(segments ...string) Option {
	return func(c *Client) { c.authzPath = segments }
}

// New returns a user service client.
func New(exec resource.Executor, opts ...Option) *Client {
	c := &Client{exec: exec, authzPath: []string{"api", "user", "v1alpha1", "authz"}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Authorize returns the service's decision on req.
func (c *Client) Authorize(ctx context.Context, req AuthorizationRequest) (Outcome, error) {
	if req.Application == "" {
		return "", fmt.Errorf("%w: application is required", errs.ErrClient)
	}
	if req.Roles == nil {
		req.Roles = []string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encode authorization request: %w", errs.ErrClient, err)
	}
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:   "authorize",
		Collection:  "users",
		Method:      http.MethodPost,
		Path:        c.authzPath,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("authorize %s on %q: %w", req.Permission, req.Application, err)
	}
	var out AuthorizationResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("%w: authorization response: %w", errs.ErrMalformed, err)
	}
	switch out.Outcome {
	case Allow, Deny:
		return out.Outcome, nil
	default:
		return "", fmt.Errorf("%w: authorization outcome %q", errs.ErrMalformed, out.Outcome)
	}
}
