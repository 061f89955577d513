// Package admin manages application members and ownership transfers.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/resource"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

const collection = "admin"

// Role is a permission set granted to an application member.
type Role string

const (
	// RoleAdmin grants everything except ownership, including member management.
	RoleAdmin Role = "admin"
	// RoleManager reads and writes the application and its devices.
	RoleManager Role = "manager"
	// RoleReader reads the application and its devices.
	RoleReader Role = "reader"
	// RoleSubscriber consumes application events.
	RoleSubscriber Role = "subscriber"
	// RolePublisher publishes commands to the application.
	RolePublisher Role = "publisher"
)

var roles = []Role{RoleAdmin, RoleManager, RoleReader, RoleSubscriber, RolePublisher}

// ParseRole accepts a role name in lower case or capitalized.
func ParseRole(s string) (Role, error) {
	for _, r := range roles {
		if s == string(r) || s == strings.ToUpper(string(r[:1]))+string(r[1:]) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", errs.ErrClient, s)
}

// String returns the display name.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "Administrator"
	case RoleManager:
		return "Manager"
	case RoleReader:
		return "Reader"
	case RoleSubscriber:
		return "Subscriber"
	case RolePublisher:
		return "Publisher"
	default:
		return string(r)
	}
}

// Roles is the role list of one member.
type Roles []Role

// Contains reports whether the roles grant r. Admin grants every role and
// Manager grants Reader.
func (rs Roles) Contains(r Role) bool {
	if slices.Contains(rs, RoleAdmin) {
		return true
	}
	if r == RoleReader && slices.Contains(rs, RoleManager) {
		return true
	}
	return slices.Contains(rs, r)
}

// MemberEntry is the roles of one member.
type MemberEntry struct {
	Roles Roles `json:"roles"`
}

// Members maps user IDs to their roles. ResourceVersion guards updates.
type Members struct {
	ResourceVersion string                 `json:"resourceVersion,omitempty"`
	Members         map[string]MemberEntry `json:"members"`
}

// TransferOwnership names the user an application is offered to.
type TransferOwnership struct {
	NewUser string `json:"newUser"`
}

// Client calls the administration endpoint.
type Client struct {
	exec resource.Executor
}

// New returns an administration client.
func New(exec resource.Executor) *Client {
	return &Client{exec: exec}
}

func path(app, op string) []string {
	return []string{"api", "admin", "v1alpha1", "apps", app, op}
}

func (c *Client) do(ctx context.Context, op, method, app, sub string, in any) (*transport.Response, error) {
	if app == "" {
		return nil, fmt.Errorf("%w: application is required", errs.ErrClient)
	}
	req := transport.Request{
		Operation:  op,
		Collection: collection,
		Method:     method,
		Path:       path(app, sub),
	}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s: %w", errs.ErrClient, sub, err)
		}
		req.Body, req.ContentType = b, "application/json"
	}
	resp, err := c.exec.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s of %q: %w", op, sub, app, err)
	}
	return resp, nil
}

// Members returns the members of app.
func (c *Client) Members(ctx context.Context, app string) (*Members, error) {
	resp, err := c.do(ctx, "get", http.MethodGet, app, "members", nil)
	if err != nil {
		return nil, err
	}
	var m Members
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return nil, fmt.Errorf("%w: members of %q: %w", errs.ErrMalformed, app, err)
	}
	if m.Members == nil {
		m.Members = map[string]MemberEntry{}
	}
	return &m, nil
}

// UpdateMembers replaces the members of app. A stale ResourceVersion yields
// errs.ErrVersionConflict.
func (c *Client) UpdateMembers(ctx context.Context, app string, m Members) error {
	if m.Members == nil {
		m.Members = map[string]MemberEntry{}
	}
	_, err := c.do(ctx, "update", http.MethodPut, app, "members", m)
	return err
}

// InitiateTransfer offers app to user. The transfer completes when user accepts it.
func (c *Client) InitiateTransfer(ctx context.Context, app, user string) error {
	if user == "" {
		return fmt.Errorf("%w: new owner is required", errs.ErrClient)
	}
	_, err := c.do(ctx, "update", http.MethodPut, app, "transfer-ownership", TransferOwnership{NewUser: user})
	return err
}

// Transfer returns the pending transfer of app. Without one it returns errs.ErrNotFound.
func (c *Client) Transfer(ctx context.Context, app string) (*TransferOwnership, error) {
	resp, err := c.do(ctx, "get", http.MethodGet, app, "transfer-ownership", nil)
	if err != nil {
		return nil, err
	}
	var t TransferOwnership
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return nil, fmt.Errorf("%w: transfer of %q: %w", errs.ErrMalformed, app, err)
	}
	return &t, nil
}

// CancelTransfer withdraws the pending transfer of app.
func (c *Client) CancelTransfer(ctx context.Context, app string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, app, "transfer-ownership", nil)
	return err
}

// AcceptTransfer makes the caller the owner of app.
func (c *Client) AcceptTransfer(ctx context.Context, app string) error {
	_, err := c.do(ctx, "update", http.MethodPut, app, "accept-ownership", nil)
	return err
}
