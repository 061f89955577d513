// Package resource implements versioned CRUD and PATCH for registry resources.
package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/meta"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

// Executor runs a single logical request. *transport.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, req transport.Request) (*transport.Response, error)
}

var _ Executor = (*transport.Executor)(nil)

// ListOptions filters List results.
type ListOptions struct {
	// Labels are label selectors such as "zone=a" or "!legacy", joined with commas.
	Labels []string
	// Selector is appended to Labels.
	Selector LabelSelector
}

// Client performs typed operations on one collection. PT is the pointer type of T.
type Client[T any, PT interface {
	*T
	meta.Object
}] struct {
	exec       Executor
	collection string
	base       []string
}

// New returns a client for the collection at the given path segments.
// collection labels the calls in telemetry.
func New[T any, PT interface {
	*T
	meta.Object
}](exec Executor, collection string, base ...string) *Client[T, PT] {
	return &Client[T, PT]{exec: exec, collection: collection, base: base}
}

func (c *Client[T, PT]) item(name string) []string {
	return append(append([]string(nil), c.base...), name)
}

// Get fetches the named resource. It returns errs.ErrNotFound when it does not exist.
func (c *Client[T, PT]) Get(ctx context.Context, name string) (*T, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: get %s: name is required", errs.ErrClient, c.collection)
	}
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:  "get",
		Collection: c.collection,
		Method:     http.MethodGet,
		Path:       c.item(name),
	})
	if err != nil {
		return nil, err
	}
	return decode[T](resp.Body)
}

// List returns the resources of the collection matching opts.
func (c *Client[T, PT]) List(ctx context.Context, opts ListOptions) ([]T, error) {
	var q url.Values
	if labels := append(slices.Clone(opts.Labels), opts.Selector.Strings()...); len(labels) > 0 {
		q = url.Values{"labels": {strings.Join(labels, ",")}}
	}
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:  "list",
		Collection: c.collection,
		Method:     http.MethodGet,
		Path:       c.base,
		Query:      q,
	})
	if err != nil {
		return nil, err
	}
	var out []T
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", errs.ErrMalformed, c.collection, err)
	}
	return out, nil
}

// Create posts obj to the collection and returns the resource as stored by the server.
// When the server answers without a body, the resource is read back by name.
func (c *Client[T, PT]) Create(ctx context.Context, obj *T) (*T, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", errs.ErrClient, c.collection, err)
	}
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:   "create",
		Collection:  c.collection,
		Method:      http.MethodPost,
		Path:        c.base,
		Body:        body,
		ContentType: contentTypeJSON,
	})
	if err != nil {
		return nil, err
	}
	if hasBody(resp.Body) {
		return decode[T](resp.Body)
	}

	name := PT(obj).ObjectMeta().Name
	if loc := nameFromLocation(resp.Header.Get("Location")); loc != "" {
		name = loc
	}
	if name == "" {
		return nil, fmt.Errorf("%w: create %s: server returned no body and no name is known", errs.ErrMalformed, c.collection)
	}
	return c.Get(ctx, name)
}

// Update replaces the resource with obj. obj's resourceVersion is sent unchanged; a stale
// version yields errs.ErrVersionConflict.
func (c *Client[T, PT]) Update(ctx context.Context, obj *T) (*T, error) {
	name := PT(obj).ObjectMeta().Name
	if name == "" {
		return nil, fmt.Errorf("%w: update %s: name is required", errs.ErrClient, c.collection)
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", errs.ErrClient, c.collection, err)
	}
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:   "update",
		Collection:  c.collection,
		Method:      http.MethodPut,
		Path:        c.item(name),
		Body:        body,
		ContentType: contentTypeJSON,
	})
	if err != nil {
		return nil, err
	}
	return c.readBack(ctx, name, resp)
}

// Patch sends p unchanged to the named resource. No local merge is performed.
func (c *Client[T, PT]) Patch(ctx context.Context, name string, p Patch) (*T, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: patch %s: name is required", errs.ErrClient, c.collection)
	}
	body, err := p.Body()
	if err != nil {
		return nil, fmt.Errorf("%w: patch %s: %w", errs.ErrClient, c.collection, err)
	}
	resp, err := c.exec.Execute(ctx, transport.Request{
		Operation:   "patch",
		Collection:  c.collection,
		Method:      http.MethodPatch,
		Path:        c.item(name),
		Body:        body,
		ContentType: p.ContentType(),
	})
	if err != nil {
		return nil, err
	}
	return c.readBack(ctx, name, resp)
}

// Delete removes the named resource. It returns errs.ErrNotFound when it does not exist.
func (c *Client[T, PT]) Delete(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: delete %s: name is required", errs.ErrClient, c.collection)
	}
	_, err := c.exec.Execute(ctx, transport.Request{
		Operation:  "delete",
		Collection: c.collection,
		Method:     http.MethodDelete,
		Path:       c.item(name),
	})
	return err
}

// readBack returns the envelope from a write response, re-reading it when the server
// sent none.
func (c *Client[T, PT]) readBack(ctx context.Context, name string, resp *transport.Response) (*T, error) {
	if hasBody(resp.Body) {
		return decode[T](resp.Body)
	}
	return c.Get(ctx, name)
}

func hasBody(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

func decode[T any](body []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrMalformed, err)
	}
	return &out, nil
}

func nameFromLocation(loc string) string {
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	base := path.Base(u.EscapedPath())
	name, err := url.PathUnescape(base)
	if err != nil || name == "." || name == "/" {
		return ""
	}
	return name
}
