// Package command sends commands to devices through the command endpoint.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/meta"
	"github.com/and161185/iotcloud-client/pkg/resource"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

// DefaultGrace is added to a command's timeout before the client stops waiting,
// so the server's own 408 normally arrives first.
const DefaultGrace = 2 * time.Second

// Kind is the outcome of a delivered command.
type Kind int

const (
	// Accepted means the command was queued for the device.
	Accepted Kind = iota
	// Responded means the device answered within the timeout.
	Responded
	// NoResponse means the device did not answer within the timeout.
	NoResponse
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Responded:
		return "responded"
	case NoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}

// Command is a message for one device channel.
type Command struct {
	Device  meta.Ref
	Channel string
	Payload []byte
	// ContentType defaults to application/json for JSON payloads and
	// application/octet-stream otherwise.
	ContentType string
	// Timeout asks the server to wait for the device's answer. Zero sends one-way.
	Timeout time.Duration
}

// Result is the server's answer to a command.
type Result struct {
	Kind        Kind
	Status      int
	Body        []byte
	ContentType string
}

// Client sends commands. Commands are never retried on transient failures.
type Client struct {
	exec  resource.Executor
	grace time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option { return func(c *Client) { c.grace = d } }

// New returns a command client.
func New(exec resource.Executor, opts ...Option) *Client {
	c := &Client{exec: exec, grace: DefaultGrace}
	for _, o := range opts {
		o(c)
	}
	return c
}

// To builds a command for the device app/device.
func To(app, device, channel string, payload []byte) Command {
	return Command{
		Device:  meta.Ref{Kind: meta.KindDevice, Application: app, Name: device},
		Channel: channel,
		Payload: payload,
	}
}

// SendJSON encodes v and sends it on channel.
func (c *Client) SendJSON(ctx context.Context, app, device, channel string, v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode payload: %w", errs.ErrClient, err)
	}
	cmd := To(app, device, channel, b)
	cmd.ContentType = "application/json"
	return c.Send(ctx, cmd)
}

// Send delivers cmd. When cmd.Timeout is set and elapses while ctx is still live,
// the result is NoResponse rather than an error.
func (c *Client) Send(ctx context.Context, cmd Command) (Result, error) {
	if err := validate(cmd); err != nil {
		return Result{}, err
	}

	q := url.Values{"command": {cmd.Channel}}
	callCtx := ctx
	if cmd.Timeout > 0 {
		q.Set("timeout", strconv.FormatInt(int64(math.Ceil(cmd.Timeout.Seconds())), 10)+"s")
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cmd.Timeout+c.grace)
		defer cancel()
	}

	resp, err := c.exec.Execute(callCtx, transport.Request{
		Operation:   "send",
		Collection:  "commands",
		Method:      http.MethodPost,
		Path:        []string{"api", "command", "v1alpha1", "apps", cmd.Device.Application, "devices", cmd.Device.Name},
		Query:       q,
		Body:        cmd.Payload,
		ContentType: contentType(cmd),
		NoRetry:     true,
		PassStatus:  []int{http.StatusRequestTimeout},
	})
	if err != nil {
		if cmd.Timeout > 0 && errors.Is(err, errs.ErrTimeout) && ctx.Err() == nil {
			return Result{Kind: NoResponse}, nil
		}
		return Result{}, fmt.Errorf("send command %q to %s: %w", cmd.Channel, cmd.Device, err)
	}

	res := Result{Status: resp.Status, Body: resp.Body, ContentType: resp.Header.Get("Content-Type")}
	switch {
	case resp.Status == http.StatusRequestTimeout:
		res.Kind, res.Body, res.ContentType = NoResponse, nil, ""
	case resp.Status == http.StatusOK && len(resp.Body) > 0:
		res.Kind = Responded
	default:
		res.Kind = Accepted
	}
	return res, nil
}

func validate(cmd Command) error {
	switch {
	case cmd.Device.Kind != "" && cmd.Device.Kind != meta.KindDevice:
		return fmt.Errorf("%w: command target must be a device, got %s", errs.ErrClient, cmd.Device.Kind)
	case cmd.Device.Application == "" || cmd.Device.Name == "":
		return fmt.Errorf("%w: command target needs application and device", errs.ErrClient)
	case cmd.Channel == "":
		return fmt.Errorf("%w: command channel is required", errs.ErrClient)
	case cmd.Timeout < 0:
		return fmt.Errorf("%w: negative command timeout", errs.ErrClient)
	}
	return nil
}

func contentType(cmd Command) string {
	switch {
	case cmd.ContentType != "":
		return cmd.ContentType
	case len(cmd.Payload) == 0:
		return ""
	case json.Valid(cmd.Payload):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
