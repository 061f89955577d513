package command

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/iotcloud-client/internal/fakeregistry"
	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/meta"
	"github.com/and161185/iotcloud-client/pkg/registry"
	"github.com/and161185/iotcloud-client/pkg/telemetry"
	"github.com/and161185/iotcloud-client/pkg/token"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

type env struct {
	reg *fakeregistry.Server
	rec *telemetry.Recorder
	cmd *Client
}

func setup(t *testing.T, opts ...Option) env {
	t.Helper()
	reg := fakeregistry.New()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)

	rec := &telemetry.Recorder{}
	exec, err := transport.NewExecutor(transport.Config{BaseURL: srv.URL, RetryBound: 3},
		srv.Client(), token.NewCache(token.StaticSource{Token: "t"}),
		transport.WithTelemetry(telemetry.New(rec)))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = registry.NewApplications(exec).Create(ctx, registry.NewApplication("app"))
	require.NoError(t, err)
	_, err = registry.NewDevices(exec).Create(ctx, registry.NewDevice("app", "dev/1"))
	require.NoError(t, err)

	return env{reg: reg, rec: rec, cmd: New(exec, opts...)}
}

func TestSend_Accepted(t *testing.T) {
	e := setup(t)
	res, err := e.cmd.SendJSON(context.Background(), "app", "dev/1", "set-temp", map[string]int{"target": 21})
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Kind)
	require.Equal(t, http.StatusAccepted, res.Status)

	got := e.reg.Commands()
	require.Len(t, got, 1)
	require.Equal(t, fakeregistry.Command{
		Application: "app",
		Device:      "dev/1",
		Name:        "set-temp",
		ContentType: "application/json",
		Payload:     []byte(`{"target":21}`),
	}, got[0])
}

func TestSend_Responded(t *testing.T) {
	e := setup(t)
	e.reg.SetCommandReply(func(fakeregistry.Command) (int, []byte) {
		return http.StatusOK, []byte(`{"ok":true}`)
	})
	cmd := To("app", "dev/1", "ping", []byte("raw"))
	cmd.Timeout = 4500 * time.Millisecond

	res, err := e.cmd.Send(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, Responded, res.Kind)
	require.JSONEq(t, `{"ok":true}`, string(res.Body))
	require.Equal(t, "application/json", res.ContentType)
	sent := e.reg.Commands()[0]
	require.Equal(t, "5s", sent.Timeout)
	require.Equal(t, "application/octet-stream", sent.ContentType)
}

func TestSend_ServerTimeout(t *testing.T) {
	e := setup(t)
	e.reg.SetCommandReply(func(fakeregistry.Command) (int, []byte) {
		return http.StatusRequestTimeout, []byte(`{"error":"Timeout","message":"no answer"}`)
	})
	cmd := To("app", "dev/1", "ping", nil)
	cmd.Timeout = time.Second

	res, err := e.cmd.Send(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, NoResponse, res.Kind)
	require.Nil(t, res.Body)
}

func TestSend_ClientTimeout(t *testing.T) {
	e := setup(t, WithGrace(0))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	e.reg.SetCommandReply(func(fakeregistry.Command) (int, []byte) {
		<-release
		return http.StatusOK, nil
	})
	cmd := To("app", "dev/1", "ping", nil)
	cmd.Timeout = 50 * time.Millisecond

	res, err := e.cmd.Send(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, NoResponse, res.Kind)
}

func TestSend_CallerDeadlineIsAnError(t *testing.T) {
	e := setup(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	e.reg.SetCommandReply(func(fakeregistry.Command) (int, []byte) {
		<-release
		return http.StatusOK, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cmd := To("app", "dev/1", "ping", nil)
	cmd.Timeout = 10 * time.Second

	_, err := e.cmd.Send(ctx, cmd)
	require.ErrorIs(t, err, errs.ErrTimeout)
}

func TestSend_NotRetried(t *testing.T) {
	e := setup(t)
	e.reg.InjectStatus(http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	before := e.reg.Requests()

	_, err := e.cmd.Send(context.Background(), To("app", "dev/1", "ping", nil))
	require.ErrorIs(t, err, errs.ErrServer)
	require.Equal(t, before+1, e.reg.Requests())
	require.Empty(t, e.reg.Commands())

	outcomes := e.rec.Outcomes()
	require.Equal(t, telemetry.OutcomeServerError, outcomes[len(outcomes)-1])
}

func TestSend_UnknownDevice(t *testing.T) {
	e := setup(t)
	_, err := e.cmd.Send(context.Background(), To("app", "ghost", "ping", nil))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSend_Validation(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	before := e.reg.Requests()

	for name, cmd := range map[string]Command{
		"no channel":  To("app", "dev", "", nil),
		"no device":   To("app", "", "c", nil),
		"application": {Device: meta.Ref{Kind: meta.KindApplication, Name: "app"}, Channel: "c"},
		"negative":    {Device: meta.Ref{Application: "app", Name: "dev"}, Channel: "c", Timeout: -time.Second},
	} {
		_, err := e.cmd.Send(ctx, cmd)
		require.ErrorIs(t, err, errs.ErrClient, name)
	}
	require.Equal(t, before, e.reg.Requests())
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "accepted", Accepted.String())
	require.Equal(t, "responded", Responded.String())
	require.Equal(t, "no_response", NoResponse.String())
	require.Equal(t, "unknown", Kind(42).String())
}
