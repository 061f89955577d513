package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/iotcloud-client/internal/credstore"
	"github.com/and161185/iotcloud-client/internal/fakeregistry"
	"github.com/and161185/iotcloud-client/pkg/admin"
	"github.com/and161185/iotcloud-client/pkg/command"
	"github.com/and161185/iotcloud-client/pkg/config"
	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/registry"
	"github.com/and161185/iotcloud-client/pkg/resource"
	"github.com/and161185/iotcloud-client/pkg/telemetry"
	"github.com/and161185/iotcloud-client/pkg/token"
	"github.com/and161185/iotcloud-client/pkg/user"
)

// rotatingSource hands out tok-1, tok-2, ... on each fetch.
type rotatingSource struct {
	mu sync.Mutex
	n  int
}

var _ token.Source = (*rotatingSource)(nil)

func (s *rotatingSource) Fetch(context.Context, string) (token.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return token.Credential{AccessToken: fmt.Sprintf("tok-%d", s.n)}, nil
}

func newServer(t *testing.T) (*fakeregistry.Server, *httptest.Server, *config.Config) {
	t.Helper()
	reg := fakeregistry.New()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Registry.URL = srv.URL
	cfg.Registry.BackoffInitial = 0
	cfg.Token.Static = "static"
	return reg, srv, cfg
}

func TestNew_EndToEnd(t *testing.T) {
	ctx := context.Background()
	reg, srv, cfg := newServer(t)
	reg.RequireToken("static")

	c, err := New(ctx, cfg, WithHTTPClient(srv.Client()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.Applications.Create(ctx, registry.NewApplication("app"))
	require.NoError(t, err)
	dev, err := c.Devices.Create(ctx, registry.NewDevice("app", "dev"))
	require.NoError(t, err)
	require.True(t, dev.Enabled())

	res, err := c.Commands.Send(ctx, command.To("app", "dev", "reboot", nil))
	require.NoError(t, err)
	require.Equal(t, command.Accepted, res.Kind)

	list, err := c.Devices.List(ctx, "app", resource.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	cred, err := c.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "static", cred.AccessToken)
}

func TestNew_ServiceFacadesShareCredential(t *testing.T) {
	ctx := context.Background()
	reg, srv, cfg := newServer(t)
	reg.RequireToken("static")

	c, err := New(ctx, cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.Applications.Create(ctx, registry.NewApplication("app"))
	require.NoError(t, err)
	require.NoError(t, c.Admin.UpdateMembers(ctx, "app", admin.Members{
		Members: map[string]admin.MemberEntry{"alice": {Roles: admin.Roles{admin.RolePublisher}}},
	}))
	alice := "alice"
	out, err := c.Users.Authorize(ctx, user.AuthorizationRequest{Application: "app", Permission: user.AppCommand, UserID: &alice})
	require.NoError(t, err)
	require.True(t, out.Allowed())

	created, err := c.AccessTokens.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, c.AccessTokens.Delete(ctx, created.Prefix))

	e, err := c.Discovery.Endpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, srv.URL, e.Registry.URL)
	_, err = c.Discovery.Version(ctx)
	require.NoError(t, err)
	require.Empty(t, reg.LastAuthorization())
}

func TestNew_UnauthorizedIsRefreshedOnce(t *testing.T) {
	ctx := context.Background()
	reg, srv, cfg := newServer(t)
	reg.RequireToken("tok-2")

	rec := &telemetry.Recorder{}
	c, err := New(ctx, cfg, WithHTTPClient(srv.Client()), WithTokenSource(&rotatingSource{}), WithSinks(rec))
	require.NoError(t, err)

	_, err = c.Applications.Create(ctx, registry.NewApplication("app"))
	require.NoError(t, err, "401 must be invisible to the caller")
	require.Equal(t, []telemetry.Outcome{telemetry.OutcomeUnauthorized, telemetry.OutcomeSuccess}, rec.Outcomes())

	reg.RequireToken("tok-99")
	_, err = c.Applications.Get(ctx, "app")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Len(t, rec.Events(), 4, "exactly two attempts for a double 401")
}

func TestNew_TransientRetries(t *testing.T) {
	ctx := context.Background()
	reg, srv, cfg := newServer(t)
	cfg.Registry.RetryBound = 3

	rec := &telemetry.Recorder{}
	c, err := New(ctx, cfg, WithHTTPClient(srv.Client()), WithSinks(rec))
	require.NoError(t, err)

	reg.InjectStatus(http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	_, err = c.Applications.Create(ctx, registry.NewApplication("app"))
	require.NoError(t, err)

	outcomes := rec.Outcomes()
	require.Len(t, outcomes, 4)
	require.Equal(t, telemetry.OutcomeSuccess, outcomes[3])
	for _, o := range outcomes[:3] {
		require.Equal(t, telemetry.OutcomeServerError, o)
	}
}

func TestNew_PrometheusAndLogSinks(t *testing.T) {
	ctx := context.Background()
	_, srv, cfg := newServer(t)
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Log = true
	cfg.Telemetry.Prometheus.Enabled = true
	cfg.Telemetry.Prometheus.Namespace = "test"

	promReg := prometheus.NewRegistry()
	c, err := New(ctx, cfg,
		WithHTTPClient(srv.Client()),
		WithLogger(zaptest.NewLogger(t)),
		WithPrometheusRegisterer(promReg))
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.Applications.Get(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	n, err := testutil.GatherAndCount(promReg, "test_client_attempts_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNew_PersistsCredential(t *testing.T) {
	ctx := context.Background()
	_, srv, cfg := newServer(t)
	cfg.Token.StorePath = filepath.Join(t.TempDir(), "cred.bin")
	cfg.Token.StorePassphrase = "pw"

	c, err := New(ctx, cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = c.Applications.List(ctx, resource.ListOptions{})
	require.NoError(t, err)

	saved, err := credstore.New(cfg.Token.StorePath, "pw").Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "static", saved.AccessToken)
}

func TestNew_InvalidRegistryURL(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.URL = "not a url"
	cfg.Token.Static = "t"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
