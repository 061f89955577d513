// Package client assembles an authenticated registry client from configuration.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/iotcloud-client/internal/credstore"
	"github.com/and161185/iotcloud-client/internal/migrate"
	"github.com/and161185/iotcloud-client/pkg/accesstoken"
	"github.com/and161185/iotcloud-client/pkg/admin"
	"github.com/and161185/iotcloud-client/pkg/command"
	"github.com/and161185/iotcloud-client/pkg/config"
	"github.com/and161185/iotcloud-client/pkg/discovery"
	"github.com/and161185/iotcloud-client/pkg/registry"
	"github.com/and161185/iotcloud-client/pkg/telemetry"
	"github.com/and161185/iotcloud-client/pkg/telemetry/influxsink"
	"github.com/and161185/iotcloud-client/pkg/telemetry/mqttsink"
	"github.com/and161185/iotcloud-client/pkg/telemetry/pgaudit"
	"github.com/and161185/iotcloud-client/pkg/token"
	"github.com/and161185/iotcloud-client/pkg/transport"
	"github.com/and161185/iotcloud-client/pkg/user"
)

// Client bundles the façades sharing one token cache and executor.
type Client struct {
	Applications *registry.Applications
	Devices      *registry.Devices
	Commands     *command.Client
	Admin        *admin.Client
	AccessTokens *accesstoken.Client
	Discovery    *discovery.Client
	Users        *user.Client

	tokens  *token.Cache
	log     *zap.Logger
	closers []func(context.Context) error
}

type options struct {
	doer       transport.Doer
	log        *zap.Logger
	source     token.Source
	store      token.Store
	registerer prometheus.Registerer
	sinks      []telemetry.Sink
}

// Option customizes New.
type Option func(*options)

// WithHTTPClient sets the client used for registry and identity provider calls.
func WithHTTPClient(d transport.Doer) Option { return func(o *options) { o.doer = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithTokenSource replaces the source derived from configuration.
func WithTokenSource(s token.Source) Option { return func(o *options) { o.source = s } }

// WithTokenStore replaces the store derived from configuration.
func WithTokenStore(s token.Store) Option { return func(o *options) { o.store = s } }

// WithPrometheusRegisterer sets where metrics are registered.
func WithPrometheusRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithSinks adds telemetry sinks, regardless of telemetry.enabled.
func WithSinks(s ...telemetry.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// New builds a client. Sinks that need a connection are connected here; any failure
// closes what was already opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Client, err error) {
	o := options{log: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}

	c := &Client{log: o.log}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	src := o.source
	if src == nil {
		src = tokenSource(cfg, o)
	}
	store := o.store
	if store == nil && cfg.Token.StorePath != "" {
		store = credstore.New(cfg.Token.StorePath, cfg.Token.StorePassphrase)
	}
	cacheOpts := []token.Option{
		token.WithMargin(cfg.OIDC.RefreshMargin),
		token.WithRefreshTimeout(cfg.OIDC.RefreshTimeout),
		token.WithLogger(o.log.Named("token")),
	}
	if store != nil {
		cacheOpts = append(cacheOpts, token.WithStore(store))
	}
	c.tokens = token.NewCache(src, cacheOpts...)

	sinks, err := c.buildSinks(ctx, cfg.Telemetry, o)
	if err != nil {
		return nil, err
	}

	backoff := transport.DefaultBackoff()
	backoff.Initial = cfg.Registry.BackoffInitial
	if cfg.Registry.BackoffMax > 0 {
		backoff.Max = cfg.Registry.BackoffMax
	}
	exec, err := transport.NewExecutor(transport.Config{
		BaseURL:        cfg.Registry.URL,
		RetryBound:     cfg.Registry.RetryBound,
		Backoff:        backoff,
		DefaultTimeout: cfg.Registry.Timeout,
		UserAgent:      cfg.Registry.UserAgent,
	}, o.doer, c.tokens,
		transport.WithTelemetry(telemetry.New(sinks...)),
		transport.WithLogger(o.log.Named("transport")),
	)
	if err != nil {
		return nil, err
	}

	c.Applications = registry.NewApplications(exec)
	c.Devices = registry.NewDevices(exec)
	c.Commands = command.New(exec, command.WithGrace(cfg.Registry.CommandGrace))
	c.Admin = admin.New(exec)
	c.AccessTokens = accesstoken.New(exec)
	c.Discovery = discovery.New(exec)
	c.Users = user.New(exec)
	return c, nil
}

func tokenSource(cfg *config.Config, o options) token.Source {
	if cfg.Token.Static != "" {
		return token.StaticSource{Token: cfg.Token.Static}
	}
	var hc *http.Client
	if c, ok := o.doer.(*http.Client); ok {
		hc = c
	}
	return token.NewOIDCSource(token.OIDCConfig{
		IssuerURL:    cfg.OIDC.IssuerURL,
		TokenURL:     cfg.OIDC.TokenURL,
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		Scopes:       cfg.OIDC.Scopes,
		HTTPClient:   hc,
		Logger:       o.log.Named("oidc"),
	})
}

func (c *Client) buildSinks(ctx context.Context, tc config.TelemetryConfig, o options) ([]telemetry.Sink, error) {
	sinks := slices.Clone(o.sinks)
	if !tc.Enabled {
		return sinks, nil
	}

	if tc.Log {
		sinks = append(sinks, telemetry.NewLogSink(o.log.Named("calls")))
	}

	if tc.Prometheus.Enabled {
		pc := telemetry.DefaultPrometheusConfig()
		pc.Namespace = tc.Prometheus.Namespace
		pc.Subsystem = tc.Prometheus.Subsystem
		if o.registerer != nil {
			pc.Registry = o.registerer
		}
		s, err := telemetry.NewPrometheusSink(pc)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if ic := tc.InfluxDB; ic.Enabled {
		s, err := influxsink.Connect(ctx, influxsink.Config{
			Enabled:       true,
			URL:           ic.URL,
			Token:         ic.Token,
			Org:           ic.Org,
			Bucket:        ic.Bucket,
			Measurement:   ic.Measurement,
			BatchSize:     ic.BatchSize,
			FlushInterval: ic.FlushInterval,
		}, o.log.Named("influx"))
		if err != nil {
			return nil, fmt.Errorf("influxdb sink: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return s.Close() })
		sinks = append(sinks, s)
	}

	if mc := tc.MQTT; mc.Enabled {
		s, err := mqttsink.Connect(mqttsink.Config{
			Enabled:     true,
			BrokerURL:   mc.BrokerURL,
			ClientID:    mc.ClientID,
			Username:    mc.Username,
			Password:    mc.Password,
			TLS:         mc.TLS,
			TopicPrefix: mc.TopicPrefix,
			QoS:         byte(mc.QoS),
		}, o.log.Named("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt sink: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return s.Close() })
		sinks = append(sinks, s)
	}

	if pc := tc.Postgres; pc.Enabled {
		if pc.Migrate {
			if err := migrate.Up(ctx, pc.DSN); err != nil {
				return nil, fmt.Errorf("audit migrations: %w", err)
			}
		}
		pool, err := pgaudit.Open(ctx, pc.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres sink: %w", err)
		}
		s := pgaudit.New(pool, o.log.Named("audit"), pgaudit.Options{Buffer: pc.Buffer, WriteTimeout: pc.WriteTimeout})
		c.closers = append(c.closers, func(ctx context.Context) error {
			defer pool.Close()
			return s.Close(ctx)
		})
		sinks = append(sinks, s)
	}

	return sinks, nil
}

// Token returns the current bearer credential, refreshing it when needed.
func (c *Client) Token(ctx context.Context) (token.Credential, error) {
	return c.tokens.Token(ctx)
}

// Close flushes and disconnects telemetry sinks in reverse order of creation.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
