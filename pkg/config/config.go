// Package config loads client configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IOTCLOUD_"

// Config is the root configuration.
type Config struct {
	Registry  RegistryConfig  `yaml:"registry"`
	OIDC      OIDCConfig      `yaml:"oidc"`
	Token     TokenConfig     `yaml:"token"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RegistryConfig locates the registry and shapes retries.
type RegistryConfig struct {
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryBound     int           `yaml:"retry_bound"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	CommandGrace   time.Duration `yaml:"command_grace"`
	UserAgent      string        `yaml:"user_agent"`
}

// OIDCConfig configures the identity provider.
type OIDCConfig struct {
	IssuerURL      string        `yaml:"issuer_url"`
	TokenURL       string        `yaml:"token_url"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	Scopes         []string      `yaml:"scopes"`
	RefreshMargin  time.Duration `yaml:"refresh_margin"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// TokenConfig selects a static token and the credential store.
type TokenConfig struct {
	// Static is used instead of OIDC when set.
	Static          string `yaml:"static"`
	StorePath       string `yaml:"store_path"`
	StorePassphrase string `yaml:"store_passphrase"`
}

// TelemetryConfig enables call telemetry sinks.
type TelemetryConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Log        bool             `yaml:"log"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

// PrometheusConfig configures the metrics sink.
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// InfluxDBConfig configures the InfluxDB sink.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	Measurement   string        `yaml:"measurement"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLS         bool   `yaml:"tls"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// PostgresConfig configures the audit sink.
type PostgresConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	Buffer       int           `yaml:"buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Migrate applies the audit migrations on startup.
	Migrate bool `yaml:"migrate"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, applies environment overrides and validates the result.
// An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that adjust the result first.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if problems := applyEnvOverrides(cfg, os.Getenv); len(problems) > 0 {
		return nil, fmt.Errorf("environment overrides: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Timeout:        30 * time.Second,
			RetryBound:     3,
			BackoffInitial: 100 * time.Millisecond,
			BackoffMax:     2 * time.Second,
			CommandGrace:   2 * time.Second,
			UserAgent:      "iotcloud-client",
		},
		OIDC: OIDCConfig{
			RefreshMargin:  30 * time.Second,
			RefreshTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Log: true,
			Prometheus: PrometheusConfig{
				Namespace: "iotcloud",
				Subsystem: "client",
			},
			InfluxDB: InfluxDBConfig{
				Measurement:   "registry_calls",
				BatchSize:     100,
				FlushInterval: time.Second,
			},
			MQTT: MQTTConfig{
				ClientID:    "iotcloud-client",
				TopicPrefix: "iotcloud/client/calls",
			},
			Postgres: PostgresConfig{
				Buffer:       256,
				WriteTimeout: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies IOTCLOUD_SECTION_KEY variables and returns values
// that could not be parsed.
func applyEnvOverrides(cfg *Config, getenv func(string) string) []string {
	var problems []string
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	// Registry
	str("REGISTRY_URL", &cfg.Registry.URL)
	dur("REGISTRY_TIMEOUT", &cfg.Registry.Timeout)
	num("REGISTRY_RETRY_BOUND", &cfg.Registry.RetryBound)

	// OIDC
	str("OIDC_ISSUER_URL", &cfg.OIDC.IssuerURL)
	str("OIDC_TOKEN_URL", &cfg.OIDC.TokenURL)
	str("OIDC_CLIENT_ID", &cfg.OIDC.ClientID)
	str("OIDC_CLIENT_SECRET", &cfg.OIDC.ClientSecret)
	if v := getenv(EnvPrefix + "OIDC_SCOPES"); v != "" {
		cfg.OIDC.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	dur("OIDC_REFRESH_MARGIN", &cfg.OIDC.RefreshMargin)

	// Token
	str("TOKEN", &cfg.Token.Static)
	str("TOKEN_STORE_PATH", &cfg.Token.StorePath)
	str("TOKEN_STORE_PASSPHRASE", &cfg.Token.StorePassphrase)

	// Telemetry
	flag("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	str("INFLUXDB_TOKEN", &cfg.Telemetry.InfluxDB.Token)
	str("MQTT_USERNAME", &cfg.Telemetry.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.Telemetry.MQTT.Password)
	str("POSTGRES_DSN", &cfg.Telemetry.Postgres.DSN)

	// Logging
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	return problems
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Registry.URL == "" {
		errs = append(errs, "registry.url is required (set IOTCLOUD_REGISTRY_URL)")
	} else if !httpURL(c.Registry.URL) {
		errs = append(errs, "registry.url must be an http(s) URL")
	}
	if c.Registry.RetryBound < 0 {
		errs = append(errs, "registry.retry_bound must not be negative")
	}
	if c.Registry.Timeout < 0 {
		errs = append(errs, "registry.timeout must not be negative")
	}
	if c.Registry.BackoffMax > 0 && c.Registry.BackoffInitial > c.Registry.BackoffMax {
		errs = append(errs, "registry.backoff_initial must not exceed registry.backoff_max")
	}

	if c.Token.Static == "" {
		if c.OIDC.IssuerURL == "" && c.OIDC.TokenURL == "" {
			errs = append(errs, "oidc.issuer_url or oidc.token_url is required unless token.static is set")
		}
		if c.OIDC.ClientID == "" {
			errs = append(errs, "oidc.client_id is required unless token.static is set")
		}
	}
	if c.OIDC.RefreshMargin < 0 {
		errs = append(errs, "oidc.refresh_margin must not be negative")
	}
	if c.Token.StorePath != "" && c.Token.StorePassphrase == "" {
		errs = append(errs, "token.store_passphrase is required with token.store_path (set IOTCLOUD_TOKEN_STORE_PASSPHRASE)")
	}

	if t := c.Telemetry; t.Enabled {
		if t.InfluxDB.Enabled && (t.InfluxDB.URL == "" || t.InfluxDB.Bucket == "" || t.InfluxDB.Org == "") {
			errs = append(errs, "telemetry.influxdb needs url, org and bucket")
		}
		if t.MQTT.Enabled && t.MQTT.BrokerURL == "" {
			errs = append(errs, "telemetry.mqtt.broker_url is required")
		}
		if t.MQTT.QoS < 0 || t.MQTT.QoS > 2 {
			errs = append(errs, "telemetry.mqtt.qos must be 0, 1, or 2")
		}
		if t.Postgres.Enabled && t.Postgres.DSN == "" {
			errs = append(errs, "telemetry.postgres.dsn is required (set IOTCLOUD_POSTGRES_DSN)")
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, "logging.format must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func httpURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
