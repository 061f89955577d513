// Command regctl manages applications and devices and sends device commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/iotcloud-client/internal/credstore"
	"github.com/and161185/iotcloud-client/internal/logging"
	"github.com/and161185/iotcloud-client/pkg/client"
	"github.com/and161185/iotcloud-client/pkg/config"
	"github.com/and161185/iotcloud-client/pkg/errs"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `regctl - registry client
Usage:
  regctl [-config file] [-log-level level] [-url URL] [-token TOKEN] <cmd> [args]

Commands:
  version
  apps list    [-l selector,...]
  apps get     -name <app>
  apps create  -name <app> [-file envelope.json]
  apps delete  -name <app>
  apps patch   -name <app> -file patch.json [-json-patch]
  devices list    -app <app> [-l selector,...]
  devices get     -app <app> -name <device> [-gateways]
  devices create  -app <app> -name <device> [-file envelope.json] [-disabled]
  devices delete  -app <app> -name <device>
  devices patch   -app <app> -name <device> -file patch.json [-json-patch]
  cmd send     -app <app> -device <device> -channel <name> [-file payload|-] [-timeout 10s]
  members get  -app <app>
  members set  -app <app> -file members.json
  members add  -app <app> -user <id> -roles reader,publisher
  transfer start|show|cancel|accept -app <app> [-user <id>]
  tokens list
  tokens create [-description text]
  tokens delete -prefix <prefix>
  endpoints    [-public]
  server-version
  migrate      [-dsn DSN]                             (audit table migrations)
`

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	url        string
	token      string
}

type app struct {
	g      globals
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// defaultConfigPath returns the config file in the user's config directory, if present.
func defaultConfigPath() string {
	p := filepath.Join(credstore.Dir(), "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(a.run(ctx, os.Args[1:]))
}

// run executes one command line and returns the process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("regctl", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVar(&a.g.configPath, "config", defaultConfigPath(), "config file (YAML)")
	fs.StringVar(&a.g.logLevel, "log-level", "", "log level override")
	fs.StringVar(&a.g.url, "url", "", "registry URL override")
	fs.StringVar(&a.g.token, "token", "", "static bearer token override")
	fs.Usage = func() { fmt.Fprint(a.stderr, usageText) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}

	var err error
	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "version":
		fmt.Fprintf(a.stdout, "regctl %s (%s)\n", version, buildDate)
	case "apps":
		err = a.withClient(ctx, func(c *client.Client) error { return a.apps(ctx, c, rest) })
	case "devices":
		err = a.withClient(ctx, func(c *client.Client) error { return a.devices(ctx, c, rest) })
	case "cmd":
		err = a.withClient(ctx, func(c *client.Client) error { return a.command(ctx, c, rest) })
	case "members":
		err = a.withClient(ctx, func(c *client.Client) error { return a.members(ctx, c, rest) })
	case "transfer":
		err = a.withClient(ctx, func(c *client.Client) error { return a.transfer(ctx, c, rest) })
	case "tokens":
		err = a.withClient(ctx, func(c *client.Client) error { return a.accessTokens(ctx, c, rest) })
	case "endpoints":
		err = a.withClient(ctx, func(c *client.Client) error { return a.endpoints(ctx, c, rest) })
	case "server-version":
		err = a.withClient(ctx, func(c *client.Client) error { return a.serverVersion(ctx, c) })
	case "migrate":
		err = a.migrate(ctx, rest)
	default:
		fs.Usage()
		return 2
	}
	if err != nil {
		return a.fail(err)
	}
	return 0
}

// loadConfig reads the config file and applies global flag overrides.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Read(a.g.configPath)
	if err != nil {
		return nil, err
	}
	if a.g.logLevel != "" {
		cfg.Logging.Level = a.g.logLevel
	}
	if a.g.url != "" {
		cfg.Registry.URL = a.g.url
	}
	if a.g.token != "" {
		cfg.Token.Static = a.g.token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) withClient(ctx context.Context, fn func(*client.Client) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	c, err := client.New(ctx, cfg, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("close client", zap.Error(err))
		}
	}()
	return fn(c)
}

// fail prints err and maps its kind to an exit code.
func (a *app) fail(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	fmt.Fprintln(a.stderr, "error:", err)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return 3
	case errors.Is(err, errs.ErrVersionConflict):
		return 4
	case errors.Is(err, errs.ErrUnauthorized):
		return 5
	default:
		return 1
	}
}

func (a *app) readInput(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(a.stdin)
	}
	return os.ReadFile(p)
}

func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
