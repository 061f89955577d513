package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/iotcloud-client/internal/migrate"
	"github.com/and161185/iotcloud-client/pkg/client"
	"github.com/and161185/iotcloud-client/pkg/command"
	"github.com/and161185/iotcloud-client/pkg/config"
	"github.com/and161185/iotcloud-client/pkg/registry"
	"github.com/and161185/iotcloud-client/pkg/resource"
)

var errUsage = errors.New("invalid arguments")

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func need(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			missing = append(missing, "-"+pairs[i])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: need %s", errUsage, strings.Join(missing, " and "))
	}
	return nil
}

// splitLabels splits on commas outside parentheses, so "zone in (a, b)" stays whole.
func splitLabels(s string) resource.ListOptions {
	var labels []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				labels = append(labels, s[start:i])
				start = i + 1
			}
		}
	}
	if s != "" {
		labels = append(labels, s[start:])
	}
	return resource.ListOptions{Labels: labels}
}

func (a *app) patchFrom(file string, jsonPatch bool) (resource.Patch, error) {
	b, err := a.readInput(file)
	if err != nil {
		return nil, err
	}
	if jsonPatch {
		return resource.RawJSONPatch(b), nil
	}
	return resource.RawMergePatch(b), nil
}

// ---- apps ----

func (a *app) apps(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: apps needs a subcommand", errUsage)
	}
	fs := a.flags("apps " + args[0])
	name := fs.String("name", "", "application name")
	labels := fs.String("l", "", "label selectors, comma separated")
	file := fs.String("file", "", "input file, - for stdin")
	jsonPatch := fs.Bool("json-patch", false, "treat -file as an RFC 6902 JSON Patch")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "list":
		out, err := c.Applications.List(ctx, splitLabels(*labels))
		if err != nil {
			return err
		}
		a.printJSON(out)

	case "get":
		if err := need("name", *name); err != nil {
			return err
		}
		out, err := c.Applications.Get(ctx, *name)
		if err != nil {
			return err
		}
		a.printJSON(out)

	case "create":
		obj := registry.NewApplication(*name)
		if *file != "" {
			b, err := a.readInput(*file)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(b, obj); err != nil {
				return fmt.Errorf("decode %s: %w", *file, err)
			}
			if *name != "" {
				obj.Metadata.Name = *name
			}
		}
		if err := need("name", obj.Metadata.Name); err != nil {
			return err
		}
		out, err := c.Applications.Create(ctx, obj)
		if err != nil {
			return err
		}
		a.printJSON(out)

	case "delete":
		if err := need("name", *name); err != nil {
			return err
		}
		if err := c.Applications.Delete(ctx, *name); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "deleted")

	case "patch":
		if err := need("name", *name, "file", *file); err != nil {
			return err
		}
		p, err := a.patchFrom(*file, *jsonPatch)
		if err != nil {
			return err
		}
		out, err := c.Applications.Patch(ctx, *name, p)
		if err != nil {
			return err
		}
		a.printJSON(out)

	default:
		return fmt.Errorf("%w: unknown apps subcommand %q", errUsage, args[0])
	}
	return nil
}

// ---- devices ----

func (a *app) devices(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: devices needs a subcommand", errUsage)
	}
	fs := a.flags("devices " + args[0])
	appName := fs.String("app", "", "application name")
	name := fs.String("name", "", "device name")
	labels := fs.String("l", "", "label selectors, comma separated")
	file := fs.String("file", "", "input file, - for stdin")
	jsonPatch := fs.Bool("json-patch", false, "treat -file as an RFC 6902 JSON Patch")
	gateways := fs.Bool("gateways", false, "also resolve the device's gateways")
	disabled := fs.Bool("disabled", false, "create the device disabled")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := need("app", *appName); err != nil {
		return err
	}

	switch args[0] {
	case "list":
		out, err := c.Devices.List(ctx, *appName, splitLabels(*labels))
		if err != nil {
			return err
		}
		a.printJSON(out)

	case "get":
		if err := need("name", *name); err != nil {
			return err
		}
		if *gateways {
			dev, gws, err := c.Devices.GetWithGateways(ctx, *appName, *name)
			if err != nil {
				return err
			}
			a.printJSON(struct {
				Device   *registry.Device  `json:"device"`
				Gateways []registry.Device `json:"gateways"`
			}{dev, gws})
			return nil
		}
		out, err := c.Devices.Get(ctx, *appName, *name)
		if err != nil {
			return err
		}
		a.printJSON(out)

	case "create":
		obj := registry.NewDevice(*appName, *name)
		if *file != "" {
			b, err := a.readInput(*file)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(b, obj); err != nil {
				return fmt.Errorf("decode %s: %w", *file, err)
			}
			obj.Metadata.Application = *appName
			if *name != "" {
				obj.Metadata.Name = *name
			}
		}
		if err := need("name", obj.Metadata.Name); err != nil {
			return err
		}
		if *disabled {
			if err := obj.SetEnabled(false); err != nil {
				return err
			}
		}
		out, err := c.Devices.Create(ctx, obj)
		if err != nil {
			return err
		}
		a.printJSON(out)

	case "delete":
		if err := need("name", *name); err != nil {
			return err
		}
		if err := c.Devices.Delete(ctx, *appName, *name); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "deleted")

	case "patch":
		if err := need("name", *name, "file", *file); err != nil {
			return err
		}
		p, err := a.patchFrom(*file, *jsonPatch)
		if err != nil {
			return err
		}
		out, err := c.Devices.Patch(ctx, *appName, *name, p)
		if err != nil {
			return err
		}
		a.printJSON(out)

	default:
		return fmt.Errorf("%w: unknown devices subcommand %q", errUsage, args[0])
	}
	return nil
}

// ---- commands ----

func (a *app) command(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 || args[0] != "send" {
		return fmt.Errorf("%w: usage: cmd send ...", errUsage)
	}
	fs := a.flags("cmd send")
	appName := fs.String("app", "", "application name")
	device := fs.String("device", "", "device name")
	channel := fs.String("channel", "", "command name")
	file := fs.String("file", "", "payload file, - for stdin")
	contentType := fs.String("content-type", "", "payload content type")
	timeout := fs.Duration("timeout", 0, "wait this long for the device to answer")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := need("app", *appName, "device", *device, "channel", *channel); err != nil {
		return err
	}

	var payload []byte
	if *file != "" {
		b, err := a.readInput(*file)
		if err != nil {
			return err
		}
		payload = b
	}
	cmd := command.To(*appName, *device, *channel, payload)
	cmd.ContentType = *contentType
	cmd.Timeout = *timeout

	res, err := c.Commands.Send(ctx, cmd)
	if err != nil {
		return err
	}
	out := map[string]any{"result": res.Kind.String(), "status": res.Status}
	if len(res.Body) > 0 {
		if json.Valid(res.Body) {
			out["response"] = json.RawMessage(res.Body)
		} else {
			out["response"] = string(res.Body)
		}
	}
	a.printJSON(out)
	return nil
}

// ---- migrate ----

func (a *app) migrate(ctx context.Context, args []string) error {
	cfg, err := config.Read(a.g.configPath)
	if err != nil {
		return err
	}
	fs := a.flags("migrate")
	dsn := fs.String("dsn", cfg.Telemetry.Postgres.DSN, "PostgreSQL DSN of the audit database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := need("dsn", *dsn); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := migrate.Up(ctx, *dsn); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	v, err := migrate.Version(ctx, *dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "audit schema at version %d\n", v)
	return nil
}
