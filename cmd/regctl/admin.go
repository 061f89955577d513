package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/iotcloud-client/pkg/admin"
	"github.com/and161185/iotcloud-client/pkg/client"
)

// ---- members ----

func (a *app) members(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: members needs a subcommand", errUsage)
	}
	fs := a.flags("members " + args[0])
	appName := fs.String("app", "", "application name")
	file := fs.String("file", "", "members document, - for stdin")
	userID := fs.String("user", "", "user id")
	roles := fs.String("roles", "", "roles, comma separated")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := need("app", *appName); err != nil {
		return err
	}

	switch args[0] {
	case "get":
		m, err := c.Admin.Members(ctx, *appName)
		if err != nil {
			return err
		}
		a.printJSON(m)

	case "set":
		if err := need("file", *file); err != nil {
			return err
		}
		b, err := a.readInput(*file)
		if err != nil {
			return err
		}
		var m admin.Members
		if err := json.Unmarshal(b, &m); err != nil {
			return fmt.Errorf("decode %s: %w", *file, err)
		}
		if err := c.Admin.UpdateMembers(ctx, *appName, m); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "updated")

	case "add":
		if err := need("user", *userID, "roles", *roles); err != nil {
			return err
		}
		var rs admin.Roles
		for _, name := range strings.Split(*roles, ",") {
			r, err := admin.ParseRole(strings.TrimSpace(name))
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			rs = append(rs, r)
		}
		m, err := c.Admin.Members(ctx, *appName)
		if err != nil {
			return err
		}
		m.Members[*userID] = admin.MemberEntry{Roles: rs}
		if err := c.Admin.UpdateMembers(ctx, *appName, *m); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "updated")

	default:
		return fmt.Errorf("%w: unknown members subcommand %q", errUsage, args[0])
	}
	return nil
}

// ---- transfer ----

func (a *app) transfer(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: transfer needs a subcommand", errUsage)
	}
	fs := a.flags("transfer " + args[0])
	appName := fs.String("app", "", "application name")
	userID := fs.String("user", "", "new owner")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := need("app", *appName); err != nil {
		return err
	}

	var err error
	switch args[0] {
	case "start":
		if err := need("user", *userID); err != nil {
			return err
		}
		err = c.Admin.InitiateTransfer(ctx, *appName, *userID)
	case "show":
		t, err := c.Admin.Transfer(ctx, *appName)
		if err != nil {
			return err
		}
		a.printJSON(t)
		return nil
	case "cancel":
		err = c.Admin.CancelTransfer(ctx, *appName)
	case "accept":
		err = c.Admin.AcceptTransfer(ctx, *appName)
	default:
		return fmt.Errorf("%w: unknown transfer subcommand %q", errUsage, args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "ok")
	return nil
}

// ---- tokens ----

func (a *app) accessTokens(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: tokens needs a subcommand", errUsage)
	}
	fs := a.flags("tokens " + args[0])
	description := fs.String("description", "", "token description")
	prefix := fs.String("prefix", "", "token prefix")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "list":
		out, err := c.AccessTokens.List(ctx)
		if err != nil {
			return err
		}
		a.printJSON(out)
	case "create":
		out, err := c.AccessTokens.Create(ctx, *description)
		if err != nil {
			return err
		}
		a.printJSON(out)
	case "delete":
		if err := need("prefix", *prefix); err != nil {
			return err
		}
		if err := c.AccessTokens.Delete(ctx, *prefix); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "deleted")
	default:
		return fmt.Errorf("%w: unknown tokens subcommand %q", errUsage, args[0])
	}
	return nil
}

// ---- discovery ----

func (a *app) endpoints(ctx context.Context, c *client.Client, args []string) error {
	fs := a.flags("endpoints")
	public := fs.Bool("public", false, "only the endpoints published without a credential")
	if err := fs.Parse(args); err != nil {
		return err
	}
	get := c.Discovery.Endpoints
	if *public {
		get = c.Discovery.PublicEndpoints
	}
	out, err := get(ctx)
	if err != nil {
		return err
	}
	a.printJSON(out)
	return nil
}

func (a *app) serverVersion(ctx context.Context, c *client.Client) error {
	v, err := c.Discovery.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, v)
	return nil
}
