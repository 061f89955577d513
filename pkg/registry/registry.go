// Package registry provides typed access to applications and devices.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/resource"
)

const (
	collectionApps    = "apps"
	collectionDevices = "devices"
)

var appsPath = []string{"api", "registry", "v1alpha1", "apps"}

// Applications manages application resources.
type Applications struct {
	c *resource.Client[Application, *Application]
}

// NewApplications returns the application façade.
func NewApplications(exec resource.Executor) *Applications {
	return &Applications{c: resource.New[Application](exec, collectionApps, appsPath...)}
}

// List returns the applications visible to the caller.
func (a *Applications) List(ctx context.Context, opts resource.ListOptions) ([]Application, error) {
	return a.c.List(ctx, opts)
}

// Get returns the named application.
func (a *Applications) Get(ctx context.Context, name string) (*Application, error) {
	return a.c.Get(ctx, name)
}

// Create creates app and returns it as stored.
func (a *Applications) Create(ctx context.Context, app *Application) (*Application, error) {
	return a.c.Create(ctx, app)
}

// Update replaces app. A stale resourceVersion yields errs.ErrVersionConflict.
func (a *Applications) Update(ctx context.Context, app *Application) (*Application, error) {
	return a.c.Update(ctx, app)
}

// Patch applies p to the named application.
func (a *Applications) Patch(ctx context.Context, name string, p resource.Patch) (*Application, error) {
	return a.c.Patch(ctx, name, p)
}

// Delete removes the named application.
func (a *Applications) Delete(ctx context.Context, name string) error {
	return a.c.Delete(ctx, name)
}

// Devices manages device resources. Every call names the owning application.
type Devices struct {
	exec resource.Executor
}

// NewDevices returns the device façade.
func NewDevices(exec resource.Executor) *Devices {
	return &Devices{exec: exec}
}

func (d *Devices) client(app string) (*resource.Client[Device, *Device], error) {
	if app == "" {
		return nil, fmt.Errorf("%w: application is required", errs.ErrClient)
	}
	base := append(append([]string(nil), appsPath...), app, collectionDevices)
	return resource.New[Device](d.exec, collectionDevices, base...), nil
}

// List returns the devices of app.
func (d *Devices) List(ctx context.Context, app string, opts resource.ListOptions) ([]Device, error) {
	c, err := d.client(app)
	if err != nil {
		return nil, err
	}
	return c.List(ctx, opts)
}

// Get returns the named device.
func (d *Devices) Get(ctx context.Context, app, name string) (*Device, error) {
	c, err := d.client(app)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, name)
}

// Create creates dev in the application named by its metadata.
func (d *Devices) Create(ctx context.Context, dev *Device) (*Device, error) {
	c, err := d.client(dev.Metadata.Application)
	if err != nil {
		return nil, err
	}
	return c.Create(ctx, dev)
}

// Update replaces dev. A stale resourceVersion yields errs.ErrVersionConflict.
func (d *Devices) Update(ctx context.Context, dev *Device) (*Device, error) {
	c, err := d.client(dev.Metadata.Application)
	if err != nil {
		return nil, err
	}
	return c.Update(ctx, dev)
}

// Patch applies p to the named device.
func (d *Devices) Patch(ctx context.Context, app, name string, p resource.Patch) (*Device, error) {
	c, err := d.client(app)
	if err != nil {
		return nil, err
	}
	return c.Patch(ctx, name, p)
}

// Delete removes the named device.
func (d *Devices) Delete(ctx context.Context, app, name string) error {
	c, err := d.client(app)
	if err != nil {
		return err
	}
	return c.Delete(ctx, name)
}

// GetMany fetches the named devices in order. Devices that do not exist are skipped.
func (d *Devices) GetMany(ctx context.Context, app string, names []string) ([]Device, error) {
	c, err := d.client(app)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(names))
	for _, name := range names {
		dev, err := c.Get(ctx, name)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get device %q: %w", name, err)
		}
		out = append(out, *dev)
	}
	return out, nil
}

// GetWithGateways returns the device and the first-level gateways named by its
// gatewaySelector section. A selector that cannot be decoded yields no gateways.
func (d *Devices) GetWithGateways(ctx context.Context, app, name string) (*Device, []Device, error) {
	dev, err := d.Get(ctx, app, name)
	if err != nil {
		return nil, nil, err
	}
	names, err := dev.Gateways()
	if err != nil || len(names) == 0 {
		return dev, nil, nil
	}
	gws, err := d.GetMany(ctx, app, names)
	if err != nil {
		return nil, nil, err
	}
	return dev, gws, nil
}
