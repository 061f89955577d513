package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/iotcloud-client/pkg/meta"
)

// Section names.
const (
	SectionCore            = "core"
	SectionCredentials     = "credentials"
	SectionGatewaySelector = "gatewaySelector"
	SectionCommands        = "commands"
	SectionAlias           = "alias"
	SectionTrustAnchors    = "trustAnchors"
)

// Application is a top-level tenant resource.
type Application struct {
	Metadata meta.NonScopedMetadata `json:"metadata"`
	Spec     meta.Sections          `json:"spec,omitempty"`
	Status   meta.Sections          `json:"status,omitempty"`
}

// ObjectMeta implements meta.Object.
func (a *Application) ObjectMeta() *meta.NonScopedMetadata { return &a.Metadata }

// Ref returns the reference of the application.
func (a *Application) Ref() meta.Ref {
	return meta.Ref{Kind: meta.KindApplication, Name: a.Metadata.Name}
}

// NewApplication returns an application with only its name set.
func NewApplication(name string) *Application {
	return &Application{Metadata: meta.NonScopedMetadata{Name: name}}
}

// Device is a resource scoped to an application.
type Device struct {
	Metadata meta.ScopedMetadata `json:"metadata"`
	Spec     meta.Sections       `json:"spec,omitempty"`
	Status   meta.Sections       `json:"status,omitempty"`
}

// ObjectMeta implements meta.Object.
func (d *Device) ObjectMeta() *meta.NonScopedMetadata { return &d.Metadata.NonScopedMetadata }

// Ref returns the reference of the device.
func (d *Device) Ref() meta.Ref {
	return meta.Ref{Kind: meta.KindDevice, Application: d.Metadata.Application, Name: d.Metadata.Name}
}

// NewDevice returns a device with only its application and name set.
func NewDevice(app, name string) *Device {
	return &Device{Metadata: meta.ScopedMetadata{
		Application:       app,
		NonScopedMetadata: meta.NonScopedMetadata{Name: name},
	}}
}

// Enabled reports whether the device may connect. A missing core section means
// enabled; one that cannot be decoded means disabled.
func (d *Device) Enabled() bool {
	core, ok, err := meta.Section[DeviceSpecCore](d.Spec, SectionCore)
	switch {
	case !ok:
		return true
	case err != nil:
		return false
	default:
		return !core.Disabled
	}
}

// SetEnabled writes the core section.
func (d *Device) SetEnabled(enabled bool) error {
	return meta.SetSection(&d.Spec, SectionCore, DeviceSpecCore{Disabled: !enabled})
}

// AddCredential appends c to the credentials section, creating it when missing.
// An existing section that cannot be decoded is left untouched and reported.
func (d *Device) AddCredential(c Credential) error {
	creds, _, err := meta.Section[DeviceSpecCredentials](d.Spec, SectionCredentials)
	if err != nil {
		return fmt.Errorf("decode credentials: %w", err)
	}
	creds.Credentials = append(creds.Credentials, c)
	return meta.SetSection(&d.Spec, SectionCredentials, creds)
}

// Gateways returns the names from the gatewaySelector section.
func (d *Device) Gateways() ([]string, error) {
	sel, _, err := meta.Section[DeviceSpecGatewaySelector](d.Spec, SectionGatewaySelector)
	if err != nil {
		return nil, err
	}
	return sel.MatchNames, nil
}

// Commands returns the configured command endpoints, or none when the section is
// absent or broken.
func (d *Device) Commands() []CommandEndpoint {
	cmds, _, err := meta.Section[DeviceSpecCommands](d.Spec, SectionCommands)
	if err != nil {
		return nil
	}
	return cmds.Commands
}

// DeviceSpecCore is the "core" spec section.
type DeviceSpecCore struct {
	Disabled bool `json:"disabled,omitempty"`
}

// DeviceSpecGatewaySelector is the "gatewaySelector" spec section.
type DeviceSpecGatewaySelector struct {
	MatchNames []string `json:"matchNames,omitempty"`
}

// DeviceSpecCredentials is the "credentials" spec section.
type DeviceSpecCredentials struct {
	Credentials []Credential `json:"credentials,omitempty"`
}

// DeviceSpecCommands is the "commands" spec section.
type DeviceSpecCommands struct {
	Commands []CommandEndpoint `json:"commands,omitempty"`
}

// DeviceSpecAliases is the "alias" spec section.
type DeviceSpecAliases []string

// CommandEndpoint is an external endpoint commands are forwarded to.
type CommandEndpoint struct {
	External *ExternalEndpoint `json:"external,omitempty"`
}

// ExternalEndpoint describes an HTTP command endpoint.
type ExternalEndpoint struct {
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ApplicationSpecTrustAnchors is the "trustAnchors" spec section of an application.
type ApplicationSpecTrustAnchors struct {
	Anchors []TrustAnchor `json:"anchors,omitempty"`
}

// TrustAnchor is a DER or PEM certificate, base64 encoded on the wire.
type TrustAnchor struct {
	Certificate []byte `json:"certificate"`
}

// Password kinds.
const (
	PasswordPlain  = "plain"
	PasswordBCrypt = "bcrypt"
	PasswordSHA512 = "sha512"
)

// Password is a device password, either plain or pre-hashed.
// A plain password is encoded as a bare string.
type Password struct {
	Kind  string
	Value string
}

// PlainPassword returns a plain password.
func PlainPassword(v string) Password { return Password{Kind: PasswordPlain, Value: v} }

// String hides the value.
func (p Password) String() string { return "..." }

// MarshalJSON implements json.Marshaler.
func (p Password) MarshalJSON() ([]byte, error) {
	if p.Kind == "" || p.Kind == PasswordPlain {
		return json.Marshal(p.Value)
	}
	return json.Marshal(map[string]string{p.Kind: p.Value})
}

// UnmarshalJSON accepts a bare string or a single-key object.
func (p *Password) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = PlainPassword(s)
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return errors.New("password: expected exactly one field")
	}
	for k, v := range m {
		switch k {
		case PasswordPlain, PasswordBCrypt, PasswordSHA512:
			*p = Password{Kind: k, Value: v}
		default:
			return fmt.Errorf("password: unknown kind %q", k)
		}
	}
	return nil
}

// UsernamePassword is a credential bound to a user name.
type UsernamePassword struct {
	Username string   `json:"username"`
	Password Password `json:"password"`
	Unique   bool     `json:"unique,omitempty"`
}

// Credential is one entry of the credentials section. Exactly one field is set.
type Credential struct {
	User        *UsernamePassword
	Password    *Password
	Certificate string
}

type credentialWire struct {
	User        *UsernamePassword `json:"user,omitempty"`
	Password    *Password         `json:"pass,omitempty"`
	Certificate *string           `json:"cert,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Credential) MarshalJSON() ([]byte, error) {
	var w credentialWire
	switch {
	case c.User != nil:
		w.User = c.User
	case c.Password != nil:
		w.Password = c.Password
	case c.Certificate != "":
		w.Certificate = &c.Certificate
	default:
		return nil, errors.New("credential: no variant set")
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Credential) UnmarshalJSON(b []byte) error {
	var w credentialWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Credential{User: w.User, Password: w.Password}
	if w.Certificate != nil {
		c.Certificate = *w.Certificate
	}
	if c.User == nil && c.Password == nil && w.Certificate == nil {
		return errors.New("credential: unknown variant")
	}
	return nil
}
