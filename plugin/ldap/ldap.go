// Package ldap implements the "ldap" authentication method as a
// non-interactive simple-bind mechanism, grounded on connector/ldap's
// configuration shape (Host/BindDN/insecure-TLS fields) and on
// github.com/go-ldap/ldap/v3, the library the teacher repo uses for every
// LDAP operation.
package ldap

import (
	"context"
	"crypto/tls"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/uiagent"
)

// Method is the name a daemon operator registers this plugin under.
const Method = "ldap"

// MechanismSimpleBind is the only mechanism this plugin exposes: it binds
// directly as the candidate user, the simplest of the bind strategies
// connector/ldap supports.
const MechanismSimpleBind = "simple-bind"

// Config mirrors the subset of connector/ldap.Config this plugin needs.
type Config struct {
	// Host is "host:port"; port defaults based on InsecureNoSSL.
	Host string
	// InsecureNoSSL allows a plaintext connection (port 389 default).
	InsecureNoSSL bool
	// UserDNTemplate is formatted with the candidate username to build a
	// bind DN, e.g. "uid=%s,cn=users,dc=example,dc=com".
	UserDNTemplate string
}

func (c Config) dial() (*goldap.Conn, error) {
	if c.InsecureNoSSL {
		return goldap.DialURL(fmt.Sprintf("ldap://%s", c.Host))
	}
	return goldap.DialURL(fmt.Sprintf("ldaps://%s", c.Host), goldap.DialWithTLSConfig(&tls.Config{ServerName: c.Host}))
}

type ldapPlugin struct {
	cfg    Config
	events chan plugin.Event
}

// New returns a session-scoped instance of the LDAP plugin for cfg,
// suitable for registration with plugin.BuiltinRegistry under Method.
func New(cfg Config) func() (plugin.Plugin, error) {
	return func() (plugin.Plugin, error) {
		return &ldapPlugin{cfg: cfg, events: make(chan plugin.Event, 2)}, nil
	}
}

func (p *ldapPlugin) Mechanisms() []string { return []string{MechanismSimpleBind} }

func (p *ldapPlugin) Events() <-chan plugin.Event { return p.events }

func (p *ldapPlugin) Process(_ context.Context, params uiagent.ParamMap, mechanism string) {
	if mechanism != MechanismSimpleBind {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.MechanismNotAvailable)}
		return
	}

	userName := params.String(uiagent.KeyUserName)
	secret := params.String("secret")
	if userName == "" || secret == "" {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.MissingData)}
		return
	}

	conn, err := p.cfg.dial()
	if err != nil {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.NetworkError), Message: err.Error()}
		return
	}
	defer conn.Close()

	bindDN := fmt.Sprintf(p.cfg.UserDNTemplate, userName)
	if err := conn.Bind(bindDN, secret); err != nil {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.InvalidCredentials)}
		return
	}

	p.events <- plugin.Event{Kind: plugin.EventResult, Data: uiagent.ParamMap{
		uiagent.KeyUserName: userName,
	}}
}

// ProcessUI/ProcessRefresh are unreachable for this mechanism: simple-bind
// never emits a ui_request, so SessionCore never calls them.
func (p *ldapPlugin) ProcessUI(context.Context, uiagent.ParamMap) {
	p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.WrongState)}
}

func (p *ldapPlugin) ProcessRefresh(context.Context, uiagent.ParamMap) {
	p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.WrongState)}
}

func (p *ldapPlugin) Cancel() {
	p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.SessionCanceled)}
}

func (p *ldapPlugin) Close() error {
	close(p.events)
	return nil
}

var _ plugin.Plugin = (*ldapPlugin)(nil)
