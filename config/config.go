// Package config defines the daemon's on-disk configuration format and the
// static substitutes it wires in for collaborators spec.md §1 places
// outside the core (PeerResolver, UIAgent). Grounded on cmd/dex/config.go's
// Config/Validate shape and its "Static*" pattern (StaticClients,
// StaticPasswords, StaticConnectors) for standing in for what would
// otherwise be dynamically discovered.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sailfishos/signond-go/peer"
	"github.com/sailfishos/signond-go/plugin/ldap"
	"github.com/sailfishos/signond-go/plugin/oauthtoken"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Debug is the address the debug HTTP mux (health + metrics) listens
	// on. Empty disables it.
	Debug string `json:"debug"`

	Logger Logger `json:"logger"`

	AccessControl AccessControl `json:"accessControl"`

	Timeouts Timeouts `json:"timeouts"`

	Registry Registry `json:"registry"`

	// StaticPeers stands in for the PeerResolver a real bus transport
	// would supply (spec.md §1): each entry names the bus connection
	// identifier a transport adapter would attach to a call, and the
	// application identity/security contexts that connection resolves to.
	// Unlisted connection ids are denied rather than silently trusted.
	StaticPeers []StaticPeer `json:"staticPeers"`
}

// Logger holds configuration for daemon logging.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// AccessControl configures the accesscontrol.AccessControl mediator.
type AccessControl struct {
	// KeychainWidgetApp is the application identifier of the trusted
	// keychain-management UI allowed to call query_identities/clear.
	KeychainWidgetApp string `json:"keychainWidgetApp"`
}

// Timeouts configures the daemon's idle/grace windows. Each field is a
// Go duration string ("5m", "30s"); empty means "use the daemon default".
type Timeouts struct {
	IdentityIdle string `json:"identityIdle"`
	SessionIdle  string `json:"sessionIdle"`
	Plugin       string `json:"plugin"`
	SignOutGrace string `json:"signOutGrace"`
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %v", field, value, err)
	}
	return d, nil
}

// Resolve turns the string durations into time.Durations, defaulting any
// that are unset.
func (t Timeouts) Resolve() (identityIdle, sessionIdle, plugin, signOutGrace time.Duration, err error) {
	if identityIdle, err = parseDuration("timeouts.identityIdle", t.IdentityIdle, 5*time.Minute); err != nil {
		return
	}
	if sessionIdle, err = parseDuration("timeouts.sessionIdle", t.SessionIdle, 5*time.Minute); err != nil {
		return
	}
	if plugin, err = parseDuration("timeouts.plugin", t.Plugin, 30*time.Second); err != nil {
		return
	}
	if signOutGrace, err = parseDuration("timeouts.signOutGrace", t.SignOutGrace, 5*time.Second); err != nil {
		return
	}
	return
}

// Registry selects and configures the plugin.Registry the daemon serves
// authentication methods from.
type Registry struct {
	// Kind is "builtin" (in-process, default) or "proc" (one OS
	// subprocess per method over hashicorp/go-plugin, per SPEC_FULL.md's
	// §9 supplement).
	Kind string `json:"kind"`

	// ProcPaths maps method name to executable path, used only when Kind
	// is "proc".
	ProcPaths map[string]string `json:"procPaths"`

	// Methods configures the builtin plugins to register when Kind is
	// "builtin". "password" needs no configuration and is always
	// available; "ldap" and "oauth2" are registered only if their
	// section is present.
	Methods MethodConfigs `json:"methods"`
}

// MethodConfigs holds the per-method configuration for builtin plugins
// that need one.
type MethodConfigs struct {
	LDAP    *ldap.Config       `json:"ldap"`
	OAuth2  *oauthtoken.Config `json:"oauth2"`
	Enabled []string           `json:"enabled"`
}

// StaticPeer is one entry of a config-driven peer.Resolver, the form
// "static" trust takes until a real bus transport supplies dynamic
// resolution (spec.md §1).
type StaticPeer struct {
	ConnectionID     string                 `json:"connectionId"`
	AppID            string                 `json:"appId"`
	PID              int                    `json:"pid"`
	SecurityContexts []peer.SecurityContext `json:"securityContexts"`
}

// Validate checks the structural invariants Config must satisfy before a
// Facade can be built from it.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.AccessControl.KeychainWidgetApp == "", "accessControl.keychainWidgetApp must be set"},
		{c.Registry.Kind != "" && c.Registry.Kind != "builtin" && c.Registry.Kind != "proc", "registry.kind must be \"builtin\" or \"proc\""},
		{c.Registry.Kind == "proc" && len(c.Registry.ProcPaths) == 0, "registry.procPaths must be non-empty when registry.kind is \"proc\""},
	}
	var bad []string
	for _, check := range checks {
		if check.bad {
			bad = append(bad, check.errMsg)
		}
	}
	if len(bad) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(bad, "\n\t-\t"))
	}
	if _, _, _, _, err := c.Timeouts.Resolve(); err != nil {
		return err
	}
	return nil
}

// staticResolver implements peer.Resolver over a fixed connectionId ->
// Resolved table, read from StaticPeers. A bus transport adapter (out of
// scope, spec.md §1) would replace this with one that actually inspects
// the connection.
type staticResolver struct {
	byConn map[string]peer.Resolved
}

// NewStaticResolver builds a peer.Resolver from entries.
func NewStaticResolver(entries []StaticPeer) peer.Resolver {
	byConn := make(map[string]peer.Resolved, len(entries))
	for _, e := range entries {
		byConn[e.ConnectionID] = peer.Resolved{
			PID:              e.PID,
			AppID:            e.AppID,
			SecurityContexts: e.SecurityContexts,
		}
	}
	return &staticResolver{byConn: byConn}
}

func (r *staticResolver) Resolve(ctx peer.Context) (peer.Resolved, error) {
	resolved, ok := r.byConn[ctx.ConnectionID()]
	if !ok {
		return peer.Resolved{}, fmt.Errorf("no static peer entry for connection %q", ctx.ConnectionID())
	}
	return resolved, nil
}
