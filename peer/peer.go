// Package peer implements PeerContext (C2): the only admitted identity of a
// caller inside the daemon core. The core never reads process-level
// information directly — it only ever sees the opaque Context below and
// whatever a Resolver (PeerResolver, external per spec.md §1) derives from it.
package peer

// Context is an opaque handle capturing one caller's request. It wraps a
// bus connection handle and the raw request's serial so that two Contexts
// for the same in-flight call compare equal, mirroring
// original_source/src/signond/peercontext.h.
type Context struct {
	connectionID string
	serial       uint64
}

// New builds a Context from a transport-level connection identifier and
// per-connection serial number. Bus wiring that produces these values is
// external to the core (spec.md §1).
func New(connectionID string, serial uint64) Context {
	return Context{connectionID: connectionID, serial: serial}
}

// Equal reports whether two Contexts refer to the same connection+serial.
func (c Context) Equal(other Context) bool {
	return c.connectionID == other.connectionID && c.serial == other.serial
}

// ConnectionID exposes the underlying connection identifier for logging
// only; business logic must never branch on it directly — use a Resolver.
func (c Context) ConnectionID() string { return c.connectionID }

// SecurityContext is a (systemContext, applicationContext) string pair
// identifying a class of callers, per spec.md §6. A legacy single-string
// entry is represented with an empty ApplicationContext.
type SecurityContext struct {
	SystemContext      string
	ApplicationContext string
}

// Matches reports whether c grants access to a requirement r. Per
// SPEC_FULL.md's supplemented security-context semantics (grounded on
// original_source/lib/SignOn/securitycontext.cpp): an empty SystemContext
// on either side acts as a wildcard for the system-context half only; the
// application-context half is always compared exactly.
func (c SecurityContext) Matches(r SecurityContext) bool {
	if c.SystemContext != "" && r.SystemContext != "" && c.SystemContext != r.SystemContext {
		return false
	}
	return c.ApplicationContext == r.ApplicationContext
}

// Resolved is what a Resolver (external, PeerResolver) derives from a
// Context: process id, owning application id, and the set of security
// contexts that application currently holds.
type Resolved struct {
	PID              int
	AppID            string
	SecurityContexts []SecurityContext
}

// Resolver turns an opaque Context into process-identity facts. Its
// implementation lives outside the core (spec.md §1); AccessControl and
// the daemon facade consume it through this interface only.
type Resolver interface {
	Resolve(ctx Context) (Resolved, error)
}
