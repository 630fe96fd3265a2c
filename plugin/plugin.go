// Package plugin defines the Plugin contract (C6): a pluggable
// authentication method back-end, plus the PluginRegistry that loads one.
// A Plugin's actual protocol logic (OAuth2, LDAP, a hardware token, …) is
// external to the core by design — the daemon only ever speaks the signal
// set below, dispatched dynamically the way §9's "Dynamic dispatch over
// plugins" design note asks for.
package plugin

import (
	"context"

	"github.com/sailfishos/signond-go/uiagent"
)

// EventKind is the tag on an asynchronous reply a Plugin emits. Exactly
// one of {EventResult, EventError} is terminal for a given process/process_ui
// /process_refresh call; EventUIRequest and EventRefreshRequest are
// intermediate and expect the SessionCore to resume the plugin afterwards;
// EventStore and EventStateChanged may additionally accompany a terminal
// event and never terminate a turn by themselves.
type EventKind int

const (
	EventResult EventKind = iota
	EventError
	EventStore
	EventUIRequest
	EventRefreshRequest
	EventStateChanged
)

// Event is one asynchronous reply from a Plugin, corresponding to the
// signal set of spec.md §4.6.
type Event struct {
	Kind EventKind

	// Data carries the payload for EventResult, EventStore, EventUIRequest,
	// and EventRefreshRequest.
	Data uiagent.ParamMap

	// Code/Message carry an EventError's plugin-reported failure.
	Code    int
	Message string

	// State/StateMessage carry an EventStateChanged notification.
	State        string
	StateMessage string
}

// Plugin is a loaded authentication method back-end, scoped to one
// SessionCore for its lifetime. PluginRegistry.Load returns a fresh Plugin
// per session so that per-session state (an in-flight UI round trip, a
// half-finished handshake) never leaks across sessions.
type Plugin interface {
	// Mechanisms lists the mechanism names this Plugin supports, in the
	// order the daemon should prefer them.
	Mechanisms() []string

	// Events returns the channel every Event this Plugin ever emits is
	// delivered on. The channel is never closed while the Plugin is open.
	Events() <-chan Event

	// Process starts a new authentication turn. Replies arrive on Events.
	Process(ctx context.Context, params uiagent.ParamMap, mechanism string)

	// ProcessUI resumes a turn after a UIAgent query_dialog reply.
	ProcessUI(ctx context.Context, params uiagent.ParamMap)

	// ProcessRefresh resumes a turn after a UIAgent refresh_dialog reply.
	ProcessRefresh(ctx context.Context, params uiagent.ParamMap)

	// Cancel asks the plugin to abandon its current turn. The plugin must
	// still emit a terminal Event (conventionally EventError with a
	// session-canceled code) so the caller's await unblocks.
	Cancel()

	// Close releases the Plugin's resources (a subprocess, a connection).
	Close() error
}

// Registry is the PluginRegistry contract (C6, external collaborator):
// it loads a Plugin for a named method and can enumerate a method's
// mechanisms without loading a full session-scoped instance.
type Registry interface {
	// Methods lists every method name this registry can load.
	Methods() []string

	// Mechanisms returns the mechanism list for method, memoized for the
	// registry's lifetime per SPEC_FULL.md's "queryMethods/queryMechanisms
	// caching" supplement.
	Mechanisms(method string) ([]string, error)

	// Load returns a fresh, session-scoped Plugin for method.
	Load(ctx context.Context, method string) (Plugin, error)
}

// ErrMethodNotKnown is returned by Mechanisms/Load for an unregistered method.
type ErrMethodNotKnown struct{ Method string }

func (e *ErrMethodNotKnown) Error() string { return "method not known: " + e.Method }
