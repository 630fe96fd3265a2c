// Package wire states the bus-facing operation and payload shapes of
// spec.md §6: the AuthService facade plus the per-object Identity and
// AuthSession interfaces. No transport lives here — the actual message bus
// is an explicit external collaborator (spec.md §1) — these are plain Go
// types a transport adapter marshals to and from its wire encoding.
// Grounded on api/v2's operation shapes, translated from protobuf/grpc
// messages to plain structs since protoc generation is out of scope for
// this module (see SPEC_FULL.md's "NOT wired" table).
package wire

import "github.com/sailfishos/signond-go/uiagent"

// IdentityFilter narrows queryIdentities to the closed set of filter keys
// spec.md §6 names. An empty filter matches every identity. Matching
// semantics (glob, substring, exact) belong to the Store, not this package.
type IdentityFilter struct {
	AuthMethod string
	Username   string
	Realm      string
	Caption    string
}

// SecurityContext is the wire pair (systemContext, applicationContext)
// spec.md §6 says acl/owners carry. A legacy single-string entry is
// represented here with an empty ApplicationContext.
type SecurityContext struct {
	SystemContext      string `json:"systemContext"`
	ApplicationContext string `json:"applicationContext"`
}

// IdentityInfo is the map-of-variants payload for store()/getInfo() on the
// wire, corresponding to store.Identity minus the fields that never cross
// the bus (e.g. the Store's internal bookkeeping).
type IdentityInfo struct {
	ID          uint32              `json:"id"`
	UserName    string              `json:"userName"`
	Secret      string              `json:"secret,omitempty"`
	StoreSecret bool                `json:"storeSecret"`
	Caption     string              `json:"caption"`
	Realms      []string            `json:"realms,omitempty"`
	Methods     map[string][]string `json:"methods,omitempty"`
	ACL         []SecurityContext   `json:"acl,omitempty"`
	Owners      []SecurityContext   `json:"owners,omitempty"`
	Type        int32               `json:"type"`
	Validated   bool                `json:"validated"`
}

// InfoUpdateKind is the kind carried by an infoUpdated signal, per spec.md
// §6: "{Updated, Removed, SignedOut}".
type InfoUpdateKind int

const (
	IdentityUpdated InfoUpdateKind = iota
	IdentityRemoved
	IdentitySignedOut
)

func (k InfoUpdateKind) String() string {
	switch k {
	case IdentityUpdated:
		return "Updated"
	case IdentityRemoved:
		return "Removed"
	case IdentitySignedOut:
		return "SignedOut"
	default:
		return "Unknown"
	}
}

// IdentitySignal is what an Identity object emits: either infoUpdated(kind)
// or unregistered(), distinguished by Unregistered.
type IdentitySignal struct {
	Unregistered bool
	Kind         InfoUpdateKind
}

// SessionState is carried by an AuthSession's stateChanged signal, emitted
// at every plugin state transition (spec.md §6).
type SessionState struct {
	State   string
	Message string
}

// spec.md §6's AuthService operation set has no Go type in this package,
// since the daemon.Facade type is the real surface for its operations:
// registerNewIdentity, registerStoredIdentity(id), queryMethods(),
// queryMechanisms(method), queryIdentities(filterMap), clear(),
// getAuthSessionObjectPath(id, methodName).
//
// VerifyUserRequest is the map-of-variants payload for verifyUser(), per
// spec.md §4.7/§6.
type VerifyUserRequest struct {
	ConfirmCount *int
	Message      string
	Params       uiagent.ParamMap
}
