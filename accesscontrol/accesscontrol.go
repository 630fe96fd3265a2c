// Package accesscontrol implements AccessControl (C3): the mediator every
// externally reachable operation routes through before it is allowed to
// touch an identity. Grounded on
// original_source/src/signond/signonidentity.cpp's owner/ACL gating order
// and dex's server/auth_middleware.go gating idiom.
package accesscontrol

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/peer"
	"github.com/sailfishos/signond-go/store"
)

// OwnerStatus is the three-valued result of IsPeerOwnerOfIdentity, per
// spec.md §4.3.
type OwnerStatus int

const (
	IdentityDoesNotHaveOwner OwnerStatus = iota
	ApplicationIsOwner
	ApplicationIsNotOwner
)

// RequestAccessFunc models the asynchronous request_access escalation of
// spec.md §4.3: when a predicate would otherwise deny a contestable
// operation, the mediator may ask an external party (conventionally the
// UIAgent, prompting the user) whether to grant it. A nil RequestAccessFunc
// means escalation is unavailable and every contestable denial is final.
type RequestAccessFunc func(ctx context.Context, pctx peer.Context, identity store.Identity, reason string) (granted bool, err error)

// AccessControl is the process-wide mediator service.
type AccessControl struct {
	resolver      peer.Resolver
	keychainApp   string
	requestAccess RequestAccessFunc
	logger        logrus.FieldLogger
}

// Config holds the construction-time parameters for an AccessControl.
type Config struct {
	Resolver          peer.Resolver
	KeychainWidgetApp string
	RequestAccess     RequestAccessFunc
}

// New builds an AccessControl from cfg.
func New(cfg Config, logger logrus.FieldLogger) *AccessControl {
	return &AccessControl{
		resolver:      cfg.Resolver,
		keychainApp:   cfg.KeychainWidgetApp,
		requestAccess: cfg.RequestAccess,
		logger:        logger.WithField("component", "accesscontrol"),
	}
}

func toPeerContext(sc store.SecurityContext) peer.SecurityContext {
	return peer.SecurityContext{SystemContext: sc.SystemContext, ApplicationContext: sc.ApplicationContext}
}

func (a *AccessControl) resolve(pctx peer.Context) (peer.Resolved, error) {
	return a.resolver.Resolve(pctx)
}

func contains(held []peer.SecurityContext, want peer.SecurityContext) bool {
	for _, h := range held {
		if h.Matches(want) {
			return true
		}
	}
	return false
}

// IsPeerAllowedToUseIdentity implements spec.md §4.3's "use" predicate:
// true iff the caller holds at least one security context listed in the
// identity's acl, OR the identity has no owners (untrusted-new identity
// path), OR the caller is an owner.
func (a *AccessControl) IsPeerAllowedToUseIdentity(ctx context.Context, pctx peer.Context, identity store.Identity) (bool, error) {
	if len(identity.Owners) == 0 {
		return true, nil
	}

	resolved, err := a.resolve(pctx)
	if err != nil {
		return false, err
	}

	for _, acl := range identity.ACL {
		if contains(resolved.SecurityContexts, toPeerContext(acl)) {
			return true, nil
		}
	}

	status, err := a.ownerStatusOf(resolved, identity)
	if err != nil {
		return false, err
	}
	return status == ApplicationIsOwner, nil
}

func (a *AccessControl) ownerStatusOf(resolved peer.Resolved, identity store.Identity) (OwnerStatus, error) {
	if len(identity.Owners) == 0 {
		return IdentityDoesNotHaveOwner, nil
	}
	for _, owner := range identity.Owners {
		if contains(resolved.SecurityContexts, toPeerContext(owner)) {
			return ApplicationIsOwner, nil
		}
	}
	return ApplicationIsNotOwner, nil
}

// IsPeerOwnerOfIdentity implements spec.md §4.3's three-valued owner check.
func (a *AccessControl) IsPeerOwnerOfIdentity(ctx context.Context, pctx peer.Context, identity store.Identity) (OwnerStatus, error) {
	resolved, err := a.resolve(pctx)
	if err != nil {
		return ApplicationIsNotOwner, err
	}
	return a.ownerStatusOf(resolved, identity)
}

// IsPeerKeychainWidget reports whether pctx's caller matches the
// configured keychain-manager application identifier.
func (a *AccessControl) IsPeerKeychainWidget(ctx context.Context, pctx peer.Context) (bool, error) {
	if a.keychainApp == "" {
		return false, nil
	}
	resolved, err := a.resolve(pctx)
	if err != nil {
		return false, err
	}
	return resolved.AppID == a.keychainApp, nil
}

// IsPeerAllowedToAccess is the access-control-token membership check used
// to decide which tokens get propagated into plugin input
// (paramsTokenList, spec.md §4.8 step 4). A token is "possessed" by the
// caller when it matches the ApplicationContext half of one of the
// caller's security contexts.
func (a *AccessControl) IsPeerAllowedToAccess(ctx context.Context, pctx peer.Context, token string) (bool, error) {
	resolved, err := a.resolve(pctx)
	if err != nil {
		return false, err
	}
	for _, sc := range resolved.SecurityContexts {
		if sc.ApplicationContext == token {
			return true, nil
		}
	}
	return false, nil
}

// IsACLValid reports whether every entry of requested is one the caller
// itself currently possesses, preventing a caller from widening sharing
// beyond its own reach (spec.md §4.3, testable property 6).
func (a *AccessControl) IsACLValid(ctx context.Context, pctx peer.Context, requested []store.SecurityContext) (bool, error) {
	if len(requested) == 0 {
		return true, nil
	}
	resolved, err := a.resolve(pctx)
	if err != nil {
		return false, err
	}
	for _, r := range requested {
		if !contains(resolved.SecurityContexts, toPeerContext(r)) {
			return false, nil
		}
	}
	return true, nil
}

// RequestAccess escalates a contestable denial to the configured
// RequestAccessFunc. A nil function, a denial, or an error all collapse to
// "not granted" — the caller is responsible for turning that into
// PermissionDenied (spec.md §4.3).
func (a *AccessControl) RequestAccess(ctx context.Context, pctx peer.Context, identity store.Identity, reason string) bool {
	if a.requestAccess == nil {
		return false
	}
	granted, err := a.requestAccess(ctx, pctx, identity, reason)
	if err != nil {
		a.logger.WithError(err).Warn("request_access escalation failed")
		return false
	}
	return granted
}

// RequireUse gates an operation behind IsPeerAllowedToUseIdentity,
// escalating via RequestAccess on a first denial and returning
// PermissionDenied only if that also fails. Every gated public operation
// must call one of the Require* helpers — see spec.md §4.3's "no
// implementation is allowed to fall through" rule.
func (a *AccessControl) RequireUse(ctx context.Context, pctx peer.Context, identity store.Identity) error {
	allowed, err := a.IsPeerAllowedToUseIdentity(ctx, pctx, identity)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "resolve peer: %v", err)
	}
	if allowed {
		return nil
	}
	if a.RequestAccess(ctx, pctx, identity, "use") {
		return nil
	}
	return errormodel.New(errormodel.PermissionDenied)
}

// RequireOwnerOrNew gates store() (spec.md §4.7): allowed when the caller
// is an owner, or when the identity has no owners yet (new/untrusted
// identity, about to receive its first owner list from this very call).
func (a *AccessControl) RequireOwnerOrNew(ctx context.Context, pctx peer.Context, identity store.Identity) error {
	status, err := a.IsPeerOwnerOfIdentity(ctx, pctx, identity)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "resolve peer: %v", err)
	}
	if status == ApplicationIsOwner || status == IdentityDoesNotHaveOwner {
		return nil
	}
	return errormodel.New(errormodel.PermissionDenied)
}

// RequireOwnerOrKeychainWidget gates remove() (spec.md §4.7).
func (a *AccessControl) RequireOwnerOrKeychainWidget(ctx context.Context, pctx peer.Context, identity store.Identity) error {
	status, err := a.IsPeerOwnerOfIdentity(ctx, pctx, identity)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "resolve peer: %v", err)
	}
	if status == ApplicationIsOwner {
		return nil
	}
	isWidget, err := a.IsPeerKeychainWidget(ctx, pctx)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "resolve peer: %v", err)
	}
	if isWidget {
		return nil
	}
	return errormodel.New(errormodel.PermissionDenied)
}

// RequireKeychainWidget gates query_identities/clear (spec.md §4.9).
func (a *AccessControl) RequireKeychainWidget(ctx context.Context, pctx peer.Context) error {
	isWidget, err := a.IsPeerKeychainWidget(ctx, pctx)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "resolve peer: %v", err)
	}
	if isWidget {
		return nil
	}
	return errormodel.New(errormodel.PermissionDenied)
}

// RequireValidACL gates the acl/owners fields of a store() request
// (spec.md §4.7, testable property 6).
func (a *AccessControl) RequireValidACL(ctx context.Context, pctx peer.Context, requested []store.SecurityContext) error {
	valid, err := a.IsACLValid(ctx, pctx, requested)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "resolve peer: %v", err)
	}
	if valid {
		return nil
	}
	return errormodel.New(errormodel.PermissionDenied)
}
