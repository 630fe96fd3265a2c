// Package identity implements IdentityObject (C7): the in-memory,
// reference-counted façade over one persisted or scratch identity.
// Grounded on original_source/lib/SignOn/identityimpl.cpp and
// original_source/src/signond/signonidentity.cpp for the gating order of
// each public operation, and on the teacher's handle/registry idiom from
// server/server.go for the disposable-object lifecycle.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sailfishos/signond-go/accesscontrol"
	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/peer"
	"github.com/sailfishos/signond-go/store"
	"github.com/sailfishos/signond-go/uiagent"
)

// InfoUpdateKind is the kind carried by an infoUpdated signal (spec.md §6).
type InfoUpdateKind int

const (
	IdentityUpdated InfoUpdateKind = iota
	IdentityRemoved
	IdentitySignedOut
)

// Config holds the construction-time parameters shared by every
// IdentityObject the daemon creates.
type Config struct {
	Store         store.Storage
	AccessControl *accesscontrol.AccessControl
	Resolver      peer.Resolver
	UI            uiagent.Agent

	// IdleTimeout is the disposable-object idle interval described in
	// spec.md §5 "Timeouts" (default: 5 minutes, per DESIGN.md's Open
	// Question resolution).
	IdleTimeout time.Duration

	// OnInfoUpdated/OnUnregistered are the signal sinks a DaemonFacade
	// wires in to forward infoUpdated/unregistered onto the bus (out of
	// scope here per spec.md §1).
	OnInfoUpdated  func(kind InfoUpdateKind)
	OnUnregistered func()
}

// Object is one IdentityObject: an in-memory view of an identity, backed
// by the Store, gated on every public call by AccessControl.
type Object struct {
	cfg Config

	mu       sync.Mutex
	id       uint32 // store.NewID until persisted
	cached   *store.Identity
	handles  int
	timer    *time.Timer
	unsubUpd func()

	logger logrus.FieldLogger
}

// New creates an IdentityObject for id (store.NewID for a fresh, unstored
// identity). The object subscribes to the Store's credentials_updated
// broadcast immediately, per spec.md §9 "Cross-identity signalling".
func New(id uint32, cfg Config, logger logrus.FieldLogger) *Object {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	o := &Object{
		cfg:    cfg,
		id:     id,
		logger: logger.WithField("component", "identity").WithField("identity_id", id),
	}

	updates, cancel := cfg.Store.Subscribe()
	o.unsubUpd = cancel
	go o.watchUpdates(updates)

	o.arm()
	return o
}

func (o *Object) watchUpdates(updates <-chan uint32) {
	for changed := range updates {
		if changed == o.ID() {
			o.mu.Lock()
			o.cached = nil
			o.mu.Unlock()
		}
	}
}

// ID returns the identity's current id (store.NewID if still scratch).
func (o *Object) ID() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// Acquire registers one more live client handle, disarming the idle timer.
func (o *Object) Acquire() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles++
	o.stopTimerLocked()
}

// Release drops one client handle and, if none remain, (re)arms the idle
// timer so the object self-destructs after cfg.IdleTimeout of inactivity.
func (o *Object) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handles > 0 {
		o.handles--
	}
	if o.handles == 0 {
		o.armLocked()
	}
}

func (o *Object) arm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armLocked()
}

func (o *Object) armLocked() {
	o.stopTimerLocked()
	o.timer = time.AfterFunc(o.cfg.IdleTimeout, o.onIdle)
}

func (o *Object) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Object) onIdle() {
	o.mu.Lock()
	handles := o.handles
	o.mu.Unlock()
	if handles != 0 {
		return // a handle was acquired racing with the timer; do nothing
	}
	if o.unsubUpd != nil {
		o.unsubUpd()
	}
	if o.cfg.OnUnregistered != nil {
		o.cfg.OnUnregistered()
	}
}

// touch re-arms the idle timer after a public call completes, per
// spec.md §4.7 "a disposable timer is armed after every public call".
func (o *Object) touch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handles == 0 {
		o.armLocked()
	}
}

func (o *Object) snapshot(ctx context.Context, wantSecret bool) (store.Identity, error) {
	o.mu.Lock()
	if o.cached != nil && (!wantSecret || o.cached.Secret != "") {
		out := o.cached.Clone()
		o.mu.Unlock()
		return out, nil
	}
	id := o.id
	o.mu.Unlock()

	if id == store.NewID {
		return store.Identity{ID: store.NewID}, nil
	}

	ident, err := o.cfg.Store.Credentials(ctx, id, wantSecret)
	if err != nil {
		return store.Identity{}, errormodel.New(errormodel.IdentityNotFound)
	}

	o.mu.Lock()
	cp := ident.Clone()
	o.cached = &cp
	o.mu.Unlock()
	return ident, nil
}

func (o *Object) invalidate() {
	o.mu.Lock()
	o.cached = nil
	o.mu.Unlock()
}

// GetInfo implements spec.md §4.7's get_info(): gated on "use", always
// suppressing the secret field (testable property 3).
func (o *Object) GetInfo(ctx context.Context, pctx peer.Context) (store.Identity, error) {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return store.Identity{}, err
	}
	if err := o.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		return store.Identity{}, err
	}
	return ident.WithoutSecret(), nil
}

// Store implements spec.md §4.7's store(): gated on owner-or-new-id,
// defaults an empty owners list to the caller's own appId, rejects an
// empty resulting owners list only when the caller's appId is also
// unavailable, and rejects a caller-supplied acl/owners it doesn't itself
// hold.
func (o *Object) Store(ctx context.Context, pctx peer.Context, info store.Identity) (uint32, error) {
	defer o.touch()

	current, err := o.snapshot(ctx, false)
	if err != nil {
		return store.NewID, err
	}
	if err := o.cfg.AccessControl.RequireOwnerOrNew(ctx, pctx, current); err != nil {
		return store.NewID, err
	}

	if len(info.Owners) == 0 {
		// original_source/src/signond/signonidentity.cpp defaults an empty
		// owner list to the calling appId, only erroring when that's also
		// unavailable (testable property 5).
		resolved, err := o.cfg.Resolver.Resolve(pctx)
		if err != nil {
			return store.NewID, errormodel.Newf(errormodel.InternalServer, "%v", err)
		}
		if resolved.AppID == "" {
			return store.NewID, errormodel.Newf(errormodel.InvalidQuery, "store request would leave identity %d with no owners", o.ID())
		}
		info.Owners = []store.SecurityContext{{SystemContext: resolved.AppID}}
	}
	if err := o.cfg.AccessControl.RequireValidACL(ctx, pctx, info.Owners); err != nil {
		return store.NewID, err
	}
	if err := o.cfg.AccessControl.RequireValidACL(ctx, pctx, info.ACL); err != nil {
		return store.NewID, err
	}

	o.mu.Lock()
	id := o.id
	o.mu.Unlock()

	if id == store.NewID {
		assigned, err := o.cfg.Store.Insert(ctx, info)
		if err != nil {
			return store.NewID, errormodel.Newf(errormodel.StoreFailed, "%v", err)
		}
		o.mu.Lock()
		o.id = assigned
		o.mu.Unlock()
		o.invalidate()
		return assigned, nil
	}

	info.ID = id
	if err := o.cfg.Store.Update(ctx, info); err != nil {
		o.invalidate()
		return store.NewID, errormodel.Newf(errormodel.StoreFailed, "%v", err)
	}
	o.invalidate()
	o.notify(IdentityUpdated)
	return id, nil
}

// AddReference implements spec.md §4.7's add_reference(): idempotent per
// (id, appId, name).
func (o *Object) AddReference(ctx context.Context, pctx peer.Context, name string) error {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return err
	}
	if err := o.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		return err
	}

	resolved, err := o.cfg.Resolver.Resolve(pctx)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "%v", err)
	}
	if err := o.cfg.Store.AddReference(ctx, o.ID(), store.Reference{AppID: resolved.AppID, Name: name}); err != nil {
		return errormodel.Newf(errormodel.StoreFailed, "%v", err)
	}
	o.invalidate()
	return nil
}

// RemoveReference implements spec.md §4.7's remove_reference(): fails
// ReferenceNotFound if the triple is absent.
func (o *Object) RemoveReference(ctx context.Context, pctx peer.Context, name string) error {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return err
	}
	if err := o.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		return err
	}

	resolved, err := o.cfg.Resolver.Resolve(pctx)
	if err != nil {
		return errormodel.Newf(errormodel.InternalServer, "%v", err)
	}
	if err := o.cfg.Store.RemoveReference(ctx, o.ID(), store.Reference{AppID: resolved.AppID, Name: name}); err != nil {
		return errormodel.New(errormodel.ReferenceNotFound)
	}
	o.invalidate()
	return nil
}

// VerifySecret implements spec.md §4.7's verify_secret(): a local password
// check via the Store, with no UI involved.
func (o *Object) VerifySecret(ctx context.Context, pctx peer.Context, secret string) (bool, error) {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return false, err
	}
	if err := o.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		return false, err
	}

	ok, err := o.cfg.Store.CheckPassword(ctx, o.ID(), ident.UserName, secret)
	if err != nil {
		return false, errormodel.Newf(errormodel.CredentialsNotAvailable, "%v", err)
	}
	return ok, nil
}

// VerifyUserParams carries the interactive verify_user() request fields.
type VerifyUserParams struct {
	// ConfirmCount, if non-nil, is the retry budget described in
	// spec.md §4.7/E2: on a wrong secret the dialog is re-shown with
	// messageId=NotAuthorized until the budget is exhausted.
	ConfirmCount *int
	Message      string
}

// VerifyUser implements spec.md §4.7's verify_user(): pulls the identity,
// sends a query_dialog with queryPassword+userName+caption, compares the
// entered secret to the stored one, and, if a retry budget is supplied and
// wrong, re-prompts with messageId=NotAuthorized until exhausted.
func (o *Object) VerifyUser(ctx context.Context, pctx peer.Context, params VerifyUserParams) (bool, error) {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return false, err
	}
	if err := o.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		return false, err
	}

	remaining := 0
	if params.ConfirmCount != nil {
		remaining = *params.ConfirmCount
	}

	query := uiagent.ParamMap{
		uiagent.KeyQueryPassword: true,
		uiagent.KeyUserName:      ident.UserName,
		uiagent.KeyCaption:       ident.Caption,
	}
	if params.Message != "" {
		query[uiagent.KeyMessage] = params.Message
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			query[uiagent.KeyMessageID] = "NotAuthorized"
			query[uiagent.KeyConfirmCount] = remaining
		}

		reply, err := o.cfg.UI.QueryDialog(ctx, query)
		if err != nil {
			return false, errormodel.Newf(errormodel.InternalCommunication, "%v", err)
		}
		if reply.ResultErrorOf() == uiagent.ResultCanceled {
			return false, errormodel.New(errormodel.OperationCanceled)
		}

		candidate := reply.String(uiagent.KeyPassword)
		ok, err := o.cfg.Store.CheckPassword(ctx, o.ID(), ident.UserName, candidate)
		if err != nil {
			return false, errormodel.Newf(errormodel.CredentialsNotAvailable, "%v", err)
		}
		if ok {
			return true, nil
		}
		if params.ConfirmCount == nil || remaining <= 0 {
			return false, nil
		}
		remaining--
	}
}

// RequestCredentialsUpdate implements spec.md §4.7's
// request_credentials_update(): prompts for a new secret and stores it.
func (o *Object) RequestCredentialsUpdate(ctx context.Context, pctx peer.Context, message string) (uint32, error) {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return store.NewID, err
	}
	if err := o.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		return store.NewID, err
	}

	reply, err := o.cfg.UI.QueryDialog(ctx, uiagent.ParamMap{
		uiagent.KeyQueryPassword: true,
		uiagent.KeyUserName:      ident.UserName,
		uiagent.KeyMessage:       message,
	})
	if err != nil {
		return store.NewID, errormodel.Newf(errormodel.InternalCommunication, "%v", err)
	}
	if reply.ResultErrorOf() == uiagent.ResultCanceled {
		return store.NewID, errormodel.New(errormodel.OperationCanceled)
	}

	newSecret := reply.String(uiagent.KeyPassword)
	if newSecret == "" {
		return store.NewID, errormodel.New(errormodel.MissingData)
	}
	ident.Secret = newSecret
	ident.StoreSecret = true

	id := o.ID()
	if id == store.NewID {
		assigned, err := o.cfg.Store.Insert(ctx, ident)
		if err != nil {
			return store.NewID, errormodel.Newf(errormodel.StoreFailed, "%v", err)
		}
		o.mu.Lock()
		o.id = assigned
		o.mu.Unlock()
		o.invalidate()
		return assigned, nil
	}

	if err := o.cfg.Store.Update(ctx, ident); err != nil {
		return store.NewID, errormodel.Newf(errormodel.StoreFailed, "%v", err)
	}
	o.invalidate()
	return id, nil
}

// Remove implements spec.md §4.7's remove(): gated owner-or-keychain-widget.
func (o *Object) Remove(ctx context.Context, pctx peer.Context) error {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return err
	}
	if err := o.cfg.AccessControl.RequireOwnerOrKeychainWidget(ctx, pctx, ident); err != nil {
		return err
	}

	id := o.ID()
	if id != store.NewID {
		if err := o.cfg.Store.Remove(ctx, id); err != nil {
			return errormodel.Newf(errormodel.RemoveFailed, "%v", err)
		}
	}
	o.cfg.UI.CancelUIRequest(fmt.Sprintf("identity:%d", id))
	o.invalidate()
	o.notify(IdentityRemoved)
	return nil
}

// SignOut implements spec.md §4.7's sign_out(): a no-op for scratch
// identities, otherwise clears per-session Store data and drops cached UI
// state.
func (o *Object) SignOut(ctx context.Context, pctx peer.Context) error {
	defer o.touch()

	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return err
	}
	if err := o.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		return err
	}

	id := o.ID()
	if id == store.NewID {
		return nil
	}

	for method := range ident.Methods {
		if err := o.cfg.Store.StoreData(ctx, id, method, map[string]store.Value{}); err != nil {
			return errormodel.Newf(errormodel.SignoutFailed, "%v", err)
		}
	}
	o.cfg.UI.CancelUIRequest(fmt.Sprintf("identity:%d", id))
	o.invalidate()
	o.notify(IdentitySignedOut)
	return nil
}

// ReferenceCount exposes the reference multiset's size for diagnostics,
// per SPEC_FULL.md's original_source-derived supplement; it is not part
// of the client wire surface.
func (o *Object) ReferenceCount(ctx context.Context) (int, error) {
	ident, err := o.snapshot(ctx, false)
	if err != nil {
		return 0, err
	}
	return len(ident.References), nil
}

func (o *Object) notify(kind InfoUpdateKind) {
	if o.cfg.OnInfoUpdated != nil {
		o.cfg.OnInfoUpdated(kind)
	}
}
