// Package daemon implements DaemonFacade (C9): the top-level dispatcher
// that owns the process-wide identity and session registries and is the
// only place ErrorModel values are translated at the edge. Grounded on
// server/server.go's Config/NewServer construction for the
// collaborator-wiring shape and on server/api.go's
// dispatch-with-edge-error-translation pattern; the registry/rekey rules
// themselves come from original_source/src/signond/signond.cpp's
// identity/session bookkeeping.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sailfishos/signond-go/accesscontrol"
	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/identity"
	"github.com/sailfishos/signond-go/peer"
	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/session"
	"github.com/sailfishos/signond-go/store"
	"github.com/sailfishos/signond-go/uiagent"
	"github.com/sailfishos/signond-go/wire"
)

// IdentityHandle names one registered IdentityObject. Exactly one of
// ScratchKey/ID is meaningful: ScratchKey is set while the identity hasn't
// been persisted yet (store.NewID), ID once it has.
type IdentityHandle struct {
	ScratchKey string
	ID         uint32
}

func (h IdentityHandle) isScratch() bool { return h.ScratchKey != "" }

// SessionHandle names one registered SessionCore.
type SessionHandle struct {
	Identity IdentityHandle
	Method   string
}

type sessionKey struct {
	id     uint32
	method string
}

type scratchSessionKey struct {
	key    string
	method string
}

// sessionSlot pairs a Core with the cancelKey of its most recently started
// request, so the wire-level bare cancel() (spec.md §6, AuthSession has no
// cancelKey parameter) knows what to cancel.
type sessionSlot struct {
	core *session.Core

	mu            sync.Mutex
	lastCancelKey string
}

func (s *sessionSlot) noteCancelKey(key string) {
	s.mu.Lock()
	s.lastCancelKey = key
	s.mu.Unlock()
}

func (s *sessionSlot) currentCancelKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCancelKey
}

// Config holds the construction-time collaborators and tunables for a
// Facade.
type Config struct {
	Store         store.Storage
	AccessControl *accesscontrol.AccessControl
	Resolver      peer.Resolver
	UI            uiagent.Agent
	Registry      plugin.Registry

	IdentityIdleTimeout time.Duration
	SessionIdleTimeout  time.Duration
	PluginTimeout       time.Duration

	// SignOutGrace bounds how long a signed-out identity's active sessions
	// are given to wind down before being forcibly stopped (spec.md §5
	// "identity-wide sign-out", default 5s).
	SignOutGrace time.Duration

	Metrics *Metrics
	Health  *Health
}

// Facade is the DaemonFacade: the single entry point a transport adapter
// (out of scope, spec.md §1) dispatches bus calls through.
type Facade struct {
	cfg    Config
	logger logrus.FieldLogger

	mu              sync.Mutex
	identities      map[uint32]*identity.Object
	scratchIdent    map[string]*identity.Object
	scratchRedirect map[string]uint32 // scratchKey -> id, kept after a scratch identity is persisted
	sessions        map[sessionKey]*sessionSlot
	scratchSessions map[scratchSessionKey]*sessionSlot
}

// New builds a Facade from cfg.
func New(cfg Config, logger logrus.FieldLogger) *Facade {
	if cfg.SignOutGrace == 0 {
		cfg.SignOutGrace = 5 * time.Second
	}
	return &Facade{
		cfg:             cfg,
		logger:          logger.WithField("component", "daemon"),
		identities:      make(map[uint32]*identity.Object),
		scratchIdent:    make(map[string]*identity.Object),
		scratchRedirect: make(map[string]uint32),
		sessions:        make(map[sessionKey]*sessionSlot),
		scratchSessions: make(map[scratchSessionKey]*sessionSlot),
	}
}

func (f *Facade) observe(op string) func(errCode *errormodel.Code) {
	start := time.Now()
	return func(errCode *errormodel.Code) {
		if f.cfg.Metrics == nil {
			return
		}
		f.cfg.Metrics.observeOperation(op, time.Since(start), errCode)
	}
}

// --- Identity registry -----------------------------------------------------

func (f *Facade) newIdentityConfig() identity.Config {
	return identity.Config{
		Store:         f.cfg.Store,
		AccessControl: f.cfg.AccessControl,
		Resolver:      f.cfg.Resolver,
		UI:            f.cfg.UI,
		IdleTimeout:   f.cfg.IdentityIdleTimeout,
	}
}

// RegisterNewIdentity implements spec.md §4.9's register_new_identity():
// unconditional, always succeeds.
func (f *Facade) RegisterNewIdentity(ctx context.Context, pctx peer.Context) (IdentityHandle, error) {
	done := f.observe("registerNewIdentity")
	defer done(nil)

	key := uuid.NewString()
	handle := IdentityHandle{ScratchKey: key}

	icfg := f.newIdentityConfig()
	icfg.OnUnregistered = func() { f.dropScratchIdentity(key) }
	obj := identity.New(store.NewID, icfg, f.logger)

	f.mu.Lock()
	f.scratchIdent[key] = obj
	f.mu.Unlock()

	if f.cfg.Metrics != nil {
		f.cfg.Metrics.identitiesRegistered.Inc()
	}
	return handle, nil
}

// GetIdentity implements spec.md §4.9's get_identity(): gated by "use"
// (including the request_access escalation, which IdentityObject's Require*
// call already performs); lazily registers an IdentityObject for id if none
// is cached yet.
func (f *Facade) GetIdentity(ctx context.Context, pctx peer.Context, id uint32) (IdentityHandle, store.Identity, error) {
	var ec *errormodel.Code
	done := f.observe("getIdentity")
	defer func() { done(ec) }()

	handle := IdentityHandle{ID: id}
	obj := f.identityFor(id)
	ident, err := obj.GetInfo(ctx, pctx)
	if err != nil {
		ec = errorCode(err)
		return IdentityHandle{}, store.Identity{}, err
	}
	return handle, ident, nil
}

// identityFor returns the registered Object for a persisted id, creating
// and registering one on first use.
func (f *Facade) identityFor(id uint32) *identity.Object {
	f.mu.Lock()
	if obj, ok := f.identities[id]; ok {
		f.mu.Unlock()
		return obj
	}
	f.mu.Unlock()

	icfg := f.newIdentityConfig()
	icfg.OnUnregistered = func() { f.dropIdentity(id) }
	obj := identity.New(id, icfg, f.logger)

	f.mu.Lock()
	if existing, ok := f.identities[id]; ok {
		f.mu.Unlock()
		return existing
	}
	f.identities[id] = obj
	f.mu.Unlock()
	return obj
}

func (f *Facade) dropScratchIdentity(key string) {
	f.mu.Lock()
	delete(f.scratchIdent, key)
	f.mu.Unlock()
}

func (f *Facade) dropIdentity(id uint32) {
	f.mu.Lock()
	delete(f.identities, id)
	f.mu.Unlock()
}

// resolveIdentity looks up the Object backing h, following the
// scratch->persisted redirect recorded by IdentityStore.
func (f *Facade) resolveIdentity(h IdentityHandle) (*identity.Object, IdentityHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h.isScratch() {
		if obj, ok := f.scratchIdent[h.ScratchKey]; ok {
			return obj, h, nil
		}
		if id, ok := f.scratchRedirect[h.ScratchKey]; ok {
			if obj, ok := f.identities[id]; ok {
				return obj, IdentityHandle{ID: id}, nil
			}
		}
		return nil, IdentityHandle{}, errormodel.New(errormodel.IdentityNotFound)
	}
	obj, ok := f.identities[h.ID]
	if !ok {
		f.mu.Unlock()
		obj = f.identityFor(h.ID)
		f.mu.Lock()
	}
	return obj, h, nil
}

// IdentityGetInfo delegates to identity.Object.GetInfo.
func (f *Facade) IdentityGetInfo(ctx context.Context, pctx peer.Context, h IdentityHandle) (store.Identity, error) {
	obj, _, err := f.resolveIdentity(h)
	if err != nil {
		return store.Identity{}, err
	}
	return obj.GetInfo(ctx, pctx)
}

// IdentityStore delegates to identity.Object.Store and, when it transitions
// a scratch identity to a persisted id, rekeys both the identity and
// session registries per spec.md §4.8's "setId" rule.
func (f *Facade) IdentityStore(ctx context.Context, pctx peer.Context, h IdentityHandle, info store.Identity) (uint32, error) {
	obj, resolved, err := f.resolveIdentity(h)
	if err != nil {
		return store.NewID, err
	}

	id, err := obj.Store(ctx, pctx, info)
	if err != nil {
		return store.NewID, err
	}

	if resolved.isScratch() {
		f.promoteScratchIdentity(resolved.ScratchKey, id, obj)
	}
	return id, nil
}

// promoteScratchIdentity moves obj from the scratch registry to the
// persisted registry under id, then rekeys any SessionCore registered for
// (scratchKey, method) to (id, method) — rejecting the move, per spec.md
// §4.8, if that slot is already occupied.
func (f *Facade) promoteScratchIdentity(scratchKey string, id uint32, obj *identity.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.scratchIdent, scratchKey)
	f.identities[id] = obj
	f.scratchRedirect[scratchKey] = id

	for k, slot := range f.scratchSessions {
		if k.key != scratchKey {
			continue
		}
		target := sessionKey{id: id, method: k.method}
		if _, occupied := f.sessions[target]; occupied {
			f.logger.WithField("identity_id", id).WithField("method", k.method).
				Warn("setId: session already exists at target slot, rejecting rekey")
			delete(f.scratchSessions, k)
			continue
		}
		slot.core.SetID(id)
		f.sessions[target] = slot
		delete(f.scratchSessions, k)
	}
}

func (f *Facade) IdentityAddReference(ctx context.Context, pctx peer.Context, h IdentityHandle, name string) error {
	obj, _, err := f.resolveIdentity(h)
	if err != nil {
		return err
	}
	return obj.AddReference(ctx, pctx, name)
}

func (f *Facade) IdentityRemoveReference(ctx context.Context, pctx peer.Context, h IdentityHandle, name string) error {
	obj, _, err := f.resolveIdentity(h)
	if err != nil {
		return err
	}
	return obj.RemoveReference(ctx, pctx, name)
}

func (f *Facade) IdentityVerifySecret(ctx context.Context, pctx peer.Context, h IdentityHandle, secret string) (bool, error) {
	obj, _, err := f.resolveIdentity(h)
	if err != nil {
		return false, err
	}
	return obj.VerifySecret(ctx, pctx, secret)
}

func (f *Facade) IdentityVerifyUser(ctx context.Context, pctx peer.Context, h IdentityHandle, params identity.VerifyUserParams) (bool, error) {
	obj, _, err := f.resolveIdentity(h)
	if err != nil {
		return false, err
	}
	return obj.VerifyUser(ctx, pctx, params)
}

func (f *Facade) IdentityRequestCredentialsUpdate(ctx context.Context, pctx peer.Context, h IdentityHandle, message string) (uint32, error) {
	obj, resolved, err := f.resolveIdentity(h)
	if err != nil {
		return store.NewID, err
	}
	id, err := obj.RequestCredentialsUpdate(ctx, pctx, message)
	if err != nil {
		return store.NewID, err
	}
	if resolved.isScratch() {
		f.promoteScratchIdentity(resolved.ScratchKey, id, obj)
	}
	return id, nil
}

// IdentityRemove delegates to identity.Object.Remove and force-stops every
// SessionCore attached to this identity.
func (f *Facade) IdentityRemove(ctx context.Context, pctx peer.Context, h IdentityHandle) error {
	obj, resolved, err := f.resolveIdentity(h)
	if err != nil {
		return err
	}
	if err := obj.Remove(ctx, pctx); err != nil {
		return err
	}
	if !resolved.isScratch() {
		f.stopSessionsFor(resolved.ID)
		f.dropIdentity(resolved.ID)
	}
	return nil
}

// IdentitySignOut delegates to identity.Object.SignOut and cancels every
// active session for this identity, forcibly stopping any that haven't
// wound down after cfg.SignOutGrace (spec.md §5, E5).
func (f *Facade) IdentitySignOut(ctx context.Context, pctx peer.Context, h IdentityHandle) error {
	obj, resolved, err := f.resolveIdentity(h)
	if err != nil {
		return err
	}
	if err := obj.SignOut(ctx, pctx); err != nil {
		return err
	}
	if !resolved.isScratch() {
		f.cancelSessionsGraceful(resolved.ID)
	}
	return nil
}

// --- Session registry -------------------------------------------------------

func (f *Facade) newSessionConfig() session.Config {
	return session.Config{
		Store:         f.cfg.Store,
		AccessControl: f.cfg.AccessControl,
		Resolver:      f.cfg.Resolver,
		UI:            f.cfg.UI,
		Registry:      f.cfg.Registry,
		IdleTimeout:   f.cfg.SessionIdleTimeout,
		PluginTimeout: f.cfg.PluginTimeout,
	}
}

// QueryMethods implements spec.md §4.9's query_methods().
func (f *Facade) QueryMethods() []string {
	return f.cfg.Registry.Methods()
}

// QueryMechanisms implements spec.md §4.9's query_mechanisms(method).
func (f *Facade) QueryMechanisms(method string) ([]string, error) {
	mechs, err := f.cfg.Registry.Mechanisms(method)
	if err != nil {
		return nil, errormodel.New(errormodel.MethodNotKnown)
	}
	return mechs, nil
}

// GetAuthSession implements spec.md §4.9's get_auth_session(): gated by
// "use" when h names a persisted identity; a scratch handle (from
// RegisterNewIdentity, id still NEW_ID) is always granted and its
// SessionCore is keyed by the same scratch key as the IdentityObject, so
// promoteScratchIdentity's setId rekey (spec.md §4.8) finds it later. A bus
// adapter mapping the wire's raw NEW_ID sentinel onto a connection's most
// recently registered handle is outside this module (transport, spec.md
// §1); this API is typed on the handle this module actually manages.
func (f *Facade) GetAuthSession(ctx context.Context, pctx peer.Context, h IdentityHandle, method string) (SessionHandle, error) {
	var ec *errormodel.Code
	done := f.observe("getAuthSessionObjectPath")
	defer func() { done(ec) }()

	if h.isScratch() {
		return f.sessionHandleFor(h, method), nil
	}

	ident, err := f.cfg.Store.Credentials(ctx, h.ID, false)
	if err != nil {
		e := errormodel.New(errormodel.IdentityNotFound)
		ec = &e.Code
		return SessionHandle{}, e
	}
	if err := f.cfg.AccessControl.RequireUse(ctx, pctx, ident); err != nil {
		ec = errorCode(err)
		return SessionHandle{}, err
	}
	return f.sessionHandleFor(IdentityHandle{ID: h.ID}, method), nil
}

func (f *Facade) sessionHandleFor(idh IdentityHandle, method string) SessionHandle {
	handle := SessionHandle{Identity: idh, Method: method}

	if idh.isScratch() {
		k := scratchSessionKey{key: idh.ScratchKey, method: method}
		f.mu.Lock()
		if _, ok := f.scratchSessions[k]; !ok {
			scfg := f.newSessionConfig()
			scfg.OnIdle = func() { f.dropScratchSession(k) }
			f.scratchSessions[k] = &sessionSlot{core: session.New(store.NewID, method, scfg, f.logger)}
		}
		f.mu.Unlock()
		return handle
	}

	k := sessionKey{id: idh.ID, method: method}
	f.mu.Lock()
	if _, ok := f.sessions[k]; !ok {
		scfg := f.newSessionConfig()
		scfg.OnIdle = func() { f.dropSession(k) }
		f.sessions[k] = &sessionSlot{core: session.New(idh.ID, method, scfg, f.logger)}
	}
	f.mu.Unlock()
	return handle
}

func (f *Facade) dropSession(k sessionKey) {
	f.mu.Lock()
	delete(f.sessions, k)
	f.mu.Unlock()
}

func (f *Facade) dropScratchSession(k scratchSessionKey) {
	f.mu.Lock()
	delete(f.scratchSessions, k)
	f.mu.Unlock()
}

func (f *Facade) resolveSession(h SessionHandle) (*sessionSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h.Identity.isScratch() {
		if slot, ok := f.scratchSessions[scratchSessionKey{key: h.Identity.ScratchKey, method: h.Method}]; ok {
			return slot, nil
		}
		if id, ok := f.scratchRedirect[h.Identity.ScratchKey]; ok {
			if slot, ok := f.sessions[sessionKey{id: id, method: h.Method}]; ok {
				return slot, nil
			}
		}
		return nil, errormodel.New(errormodel.IdentityNotFound)
	}
	slot, ok := f.sessions[sessionKey{id: h.Identity.ID, method: h.Method}]
	if !ok {
		return nil, errormodel.New(errormodel.IdentityNotFound)
	}
	return slot, nil
}

// SessionMechanisms implements the AuthSession object's
// queryAvailableMechanisms(wanted): the intersection of wanted with the
// method's full mechanism list (an empty wanted means "all").
func (f *Facade) SessionMechanisms(h SessionHandle, wanted []string) ([]string, error) {
	all, err := f.cfg.Registry.Mechanisms(h.Method)
	if err != nil {
		return nil, errormodel.New(errormodel.MethodNotKnown)
	}
	if len(wanted) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		want[w] = true
	}
	var out []string
	for _, m := range all {
		if want[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

// SessionProcess implements the AuthSession object's process(sessionData,
// mechanism): a synchronous bus call over session.Core's inherently async
// protocol, internally generating the cancelKey this handle's cancel()
// operation will later use.
func (f *Facade) SessionProcess(ctx context.Context, pctx peer.Context, h SessionHandle, params uiagent.ParamMap, mechanism string) (uiagent.ParamMap, error) {
	var ec *errormodel.Code
	done := f.observe("authSession.process")
	defer func() { done(ec) }()

	slot, err := f.resolveSession(h)
	if err != nil {
		ec = errorCode(err)
		return nil, err
	}

	cancelKey := uuid.NewString()
	slot.noteCancelKey(cancelKey)

	type outcome struct {
		data uiagent.ParamMap
		err  error
	}
	replies := make(chan outcome, 1)
	slot.core.Process(pctx, params, mechanism, cancelKey, func(data uiagent.ParamMap, err error) {
		replies <- outcome{data, err}
	})

	select {
	case out := <-replies:
		if out.err != nil {
			ec = errorCode(out.err)
		}
		return out.data, out.err
	case <-ctx.Done():
		slot.core.Cancel(cancelKey)
		out := <-replies
		if out.err != nil {
			ec = errorCode(out.err)
		}
		return out.data, out.err
	}
}

// SessionCancel implements the AuthSession object's cancel(): abandons
// whatever request is currently running under this handle's last-issued
// cancelKey, if any.
func (f *Facade) SessionCancel(h SessionHandle) error {
	slot, err := f.resolveSession(h)
	if err != nil {
		return err
	}
	if key := slot.currentCancelKey(); key != "" {
		slot.core.Cancel(key)
	}
	return nil
}

func (f *Facade) stopSessionsFor(id uint32) {
	f.mu.Lock()
	var cores []*session.Core
	for k, slot := range f.sessions {
		if k.id == id {
			cores = append(cores, slot.core)
			delete(f.sessions, k)
		}
	}
	f.mu.Unlock()
	for _, c := range cores {
		c.Stop()
	}
}

func (f *Facade) cancelSessionsGraceful(id uint32) {
	f.mu.Lock()
	var cores []*session.Core
	for k, slot := range f.sessions {
		if k.id == id {
			cores = append(cores, slot.core)
		}
	}
	f.mu.Unlock()
	if len(cores) == 0 {
		return
	}
	for _, c := range cores {
		c.CancelAllPending()
	}
	time.AfterFunc(f.cfg.SignOutGrace, func() {
		for _, c := range cores {
			if c.State() != session.Idle {
				c.Stop()
			}
		}
	})
}

// --- Keychain-widget operations ---------------------------------------------

// QueryIdentities implements spec.md §4.9's query_identities(): gated by
// is_peer_keychain_widget.
func (f *Facade) QueryIdentities(ctx context.Context, pctx peer.Context, filter wire.IdentityFilter) ([]store.Identity, error) {
	var ec *errormodel.Code
	done := f.observe("queryIdentities")
	defer func() { done(ec) }()

	if err := f.cfg.AccessControl.RequireKeychainWidget(ctx, pctx); err != nil {
		ec = errorCode(err)
		return nil, err
	}
	idents, err := f.cfg.Store.QueryIdentities(ctx, store.IdentityFilter{
		AuthMethod: filter.AuthMethod,
		Username:   filter.Username,
		Realm:      filter.Realm,
		Caption:    filter.Caption,
	})
	if err != nil {
		e := errormodel.Newf(errormodel.StoreFailed, "%v", err)
		ec = &e.Code
		return nil, e
	}
	return idents, nil
}

// Clear implements spec.md §4.9's clear(): wipes every identity, gated by
// is_peer_keychain_widget.
func (f *Facade) Clear(ctx context.Context, pctx peer.Context) (bool, error) {
	var ec *errormodel.Code
	done := f.observe("clear")
	defer func() { done(ec) }()

	if err := f.cfg.AccessControl.RequireKeychainWidget(ctx, pctx); err != nil {
		ec = errorCode(err)
		return false, err
	}

	idents, err := f.cfg.Store.QueryIdentities(ctx, store.IdentityFilter{})
	if err != nil {
		e := errormodel.Newf(errormodel.StoreFailed, "%v", err)
		ec = &e.Code
		return false, e
	}
	for _, ident := range idents {
		f.stopSessionsFor(ident.ID)
		if err := f.cfg.Store.Remove(ctx, ident.ID); err != nil {
			f.logger.WithError(err).WithField("identity_id", ident.ID).Warn("clear: failed to remove identity")
			continue
		}
		f.dropIdentity(ident.ID)
	}
	return true, nil
}

func errorCode(err error) *errormodel.Code {
	if sdkErr, ok := err.(*errormodel.Error); ok {
		c := sdkErr.Code
		return &c
	}
	c := errormodel.UnknownError
	return &c
}
