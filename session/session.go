// Package session implements SessionCore (C8): the per-(identity, method)
// request queue that drives a Plugin and, via it, a UIAgent round trip.
// Grounded nearly line-for-line, in behavior rather than text, on
// original_source/src/signond/signonsessioncore.cpp for the state machine
// and on the teacher's single-goroutine-per-resource idiom (an explicit
// command channel drained by one run loop, à la the polling loop in
// server/deviceflowhandlers.go) for the "single-threaded cooperative, no
// locks inside the core" scheduling model spec.md §5 requires.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sailfishos/signond-go/accesscontrol"
	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/peer"
	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/plugin/password"
	"github.com/sailfishos/signond-go/store"
	"github.com/sailfishos/signond-go/uiagent"
)

// State is one position in the active-request lifecycle of spec.md §4.8.
type State int

const (
	Idle State = iota
	PreparingInputs
	WaitingPlugin
	AwaitingUI
	Finalising
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case PreparingInputs:
		return "PreparingInputs"
	case WaitingPlugin:
		return "WaitingPlugin"
	case AwaitingUI:
		return "AwaitingUI"
	case Finalising:
		return "Finalising"
	case Cancelling:
		return "Cancelling"
	default:
		return "Unknown"
	}
}

// ReplySink receives exactly one terminal delivery for a request: either a
// result map with a nil error, or a nil map with a non-nil *errormodel.Error.
type ReplySink func(result uiagent.ParamMap, err error)

// Config holds the construction-time collaborators and tunables for a Core.
type Config struct {
	Store         store.Storage
	AccessControl *accesscontrol.AccessControl
	Resolver      peer.Resolver
	UI            uiagent.Agent
	Registry      plugin.Registry

	// IdleTimeout is the disposable-object idle interval (spec.md §5,
	// default 5 minutes per DESIGN.md's Open Question resolution).
	IdleTimeout time.Duration

	// PluginTimeout bounds a single plugin round trip (SPEC_FULL.md
	// supplement: a watchdog timer with no counterpart in the distilled
	// spec, grounded on original_source's busy-session-recovery logic;
	// default 30s).
	PluginTimeout time.Duration

	// OnSecureStorageHint fires when a result finalised after a UI prompt
	// finds the secrets DB still closed (spec.md §4.8 step 5).
	OnSecureStorageHint func()

	// OnIdle fires when the Core has been idle (no active request, no
	// queued request, no open UI) for IdleTimeout; the daemon facade uses
	// it to drop the Core from its registry.
	OnIdle func()
}

type request struct {
	pctx      peer.Context
	params    uiagent.ParamMap
	mechanism string
	cancelKey string
	reply     ReplySink
	canceled  bool
}

// Core is one SessionCore: a FIFO of requests for one (identityId, method)
// pair, processed by a single run-loop goroutine.
type Core struct {
	cfg    Config
	method string
	id     atomic.Uint32

	logger logrus.FieldLogger

	cmds chan func()

	queue   []*request
	active  *request
	plug    plugin.Plugin
	state   State
	uiShown bool

	tmpUserName string
	tmpSecret   string
	clientData  uiagent.ParamMap

	idleTimer   *time.Timer
	watchdog    *time.Timer
	watchdogGen uint64
}

// New constructs a Core for (id, method) and starts its run loop. id may be
// store.NewID for a scratch identity; SetID rekeys it once persisted.
func New(id uint32, method string, cfg Config, logger logrus.FieldLogger) *Core {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.PluginTimeout == 0 {
		cfg.PluginTimeout = 30 * time.Second
	}

	c := &Core{
		cfg:    cfg,
		method: method,
		logger: logger.WithField("component", "session").WithField("method", method),
		cmds:   make(chan func(), 32),
	}
	c.id.Store(id)

	go c.run()
	c.cmds <- c.arm
	return c
}

func (c *Core) run() {
	for fn := range c.cmds {
		fn()
	}
}

// ID returns the identity id this Core currently serves.
func (c *Core) ID() uint32 { return c.id.Load() }

// Method returns the authentication method name this Core drives.
func (c *Core) Method() string { return c.method }

// State returns the Core's current lifecycle state, for diagnostics only.
func (c *Core) State() State {
	out := make(chan State, 1)
	c.cmds <- func() { out <- c.state }
	return <-out
}

// SetID rekeys a scratch Core onto a freshly persisted identity id, per
// spec.md §4.8 "setId". The daemon facade is responsible for the registry
// slot move and for rejecting the rename if the target slot is occupied
// (spec.md explicitly assigns that check to the registry owner, not the
// Core itself).
func (c *Core) SetID(newID uint32) {
	c.cmds <- func() { c.id.Store(newID) }
}

// Process enqueues a new request. It never blocks on the request's
// completion — the reply arrives later, asynchronously, on reply.
func (c *Core) Process(pctx peer.Context, params uiagent.ParamMap, mechanism, cancelKey string, reply ReplySink) {
	c.cmds <- func() {
		req := &request{pctx: pctx, params: params.Clone(), mechanism: mechanism, cancelKey: cancelKey, reply: reply}
		c.queue = append(c.queue, req)
		c.touch()
		c.maybeAdvance()
	}
}

// Cancel implements spec.md §4.8's client-initiated cancel(cancelKey): if
// cancelKey names the active request, the plugin and any open UI are asked
// to abandon it and its eventual terminal reply is discarded in favour of
// SessionCanceled; if it names a queued request, that request is removed
// and replied to immediately with OperationCanceled.
func (c *Core) Cancel(cancelKey string) {
	c.cmds <- func() {
		if c.active != nil && c.active.cancelKey == cancelKey {
			c.active.canceled = true
			c.state = Cancelling
			if c.plug != nil {
				c.plug.Cancel()
			}
			c.cfg.UI.CancelUIRequest(cancelKey)
			return
		}
		for i, r := range c.queue {
			if r.cancelKey == cancelKey {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				if r.reply != nil {
					r.reply(nil, errormodel.New(errormodel.OperationCanceled))
				}
				return
			}
		}
	}
}

// CancelAllPending implements the immediate-cancel phase of an
// identity-wide sign-out (spec.md §5): the active request is asked to
// abandon, and every queued request is replied to with SessionCanceled
// right away rather than waiting its turn.
func (c *Core) CancelAllPending() {
	c.cmds <- func() {
		if c.active != nil {
			c.active.canceled = true
			c.state = Cancelling
			if c.plug != nil {
				c.plug.Cancel()
			}
			c.cfg.UI.CancelUIRequest(c.active.cancelKey)
		}
		drained := c.queue
		c.queue = nil
		for _, r := range drained {
			if r.reply != nil {
				r.reply(nil, errormodel.New(errormodel.SessionCanceled))
			}
		}
	}
}

// Stop implements spec.md §4.8's stop_all_sessions path for one Core:
// every pending request (active or queued) is failed with
// ServiceNotAvailable, the plugin is closed, and the run loop exits. Stop
// must not be called more than once.
func (c *Core) Stop() {
	done := make(chan struct{})
	c.cmds <- func() {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		if c.watchdog != nil {
			c.watchdog.Stop()
		}
		if c.active != nil && c.active.reply != nil {
			c.active.reply(nil, errormodel.New(errormodel.ServiceNotAvailable))
		}
		c.active = nil
		drained := c.queue
		c.queue = nil
		for _, r := range drained {
			if r.reply != nil {
				r.reply(nil, errormodel.New(errormodel.ServiceNotAvailable))
			}
		}
		if c.plug != nil {
			c.plug.Close()
			c.plug = nil
		}
		close(done)
	}
	<-done
	close(c.cmds)
}

func (c *Core) maybeAdvance() {
	if c.active != nil || c.state != Idle || len(c.queue) == 0 {
		return
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	c.active = req
	c.state = PreparingInputs
	c.prepareInputs(req)
}

// prepareInputs implements spec.md §4.8's "Input construction" steps 1-7.
func (c *Core) prepareInputs(req *request) {
	ctx := context.Background()
	inputs := req.params.Clone()
	id := c.ID()

	if id != store.NewID {
		identity, err := c.cfg.Store.Credentials(ctx, id, true)
		if err != nil {
			c.finishWithError(req, errormodel.New(errormodel.IdentityNotFound))
			return
		}

		if inputs.String("secret") == "" {
			inputs["secret"] = identity.Secret
		}
		if identity.Validated || inputs.String(uiagent.KeyUserName) == "" {
			inputs[uiagent.KeyUserName] = identity.UserName
		}

		var tokens []string
		for _, sc := range identity.ACL {
			if sc.ApplicationContext == "" {
				continue
			}
			allowed, _ := c.cfg.AccessControl.IsPeerAllowedToAccess(ctx, req.pctx, sc.ApplicationContext)
			if allowed {
				tokens = append(tokens, sc.ApplicationContext)
			}
		}
		if len(tokens) > 0 {
			inputs[uiagent.KeyAccessTokens] = tokens
		}

		if blob, err := c.cfg.Store.LoadData(ctx, id, c.method); err == nil {
			for k, v := range blob {
				if _, exists := inputs[k]; !exists {
					inputs[k] = v
				}
			}
		}
	}

	if inputs.String(uiagent.KeyUIPolicy) == uiagent.UIPolicyRequestPasswordPolicy {
		delete(inputs, "secret")
	}

	c.tmpUserName = inputs.String(uiagent.KeyUserName)
	c.tmpSecret = inputs.String("secret")
	c.clientData = req.params.Clone()

	if err := c.ensurePlugin(ctx); err != nil {
		c.finishWithError(req, errormodel.Newf(errormodel.MethodNotKnown, "%v", err))
		return
	}

	c.state = WaitingPlugin
	c.armWatchdog()
	c.plug.Process(ctx, inputs, req.mechanism)
}

func (c *Core) ensurePlugin(ctx context.Context) error {
	if c.plug != nil {
		return nil
	}
	p, err := c.cfg.Registry.Load(ctx, c.method)
	if err != nil {
		return err
	}
	c.plug = p
	go c.watchPlugin(p)
	return nil
}

// watchPlugin relays every Event off the Plugin's channel onto the Core's
// command channel, so the run loop handles it on its own goroutine — the
// only place Core state is ever mutated.
func (c *Core) watchPlugin(p plugin.Plugin) {
	for ev := range p.Events() {
		event := ev
		c.cmds <- func() { c.onPluginEvent(event) }
	}
}

func (c *Core) onPluginEvent(ev plugin.Event) {
	if c.active == nil {
		return // stray event after the request already finished (e.g. post-Stop)
	}
	switch ev.Kind {
	case plugin.EventStateChanged:
		return
	case plugin.EventStore:
		c.persistStoreBlob(ev.Data)
		return
	case plugin.EventUIRequest:
		c.disarmWatchdog()
		c.state = AwaitingUI
		c.showUI(ev.Data, false)
	case plugin.EventRefreshRequest:
		c.disarmWatchdog()
		c.state = AwaitingUI
		c.showUI(ev.Data, true)
	case plugin.EventResult:
		c.disarmWatchdog()
		c.finishResult(ev.Data)
	case plugin.EventError:
		c.disarmWatchdog()
		c.finishPluginError(ev)
	}
}

// showUI implements spec.md §4.8's "UI round-trips" steps 1-6.
func (c *Core) showUI(u uiagent.ParamMap, refresh bool) {
	req := c.active
	ctx := context.Background()

	if c.uiShown {
		c.cfg.UI.CancelUIRequest(req.cancelKey)
	}

	augmented := u.Clone()
	augmented[uiagent.KeyRequestID] = req.cancelKey
	augmented[uiagent.KeyStoredIdentity] = c.ID() != store.NewID
	augmented[uiagent.KeyIdentity] = c.ID()
	augmented[uiagent.KeyClientData] = c.clientData
	augmented[uiagent.KeyMethod] = c.method
	augmented[uiagent.KeyMechanism] = req.mechanism

	if resolved, err := c.cfg.Resolver.Resolve(req.pctx); err == nil {
		augmented[uiagent.KeyPID] = resolved.PID
		augmented[uiagent.KeyAppID] = resolved.AppID
	}

	if augmented.String(uiagent.KeyCaption) == "" && c.ID() != store.NewID {
		if identity, err := c.cfg.Store.Credentials(ctx, c.ID(), false); err == nil && identity.Caption != "" {
			augmented[uiagent.KeyCaption] = identity.Caption
		}
	}

	if c.ID() != store.NewID && !c.cfg.Store.IsSecretsDBOpen(ctx) {
		augmented[uiagent.KeyStorageKeysUnavailable] = true
	}

	c.uiShown = true

	// The UIAgent round trip is the canonical "await point" of §5: it must
	// not block the run loop, or a concurrent cancel(cancelKey) for this
	// very request could never be processed. The call runs on its own
	// goroutine; its outcome is relayed back through cmds like a plugin
	// Event. Each call is bounded by uiCallTimeout.
	const uiCallTimeout = 60 * time.Second
	go func() {
		uiCtx, cancel := context.WithTimeout(ctx, uiCallTimeout)
		defer cancel()
		var reply uiagent.ParamMap
		var err error
		if refresh {
			reply, err = c.cfg.UI.RefreshDialog(uiCtx, augmented)
		} else {
			reply, err = c.cfg.UI.QueryDialog(uiCtx, augmented)
		}
		c.cmds <- func() { c.onUIResult(req, reply, err) }
	}()
}

func (c *Core) onUIResult(req *request, reply uiagent.ParamMap, err error) {
	if c.active != req {
		return // the request already finished or was drained by Stop
	}
	if err != nil {
		c.finishWithError(req, errormodel.Newf(errormodel.InternalCommunication, "%v", err))
		return
	}
	c.onUIReply(reply)
}

func (c *Core) onUIReply(reply uiagent.ParamMap) {
	ctx := context.Background()

	if un := reply.String(uiagent.KeyUserName); un != "" {
		c.tmpUserName = un
	}
	if sec := reply.String(uiagent.KeyPassword); sec != "" {
		c.tmpSecret = sec
	}

	c.state = WaitingPlugin
	c.armWatchdog()

	if reply.ResultErrorOf() == uiagent.ResultCanceled {
		c.plug.ProcessUI(ctx, reply)
		return
	}
	if reply.Bool(uiagent.KeyRefresh) {
		c.plug.ProcessRefresh(ctx, reply)
		return
	}
	c.plug.ProcessUI(ctx, reply)
}

// persistStoreBlob implements spec.md §4.8's "On plugin.store(blob)" path:
// it persists in addition to, not instead of, the result path.
func (c *Core) persistStoreBlob(blob uiagent.ParamMap) {
	id := c.ID()
	if id == store.NewID {
		return
	}
	clean := make(map[string]store.Value, len(blob))
	for k, v := range blob {
		if k == uiagent.KeyUserName || k == "secret" || k == uiagent.KeyAccessTokens {
			continue
		}
		clean[k] = v
	}
	if err := c.cfg.Store.StoreData(context.Background(), id, c.method, clean); err != nil {
		c.logger.WithError(err).Warn("plugin.store failed to persist")
	}
}

// finishResult implements spec.md §4.8's "Result finalisation" steps 1-7.
func (c *Core) finishResult(data uiagent.ParamMap) {
	req := c.active
	c.state = Finalising

	if req.canceled {
		c.deliver(req, nil, errormodel.CollapsedSessionCancel(true))
		c.finishActive()
		return
	}

	ctx := context.Background()
	id := c.ID()
	if id != store.NewID {
		identity, err := c.cfg.Store.Credentials(ctx, id, true)
		if err == nil {
			if !identity.Validated && c.tmpUserName != "" {
				identity.UserName = c.tmpUserName
			}
			if c.tmpSecret != "" {
				identity.Secret = c.tmpSecret
			}
			identity.Validated = true
			if err := c.cfg.Store.Update(ctx, identity); err != nil {
				c.logger.WithError(err).Warn("failed to persist validated identity")
			}
			if c.uiShown && !c.cfg.Store.IsSecretsDBOpen(ctx) && c.cfg.OnSecureStorageHint != nil {
				c.cfg.OnSecureStorageHint()
			}
		}
	}

	out := data.Clone()
	if c.method != password.Method {
		delete(out, "secret")
	}

	c.deliver(req, out, nil)
	c.finishActive()
}

func (c *Core) finishPluginError(ev plugin.Event) {
	req := c.active
	c.state = Finalising

	var sdkErr *errormodel.Error
	if ev.Code == int(errormodel.SessionCanceled) {
		// §7: a plugin-reported SessionCanceled only stays SessionCanceled
		// when the request was in fact canceled; arriving unsolicited it
		// collapses to OperationCanceled.
		sdkErr = errormodel.CollapsedSessionCancel(req.canceled)
	} else if req.canceled {
		sdkErr = errormodel.CollapsedSessionCancel(true)
	} else {
		sdkErr = errormodel.FromPluginCode(ev.Code, ev.Message)
	}
	c.deliver(req, nil, sdkErr)
	c.finishActive()
}

func (c *Core) finishWithError(req *request, err *errormodel.Error) {
	c.state = Finalising
	c.deliver(req, nil, err)
	c.finishActive()
}

func (c *Core) deliver(req *request, data uiagent.ParamMap, err error) {
	if req == nil || req.reply == nil {
		return
	}
	req.reply(data, err)
}

func (c *Core) finishActive() {
	c.active = nil
	c.state = Idle
	c.uiShown = false
	c.touch()
	c.maybeAdvance()
}

func (c *Core) arm() {
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
		c.cmds <- c.onIdleTimeout
	})
}

func (c *Core) touch() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
		c.cmds <- c.onIdleTimeout
	})
}

func (c *Core) onIdleTimeout() {
	if c.active != nil || c.uiShown || len(c.queue) > 0 {
		return
	}
	if c.cfg.OnIdle != nil {
		c.cfg.OnIdle()
	}
}

// armWatchdog starts the plugin round-trip watchdog; onWatchdog checks a
// generation counter so a timer fired just as a reply arrives is a no-op.
func (c *Core) armWatchdog() {
	c.watchdogGen++
	gen := c.watchdogGen
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(c.cfg.PluginTimeout, func() {
		c.cmds <- func() { c.onWatchdog(gen) }
	})
}

func (c *Core) disarmWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Core) onWatchdog(gen uint64) {
	if gen != c.watchdogGen || c.active == nil {
		return
	}
	c.logger.Warn("plugin call timed out, canceling")
	if c.plug != nil {
		c.plug.Cancel()
	}
	c.finishPluginError(plugin.Event{Kind: plugin.EventError, Code: int(errormodel.TimedOut)})
}
