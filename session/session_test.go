package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailfishos/signond-go/accesscontrol"
	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/peer"
	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/plugin/password"
	"github.com/sailfishos/signond-go/store"
	"github.com/sailfishos/signond-go/store/memstore"
	"github.com/sailfishos/signond-go/uiagent"
)

type fakeResolver struct {
	byConn map[string]peer.Resolved
}

func (f *fakeResolver) Resolve(ctx peer.Context) (peer.Resolved, error) {
	return f.byConn[ctx.ConnectionID()], nil
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestCore(t *testing.T, id uint32) (*Core, store.Storage, *uiagent.Fake) {
	t.Helper()
	st := memstore.New(testLogger(), true)
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", PID: 1234, SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver, KeychainWidgetApp: "keychain-ui"}, testLogger())
	ui := uiagent.NewFake()
	reg := plugin.NewBuiltinRegistry()
	reg.Register(password.Method, password.New)

	cfg := Config{
		Store:         st,
		AccessControl: ac,
		Resolver:      resolver,
		UI:            ui,
		Registry:      reg,
		IdleTimeout:   time.Hour,
		PluginTimeout: time.Second,
	}
	return New(id, password.Method, cfg, testLogger()), st, ui
}

// blockingUI is a uiagent.Agent whose QueryDialog blocks until released,
// standing in for a real UI frontend's dialog round trip so tests can
// exercise a cancel that arrives while a request is genuinely in flight.
type blockingUI struct {
	queries  chan uiagent.ParamMap
	release  chan uiagent.ParamMap
	canceled chan string
}

func newBlockingUI() *blockingUI {
	return &blockingUI{
		queries:  make(chan uiagent.ParamMap, 4),
		release:  make(chan uiagent.ParamMap),
		canceled: make(chan string, 4),
	}
}

func (b *blockingUI) QueryDialog(_ context.Context, params uiagent.ParamMap) (uiagent.ParamMap, error) {
	b.queries <- params
	return <-b.release, nil
}

func (b *blockingUI) RefreshDialog(ctx context.Context, params uiagent.ParamMap) (uiagent.ParamMap, error) {
	return b.QueryDialog(ctx, params)
}

func (b *blockingUI) CancelUIRequest(requestID string) {
	b.canceled <- requestID
	select {
	case b.release <- uiagent.ParamMap{uiagent.KeyError: uiagent.ResultCanceled}:
	default:
	}
}

var _ uiagent.Agent = (*blockingUI)(nil)

// unsolicitedCancelPlugin answers Process by immediately emitting a
// SessionCanceled-coded EventError without ever being asked to Cancel, the
// way a plugin reporting its own internal cancellation (e.g. the peer
// dropped its protocol transport) would.
type unsolicitedCancelPlugin struct {
	events chan plugin.Event
}

func newUnsolicitedCancelPlugin() (plugin.Plugin, error) {
	return &unsolicitedCancelPlugin{events: make(chan plugin.Event, 4)}, nil
}

func (p *unsolicitedCancelPlugin) Mechanisms() []string { return []string{"only"} }

func (p *unsolicitedCancelPlugin) Events() <-chan plugin.Event { return p.events }

func (p *unsolicitedCancelPlugin) Process(_ context.Context, _ uiagent.ParamMap, _ string) {
	p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.SessionCanceled)}
}

func (p *unsolicitedCancelPlugin) ProcessUI(_ context.Context, _ uiagent.ParamMap)      {}
func (p *unsolicitedCancelPlugin) ProcessRefresh(_ context.Context, _ uiagent.ParamMap) {}
func (p *unsolicitedCancelPlugin) Cancel()                                              {}

func (p *unsolicitedCancelPlugin) Close() error {
	close(p.events)
	return nil
}

var _ plugin.Plugin = (*unsolicitedCancelPlugin)(nil)

type reply struct {
	data uiagent.ParamMap
	err  error
}

func collect() (ReplySink, <-chan reply) {
	ch := make(chan reply, 1)
	return func(data uiagent.ParamMap, err error) { ch <- reply{data, err} }, ch
}

func TestProcessSucceedsWithCallerSuppliedSecret(t *testing.T) {
	core, st, _ := newTestCore(t, store.NewID)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
		Methods:  map[string][]string{password.Method: {password.MechanismPlain}},
	})
	require.NoError(t, err)
	core.SetID(id)

	sink, ch := collect()
	core.Process(peer.New("owner-app", 1), uiagent.ParamMap{"secret": "s3cr3t"}, password.MechanismPlain, "req-1", sink)

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.Equal(t, "alice", r.data.String(uiagent.KeyUserName))
		assert.Equal(t, "s3cr3t", r.data.String("secret"))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}

	ident, err := st.Credentials(context.Background(), id, true)
	require.NoError(t, err)
	assert.True(t, ident.Validated)
	assert.Equal(t, "s3cr3t", ident.Secret)
}

func TestProcessStripsSecretForNonPasswordMethod(t *testing.T) {
	st := memstore.New(testLogger(), true)
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver}, testLogger())
	ui := uiagent.NewFake()
	reg := plugin.NewBuiltinRegistry()
	reg.Register("other", password.New) // same plugin under a different method name

	core := New(store.NewID, "other", Config{
		Store: st, AccessControl: ac, Resolver: resolver, UI: ui, Registry: reg,
		IdleTimeout: time.Hour, PluginTimeout: time.Second,
	}, testLogger())

	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	core.SetID(id)

	sink, ch := collect()
	core.Process(peer.New("owner-app", 1), uiagent.ParamMap{"secret": "s3cr3t"}, password.MechanismPlain, "req-1", sink)

	r := <-ch
	require.NoError(t, r.err)
	assert.Empty(t, r.data.String("secret"))
}

func TestProcessUIRoundTrip(t *testing.T) {
	core, st, ui := newTestCore(t, store.NewID)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Caption:  "Alice's account",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	core.SetID(id)

	ui.Enqueue(uiagent.ParamMap{uiagent.KeyPassword: "typed-secret"})

	sink, ch := collect()
	// uiPolicy=RequestPasswordPolicy forces the secret out of the inputs so
	// the built-in password plugin has to go through query_dialog.
	core.Process(peer.New("owner-app", 1), uiagent.ParamMap{uiagent.KeyUIPolicy: uiagent.UIPolicyRequestPasswordPolicy},
		password.MechanismPlain, "req-1", sink)

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.Equal(t, "typed-secret", r.data.String("secret"))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}

	queries := ui.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, "req-1", queries[0].String(uiagent.KeyRequestID))
	assert.Equal(t, "Alice's account", queries[0].String(uiagent.KeyCaption))
	assert.Equal(t, true, queries[0][uiagent.KeyStoredIdentity])
}

func TestQueueOrderPreserved(t *testing.T) {
	core, st, ui := newTestCore(t, store.NewID)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	core.SetID(id)

	// First request needs a UI round trip; second doesn't. Even though the
	// second could finish "faster", it must not be delivered first.
	ui.Enqueue(uiagent.ParamMap{uiagent.KeyPassword: "typed-secret"})

	sink1, ch1 := collect()
	sink2, ch2 := collect()
	pctx := peer.New("owner-app", 1)
	core.Process(pctx, uiagent.ParamMap{uiagent.KeyUIPolicy: uiagent.UIPolicyRequestPasswordPolicy}, password.MechanismPlain, "req-1", sink1)
	core.Process(pctx, uiagent.ParamMap{"secret": "s2"}, password.MechanismPlain, "req-2", sink2)

	var order []string
	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			order = append(order, "req-1")
		case <-ch2:
			order = append(order, "req-2")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}
	assert.Equal(t, []string{"req-1", "req-2"}, order)
}

func TestCancelQueuedRequestIsImmediate(t *testing.T) {
	st := memstore.New(testLogger(), true)
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver}, testLogger())
	ui := newBlockingUI()
	reg := plugin.NewBuiltinRegistry()
	reg.Register(password.Method, password.New)

	core := New(store.NewID, password.Method, Config{
		Store: st, AccessControl: ac, Resolver: resolver, UI: ui, Registry: reg,
		IdleTimeout: time.Hour, PluginTimeout: time.Second,
	}, testLogger())

	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	core.SetID(id)

	sink1, ch1 := collect()
	sink2, ch2 := collect()
	pctx := peer.New("owner-app", 1)
	// req-1 opens a dialog that stays open (blockingUI) until released below,
	// so req-2 is guaranteed to still be sitting in the queue when canceled.
	core.Process(pctx, uiagent.ParamMap{uiagent.KeyUIPolicy: uiagent.UIPolicyRequestPasswordPolicy}, password.MechanismPlain, "req-1", sink1)
	core.Process(pctx, uiagent.ParamMap{"secret": "s2"}, password.MechanismPlain, "req-2", sink2)

	select {
	case <-ui.queries:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for req-1's dialog")
	}

	core.Cancel("req-2")

	select {
	case r := <-ch2:
		require.Error(t, r.err)
		var sdkErr *errormodel.Error
		require.ErrorAs(t, r.err, &sdkErr)
		assert.Equal(t, errormodel.OperationCanceled, sdkErr.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel reply")
	}

	ui.release <- uiagent.ParamMap{uiagent.KeyPassword: "typed-secret"}
	r1 := <-ch1
	require.NoError(t, r1.err)
}

func TestCancelActiveRequestDeliversSessionCanceled(t *testing.T) {
	st := memstore.New(testLogger(), true)
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver}, testLogger())
	ui := newBlockingUI()
	reg := plugin.NewBuiltinRegistry()
	reg.Register(password.Method, password.New)

	core := New(store.NewID, password.Method, Config{
		Store: st, AccessControl: ac, Resolver: resolver, UI: ui, Registry: reg,
		IdleTimeout: time.Hour, PluginTimeout: time.Second,
	}, testLogger())

	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	core.SetID(id)

	sink, ch := collect()
	core.Process(peer.New("owner-app", 1), uiagent.ParamMap{uiagent.KeyUIPolicy: uiagent.UIPolicyRequestPasswordPolicy},
		password.MechanismPlain, "req-1", sink)

	select {
	case <-ui.queries:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the plugin to open a dialog")
	}

	core.Cancel("req-1")

	select {
	case r := <-ch:
		require.Error(t, r.err)
		var sdkErr *errormodel.Error
		require.ErrorAs(t, r.err, &sdkErr)
		assert.Equal(t, errormodel.SessionCanceled, sdkErr.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel reply")
	}

	select {
	case requestID := <-ui.canceled:
		assert.Equal(t, "req-1", requestID)
	case <-time.After(time.Second):
		t.Fatal("expected CancelUIRequest to be called")
	}
}

// TestUnsolicitedPluginSessionCanceledCollapsesToOperationCanceled covers
// spec.md §7's other half: a plugin-reported SessionCanceled that was never
// asked for (no Cancel call against the request) must be delivered as
// OperationCanceled, not SessionCanceled.
func TestUnsolicitedPluginSessionCanceledCollapsesToOperationCanceled(t *testing.T) {
	st := memstore.New(testLogger(), true)
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver}, testLogger())
	ui := uiagent.NewFake()
	reg := plugin.NewBuiltinRegistry()
	reg.Register("unsolicited", newUnsolicitedCancelPlugin)

	core := New(store.NewID, "unsolicited", Config{
		Store: st, AccessControl: ac, Resolver: resolver, UI: ui, Registry: reg,
		IdleTimeout: time.Hour, PluginTimeout: time.Second,
	}, testLogger())

	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	core.SetID(id)

	sink, ch := collect()
	core.Process(peer.New("owner-app", 1), uiagent.ParamMap{}, "only", "req-1", sink)

	select {
	case r := <-ch:
		require.Error(t, r.err)
		var sdkErr *errormodel.Error
		require.ErrorAs(t, r.err, &sdkErr)
		assert.Equal(t, errormodel.OperationCanceled, sdkErr.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestStopDrainsQueueWithServiceNotAvailable(t *testing.T) {
	st := memstore.New(testLogger(), true)
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver}, testLogger())
	ui := newBlockingUI()
	reg := plugin.NewBuiltinRegistry()
	reg.Register(password.Method, password.New)

	core := New(store.NewID, password.Method, Config{
		Store: st, AccessControl: ac, Resolver: resolver, UI: ui, Registry: reg,
		IdleTimeout: time.Hour, PluginTimeout: time.Second,
	}, testLogger())

	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	core.SetID(id)

	sink1, ch1 := collect()
	sink2, ch2 := collect()
	pctx := peer.New("owner-app", 1)
	// req-1 opens a dialog that stays open (blockingUI), so when Stop runs
	// req-1 is active and req-2 is still queued; both must be drained.
	core.Process(pctx, uiagent.ParamMap{uiagent.KeyUIPolicy: uiagent.UIPolicyRequestPasswordPolicy}, password.MechanismPlain, "req-1", sink1)
	core.Process(pctx, uiagent.ParamMap{"secret": "s2"}, password.MechanismPlain, "req-2", sink2)

	select {
	case <-ui.queries:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for req-1's dialog")
	}

	core.Stop()

	for _, ch := range []<-chan reply{ch1, ch2} {
		select {
		case r := <-ch:
			require.Error(t, r.err)
			var sdkErr *errormodel.Error
			require.ErrorAs(t, r.err, &sdkErr)
			assert.Equal(t, errormodel.ServiceNotAvailable, sdkErr.Code)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for Stop's reply")
		}
	}
}

func TestIdleTimeoutFiresWhenQuiescent(t *testing.T) {
	st := memstore.New(testLogger(), true)
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver}, testLogger())
	ui := uiagent.NewFake()
	reg := plugin.NewBuiltinRegistry()
	reg.Register(password.Method, password.New)

	idle := make(chan struct{})
	cfg := Config{
		Store: st, AccessControl: ac, Resolver: resolver, UI: ui, Registry: reg,
		IdleTimeout: 10 * time.Millisecond, PluginTimeout: time.Second,
		OnIdle: func() { close(idle) },
	}
	New(store.NewID, password.Method, cfg, testLogger())

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("expected OnIdle to fire")
	}
}
