package identity

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

func newTestConfig(t *testing.T, resolver *fakeResolver) (Config, store.Storage, *uiagent.Fake) {
	t.Helper()
	st := memstore.New(testLogger(), true)
	ac := accesscontrol.New(accesscontrol.Config{Resolver: resolver, KeychainWidgetApp: "keychain-ui"}, testLogger())
	ui := uiagent.NewFake()
	return Config{
		Store:         st,
		AccessControl: ac,
		Resolver:      resolver,
		UI:            ui,
		IdleTimeout:   time.Hour,
	}, st, ui
}

func TestStoreAssignsFreshIDAndEnforcesOwners(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, _, _ := newTestConfig(t, resolver)
	obj := New(store.NewID, cfg, testLogger())

	pctx := peer.New("owner-app", 1)
	_, err := obj.Store(context.Background(), pctx, store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, store.NewID, obj.ID())
}

func TestStoreDefaultsEmptyOwnersToCallerAppID(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, _, _ := newTestConfig(t, resolver)
	obj := New(store.NewID, cfg, testLogger())

	_, err := obj.Store(context.Background(), peer.New("owner-app", 1), store.Identity{UserName: "alice"})
	require.NoError(t, err)

	info, err := obj.GetInfo(context.Background(), peer.New("owner-app", 1))
	require.NoError(t, err)
	assert.Equal(t, []store.SecurityContext{{SystemContext: "owner-app"}}, info.Owners)
}

func TestStoreRejectsEmptyOwnersWithNoCallerAppID(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, _, _ := newTestConfig(t, resolver)
	obj := New(store.NewID, cfg, testLogger())

	// "stranger-conn" has no resolver entry, so it resolves to an empty
	// AppID: the only case property 5 actually requires InvalidQuery for.
	_, err := obj.Store(context.Background(), peer.New("stranger-conn", 1), store.Identity{UserName: "alice"})
	require.Error(t, err)
	var sdkErr *errormodel.Error
	require.ErrorAs(t, err, &sdkErr)
	assert.Equal(t, errormodel.InvalidQuery, sdkErr.Code)
}

func TestGetInfoSuppressesSecret(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, _ := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Secret:   "s3cr3t",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	info, err := obj.GetInfo(context.Background(), peer.New("owner-app", 1))
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserName)
	assert.Empty(t, info.Secret)
}

func TestGetInfoDeniedForStranger(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app":   {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
		"stranger-app": {AppID: "stranger-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "stranger-app"}}},
	}}
	cfg, st, _ := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	_, err = obj.GetInfo(context.Background(), peer.New("stranger-app", 1))
	require.Error(t, err)
	var sdkErr *errormodel.Error
	require.ErrorAs(t, err, &sdkErr)
	assert.Equal(t, errormodel.PermissionDenied, sdkErr.Code)
}

func TestAddAndRemoveReference(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, _ := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	pctx := peer.New("owner-app", 1)

	require.NoError(t, obj.AddReference(context.Background(), pctx, "widget-a"))
	require.NoError(t, obj.AddReference(context.Background(), pctx, "widget-a")) // idempotent

	require.NoError(t, obj.RemoveReference(context.Background(), pctx, "widget-a"))
	err = obj.RemoveReference(context.Background(), pctx, "widget-a")
	require.Error(t, err)
	var sdkErr *errormodel.Error
	require.ErrorAs(t, err, &sdkErr)
	assert.Equal(t, errormodel.ReferenceNotFound, sdkErr.Code)
}

func TestVerifyUserRetryBudgetExhausts(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, ui := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Secret:   "correct",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	ui.Enqueue(uiagent.ParamMap{uiagent.KeyPassword: "wrong-1"})
	ui.Enqueue(uiagent.ParamMap{uiagent.KeyPassword: "wrong-2"})

	budget := 1
	ok, err := obj.VerifyUser(context.Background(), peer.New("owner-app", 1), VerifyUserParams{ConfirmCount: &budget})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, ui.Queries(), 2)
}

func TestVerifyUserSucceedsOnRetry(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, ui := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Secret:   "correct",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	ui.Enqueue(uiagent.ParamMap{uiagent.KeyPassword: "wrong-1"})
	ui.Enqueue(uiagent.ParamMap{uiagent.KeyPassword: "correct"})

	budget := 2
	ok, err := obj.VerifyUser(context.Background(), peer.New("owner-app", 1), VerifyUserParams{ConfirmCount: &budget})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyUserCanceled(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, ui := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Secret:   "correct",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	ui.Enqueue(uiagent.ParamMap{uiagent.KeyError: uiagent.ResultCanceled})

	_, err = obj.VerifyUser(context.Background(), peer.New("owner-app", 1), VerifyUserParams{})
	require.Error(t, err)
	var sdkErr *errormodel.Error
	require.ErrorAs(t, err, &sdkErr)
	assert.Equal(t, errormodel.OperationCanceled, sdkErr.Code)
}

func TestRemoveRequiresOwnerOrKeychainWidget(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app":   {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
		"stranger-app": {AppID: "stranger-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "stranger-app"}}},
	}}
	cfg, st, _ := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	err = obj.Remove(context.Background(), peer.New("stranger-app", 1))
	require.Error(t, err)

	obj2 := New(id, cfg, testLogger())
	require.NoError(t, obj2.Remove(context.Background(), peer.New("owner-app", 1)))

	_, err = st.Credentials(context.Background(), id, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSignOutClearsMethodData(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, _ := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
		Methods:  map[string][]string{"password": {"plain"}},
	})
	require.NoError(t, err)
	require.NoError(t, st.StoreData(context.Background(), id, "password", map[string]store.Value{"token": "abc"}))

	obj := New(id, cfg, testLogger())
	require.NoError(t, obj.SignOut(context.Background(), peer.New("owner-app", 1)))

	blob, err := st.LoadData(context.Background(), id, "password")
	require.NoError(t, err)
	assert.Empty(t, blob)
}

func TestCacheInvalidatesOnCredentialsUpdatedBroadcast(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, _ := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	obj := New(id, cfg, testLogger())
	pctx := peer.New("owner-app", 1)

	info, err := obj.GetInfo(context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserName)

	current, err := st.Credentials(context.Background(), id, true)
	require.NoError(t, err)
	current.UserName = "alice2"
	require.NoError(t, st.Update(context.Background(), current))

	require.Eventually(t, func() bool {
		info, err := obj.GetInfo(context.Background(), pctx)
		return err == nil && info.UserName == "alice2"
	}, time.Second, 5*time.Millisecond)
}

func TestReleaseArmsIdleTimerAndUnregisters(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"owner-app": {AppID: "owner-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "owner-app"}}},
	}}
	cfg, st, _ := newTestConfig(t, resolver)
	id, err := st.Insert(context.Background(), store.Identity{
		UserName: "alice",
		Owners:   []store.SecurityContext{{SystemContext: "owner-app"}},
	})
	require.NoError(t, err)

	cfg.IdleTimeout = 10 * time.Millisecond
	unregistered := make(chan struct{})
	cfg.OnUnregistered = func() { close(unregistered) }

	obj := New(id, cfg, testLogger())
	obj.Acquire()
	obj.Release()

	select {
	case <-unregistered:
	case <-time.After(time.Second):
		t.Fatal("expected idle timeout to fire OnUnregistered")
	}
}
