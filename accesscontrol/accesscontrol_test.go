package accesscontrol

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailfishos/signond-go/peer"
	"github.com/sailfishos/signond-go/store"
)

type fakeResolver struct {
	byConn map[string]peer.Resolved
}

func (f *fakeResolver) Resolve(ctx peer.Context) (peer.Resolved, error) {
	return f.byConn[ctx.ConnectionID()], nil
}

func newTestAC(resolver *fakeResolver, requestAccess RequestAccessFunc) *AccessControl {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(Config{Resolver: resolver, KeychainWidgetApp: "keychain-ui", RequestAccess: requestAccess}, logger)
}

func TestIsPeerAllowedToUseIdentityViaACL(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"app-a": {AppID: "app-a", SecurityContexts: []peer.SecurityContext{{SystemContext: "app-a"}}},
	}}
	ac := newTestAC(resolver, nil)
	identity := store.Identity{
		Owners: []store.SecurityContext{{SystemContext: "owner-app"}},
		ACL:    []store.SecurityContext{{SystemContext: "app-a"}},
	}
	allowed, err := ac.IsPeerAllowedToUseIdentity(context.Background(), peer.New("app-a", 1), identity)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestIsPeerAllowedToUseIdentityDeniedWithoutACLOrOwnership(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"app-c": {AppID: "app-c", SecurityContexts: []peer.SecurityContext{{SystemContext: "app-c"}}},
	}}
	ac := newTestAC(resolver, nil)
	identity := store.Identity{Owners: []store.SecurityContext{{SystemContext: "owner-app"}}}
	allowed, err := ac.IsPeerAllowedToUseIdentity(context.Background(), peer.New("app-c", 1), identity)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestUntrustedNewIdentityHasNoOwners(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{"app-x": {AppID: "app-x"}}}
	ac := newTestAC(resolver, nil)
	allowed, err := ac.IsPeerAllowedToUseIdentity(context.Background(), peer.New("app-x", 1), store.Identity{})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRequireOwnerOrKeychainWidget(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"keychain-ui": {AppID: "keychain-ui"},
		"other-app":   {AppID: "other-app", SecurityContexts: []peer.SecurityContext{{SystemContext: "other-app"}}},
	}}
	ac := newTestAC(resolver, nil)
	identity := store.Identity{Owners: []store.SecurityContext{{SystemContext: "owner-app"}}}

	require.NoError(t, ac.RequireOwnerOrKeychainWidget(context.Background(), peer.New("keychain-ui", 1), identity))

	err := ac.RequireOwnerOrKeychainWidget(context.Background(), peer.New("other-app", 1), identity)
	require.Error(t, err)
}

func TestRequireUseEscalatesViaRequestAccess(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"app-b": {AppID: "app-b", SecurityContexts: []peer.SecurityContext{{SystemContext: "app-b"}}},
	}}
	called := false
	ac := newTestAC(resolver, func(ctx context.Context, pctx peer.Context, identity store.Identity, reason string) (bool, error) {
		called = true
		return true, nil
	})
	identity := store.Identity{Owners: []store.SecurityContext{{SystemContext: "owner-app"}}}

	err := ac.RequireUse(context.Background(), peer.New("app-b", 1), identity)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestIsACLValidRejectsWidening(t *testing.T) {
	resolver := &fakeResolver{byConn: map[string]peer.Resolved{
		"app-a": {AppID: "app-a", SecurityContexts: []peer.SecurityContext{{SystemContext: "app-a"}}},
	}}
	ac := newTestAC(resolver, nil)

	valid, err := ac.IsACLValid(context.Background(), peer.New("app-a", 1), []store.SecurityContext{{SystemContext: "app-a"}})
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = ac.IsACLValid(context.Background(), peer.New("app-a", 1), []store.SecurityContext{{SystemContext: "someone-else"}})
	require.NoError(t, err)
	assert.False(t, valid)
}
