// Package oauthtoken implements an interactive "oauth2" authentication
// method: an authorization-code mechanism that needs a UIAgent round trip
// before it can finish. It demonstrates the EventUIRequest/ProcessUI path
// of the Plugin contract with a real protocol library,
// golang.org/x/oauth2, grounded on connector/oauth's configuration shape
// (clientID/clientSecret/token and authorization URLs).
package oauthtoken

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/uiagent"
)

// Method is the name a daemon operator registers this plugin under.
const Method = "oauth2"

// MechanismAuthorizationCode is the only mechanism this plugin exposes.
const MechanismAuthorizationCode = "authorization-code"

// Config mirrors the subset of connector/oauth's oauthConnector fields
// this plugin needs to drive an authorization-code exchange.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

func (c Config) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

type oauthPlugin struct {
	cfg    Config
	events chan plugin.Event
	state  string
}

// New returns a session-scoped instance of the OAuth2 plugin for cfg,
// suitable for registration with plugin.BuiltinRegistry under Method.
func New(cfg Config) func() (plugin.Plugin, error) {
	return func() (plugin.Plugin, error) {
		return &oauthPlugin{cfg: cfg, events: make(chan plugin.Event, 2)}, nil
	}
}

func (p *oauthPlugin) Mechanisms() []string { return []string{MechanismAuthorizationCode} }

func (p *oauthPlugin) Events() <-chan plugin.Event { return p.events }

func (p *oauthPlugin) Process(_ context.Context, params uiagent.ParamMap, mechanism string) {
	if mechanism != MechanismAuthorizationCode {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.MechanismNotAvailable)}
		return
	}

	p.state = params.String("state")
	if p.state == "" {
		p.state = params.String(uiagent.KeyRequestID)
	}

	authURL := p.cfg.oauth2Config().AuthCodeURL(p.state)
	p.events <- plugin.Event{Kind: plugin.EventUIRequest, Data: uiagent.ParamMap{
		uiagent.KeyMessage: authURL,
	}}
}

func (p *oauthPlugin) ProcessUI(ctx context.Context, params uiagent.ParamMap) {
	if params.ResultErrorOf() == uiagent.ResultCanceled {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.OperationCanceled)}
		return
	}

	code := params.String("code")
	if code == "" {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.MissingData)}
		return
	}

	tok, err := p.cfg.oauth2Config().Exchange(ctx, code)
	if err != nil {
		p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.InvalidCredentials), Message: err.Error()}
		return
	}

	// Persist the token under this method's per-method blob so a future
	// turn can refresh it without another UI round trip — handled by
	// SessionCore's plugin.store path, not by this plugin touching the
	// Store directly.
	p.events <- plugin.Event{Kind: plugin.EventStore, Data: uiagent.ParamMap{
		"accessToken":  tok.AccessToken,
		"refreshToken": tok.RefreshToken,
	}}
	p.events <- plugin.Event{Kind: plugin.EventResult, Data: uiagent.ParamMap{}}
}

func (p *oauthPlugin) ProcessRefresh(ctx context.Context, params uiagent.ParamMap) {
	p.ProcessUI(ctx, params)
}

func (p *oauthPlugin) Cancel() {
	p.events <- plugin.Event{Kind: plugin.EventError, Code: int(errormodel.SessionCanceled)}
}

func (p *oauthPlugin) Close() error {
	close(p.events)
	return nil
}

var _ plugin.Plugin = (*oauthPlugin)(nil)
