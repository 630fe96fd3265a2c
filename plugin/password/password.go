// Package password implements the daemon's built-in "password" method
// (spec.md §4.8's "method is the built-in password method" carve-out for
// secret suppression). It is the one method whose mechanisms the daemon
// ships itself rather than loading from an external plugin, grounded on
// connector/mock's "no real protocol, just confirm an identity" shape and
// on golang.org/x/crypto/bcrypt for the hashed mechanism, the same
// library and cost constants server/password.go uses.
package password

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/sailfishos/signond-go/errormodel"
	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/uiagent"
)

// Method is the well-known method name spec.md §4.8 calls out by name.
const Method = "password"

const (
	MechanismPlain  = "plain"
	MechanismHashed = "hashed"
)

// recCost mirrors server/password.go's recommended bcrypt cost.
const recCost = 12

// HashSecret hashes a plaintext secret for storage under the "hash" key of
// this method's per-method blob (store.StoreData), for use with
// MechanismHashed.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), recCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type passwordPlugin struct {
	events chan plugin.Event

	mechanism string
	userName  string
	hash      string // only meaningful for MechanismHashed
}

// New returns a fresh, session-scoped instance of the built-in password
// plugin, suitable for registration with plugin.BuiltinRegistry under
// Method.
func New() (plugin.Plugin, error) {
	return &passwordPlugin{events: make(chan plugin.Event, 4)}, nil
}

func (p *passwordPlugin) Mechanisms() []string {
	return []string{MechanismPlain, MechanismHashed}
}

func (p *passwordPlugin) Events() <-chan plugin.Event { return p.events }

func (p *passwordPlugin) emit(ev plugin.Event) { p.events <- ev }

func (p *passwordPlugin) Process(_ context.Context, params uiagent.ParamMap, mechanism string) {
	p.mechanism = mechanism
	p.userName = params.String(uiagent.KeyUserName)

	switch mechanism {
	case MechanismPlain:
		p.processPlain(params)
	case MechanismHashed:
		p.hash = params.String("hash")
		p.processHashed(params)
	default:
		p.emit(plugin.Event{Kind: plugin.EventError, Code: int(errormodel.MechanismNotAvailable)})
	}
}

func (p *passwordPlugin) processPlain(params uiagent.ParamMap) {
	if secret := params.String(uiagent.KeyPassword); secret != "" {
		p.succeed(secret)
		return
	}
	if secret := params.String("secret"); secret != "" {
		p.succeed(secret)
		return
	}
	p.requestPassword()
}

func (p *passwordPlugin) processHashed(params uiagent.ParamMap) {
	if p.hash == "" {
		p.emit(plugin.Event{Kind: plugin.EventError, Code: int(errormodel.MethodOrMechanismNotAllowed),
			Message: "no stored hash for hashed mechanism"})
		return
	}
	if secret := params.String(uiagent.KeyPassword); secret != "" {
		p.checkHash(secret)
		return
	}
	if secret := params.String("secret"); secret != "" {
		p.checkHash(secret)
		return
	}
	p.requestPassword()
}

func (p *passwordPlugin) requestPassword() {
	p.emit(plugin.Event{Kind: plugin.EventUIRequest, Data: uiagent.ParamMap{
		uiagent.KeyQueryPassword: true,
		uiagent.KeyUserName:      p.userName,
	}})
}

func (p *passwordPlugin) checkHash(secret string) {
	if bcrypt.CompareHashAndPassword([]byte(p.hash), []byte(secret)) != nil {
		p.emit(plugin.Event{Kind: plugin.EventError, Code: int(errormodel.InvalidCredentials)})
		return
	}
	p.succeed(secret)
}

func (p *passwordPlugin) succeed(secret string) {
	p.emit(plugin.Event{Kind: plugin.EventResult, Data: uiagent.ParamMap{
		uiagent.KeyUserName: p.userName,
		"secret":            secret,
	}})
}

func (p *passwordPlugin) ProcessUI(_ context.Context, params uiagent.ParamMap) {
	if params.ResultErrorOf() == uiagent.ResultCanceled {
		p.emit(plugin.Event{Kind: plugin.EventError, Code: int(errormodel.OperationCanceled)})
		return
	}
	secret := params.String(uiagent.KeyPassword)
	if secret == "" {
		p.emit(plugin.Event{Kind: plugin.EventError, Code: int(errormodel.MissingData)})
		return
	}
	if p.mechanism == MechanismHashed {
		p.checkHash(secret)
		return
	}
	p.succeed(secret)
}

func (p *passwordPlugin) ProcessRefresh(ctx context.Context, params uiagent.ParamMap) {
	p.ProcessUI(ctx, params)
}

func (p *passwordPlugin) Cancel() {
	p.emit(plugin.Event{Kind: plugin.EventError, Code: int(errormodel.SessionCanceled)})
}

func (p *passwordPlugin) Close() error {
	close(p.events)
	return nil
}

var _ plugin.Plugin = (*passwordPlugin)(nil)
