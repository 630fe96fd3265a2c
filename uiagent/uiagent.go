// Package uiagent defines the UIAgent contract (C5): an external
// interactive-prompt service. The real implementation (a user-facing
// dialog process) is out of scope (spec.md §1); this package states the
// two async operations and the fixed set of recognized param keys, plus a
// Fake test double grounded on connector/mock's "no real user interaction"
// pattern.
package uiagent

import "context"

// Well-known ParamMap keys, per spec.md §4.5.
const (
	KeyQueryPassword          = "queryPassword"
	KeyUserName               = "userName"
	KeyMessage                = "message"
	KeyCaption                = "caption"
	KeyRequestID              = "requestId"
	KeyStoredIdentity         = "storedIdentity"
	KeyIdentity               = "identity"
	KeyClientData             = "clientData"
	KeyMethod                 = "method"
	KeyMechanism              = "mechanism"
	KeyPID                    = "pid"
	KeyAppID                  = "appId"
	KeyStorageKeysUnavailable = "storageKeysUnavailable"
	KeyUIPolicy               = "uiPolicy"
	KeyConfirmCount           = "confirmCount"
	KeyMessageID              = "messageId"
	KeyRefresh                = "refresh"
	KeyPassword               = "password"
	KeyError                  = "error"
	KeyAccessTokens           = "accessTokens"
)

// UIPolicy values recognized under KeyUIPolicy.
const (
	UIPolicyDefault               = ""
	UIPolicyRequestPasswordPolicy = "RequestPasswordPolicy"
)

// ResultError is the small enum carried under KeyError in a resultMap.
type ResultError int

const (
	ResultNoError ResultError = iota
	ResultCanceled
	ResultForgotPassword
	ResultNoUI
	ResultGeneric
)

// ParamMap is the wire's map-of-variants encoding (spec.md §6), modeled as
// a plain Go map so neither side needs a generated schema.
type ParamMap map[string]interface{}

// Clone returns a shallow copy, enough for the merge operations the
// SessionCore performs on these maps (spec.md §4.8).
func (p ParamMap) Clone() ParamMap {
	out := make(ParamMap, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Bool reads a boolean entry, defaulting to false if absent or of the
// wrong type — the map-of-variants encoding never errors on a missing key.
func (p ParamMap) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// String reads a string entry, defaulting to "".
func (p ParamMap) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// ResultErrorOf reads the KeyError entry as a ResultError.
func (p ParamMap) ResultErrorOf() ResultError {
	switch v := p[KeyError].(type) {
	case ResultError:
		return v
	case int:
		return ResultError(v)
	default:
		return ResultNoError
	}
}

// Agent is the interface SessionCore drives. query_dialog opens a fresh
// prompt; refresh_dialog updates an already-open one; cancel_ui_request is
// fire-and-forget.
type Agent interface {
	QueryDialog(ctx context.Context, params ParamMap) (ParamMap, error)
	RefreshDialog(ctx context.Context, params ParamMap) (ParamMap, error)
	CancelUIRequest(requestID string)
}
