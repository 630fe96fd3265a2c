// Package errormodel implements the daemon's closed failure taxonomy (C1).
//
// Every failure that can cross the wire to a client is one of the Codes
// defined here. Nothing else is admitted: internal errors (wrapped with
// github.com/pkg/errors deeper in the stack) are translated to the nearest
// Code before they reach a reply sink.
package errormodel

import "fmt"

// Code is a value from the closed error enum of spec.md §4.1.
type Code int

const (
	UnknownError Code = iota
	InternalServer
	InternalCommunication
	PermissionDenied
	MethodOrMechanismNotAllowed
	EncryptionFailed
	MethodNotKnown
	ServiceNotAvailable
	InvalidQuery
	MethodNotAvailable
	IdentityNotFound
	StoreFailed
	RemoveFailed
	SignoutFailed
	OperationCanceled
	CredentialsNotAvailable
	ReferenceNotFound
	MechanismNotAvailable
	MissingData
	InvalidCredentials
	NotAuthorized
	WrongState
	OperationNotSupported
	NoConnection
	NetworkError
	SslError
	RuntimeError
	SessionCanceled
	TimedOut
	UserInteraction
	OperationFailed
	TOSNotAccepted
	ForgotPassword
	IncorrectDate
	UserDefinedError
)

// pluginCutoff is the last Code a Plugin is allowed to report natively.
// Anything numerically above it (as reported by a Plugin, see
// FromPluginCode) collapses to UserDefinedError with the raw code
// preserved in the message, mirroring erroradaptor.cpp's SSO_ERROR_USER_ERROR
// cutoff in the original implementation.
const pluginCutoff = UserDefinedError - 1

type entry struct {
	wireCode string
	message  string
}

var table = map[Code]entry{
	UnknownError:                {"com.signond.Error.Unknown", "Unknown error"},
	InternalServer:              {"com.signond.Error.InternalServer", "Internal server error"},
	InternalCommunication:       {"com.signond.Error.InternalCommunication", "Internal communication error"},
	PermissionDenied:            {"com.signond.Error.PermissionDenied", "Permission denied"},
	MethodOrMechanismNotAllowed: {"com.signond.Error.MethodOrMechanismNotAllowed", "Method or mechanism not allowed for this identity"},
	EncryptionFailed:            {"com.signond.Error.EncryptionFailed", "Encryption failed"},
	MethodNotKnown:              {"com.signond.Error.MethodNotKnown", "Method not known"},
	ServiceNotAvailable:         {"com.signond.Error.ServiceNotAvailable", "Service not available"},
	InvalidQuery:                {"com.signond.Error.InvalidQuery", "Invalid query"},
	MethodNotAvailable:          {"com.signond.Error.MethodNotAvailable", "Method not available"},
	IdentityNotFound:            {"com.signond.Error.IdentityNotFound", "Identity not found"},
	StoreFailed:                 {"com.signond.Error.StoreFailed", "Store operation failed"},
	RemoveFailed:                {"com.signond.Error.RemoveFailed", "Remove operation failed"},
	SignoutFailed:               {"com.signond.Error.SignOutFailed", "Sign out failed"},
	OperationCanceled:           {"com.signond.Error.OperationCanceled", "Operation canceled"},
	CredentialsNotAvailable:     {"com.signond.Error.CredentialsNotAvailable", "Credentials not available"},
	ReferenceNotFound:           {"com.signond.Error.ReferenceNotFound", "Reference not found"},
	MechanismNotAvailable:       {"com.signond.Error.MechanismNotAvailable", "Mechanism not available"},
	MissingData:                 {"com.signond.Error.MissingData", "Missing data"},
	InvalidCredentials:          {"com.signond.Error.InvalidCredentials", "Invalid credentials"},
	NotAuthorized:               {"com.signond.Error.NotAuthorized", "Not authorized"},
	WrongState:                  {"com.signond.Error.WrongState", "Wrong state"},
	OperationNotSupported:       {"com.signond.Error.OperationNotSupported", "Operation not supported"},
	NoConnection:                {"com.signond.Error.NoConnection", "No connection"},
	NetworkError:                {"com.signond.Error.Network", "Network error"},
	SslError:                    {"com.signond.Error.Ssl", "SSL error"},
	RuntimeError:                {"com.signond.Error.Runtime", "Runtime error"},
	SessionCanceled:             {"com.signond.Error.SessionCanceled", "Session canceled"},
	TimedOut:                    {"com.signond.Error.TimedOut", "Timed out"},
	UserInteraction:             {"com.signond.Error.UserInteraction", "User interaction error"},
	OperationFailed:             {"com.signond.Error.OperationFailed", "Operation failed"},
	TOSNotAccepted:              {"com.signond.Error.TOSNotAccepted", "Terms of service not accepted"},
	ForgotPassword:              {"com.signond.Error.ForgotPassword", "Forgot password requested"},
	IncorrectDate:               {"com.signond.Error.IncorrectDate", "Incorrect date"},
	UserDefinedError:            {"com.signond.Error.UserDefined", "User defined error"},
}

// Error is the concrete error type returned across every gated operation
// in this module. It carries a Code and an optional overridden message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return table[e.Code].message
}

// WireCode returns the stable wire-code string for this error, the only
// thing the DaemonFacade edge puts on the bus.
func (e *Error) WireCode() string {
	if ent, ok := table[e.Code]; ok {
		return ent.wireCode
	}
	return table[UnknownError].wireCode
}

// New builds an Error with the default message for code.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Newf builds an Error with an overridden, formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromPluginCode translates a numeric code reported by a Plugin's error
// signal into a Code. Values at or below pluginCutoff are looked up in the
// fixed table; values above it collapse to UserDefinedError with the raw
// numeric code preserved in the message prefix, per §4.1. Negative values
// lie outside the known range and collapse to UnknownError, with the raw
// value kept in the message.
func FromPluginCode(raw int, rawMessage string) *Error {
	switch {
	case raw < 0:
		return Newf(UnknownError, "plugin reported out-of-range code %d: %s", raw, rawMessage)
	case raw > int(pluginCutoff):
		return Newf(UserDefinedError, "[%d] %s", raw, rawMessage)
	default:
		if rawMessage != "" {
			return &Error{Code: Code(raw), Message: rawMessage}
		}
		return New(Code(raw))
	}
}

// CollapsedSessionCancel decides between SessionCanceled and
// OperationCanceled for a plugin-reported SessionCanceled code, per §7: the
// code is SessionCanceled only when the request was in fact canceled by the
// client; an unsolicited occurrence of the same plugin code is delivered as
// OperationCanceled.
func CollapsedSessionCancel(clientInitiated bool) *Error {
	if clientInitiated {
		return New(SessionCanceled)
	}
	return New(OperationCanceled)
}

// FromTransportFailure collapses a bus-layer transport failure to
// UnknownError, except that an "unknown object" failure on an
// identity-targeted operation maps to IdentityNotFound. Per §7 and the
// open question recorded in §9, NoReply/Timeout intentionally stay
// collapsed to UnknownError rather than becoming TimedOut; the raw
// transport code should be logged by the caller.
func FromTransportFailure(identityTargeted bool, unknownObject bool) *Error {
	if unknownObject && identityTargeted {
		return New(IdentityNotFound)
	}
	return New(UnknownError)
}
