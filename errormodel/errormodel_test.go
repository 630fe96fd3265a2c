package errormodel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireCodeStable(t *testing.T) {
	err := New(PermissionDenied)
	assert.Equal(t, "com.signond.Error.PermissionDenied", err.WireCode())
	assert.Equal(t, "Permission denied", err.Error())
}

func TestNewfOverridesMessage(t *testing.T) {
	err := Newf(InvalidQuery, "owners must not be empty for identity %d", 7)
	assert.Equal(t, "owners must not be empty for identity 7", err.Error())
	assert.Equal(t, "com.signond.Error.InvalidQuery", err.WireCode())
}

func TestFromPluginCodeBelowCutoff(t *testing.T) {
	err := FromPluginCode(int(InvalidCredentials), "")
	require.NotNil(t, err)
	assert.Equal(t, InvalidCredentials, err.Code)
}

func TestFromPluginCodeAboveCutoffCollapses(t *testing.T) {
	err := FromPluginCode(int(UserDefinedError)+50, "plugin-specific failure")
	require.NotNil(t, err)
	assert.Equal(t, UserDefinedError, err.Code)
	assert.Contains(t, err.Error(), fmt.Sprintf("[%d]", int(UserDefinedError)+50))
	assert.Contains(t, err.Error(), "plugin-specific failure")
}

func TestFromPluginCodeOutOfRangeIsUnknown(t *testing.T) {
	err := FromPluginCode(-1, "garbage")
	require.NotNil(t, err)
	assert.Equal(t, UnknownError, err.Code)
}

func TestCollapsedSessionCancel(t *testing.T) {
	assert.Equal(t, SessionCanceled, CollapsedSessionCancel(true).Code)
	assert.Equal(t, OperationCanceled, CollapsedSessionCancel(false).Code)
}

func TestFromTransportFailure(t *testing.T) {
	assert.Equal(t, IdentityNotFound, FromTransportFailure(true, true).Code)
	assert.Equal(t, UnknownError, FromTransportFailure(false, true).Code)
	assert.Equal(t, UnknownError, FromTransportFailure(true, false).Code)
}
