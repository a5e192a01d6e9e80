package redaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString_RedactsTokenAssignment(t *testing.T) {
	out := String(`token: "abc123supersecret"`)
	require.Contains(t, out, redactionText)
	require.NotContains(t, out, "abc123supersecret")
}

func TestString_LeavesOrdinaryTextAlone(t *testing.T) {
	in := "device registered with identifier foo-bar-123"
	require.Equal(t, in, String(in))
}

func TestIsSecretField(t *testing.T) {
	require.True(t, IsSecretField("api_key"))
	require.True(t, IsSecretField("Authorization_token"))
	require.False(t, IsSecretField("module_id"))
}

func TestValue_RedactsSecretFieldOutright(t *testing.T) {
	require.Equal(t, redactionText, Value("password", "hunter2"))
}

func TestValue_PassesThroughNonSecretNonString(t *testing.T) {
	require.Equal(t, 42, Value("retry_count", 42))
}
