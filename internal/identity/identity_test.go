package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate("device-uuid-1")
	require.NoError(t, err)
	require.False(t, id.Signed())
	require.Len(t, id.PrivateKey, 64)
	require.Len(t, id.PublicKey, 32)
}

func TestCreateCSR(t *testing.T) {
	id, err := Generate("device-uuid-1")
	require.NoError(t, err)

	csrPEM, err := id.CreateCSR("device-uuid-1")
	require.NoError(t, err)
	require.Contains(t, string(csrPEM), "CERTIFICATE REQUEST")
}

func TestSignAndVerifyJWT(t *testing.T) {
	id, err := Generate("device-uuid-1")
	require.NoError(t, err)

	token, err := id.SignJWT(time.Minute, map[string]interface{}{"posture": "compliant"})
	require.NoError(t, err)

	claims, err := id.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "device-uuid-1", claims["sub"])
	require.Equal(t, "compliant", claims["posture"])
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	id, err := Generate("device-uuid-1")
	require.NoError(t, err)

	token, err := id.SignJWT(-time.Minute, nil)
	require.NoError(t, err)

	_, err = id.Verify(token)
	require.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	id, err := Generate("device-uuid-1")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, id.SaveTo(dir))

	loaded, err := LoadFrom(dir, "device-uuid-1")
	require.NoError(t, err)
	require.Equal(t, id.PublicKey, loaded.PublicKey)
	require.False(t, loaded.Signed())
}
