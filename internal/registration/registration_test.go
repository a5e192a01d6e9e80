package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/identity"
	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *registrar.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := registrar.New(registrar.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return client
}

func TestCheckRegistration_UnregisteredNeedsRegistration(t *testing.T) {
	base := t.TempDir()
	m, err := New(base, nil, nil, nil)
	require.NoError(t, err)

	needsRegistration, needsRenewal := m.CheckRegistration(time.Now())
	require.True(t, needsRegistration)
	require.False(t, needsRenewal)
}

func TestRegisterSystem_PersistsIdentityAndState(t *testing.T) {
	base := t.TempDir()
	renewal := time.Now().Add(30 * 24 * time.Hour)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body["csr"])

		// Issue a self-signed-ish stub certificate by reusing a fresh identity.
		stub, err := identity.Generate("stub")
		require.NoError(t, err)
		csr, err := stub.CreateCSR("stub")
		require.NoError(t, err)
		_ = csr

		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"uuid":                    body["uuid"],
				"certificate":             issueTestCert(t, body["uuid"].(string)),
				"renewal_date":            renewal,
				"registration_uuid_reset": false,
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	m, err := New(base, client, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.RegisterSystem(context.Background(), ""))
	require.True(t, m.IsRegistered())
	require.NotEmpty(t, m.SystemID())

	_, needsRenewal := m.CheckRegistration(time.Now())
	require.False(t, needsRenewal)

	require.FileExists(t, filepath.Join(base, "manifests", "registration.json"))
	require.FileExists(t, filepath.Join(base, "identity", "identity.key"))
}

func TestRegisterSystem_UUIDResetAdoptsServerUUID(t *testing.T) {
	base := t.TempDir()
	serverUUID := "server-assigned-uuid"

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"uuid":                    serverUUID,
				"certificate":             issueTestCert(t, serverUUID),
				"renewal_date":            time.Now().Add(time.Hour),
				"registration_uuid_reset": true,
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	m, err := New(base, client, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterSystem(context.Background(), ""))
	require.Equal(t, serverUUID, m.SystemID())
}

func TestRun_RegistersWhenUnregistered(t *testing.T) {
	base := t.TempDir()
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"uuid":        body["uuid"],
				"certificate": issueTestCert(t, body["uuid"].(string)),
				"renewal_date": time.Now().Add(time.Hour),
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	m, err := New(base, client, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))
	require.True(t, called)
	require.True(t, m.IsRegistered())
}

// issueTestCert builds a minimal self-signed PEM certificate for commonName,
// standing in for the registrar's signed certificate response.
func issueTestCert(t *testing.T, commonName string) string {
	t.Helper()
	id, err := identity.Generate(commonName)
	require.NoError(t, err)
	pem := selfSign(t, id, commonName)
	return pem
}
