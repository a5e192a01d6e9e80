package configctl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

type fakeVerifier struct {
	fail bool
}

func (v *fakeVerifier) Verify(content []byte, signature string) error {
	if v.fail {
		return errors.New("signature mismatch")
	}
	return nil
}

func TestSignedFileModule_WritesContentWhenVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"content":   map[string]interface{}{"compliance_enabled": true},
				"signature": "deadbeef",
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := registrar.New(registrar.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "acme.json")
	m := NewSignedFileModule(client, "/config/acme", path, &fakeVerifier{})
	require.NoError(t, m.Run(context.Background()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"compliance_enabled":true}`, string(content))
}

func TestSignedFileModule_VerificationFailureDoesNotWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"content":   map[string]interface{}{"compliance_enabled": true},
				"signature": "deadbeef",
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := registrar.New(registrar.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "acme.json")
	m := NewSignedFileModule(client, "/config/acme", path, &fakeVerifier{fail: true})

	err = m.Run(context.Background())
	require.Error(t, err)
	require.NoFileExists(t, path)
}
