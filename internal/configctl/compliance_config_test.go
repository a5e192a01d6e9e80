package configctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

type recordingReloader struct {
	identifiers []string
}

func (r *recordingReloader) ReloadManifests(identifiers []string) error {
	r.identifiers = append(r.identifiers, identifiers...)
	return nil
}

func TestComplianceConfigModule_WritesManifestsAndReloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"modules": []map[string]interface{}{
					{"identifier": "firewall", "manifest": map[string]interface{}{"priority": 1}},
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := registrar.New(registrar.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	dir := t.TempDir()
	reloader := &recordingReloader{}
	m := NewComplianceConfigModule(client, dir, reloader)

	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, []string{"firewall"}, reloader.identifiers)
	require.FileExists(t, filepath.Join(dir, "firewall.json"))

	content, err := os.ReadFile(filepath.Join(dir, "firewall.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"priority":1}`, string(content))
}
