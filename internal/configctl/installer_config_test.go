package configctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

type recordingApplier struct {
	targets []InstallerTarget
}

func (a *recordingApplier) Apply(ctx context.Context, targets []InstallerTarget) error {
	a.targets = targets
	return nil
}

func TestInstallerConfigModule_SortsByPriorityAscending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"targets": []map[string]interface{}{
					{"identifier": "b", "priority": 5},
					{"identifier": "a", "priority": 1},
					{"identifier": "c", "priority": 3},
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := registrar.New(registrar.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	applier := &recordingApplier{}
	m := NewInstallerConfigModule(client, applier)
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, applier.targets, 3)
	require.Equal(t, []string{"a", "c", "b"}, []string{
		applier.targets[0].Identifier,
		applier.targets[1].Identifier,
		applier.targets[2].Identifier,
	})
}
