package configctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

func TestTokenModule_StoresFetchedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"token":      "sts-token-value",
				"expires_at": time.Now().Add(time.Hour),
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := registrar.New(registrar.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	m := NewTokenModule(client)
	require.Empty(t, m.Token())
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, "sts-token-value", m.Token())
	require.False(t, m.ShouldRunImmediately(time.Now()))
}
