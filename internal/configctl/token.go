package configctl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenModule fetches short-lived credentials used by the event sink's
// transport (spec §4.11 "Credentials for the sink are themselves
// delivered via the STS-token config sub-module").
type TokenModule struct {
	client  *registrar.Client
	entries *EntrySet

	mu    sync.RWMutex
	token string
}

// NewTokenModule creates a TokenModule.
func NewTokenModule(client *registrar.Client) *TokenModule {
	return &TokenModule{client: client, entries: NewEntrySet()}
}

func (m *TokenModule) Name() string { return "token" }

func (m *TokenModule) ShouldRunImmediately(now time.Time) bool {
	return m.entries.ShouldRunImmediately(now)
}

func (m *TokenModule) CurrentInterval(now time.Time) time.Duration {
	return m.entries.CurrentInterval(now)
}

// Run fetches a fresh token and schedules the next fetch comfortably
// before it expires, so a brief registrar outage near expiry still has
// headroom to retry.
func (m *TokenModule) Run(ctx context.Context) error {
	raw, err := m.client.Do(ctx, "/config/token", nil)
	if err != nil {
		return fmt.Errorf("fetch sts token: %w", err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse sts token: %w", err)
	}

	m.mu.Lock()
	m.token = resp.Token
	m.mu.Unlock()

	refreshAt := resp.ExpiresAt.Add(-minInterval)
	if refreshAt.Before(time.Now().Add(minInterval)) {
		refreshAt = time.Now().Add(minInterval)
	}
	m.entries.SetNextUpdate("sts", refreshAt)
	return nil
}

// Token returns the most recently fetched credential, empty until the
// first successful Run.
func (m *TokenModule) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}
