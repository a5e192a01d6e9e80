package configctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

type signedFileResponse struct {
	Content   json.RawMessage `json:"content"`
	Signature string          `json:"signature"`
	NextUpdateSeconds int     `json:"next_update_seconds"`
}

// SignatureVerifier validates a signed config payload (e.g. acme.json)
// before it is trusted. A real deployment wires this to the same
// signing-authority certificate the installer pipeline verifies archives
// against.
type SignatureVerifier interface {
	Verify(content []byte, signature string) error
}

// SignedFileModule fetches one signed configuration file (spec §6
// "manifests/acme.json # feature controls" is one instance of this
// shape) and writes it atomically once its signature checks out.
type SignedFileModule struct {
	client   *registrar.Client
	path     string
	endpoint string
	verifier SignatureVerifier
	entries  *EntrySet
}

// NewSignedFileModule creates a SignedFileModule that fetches from
// endpoint and writes the verified content to path.
func NewSignedFileModule(client *registrar.Client, endpoint, path string, verifier SignatureVerifier) *SignedFileModule {
	return &SignedFileModule{client: client, path: path, endpoint: endpoint, verifier: verifier, entries: NewEntrySet()}
}

func (m *SignedFileModule) Name() string { return "signed_file:" + filepath.Base(m.path) }

func (m *SignedFileModule) ShouldRunImmediately(now time.Time) bool {
	return m.entries.ShouldRunImmediately(now)
}

func (m *SignedFileModule) CurrentInterval(now time.Time) time.Duration {
	return m.entries.CurrentInterval(now)
}

func (m *SignedFileModule) Run(ctx context.Context) error {
	raw, err := m.client.Do(ctx, m.endpoint, nil)
	if err != nil {
		return fmt.Errorf("fetch signed file %s: %w", m.path, err)
	}

	var resp signedFileResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse signed file response: %w", err)
	}

	if m.verifier != nil {
		if err := m.verifier.Verify(resp.Content, resp.Signature); err != nil {
			return fmt.Errorf("verify signed file %s: %w", m.path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, resp.Content, 0o644); err != nil {
		return fmt.Errorf("stage signed file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("commit signed file: %w", err)
	}

	next := time.Now().Add(minInterval)
	if resp.NextUpdateSeconds > 0 {
		next = time.Now().Add(time.Duration(resp.NextUpdateSeconds) * time.Second)
	}
	m.entries.SetNextUpdate(m.path, next)
	return nil
}
