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

// manifestEntry is one module manifest as the registrar delivers it: the
// policy/cadence JSON plus how often it should be re-fetched.
type manifestEntry struct {
	Identifier  string          `json:"identifier"`
	Manifest    json.RawMessage `json:"manifest"`
	NextUpdate  time.Time       `json:"next_update"`
	NeedsUpdate bool            `json:"-"`
}

type complianceConfigResponse struct {
	Modules []manifestEntry `json:"modules"`
}

// ModuleReloader is implemented by the compliance registry: after new
// manifests land on disk, the configuration controller asks it to reload.
type ModuleReloader interface {
	ReloadManifests(identifiers []string) error
}

// ComplianceConfigModule fetches compliance module manifests from the
// registrar and writes them under manifests/ for the registry to pick up
// on reload (spec §4.8, manifest layout per spec §6).
type ComplianceConfigModule struct {
	client       *registrar.Client
	manifestsDir string
	reloader     ModuleReloader
	entries      *EntrySet
}

// NewComplianceConfigModule creates a ComplianceConfigModule.
func NewComplianceConfigModule(client *registrar.Client, manifestsDir string, reloader ModuleReloader) *ComplianceConfigModule {
	return &ComplianceConfigModule{
		client:       client,
		manifestsDir: manifestsDir,
		reloader:     reloader,
		entries:      NewEntrySet(),
	}
}

func (m *ComplianceConfigModule) Name() string { return "compliance_config" }

func (m *ComplianceConfigModule) ShouldRunImmediately(now time.Time) bool {
	return m.entries.ShouldRunImmediately(now)
}

func (m *ComplianceConfigModule) CurrentInterval(now time.Time) time.Duration {
	return m.entries.CurrentInterval(now)
}

// Run fetches the manifest bundle and writes each manifest to a temp file
// that is then renamed into place, so no manifest file is ever seen
// half-written, and the registry is asked to reload only after every
// manifest has been committed. The set as a whole is not replaced in one
// step: if a later write fails, manifests already renamed stay on disk and
// no reload is requested.
func (m *ComplianceConfigModule) Run(ctx context.Context) error {
	raw, err := m.client.Do(ctx, "/config/compliance", nil)
	if err != nil {
		return fmt.Errorf("fetch compliance config: %w", err)
	}

	var resp complianceConfigResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse compliance config: %w", err)
	}

	if err := os.MkdirAll(m.manifestsDir, 0o755); err != nil {
		return fmt.Errorf("create manifests dir: %w", err)
	}

	changed := make([]string, 0, len(resp.Modules))
	for _, entry := range resp.Modules {
		path := filepath.Join(m.manifestsDir, entry.Identifier+".json")
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, entry.Manifest, 0o644); err != nil {
			return fmt.Errorf("stage manifest for %s: %w", entry.Identifier, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("commit manifest for %s: %w", entry.Identifier, err)
		}
		changed = append(changed, entry.Identifier)

		next := entry.NextUpdate
		if next.IsZero() {
			next = time.Now().Add(minInterval)
		}
		m.entries.SetNextUpdate(entry.Identifier, next)
	}

	if m.reloader != nil && len(changed) > 0 {
		if err := m.reloader.ReloadManifests(changed); err != nil {
			return fmt.Errorf("reload modules: %w", err)
		}
	}
	return nil
}
