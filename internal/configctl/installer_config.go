package configctl

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/registrar"
)

// InstallerTarget mirrors the registrar's installer target payload (spec
// §4.9 "a list of installer targets each {identifier, version, priority,
// downloadUrl, signatureUrl, fileHash, badVersions[], isInstallableByAcme}").
type InstallerTarget struct {
	Identifier          string   `json:"identifier"`
	Version             string   `json:"version"`
	Priority             int      `json:"priority"`
	DownloadURL          string   `json:"download_url"`
	SignatureURL         string   `json:"signature_url"`
	FileHash             string   `json:"file_hash"`
	BadVersions          []string `json:"bad_versions"`
	IsInstallableByAcme  bool     `json:"is_installable_by_acme"`
	NextUpdateSeconds    int      `json:"next_update_seconds"`
}

type installerConfigResponse struct {
	Targets []InstallerTarget `json:"targets"`
}

// InstallerApplier receives the fetched, priority-sorted target list and
// runs the installer pipeline (spec §4.9) over it.
type InstallerApplier interface {
	Apply(ctx context.Context, targets []InstallerTarget) error
}

// InstallerConfigModule fetches installer targets from the registrar and
// hands the sorted list to an InstallerApplier (spec §4.8, §4.9).
type InstallerConfigModule struct {
	client  *registrar.Client
	applier InstallerApplier
	entries *EntrySet
}

// NewInstallerConfigModule creates an InstallerConfigModule.
func NewInstallerConfigModule(client *registrar.Client, applier InstallerApplier) *InstallerConfigModule {
	return &InstallerConfigModule{client: client, applier: applier, entries: NewEntrySet()}
}

func (m *InstallerConfigModule) Name() string { return "installer_config" }

func (m *InstallerConfigModule) ShouldRunImmediately(now time.Time) bool {
	return m.entries.ShouldRunImmediately(now)
}

func (m *InstallerConfigModule) CurrentInterval(now time.Time) time.Duration {
	return m.entries.CurrentInterval(now)
}

// Run fetches installer targets, sorts them ascending by priority (spec
// §4.9 "sorted ascending by priority"), and applies them.
func (m *InstallerConfigModule) Run(ctx context.Context) error {
	raw, err := m.client.Do(ctx, "/config/installer", nil)
	if err != nil {
		return fmt.Errorf("fetch installer config: %w", err)
	}

	var resp installerConfigResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse installer config: %w", err)
	}

	sortTargetsByPriority(resp.Targets)

	next := time.Now().Add(minInterval)
	for _, target := range resp.Targets {
		if target.NextUpdateSeconds > 0 {
			candidate := time.Now().Add(time.Duration(target.NextUpdateSeconds) * time.Second)
			if candidate.Before(next) {
				next = candidate
			}
		}
		m.entries.SetNextUpdate(target.Identifier, next)
	}

	if m.applier == nil {
		return nil
	}
	if err := m.applier.Apply(ctx, resp.Targets); err != nil {
		return fmt.Errorf("apply installer targets: %w", err)
	}
	return nil
}

func sortTargetsByPriority(targets []InstallerTarget) {
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Priority < targets[j].Priority })
}
