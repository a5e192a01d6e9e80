package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/compliance/registry"
	"github.com/amzn/acme-compliance-agent/internal/config"
)

type noopStateful struct{}

func (noopStateful) Load(string, string) error { return nil }
func (noopStateful) Save(string) error         { return nil }

func testFactories() ModuleFactories {
	return ModuleFactories{
		Factories: map[string]registry.Factory{
			"firewall": func(id string, maxHistory int) *module.Module {
				m := module.NewModule(id, maxHistory)
				m.Stateful = noopStateful{}
				return m
			},
		},
		Layouts: map[string]module.StateLayout{"firewall": module.LayoutFile},
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := config.New()
	cfg.Paths.BaseDir = t.TempDir()
	cfg.Compliance.RoutineTickInterval = 10 * time.Millisecond
	cfg.Registration.Enabled = false
	cfg.Installer.Enabled = false

	d, err := New(cfg, testFactories(), nil)
	require.NoError(t, err)
	return d
}

func TestNew_LoadsDefaultFeatureControlsWhenAcmeJSONMissing(t *testing.T) {
	d := newTestDaemon(t)
	require.True(t, d.features.ComplianceEnabled)
	require.True(t, d.features.KarlRegistrarEnabled)
	require.False(t, d.features.UsherEnabled)
}

func TestStart_LoadsRegisteredModulesIntoRegistry(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.True(t, d.Registry().IsLoaded("firewall"))
}

func TestStart_SkipsComplianceControllerWhenDisabled(t *testing.T) {
	cfg := config.New()
	cfg.Paths.BaseDir = t.TempDir()
	features := DefaultFeatureControls()
	features.ComplianceEnabled = false
	require.NoError(t, features.Save(filepath.Join(cfg.Paths.Manifests(), "acme.json")))

	d, err := New(cfg, testFactories(), nil)
	require.NoError(t, err)
	require.False(t, d.features.ComplianceEnabled)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	require.True(t, d.Registry().IsLoaded("firewall"))
}

func TestReload_PicksUpUpdatedFeatureControls(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	features := d.features
	features.ComplianceEnabled = false
	require.NoError(t, features.Save(d.featuresPath))

	require.NoError(t, d.Reload(context.Background()))
	require.False(t, d.features.ComplianceEnabled)
}

func TestReload_ReloadsModuleRegistry(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	before := d.Registry().Get("firewall")
	before.Lock()
	before.LastComplianceStatus = module.StatusNoncompliant
	before.Unlock()

	require.NoError(t, d.Reload(context.Background()))

	after := d.Registry().Get("firewall")
	require.Equal(t, module.StatusNoncompliant, after.LastComplianceStatus)
}

func TestReloadManifests_LoadsNamedIdentifiers(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.ReloadManifests([]string{"firewall"}))
	require.True(t, d.Registry().IsLoaded("firewall"))
}

func TestReloadManifests_IgnoresUnknownIdentifiers(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.ReloadManifests([]string{"unknown-module"}))
	require.False(t, d.Registry().IsLoaded("unknown-module"))
}

func TestIdentity_NilWhenRegistrationDisabled(t *testing.T) {
	d := newTestDaemon(t)
	require.Nil(t, d.Identity())
	require.Nil(t, d.Registration())
}
