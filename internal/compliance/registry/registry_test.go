package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
)

type fakeStateful struct {
	loadedManifest string
	loadedState    string
	saved          bool
}

func (f *fakeStateful) Load(manifestPath, statePath string) error {
	f.loadedManifest = manifestPath
	f.loadedState = statePath
	return nil
}

func (f *fakeStateful) Save(string) error {
	f.saved = true
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	base := t.TempDir()
	return New(filepath.Join(base, "manifests"), filepath.Join(base, "state"), nil)
}

func factoryWithStateful(stateful *fakeStateful) Factory {
	return func(identifier string, maxHistory int) *module.Module {
		m := module.NewModule(identifier, maxHistory)
		m.Stateful = stateful
		return m
	}
}

func TestLoad_AllocatesPathsAndRegisters(t *testing.T) {
	r := newTestRegistry(t)
	stateful := &fakeStateful{}

	err := r.Load("firewall", module.LayoutFile, 10, factoryWithStateful(stateful), false)
	require.NoError(t, err)

	require.True(t, r.IsLoaded("firewall"))
	require.Equal(t, r.ManifestPath("firewall", module.LayoutFile), stateful.loadedManifest)
	require.Equal(t, r.StatePath("firewall", module.LayoutFile), stateful.loadedState)
}

func TestLoad_HotReplacePreservesRuntimeState(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Load("disk-encryption", module.LayoutFile, 10, factoryWithStateful(&fakeStateful{}), false))

	live := r.Get("disk-encryption")
	now := time.Now()
	live.Status = module.StatusIdle
	live.FirstFailureDate = &now
	live.LastComplianceStatus = module.StatusNoncompliant
	live.EvaluationHistory.Append(module.EvaluationResult{ComplianceStatus: module.StatusNoncompliant})

	require.NoError(t, r.Load("disk-encryption", module.LayoutFile, 10, factoryWithStateful(&fakeStateful{}), false))

	reloaded := r.Get("disk-encryption")
	require.NotSame(t, live, reloaded)
	require.NotNil(t, reloaded.FirstFailureDate)
	require.Equal(t, module.StatusNoncompliant, reloaded.LastComplianceStatus)
	require.Equal(t, 1, reloaded.EvaluationHistory.Len())
}

func TestLoadAll_FailureIsolatedPerModule(t *testing.T) {
	r := newTestRegistry(t)

	entries := map[string]module.StateLayout{
		"firewall":  module.LayoutFile,
		"antivirus": module.LayoutFile,
	}
	factories := map[string]Factory{
		"firewall": factoryWithStateful(&fakeStateful{}),
		// antivirus deliberately has no factory registered.
	}

	report := r.LoadAll(entries, 10, factories, false)

	require.Equal(t, []string{"firewall"}, report.Loaded)
	require.Contains(t, report.Failed, "antivirus")
	require.True(t, r.IsLoaded("firewall"))
	require.False(t, r.IsLoaded("antivirus"))
}

func TestUnload(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Load("firewall", module.LayoutFile, 10, factoryWithStateful(&fakeStateful{}), false))

	require.NoError(t, r.Unload("firewall"))
	require.False(t, r.IsLoaded("firewall"))
	require.Error(t, r.Unload("firewall"))
}

func TestList_PreservesRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Load("zzz-last", module.LayoutFile, 10, factoryWithStateful(&fakeStateful{}), false))
	require.NoError(t, r.Load("aaa-first", module.LayoutFile, 10, factoryWithStateful(&fakeStateful{}), false))

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "zzz-last", list[0].Identifier)
	require.Equal(t, "aaa-first", list[1].Identifier)
}

func TestLoad_LayoutDirAllocatesDirectories(t *testing.T) {
	r := newTestRegistry(t)
	stateful := &fakeStateful{}

	require.NoError(t, r.Load("quarantine", module.LayoutDir, 10, factoryWithStateful(stateful), false))

	require.DirExists(t, r.ManifestPath("quarantine", module.LayoutDir))
	require.DirExists(t, r.StatePath("quarantine", module.LayoutDir))
}
