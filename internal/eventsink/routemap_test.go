package eventsink

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_ExactEventTypeWinsOverSubjectArea(t *testing.T) {
	rm := NewRouteMap()
	rm.SetEventTypeRoute("ComplianceDeviceStatus", "compliance-stream")
	rm.SetSubjectAreaRoute("compliance", "fallback-stream")

	require.Equal(t, "compliance-stream", rm.Resolve("ComplianceDeviceStatus", "compliance"))
}

func TestResolve_FallsBackToSubjectAreaThenDefault(t *testing.T) {
	rm := NewRouteMap()
	rm.SetSubjectAreaRoute("firewall", "firewall-stream")

	require.Equal(t, "firewall-stream", rm.Resolve("Unknown", "firewall"))
	require.Equal(t, "default", rm.Resolve("Unknown", "unmapped"))
}

func TestSaveAndLoadRouteMap_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	rm := NewRouteMap()
	rm.SetEventTypeRoute("ComplianceDeviceStatus", "compliance-stream")
	rm.SetSubjectAreaRoute("firewall", "firewall-stream")
	require.NoError(t, rm.Save(path))

	loaded, err := LoadRouteMap(path)
	require.NoError(t, err)
	require.Equal(t, "compliance-stream", loaded.Resolve("ComplianceDeviceStatus", "anything"))
	require.Equal(t, "firewall-stream", loaded.Resolve("Unknown", "firewall"))
}

func TestLoadRouteMap_MissingFileReturnsEmptyMap(t *testing.T) {
	rm, err := LoadRouteMap(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, "default", rm.Resolve("anything", "anything"))
}
