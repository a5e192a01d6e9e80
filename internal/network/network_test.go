package network

import (
	"testing"

	gopsutilnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
)

func TestHasActiveNonLoopback(t *testing.T) {
	ifaces := []gopsutilnet.InterfaceStat{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: []gopsutilnet.InterfaceAddr{{Addr: "127.0.0.1/8"}}},
		{Name: "eth0", Flags: []string{"down"}, Addrs: nil},
	}
	require.False(t, hasActiveNonLoopback(ifaces))

	ifaces = append(ifaces, gopsutilnet.InterfaceStat{
		Name:  "eth1",
		Flags: []string{"up"},
		Addrs: []gopsutilnet.InterfaceAddr{{Addr: "10.0.0.5/24"}},
	})
	require.True(t, hasActiveNonLoopback(ifaces))
}

func TestGopsutilDetector_DefaultPosture(t *testing.T) {
	d := NewDefault()
	state := d.Current()

	require.True(t, state.Has(module.NetworkOffDomain))
	require.True(t, state.Has(module.NetworkOffVPN))
	require.False(t, state.Has(module.NetworkOnDomain))
}
