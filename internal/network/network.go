// Package network implements the NetworkState collaborator (spec §1, §4.2):
// out of scope as a design problem, but given a concrete default
// implementation here so the qualifier and compliance controller have
// something real to run against.
package network

import (
	"strings"

	gopsutilnet "github.com/shirou/gopsutil/v3/net"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
)

// Detector reports the device's current network posture as the bitset
// spec §3/§4.2 qualify against: the ONLINE/OFFLINE, ONDOMAIN/OFFDOMAIN, and
// ONVPN/OFFVPN pairs.
type Detector interface {
	Current() module.NetworkState
}

// DomainChecker is an extension point for resolving whether the device is
// currently joined to / reachable from a managed domain. The default
// implementation always reports OFFDOMAIN; environments with a real domain
// join mechanism (AD, Kerberos realm, MDM-reported state) provide their own.
type DomainChecker interface {
	OnDomain() bool
}

// VPNChecker is an extension point mirroring DomainChecker for VPN
// interface detection.
type VPNChecker interface {
	OnVPN(interfaces []gopsutilnet.InterfaceStat) bool
}

// GopsutilDetector is the default Detector, backed by gopsutil's network
// interface enumeration: a device counts as ONLINE if it has at least one
// interface that is up and carries a non-loopback address.
type GopsutilDetector struct {
	Domain DomainChecker
	VPN    VPNChecker
}

// NewDefault returns a GopsutilDetector with no-op domain/VPN checkers,
// matching the default posture the spec calls for (interfaces only;
// domain/VPN detection is deliberately a pluggable extension point since it
// is environment-specific).
func NewDefault() *GopsutilDetector {
	return &GopsutilDetector{
		Domain: alwaysOffDomain{},
		VPN:    noVPNDetected{},
	}
}

type alwaysOffDomain struct{}

func (alwaysOffDomain) OnDomain() bool { return false }

type noVPNDetected struct{}

func (noVPNDetected) OnVPN([]gopsutilnet.InterfaceStat) bool { return false }

// Current implements Detector.
func (d *GopsutilDetector) Current() module.NetworkState {
	var state module.NetworkState

	ifaces, err := gopsutilnet.Interfaces()
	if err != nil || !hasActiveNonLoopback(ifaces) {
		state |= module.NetworkOffline
	} else {
		state |= module.NetworkOnline
	}

	if d.Domain != nil && d.Domain.OnDomain() {
		state |= module.NetworkOnDomain
	} else {
		state |= module.NetworkOffDomain
	}

	if d.VPN != nil && d.VPN.OnVPN(ifaces) {
		state |= module.NetworkOnVPN
	} else {
		state |= module.NetworkOffVPN
	}

	return state
}

// hasActiveNonLoopback reports whether any reported interface is up,
// non-loopback, and carries at least one address.
func hasActiveNonLoopback(ifaces []gopsutilnet.InterfaceStat) bool {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}
