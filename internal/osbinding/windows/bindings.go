//go:build windows

package windows

import (
	"net/netip"
	"time"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osbinding"
)

// defaultDiscoveryTimeout bounds FindByNamePattern's poll loop (§4.1/§7:
// tun interface must appear within a bounded time or the connect sequence
// fails with TunInterfaceMissingError).
const defaultDiscoveryTimeout = 15 * time.Second

// Bindings is the production osbinding.Bindings implementation: a thin
// facade over Router, DNSConfigurator, Firewall, Inventory, ProcessControl
// and Elevation, each grounded on a distinct Win32 surface.
type Bindings struct {
	router    *Router
	dns       *DNSConfigurator
	firewall  *Firewall
	inventory *Inventory
	process   *ProcessControl
	elevation *Elevation
}

// New creates a production Bindings. Open must still be called to start the
// firewall session before AddBlockOutboundUDP/AddAllowOutboundUDP are usable.
// dataDir is where the firewall rule-name registry persists across restarts
// (the same per-user data directory the Recovery Journal and Configuration
// Store use).
func New(dataDir string) *Bindings {
	return &Bindings{
		router:    NewRouter(),
		dns:       NewDNSConfigurator(),
		firewall:  NewFirewall(dataDir),
		inventory: NewInventory(),
		process:   NewProcessControl(),
		elevation: NewElevation(),
	}
}

func (b *Bindings) FindDefaultRoute() (netip.Addr, uint32, error) {
	return b.router.FindDefaultRoute()
}

func (b *Bindings) AddRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr, ifaceIndex uint32, metric uint32) error {
	return b.router.AddRoute(dest, prefixLen, gateway, ifaceIndex, metric)
}

func (b *Bindings) DeleteRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr) error {
	return b.router.DeleteRoute(dest, prefixLen, gateway)
}

func (b *Bindings) SetInterfaceMetric(ifaceIndex uint32, metric uint32) error {
	return b.router.SetInterfaceMetric(ifaceIndex, metric)
}

func (b *Bindings) SetInterfaceAddress(ifaceIndex uint32, addr netip.Addr, prefixLen uint8) error {
	return b.router.SetInterfaceAddress(ifaceIndex, addr, prefixLen)
}

func (b *Bindings) SetInterfaceDNS(ifIndex uint32, servers []netip.Addr) error {
	return b.dns.SetInterfaceDNS(ifIndex, servers)
}

func (b *Bindings) RestoreInterfaceDNS(ifIndex uint32) error {
	return b.dns.RestoreInterfaceDNS(ifIndex)
}

func (b *Bindings) FlushCache() error { return b.dns.FlushCache() }

func (b *Bindings) Open() error { return b.firewall.Open() }

func (b *Bindings) AddBlockOutboundUDP(localSubnet netip.Prefix) (string, error) {
	return b.firewall.AddBlockOutboundUDP(localSubnet)
}

func (b *Bindings) AddAllowOutboundUDP(remoteIP netip.Addr) (string, error) {
	return b.firewall.AddAllowOutboundUDP(remoteIP)
}

func (b *Bindings) RemoveRule(name string) error { return b.firewall.RemoveRule(name) }

func (b *Bindings) ListRulesWithPrefix(prefix string) ([]string, error) {
	return b.firewall.ListRulesWithPrefix(prefix)
}

func (b *Bindings) Close() error { return b.firewall.Close() }

func (b *Bindings) FindByNamePattern(pattern string) (osbinding.Interface, error) {
	return b.inventory.FindByNamePattern(pattern, defaultDiscoveryTimeout)
}

func (b *Bindings) ByLUID(luid uint64) (osbinding.Interface, error) { return b.inventory.ByLUID(luid) }

func (b *Bindings) ByDescription(description string) (osbinding.Interface, error) {
	return b.inventory.ByDescription(description)
}

func (b *Bindings) Counters(luid uint64) (uint64, uint64, error) {
	return b.inventory.Counters(luid)
}

func (b *Bindings) FindOrphans(exePathPrefix string) ([]uint32, error) {
	return b.process.FindOrphans(exePathPrefix)
}

func (b *Bindings) Kill(pid uint32) error { return b.process.Kill(pid) }

func (b *Bindings) IsElevated() bool { return b.elevation.IsElevated() }

func (b *Bindings) RelaunchElevated(exe string, args []string) error {
	return b.elevation.RelaunchElevated(exe, args)
}

var _ osbinding.Bindings = (*Bindings)(nil)

func init() {
	core.Log.Debugf("osbinding", "windows production bindings registered")
}
