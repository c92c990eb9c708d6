//go:build windows

// Package osbinding defines the OS Bindings (C1) capability interfaces: the
// only seam through which the rest of the supervisor touches the Windows
// network stack. A production implementation lives in osbinding/windows; an
// in-memory fake for tests lives in osbinding/fake.
package osbinding

import "net/netip"

// FirewallRulePrefix identifies every WFP rule this product owns (§4.1/§6).
// Any rule whose name begins with it may be removed during cleanup, by this
// process or a fresh one after a crash (via ListRulesWithPrefix).
const FirewallRulePrefix = "PingTunnelVPN_BlockUDP_"

// Interface describes one network adapter as seen by the OS.
type Interface struct {
	Name        string // friendly name
	Description string // driver-provided description; the journal's DNS key
	LUID        uint64
	Index       uint32
	Addrs       []netip.Addr
	DNSServers  []netip.Addr // adapter's currently-configured DNS servers, for journal snapshots
	IsTun       bool
}

// Router manipulates the system routing table and per-interface IP
// configuration. Every operation is idempotent: adding an already-present
// route or address is a no-op success, as is deleting one that is absent
// (§4.1).
type Router interface {
	// FindDefaultRoute returns the next-hop gateway and interface index of
	// the 0.0.0.0/0 route with the lowest metric, or
	// DefaultGatewayUnknownError if none exists.
	FindDefaultRoute() (gateway netip.Addr, ifaceIndex uint32, err error)
	// AddRoute installs dest/prefixLen via gateway on ifaceIndex with the
	// given metric.
	AddRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr, ifaceIndex uint32, metric uint32) error
	// DeleteRoute removes the route matching dest/prefixLen/gateway.
	DeleteRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr) error
	// SetInterfaceMetric disables automatic metric assignment on ifaceIndex
	// and fixes its metric to the given value.
	SetInterfaceMetric(ifaceIndex uint32, metric uint32) error
	// SetInterfaceAddress configures ifaceIndex's IPv4 address and prefix
	// length without establishing a default gateway on it.
	SetInterfaceAddress(ifaceIndex uint32, addr netip.Addr, prefixLen uint8) error
}

// DNSConfigurator points the system's DNS resolution at specific servers
// and restores it.
type DNSConfigurator interface {
	// SetInterfaceDNS configures the given interface's DNS servers.
	SetInterfaceDNS(ifIndex uint32, servers []netip.Addr) error
	// RestoreInterfaceDNS reverts the interface back to DHCP-assigned DNS.
	RestoreInterfaceDNS(ifIndex uint32) error
	// FlushCache clears the OS resolver cache.
	FlushCache() error
}

// Firewall installs named, prefix-tagged rules that keep UDP traffic from
// leaking outside the tunnel. Rule names all start with a fixed prefix so a
// fresh start can find and remove whatever a crashed prior run left behind.
type Firewall interface {
	// Open creates the provider/sublayer and loads the rule registry left
	// behind by any previous run.
	Open() error
	// AddBlockOutboundUDP blocks outbound UDP whose local address falls
	// within localSubnet (the tunnel's address space), returning the
	// installed rule's name.
	AddBlockOutboundUDP(localSubnet netip.Prefix) (name string, err error)
	// AddAllowOutboundUDP permits outbound UDP to remoteIP, carved out of
	// a broader block so UDP DNS queries to the loopback DNS Forwarder
	// still get through. Returns the installed rule's name.
	AddAllowOutboundUDP(remoteIP netip.Addr) (name string, err error)
	// RemoveRule deletes the rule with the given name. Unknown names are
	// not an error: removal is idempotent.
	RemoveRule(name string) error
	// ListRulesWithPrefix returns the names of every rule this Firewall
	// (across process lifetimes) has installed whose name starts with
	// prefix, used to discover and clean up orphans from a crash.
	ListRulesWithPrefix(prefix string) ([]string, error)
	// Close tears down the session handle. Rules persist until explicitly
	// removed via RemoveRule.
	Close() error
}

// InterfaceInventory discovers adapters by name or property.
type InterfaceInventory interface {
	// FindByNamePattern polls until an interface whose name contains
	// pattern appears, or returns TunInterfaceMissingError on timeout.
	FindByNamePattern(pattern string) (Interface, error)
	// ByLUID looks up interface metadata for a known LUID.
	ByLUID(luid uint64) (Interface, error)
	// ByDescription looks up interface metadata by its driver-provided
	// description, the key the Recovery Journal uses for DNS snapshots.
	ByDescription(description string) (Interface, error)
	// ListActive returns every non-loopback adapter that is operationally
	// up, the set the Connection State Machine snapshots and repoints DNS
	// on during connect/disconnect (§4.1/§4.7 steps 6 and 17).
	ListActive() ([]Interface, error)
	// Counters returns the interface's current byte counters (rx, tx).
	Counters(luid uint64) (rxBytes, txBytes uint64, err error)
}

// ProcessControl starts, stops and inspects OS processes.
type ProcessControl interface {
	// FindOrphans returns PIDs of running processes whose image path has
	// the given prefix, used to clean up helpers left behind by a crash.
	FindOrphans(exePathPrefix string) ([]uint32, error)
	// Kill terminates the process with the given PID.
	Kill(pid uint32) error
}

// Elevation reports and requests administrative privilege.
type Elevation interface {
	// IsElevated reports whether the current process holds admin rights.
	IsElevated() bool
	// RelaunchElevated starts exe (with args) via a UAC elevation prompt.
	RelaunchElevated(exe string, args []string) error
}

// Bindings bundles every OS capability the supervisor needs. A single
// implementation (production or fake) satisfies all of them.
type Bindings interface {
	Router
	DNSConfigurator
	Firewall
	InterfaceInventory
	ProcessControl
	Elevation
}
