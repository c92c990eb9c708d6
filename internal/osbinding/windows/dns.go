//go:build windows

package windows

import (
	"fmt"
	"net/netip"
	"os/exec"

	"pingtunnel-vpn/internal/core"
)

// DNSConfigurator implements osbinding.DNSConfigurator via netsh, matching
// the way Windows itself expects per-interface DNS to be configured: there
// is no iphlpapi entry point for this, netsh is the documented surface.
type DNSConfigurator struct{}

// NewDNSConfigurator creates a ready-to-use DNSConfigurator.
func NewDNSConfigurator() *DNSConfigurator { return &DNSConfigurator{} }

// SetInterfaceDNS configures the given interface's DNS servers.
func (d *DNSConfigurator) SetInterfaceDNS(ifIndex uint32, servers []netip.Addr) error {
	if len(servers) == 0 {
		return nil
	}

	out, err := exec.Command("netsh", "interface", "ipv4", "set", "dnsservers",
		fmt.Sprintf("name=%d", ifIndex), "static", servers[0].String(),
		"register=none", "validate=no",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("set dns %s: %s: %w", servers[0], string(out), err)
	}

	for i := 1; i < len(servers); i++ {
		out, err := exec.Command("netsh", "interface", "ipv4", "add", "dnsservers",
			fmt.Sprintf("name=%d", ifIndex), servers[i].String(),
			fmt.Sprintf("index=%d", i+1), "validate=no",
		).CombinedOutput()
		if err != nil {
			core.Log.Warnf("osbinding", "add secondary dns %s failed: %s: %v", servers[i], string(out), err)
		}
	}

	return d.FlushCache()
}

// RestoreInterfaceDNS reverts the interface back to DHCP-assigned DNS.
func (d *DNSConfigurator) RestoreInterfaceDNS(ifIndex uint32) error {
	out, err := exec.Command("netsh", "interface", "ipv4", "set", "dnsservers",
		fmt.Sprintf("name=%d", ifIndex), "dhcp",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("clear dns: %s: %w", string(out), err)
	}
	return d.FlushCache()
}

// FlushCache clears the Windows DNS resolver cache.
func (d *DNSConfigurator) FlushCache() error {
	return exec.Command("ipconfig", "/flushdns").Run()
}
