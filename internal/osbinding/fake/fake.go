//go:build windows

// Package fake provides an in-memory osbinding.Bindings for tests: no
// syscalls, no external processes, just enough bookkeeping to exercise the
// Connection State Machine's sequencing.
package fake

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osbinding"
)

// Bindings is a test double for osbinding.Bindings. All mutation methods
// record what was asked of them so tests can assert call sequences.
type Bindings struct {
	mu sync.Mutex

	DefaultGWAddr   netip.Addr
	DefaultGWIfIdx  uint32
	DefaultGWErr    error
	Interfaces      map[string]osbinding.Interface // pattern substring -> interface
	InterfaceErr    error
	CountersByLUID  map[uint64][2]uint64 // luid -> {rx,tx}
	Elevated        bool
	OrphanPIDs      []uint32
	FirewallOpenErr error

	Routes         []FakeRoute // routes currently installed, in add order
	InterfaceAddrs map[uint32]netip.Prefix
	InterfaceMetrics map[uint32]uint32
	FirewallOpened bool
	FirewallClosed bool
	Rules          map[string]ruleKind // rule name -> kind
	InterfaceDNS   map[uint32][]netip.Addr
	FlushCount     int
	Killed         []uint32
	RelaunchCalls  []string
}

// FakeRoute records one AddRoute call for test assertions.
type FakeRoute struct {
	Dest      netip.Addr
	PrefixLen uint8
	Gateway   netip.Addr
	IfaceIdx  uint32
	Metric    uint32
}

// ruleKind distinguishes a fake rule's declared purpose for test assertions.
type ruleKind struct {
	Block  netip.Prefix
	Allow  netip.Addr
	IsAllow bool
}

// New creates an empty fake with default-gateway-unknown behavior until the
// caller fills in DefaultGWAddr/DefaultGWIfIdx.
func New() *Bindings {
	return &Bindings{
		Interfaces:       make(map[string]osbinding.Interface),
		CountersByLUID:   make(map[uint64][2]uint64),
		Rules:            make(map[string]ruleKind),
		InterfaceDNS:     make(map[uint32][]netip.Addr),
		InterfaceAddrs:   make(map[uint32]netip.Prefix),
		InterfaceMetrics: make(map[uint32]uint32),
	}
}

func (f *Bindings) FindDefaultRoute() (netip.Addr, uint32, error) {
	if f.DefaultGWErr != nil {
		return netip.Addr{}, 0, f.DefaultGWErr
	}
	if !f.DefaultGWAddr.IsValid() {
		return netip.Addr{}, 0, &core.DefaultGatewayUnknownError{}
	}
	return f.DefaultGWAddr, f.DefaultGWIfIdx, nil
}

func (f *Bindings) AddRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr, ifaceIndex uint32, metric uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Routes {
		if r.Dest == dest && r.PrefixLen == prefixLen && r.Gateway == gateway {
			return nil
		}
	}
	f.Routes = append(f.Routes, FakeRoute{Dest: dest, PrefixLen: prefixLen, Gateway: gateway, IfaceIdx: ifaceIndex, Metric: metric})
	core.Log.Debugf("osbinding/fake", "route added: %s/%d via %s ifidx=%d", dest, prefixLen, gateway, ifaceIndex)
	return nil
}

func (f *Bindings) DeleteRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.Routes {
		if r.Dest == dest && r.PrefixLen == prefixLen && r.Gateway == gateway {
			f.Routes = append(f.Routes[:i], f.Routes[i+1:]...)
			return nil
		}
	}
	return nil // absent: idempotent success
}

func (f *Bindings) SetInterfaceMetric(ifaceIndex uint32, metric uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InterfaceMetrics[ifaceIndex] = metric
	return nil
}

func (f *Bindings) SetInterfaceAddress(ifaceIndex uint32, addr netip.Addr, prefixLen uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InterfaceAddrs[ifaceIndex] = netip.PrefixFrom(addr, int(prefixLen))
	return nil
}

func (f *Bindings) SetInterfaceDNS(ifIndex uint32, servers []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InterfaceDNS[ifIndex] = servers
	return nil
}

func (f *Bindings) RestoreInterfaceDNS(ifIndex uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.InterfaceDNS, ifIndex)
	return nil
}

func (f *Bindings) FlushCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FlushCount++
	return nil
}

func (f *Bindings) Open() error {
	if f.FirewallOpenErr != nil {
		return f.FirewallOpenErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FirewallOpened = true
	return nil
}

func (f *Bindings) AddBlockOutboundUDP(localSubnet netip.Prefix) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := "PingTunnelVPN_BlockUDP_block_" + localSubnet.String()
	f.Rules[name] = ruleKind{Block: localSubnet}
	return name, nil
}

func (f *Bindings) AddAllowOutboundUDP(remoteIP netip.Addr) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := "PingTunnelVPN_BlockUDP_allow_" + remoteIP.String()
	f.Rules[name] = ruleKind{Allow: remoteIP, IsAllow: true}
	return name, nil
}

func (f *Bindings) RemoveRule(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Rules, name)
	return nil
}

func (f *Bindings) ListRulesWithPrefix(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.Rules {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *Bindings) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FirewallClosed = true
	return nil
}

func (f *Bindings) FindByNamePattern(pattern string) (osbinding.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InterfaceErr != nil {
		return osbinding.Interface{}, f.InterfaceErr
	}
	for p, iface := range f.Interfaces {
		if p == pattern {
			return iface, nil
		}
	}
	return osbinding.Interface{}, &core.TunInterfaceMissingError{NamePattern: pattern}
}

func (f *Bindings) ByLUID(luid uint64) (osbinding.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, iface := range f.Interfaces {
		if iface.LUID == luid {
			return iface, nil
		}
	}
	return osbinding.Interface{}, fmt.Errorf("fake: no interface with luid 0x%x", luid)
}

func (f *Bindings) ByDescription(description string) (osbinding.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, iface := range f.Interfaces {
		if iface.Description == description {
			return iface, nil
		}
	}
	return osbinding.Interface{}, fmt.Errorf("fake: no interface with description %q", description)
}

func (f *Bindings) ListActive() ([]osbinding.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]osbinding.Interface, 0, len(f.Interfaces))
	for _, iface := range f.Interfaces {
		out = append(out, iface)
	}
	return out, nil
}

func (f *Bindings) Counters(luid uint64) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.CountersByLUID[luid]
	return c[0], c[1], nil
}

// SetCounters lets a test advance simulated byte counters between polls.
func (f *Bindings) SetCounters(luid uint64, rx, tx uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CountersByLUID[luid] = [2]uint64{rx, tx}
}

func (f *Bindings) FindOrphans(exePathPrefix string) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.OrphanPIDs...), nil
}

func (f *Bindings) Kill(pid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Killed = append(f.Killed, pid)
	return nil
}

func (f *Bindings) IsElevated() bool { return f.Elevated }

func (f *Bindings) RelaunchElevated(exe string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RelaunchCalls = append(f.RelaunchCalls, exe)
	return nil
}

// WaitFor is a small test helper: polls cond until it returns true or
// timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var _ osbinding.Bindings = (*Bindings)(nil)
