//go:build windows

// Package supervisor implements the Connection State Machine (C7): the
// single coordinator that drives the Connect/Disconnect/fast-restart/
// config-switch sequences, arms the Health Monitor and Traffic Poller, and
// owns the process-wide ConnectionState (§4.7).
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/dnsforwarder"
	"pingtunnel-vpn/internal/health"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osbinding"
	"pingtunnel-vpn/internal/procsup"
	"pingtunnel-vpn/internal/traffic"
)

// Reserved TUN assignment (§6): fixed for this product, no other component
// may touch this block.
var (
	tunAddress = netip.MustParseAddr("198.18.0.2")
	tunGateway = netip.MustParseAddr("198.18.0.1")
)

const (
	tunPrefixLen = 24

	socksStartupTimeout    = 15 * time.Second
	socksRestartTimeout    = 10 * time.Second
	tunDiscoveryGrace      = 2 * time.Second
	configSwitchSettle     = 500 * time.Millisecond
	fastRestartSettle      = 1 * time.Second
	fastRestartRouterGrace = 500 * time.Millisecond
	defaultMTU             = 1420
)

// StateMachine coordinates one VPN session end to end. Exactly one instance
// exists process-wide; its internal mutex serializes transitions so only
// one Connect/Disconnect sequence ever runs at a time (§4.7).
type StateMachine struct {
	mu    sync.Mutex
	state core.ConnectionState

	bus         *core.EventBus
	bindings    osbinding.Bindings
	store       *config.Store
	journal     *journal.Journal
	procs       *procsup.Supervisor
	resourceDir string

	statsMu sync.Mutex
	stats   core.ConnectionStats

	serverIP    netip.Addr
	origGateway netip.Addr
	origIfIndex uint32
	physLUID    uint64
	tunIfIndex  uint32
	tunLUID     uint64
	socksPort   int
	mtu         int
	dnsMode     config.DNSMode

	health  *health.Monitor
	traffic *traffic.Poller
	dns     *dnsforwarder.Forwarder

	isRestarting bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New creates a StateMachine in the Disconnected state and starts its
// process-event loop, which lives for the StateMachine's entire lifetime
// (not per-connection) so it never misses an Exited event between sessions.
func New(bus *core.EventBus, bindings osbinding.Bindings, store *config.Store, jr *journal.Journal, procs *procsup.Supervisor, resourceDir string) *StateMachine {
	sm := &StateMachine{
		bus:         bus,
		bindings:    bindings,
		store:       store,
		journal:     jr,
		procs:       procs,
		resourceDir: resourceDir,
		state:       core.StateDisconnected,
	}
	sm.loopCtx, sm.loopCancel = context.WithCancel(context.Background())
	sm.loopWG.Add(1)
	go sm.eventLoop()
	return sm
}

// Close stops the process-event loop. Only meaningful for tests and final
// shutdown; the production daemon runs a StateMachine for its entire life.
func (sm *StateMachine) Close() {
	sm.loopCancel()
	sm.loopWG.Wait()
}

// State returns the current ConnectionState.
func (sm *StateMachine) State() core.ConnectionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Stats returns a read-only snapshot of the current ConnectionStats.
func (sm *StateMachine) Stats() core.ConnectionStats {
	sm.statsMu.Lock()
	defer sm.statsMu.Unlock()
	return sm.stats
}

// eventLoop is the sole reader of the Process Supervisor's event channel
// (§4.2's one-way-channel design): LineReceived is fanned to the Health
// Monitor for latency parsing, Exited drives the unexpected-exit path.
func (sm *StateMachine) eventLoop() {
	defer sm.loopWG.Done()
	for {
		select {
		case <-sm.loopCtx.Done():
			return
		case ev, ok := <-sm.procs.Events():
			if !ok {
				return
			}
			sm.handleProcessEvent(ev)
		}
	}
}

func (sm *StateMachine) handleProcessEvent(ev procsup.ProcessEvent) {
	if ev.Kind == procsup.LineReceived {
		sm.mu.Lock()
		h := sm.health
		sm.mu.Unlock()
		if h != nil {
			h.HandleProcessEvent(ev)
		}
		return
	}

	sm.mu.Lock()
	restarting := sm.isRestarting
	state := sm.state
	sm.mu.Unlock()
	if restarting || state != core.StateConnected {
		return
	}
	core.Log.Warnf("supervisor", "helper process %s exited unexpectedly with code %d", ev.Name, ev.Code)
	go sm.Disconnect(&core.HelperProcessExitedError{Name: string(ev.Name), Code: ev.Code})
}

// transition updates the state under the mutex and publishes state_changed
// (§4.7/§7). message/err are surfaced to the UI; err is nil on success.
func (sm *StateMachine) transition(to core.ConnectionState, message string, err error) {
	sm.mu.Lock()
	from := sm.state
	sm.state = to
	sm.mu.Unlock()
	core.Log.Infof("supervisor", "state %s -> %s: %s", from, to, message)
	sm.bus.Publish(core.Event{
		Type:    core.EventStateChanged,
		Payload: core.StateChangedPayload{From: from, To: to, Message: message, Err: err},
	})
}

// Connect runs the full §4.7 connect sequence. Legal only from Disconnected
// or Error.
func (sm *StateMachine) Connect() error {
	sm.mu.Lock()
	if !core.CanTransition(sm.state, "connect") {
		from := sm.state
		sm.mu.Unlock()
		return &core.AlreadyInStateError{From: from, Action: "connect"}
	}
	sm.mu.Unlock()

	sm.transition(core.StateConnecting, "connecting", nil)

	if err := sm.runConnectSequence(); err != nil {
		core.Log.Errorf("supervisor", "connect sequence failed: %v", err)
		sm.runCleanup()
		sm.transition(core.StateError, err.Error(), err)
		return err
	}

	sm.transition(core.StateConnected, "connected", nil)
	return nil
}

// runConnectSequence executes steps 1-18 of §4.7 in strict order. Any
// failure aborts the remaining steps; the caller runs cleanup.
func (sm *StateMachine) runConnectSequence() error {
	// Step 1: reset restart counters. health.Monitor is constructed fresh
	// at step 18, so its internal restart budget starts at zero on its own;
	// the only carried state is isRestarting, cleared here.
	sm.mu.Lock()
	sm.isRestarting = false
	sm.mu.Unlock()

	// Step 2: snapshot and validate config.
	rec, ok := sm.store.Selected()
	if !ok {
		return &core.ConfigInvalidError{Messages: []string{"no server configuration selected"}}
	}
	cfg := rec.Configuration
	if err := cfg.Validate(); err != nil {
		return configInvalid(err)
	}
	settings := sm.store.GlobalSettings()
	if err := settings.Validate(); err != nil {
		return configInvalid(err)
	}
	mtu := settings.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}

	// Step 3: elevation and helper-binary presence.
	if !sm.bindings.IsElevated() {
		return &core.NotElevatedError{}
	}
	for _, name := range []string{"pingtunnel-client.exe", "tun2socks.exe"} {
		path := filepath.Join(sm.resourceDir, name)
		if _, err := os.Stat(path); err != nil {
			return &core.MissingBinaryError{Path: path}
		}
	}

	// Step 4: resolve server host, pick first IPv4.
	serverIP, err := resolveServerIP(cfg.ServerAddress)
	if err != nil {
		return err
	}

	// Step 5: find the current default route.
	origGateway, origIfIndex, err := sm.bindings.FindDefaultRoute()
	if err != nil {
		return err
	}

	// Step 6: snapshot per-adapter DNS for the journal.
	actives, err := sm.bindings.ListActive()
	if err != nil {
		return fmt.Errorf("connect: list active adapters: %w", err)
	}
	dnsSnapshot := make(map[string][]string, len(actives))
	var physLUID uint64
	for _, iface := range actives {
		servers := make([]string, 0, len(iface.DNSServers))
		for _, s := range iface.DNSServers {
			servers = append(servers, s.String())
		}
		dnsSnapshot[iface.Description] = servers
		if iface.Index == origIfIndex {
			physLUID = iface.LUID
		}
	}

	// Step 7: write the journal before mutating anything else.
	if err := sm.journal.Save(journal.State{
		IsConnected:                   true,
		Timestamp:                     time.Now(),
		OriginalDefaultGateway:        origGateway.String(),
		OriginalDefaultInterfaceIndex: origIfIndex,
		OriginalDNSSettings:           dnsSnapshot,
	}); err != nil {
		return fmt.Errorf("connect: write journal: %w", err)
	}

	// Step 8: start pingtunnel-client, wait for its SOCKS5 port, settle.
	if err := sm.procs.StartTunnelClient(cfg.ServerAddress, cfg.LocalSocksPort, cfg.ServerKey, procsup.ClientArgvOptions{
		Encryption:    settings.EncryptionMode,
		EncryptionKey: settings.EncryptionKey,
	}); err != nil {
		return fmt.Errorf("connect: start pingtunnel-client: %w", err)
	}
	if err := waitForPort(cfg.LocalSocksPort, socksStartupTimeout); err != nil {
		return err
	}
	time.Sleep(1 * time.Second)

	// Step 9: start tun2socks, wait for the wintun adapter to appear.
	if err := sm.procs.StartRouter(cfg.LocalSocksPort, mtu); err != nil {
		return fmt.Errorf("connect: start tun2socks: %w", err)
	}
	time.Sleep(tunDiscoveryGrace)
	tunIface, err := sm.bindings.FindByNamePattern("wintun")
	if err != nil {
		return err
	}

	// Step 10: assign the TUN static address, no gateway.
	if err := sm.bindings.SetInterfaceAddress(tunIface.Index, tunAddress, tunPrefixLen); err != nil {
		return fmt.Errorf("connect: set tun address: %w", err)
	}

	// Step 11: pin the tunnel-carrier route to the physical path.
	if err := sm.addJournaledRoute(serverIP, 32, origGateway, origIfIndex, 1); err != nil {
		return err
	}

	// Step 12: bypass subnets, always including loopback, via the original gateway.
	for _, cidr := range settings.BypassSubnets {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			core.Log.Warnf("supervisor", "skip malformed bypass subnet %q: %v", cidr, err)
			continue
		}
		if err := sm.addJournaledRoute(prefix.Addr(), uint8(prefix.Bits()), origGateway, origIfIndex, 0); err != nil {
			return err
		}
	}
	if err := sm.addJournaledRoute(netip.MustParseAddr("127.0.0.1"), 32, origGateway, origIfIndex, 0); err != nil {
		return err
	}

	// Step 13: prefer the TUN interface.
	if err := sm.bindings.SetInterfaceMetric(tunIface.Index, 1); err != nil {
		return fmt.Errorf("connect: set tun metric: %w", err)
	}

	// Step 14: keep broadcast/multicast off the tunnel.
	for _, phys := range []struct {
		addr netip.Addr
		bits uint8
	}{
		{netip.MustParseAddr("255.255.255.255"), 32},
		{netip.MustParseAddr("224.0.0.0"), 4},
		{netip.MustParseAddr("169.254.0.0"), 16},
		{netip.MustParseAddr("198.18.0.255"), 32},
	} {
		if err := sm.addJournaledRoute(phys.addr, phys.bits, origGateway, origIfIndex, 0); err != nil {
			return err
		}
	}

	// Step 15: send everything else down the tunnel.
	if err := sm.addJournaledRoute(netip.IPv4Unspecified(), 0, tunGateway, tunIface.Index, 1); err != nil {
		return err
	}

	// Step 16: firewall rules (the session created by the daemon's Open()
	// call at startup; here we only add the two rules this session owns).
	if _, err := sm.bindings.AddBlockOutboundUDP(netip.MustParsePrefix("198.18.0.0/24")); err != nil {
		return fmt.Errorf("connect: add block-udp rule: %w", err)
	}
	if _, err := sm.bindings.AddAllowOutboundUDP(netip.MustParseAddr("127.0.0.1")); err != nil {
		return fmt.Errorf("connect: add allow-udp rule: %w", err)
	}

	// Step 17: DNS Forwarder, only in tunnel mode.
	var fwd *dnsforwarder.Forwarder
	if settings.DNSMode == config.DNSModeTunnel {
		fwd = dnsforwarder.New(cfg.LocalSocksPort, dnsforwarder.DecodeUpstreams(settings.DNSServers))
		if err := fwd.Start(context.Background()); err != nil {
			return fmt.Errorf("connect: start dns forwarder: %w", err)
		}
		for _, iface := range actives {
			if err := sm.bindings.SetInterfaceDNS(iface.Index, []netip.Addr{netip.MustParseAddr("127.0.0.1")}); err != nil {
				core.Log.Warnf("supervisor", "set dns for %q: %v", iface.Description, err)
			}
		}
		if err := sm.bindings.FlushCache(); err != nil {
			core.Log.Warnf("supervisor", "flush resolver cache: %v", err)
		}
	}

	// Step 18: initialize stats, arm Health Monitor and Traffic Poller.
	sm.mu.Lock()
	sm.serverIP = serverIP
	sm.origGateway = origGateway
	sm.origIfIndex = origIfIndex
	sm.physLUID = physLUID
	sm.tunIfIndex = tunIface.Index
	sm.tunLUID = tunIface.LUID
	sm.socksPort = cfg.LocalSocksPort
	sm.mtu = mtu
	sm.dnsMode = settings.DNSMode
	sm.dns = fwd
	sm.mu.Unlock()

	sm.statsMu.Lock()
	sm.stats = core.ConnectionStats{ConnectedAt: time.Now()}
	sm.statsMu.Unlock()

	hm := health.New(settings, cfg.LocalSocksPort, sm.procs, sm.onRequestFastRestart, sm.onRequestDisconnect, sm.onRequestError)
	hm.ResetRestartBudget()
	tp := traffic.New(tunIface.LUID, physLUID, sm.bindings, sm.onTrafficSample)

	sm.mu.Lock()
	sm.health = hm
	sm.traffic = tp
	sm.mu.Unlock()

	hm.Start()
	tp.Start()

	return nil
}

// addJournaledRoute journals a route and then installs it, in the order §4.3
// requires: the journal entry is written before the OS mutation, so an
// abort partway through can still be undone.
func (sm *StateMachine) addJournaledRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr, ifaceIndex uint32, metric uint32) error {
	entry := journal.RouteEntry{
		Destination:    dest.String(),
		PrefixLength:   int(prefixLen),
		Gateway:        gateway.String(),
		InterfaceIndex: ifaceIndex,
		Metric:         metric,
	}
	if err := sm.journal.AppendRoute(entry); err != nil {
		return fmt.Errorf("connect: journal route %s/%d: %w", dest, prefixLen, err)
	}
	if err := sm.bindings.AddRoute(dest, prefixLen, gateway, ifaceIndex, metric); err != nil {
		return fmt.Errorf("connect: add route %s/%d via %s: %w", dest, prefixLen, gateway, err)
	}
	return nil
}

// onTrafficSample folds a Traffic Poller sample and the current Health
// Monitor latency reading into ConnectionStats on the poller's own 1 s
// cadence, then publishes the merged snapshot (§4.6).
func (sm *StateMachine) onTrafficSample(s traffic.Sample) {
	sm.mu.Lock()
	hm := sm.health
	sm.mu.Unlock()

	var latency float64
	var highCount int
	if hm != nil {
		latency = hm.CurrentLatencyMs()
		highCount = hm.HighLatencyCount()
	}

	sm.statsMu.Lock()
	sm.stats.TunRxBytesPerSec = s.TunRxBytesPerSec
	sm.stats.TunTxBytesPerSec = s.TunTxBytesPerSec
	sm.stats.PhysicalRxBytesPerSec = s.PhysicalRxBytesPerSec
	sm.stats.PhysicalTxBytesPerSec = s.PhysicalTxBytesPerSec
	sm.stats.TunRxBytesTotal = s.TunRxBytesTotal
	sm.stats.TunTxBytesTotal = s.TunTxBytesTotal
	sm.stats.PhysicalRxBytesTotal = s.PhysicalRxBytesTotal
	sm.stats.PhysicalTxBytesTotal = s.PhysicalTxBytesTotal
	sm.stats.LatencyMs = latency
	sm.stats.ConsecutiveHighLatency = highCount
	sm.stats.Degraded = highCount > 0
	snapshot := sm.stats
	sm.statsMu.Unlock()

	sm.bus.PublishAsync(core.Event{Type: core.EventStatsChanged, Payload: core.StatsChangedPayload{Stats: snapshot}})
}

// Disconnect runs the §4.7 disconnect sequence. Legal from any state except
// itself and Disconnecting. reason is nil for a user-requested disconnect.
func (sm *StateMachine) Disconnect(reason error) error {
	sm.mu.Lock()
	if !core.CanTransition(sm.state, "disconnect") {
		from := sm.state
		sm.mu.Unlock()
		return &core.AlreadyInStateError{From: from, Action: "disconnect"}
	}
	sm.mu.Unlock()

	sm.transition(core.StateDisconnecting, "disconnecting", nil)
	sm.runCleanup()

	message := "disconnected"
	if reason != nil {
		message = reason.Error()
	}
	sm.transition(core.StateDisconnected, message, nil)
	return nil
}

// runCleanup is the §4.7 disconnect sequence's body, also used to unwind a
// failed connect attempt. Every step is independent and logs-and-continues
// on error; cleanup itself never returns an error.
func (sm *StateMachine) runCleanup() {
	sm.mu.Lock()
	hm, tp, fwd := sm.health, sm.traffic, sm.dns
	sm.health, sm.traffic, sm.dns = nil, nil, nil
	sm.mu.Unlock()

	if tp != nil {
		tp.Stop()
	}
	if hm != nil {
		hm.Stop()
	}
	if fwd != nil {
		fwd.Stop()
	}

	st, err := sm.journal.Load()
	if err != nil {
		core.Log.Warnf("supervisor", "cleanup: load journal: %v", err)
	}

	for description, servers := range st.OriginalDNSSettings {
		iface, err := sm.bindings.ByDescription(description)
		if err != nil {
			core.Log.Warnf("supervisor", "cleanup: adapter %q gone, skip dns restore: %v", description, err)
			continue
		}
		if len(servers) == 0 {
			if err := sm.bindings.RestoreInterfaceDNS(iface.Index); err != nil {
				core.Log.Warnf("supervisor", "cleanup: reset dns to dhcp for %q: %v", description, err)
			}
			continue
		}
		addrs := make([]netip.Addr, 0, len(servers))
		for _, s := range servers {
			if a, err := netip.ParseAddr(s); err == nil {
				addrs = append(addrs, a)
			}
		}
		if err := sm.bindings.SetInterfaceDNS(iface.Index, addrs); err != nil {
			core.Log.Warnf("supervisor", "cleanup: restore dns for %q: %v", description, err)
		}
	}
	if err := sm.bindings.FlushCache(); err != nil {
		core.Log.Warnf("supervisor", "cleanup: flush resolver cache: %v", err)
	}

	for _, r := range st.AddedRoutes {
		dest, err := netip.ParseAddr(r.Destination)
		if err != nil {
			continue
		}
		gw, err := netip.ParseAddr(r.Gateway)
		if err != nil {
			continue
		}
		if err := sm.bindings.DeleteRoute(dest, uint8(r.PrefixLength), gw); err != nil {
			core.Log.Warnf("supervisor", "cleanup: delete route %s/%d via %s: %v", r.Destination, r.PrefixLength, r.Gateway, err)
		}
	}

	names, err := sm.bindings.ListRulesWithPrefix(osbinding.FirewallRulePrefix)
	if err != nil {
		core.Log.Warnf("supervisor", "cleanup: list firewall rules: %v", err)
	}
	for _, name := range names {
		if err := sm.bindings.RemoveRule(name); err != nil {
			core.Log.Warnf("supervisor", "cleanup: remove rule %q: %v", name, err)
		}
	}

	if err := sm.procs.StopAll(); err != nil {
		core.Log.Warnf("supervisor", "cleanup: stop helper processes: %v", err)
	}

	if err := sm.journal.Clear(); err != nil {
		core.Log.Warnf("supervisor", "cleanup: clear journal: %v", err)
	}
}

// onRequestDisconnect is the Health Monitor's escalation path for §4.5 steps
// 2/3 (helper dead, SOCKS unreachable) once its restart budget is exhausted;
// it ends in StateDisconnected.
func (sm *StateMachine) onRequestDisconnect(reason string) {
	go sm.Disconnect(fmt.Errorf("supervisor: %s", reason))
}

// onRequestError is the Health Monitor's escalation path for §4.5 step 4
// (the consecutive-high-latency restart budget is exhausted). Unlike
// onRequestDisconnect this must land in StateError, not StateDisconnected
// (§4.5, §8 scenario 5: "the fourth one instead transitions to Error and
// runs full cleanup").
func (sm *StateMachine) onRequestError(reason string) {
	go sm.disconnectToError(fmt.Errorf("supervisor: %s", reason))
}

// disconnectToError runs the same cleanup as Disconnect but transitions to
// StateError instead of StateDisconnected.
func (sm *StateMachine) disconnectToError(reason error) {
	sm.mu.Lock()
	if !core.CanTransition(sm.state, "disconnect") {
		sm.mu.Unlock()
		return
	}
	sm.mu.Unlock()

	sm.transition(core.StateDisconnecting, "disconnecting", nil)
	sm.runCleanup()
	sm.transition(core.StateError, reason.Error(), reason)
}

// onRequestFastRestart is the Health Monitor's escalation path while the
// restart budget still allows one more attempt (§4.5).
func (sm *StateMachine) onRequestFastRestart() {
	go sm.fastRestart()
}

// fastRestart implements §4.7's fast-restart sequence: only the helper
// processes are touched, so the TUN interface, routes, DNS, and firewall
// rules all survive (recreating the TUN adapter would drop all traffic).
func (sm *StateMachine) fastRestart() {
	sm.mu.Lock()
	if sm.state != core.StateConnected {
		sm.mu.Unlock()
		return
	}
	sm.isRestarting = true
	hm := sm.health
	socksPort := sm.socksPort
	mtu := sm.mtu
	sm.mu.Unlock()

	if hm != nil {
		hm.SetRestarting(true)
	}

	if err := sm.runFastRestartSequence(socksPort, mtu); err != nil {
		core.Log.Warnf("supervisor", "fast restart failed, falling back to full disconnect: %v", err)
		sm.mu.Lock()
		sm.isRestarting = false
		sm.mu.Unlock()
		if hm != nil {
			hm.SetRestarting(false)
		}
		sm.Disconnect(fmt.Errorf("supervisor: fast restart failed: %w", err))
		return
	}

	sm.mu.Lock()
	sm.isRestarting = false
	sm.mu.Unlock()
	if hm != nil {
		hm.SetRestarting(false)
	}
}

func (sm *StateMachine) runFastRestartSequence(socksPort, mtu int) error {
	if err := sm.procs.StopAll(); err != nil {
		return fmt.Errorf("stop helpers: %w", err)
	}
	time.Sleep(fastRestartSettle)

	rec, ok := sm.store.Selected()
	if !ok {
		return fmt.Errorf("no server configuration selected")
	}
	cfg := rec.Configuration
	settings := sm.store.GlobalSettings()

	if err := sm.procs.StartTunnelClient(cfg.ServerAddress, socksPort, cfg.ServerKey, procsup.ClientArgvOptions{
		Encryption:    settings.EncryptionMode,
		EncryptionKey: settings.EncryptionKey,
	}); err != nil {
		return fmt.Errorf("restart pingtunnel-client: %w", err)
	}
	if err := waitForPort(socksPort, socksRestartTimeout); err != nil {
		return err
	}
	time.Sleep(fastRestartRouterGrace)

	if err := sm.procs.StartRouter(socksPort, mtu); err != nil {
		return fmt.Errorf("restart tun2socks: %w", err)
	}
	time.Sleep(fastRestartSettle)
	return nil
}

// SwitchConfig implements §4.7's config-switch sequence: disconnect (if
// connected), select the new config, reconnect; on failure, restore the
// previous selection.
func (sm *StateMachine) SwitchConfig(newConfigID string) error {
	sm.mu.Lock()
	wasConnected := sm.state == core.StateConnected
	sm.mu.Unlock()

	var previousID string
	if prev, ok := sm.store.Selected(); ok {
		previousID = prev.ID
	}

	if wasConnected {
		if err := sm.Disconnect(nil); err != nil {
			return fmt.Errorf("switch config: disconnect: %w", err)
		}
		time.Sleep(configSwitchSettle)
	}

	if err := sm.store.Select(newConfigID); err != nil {
		return fmt.Errorf("switch config: select %q: %w", newConfigID, err)
	}

	if err := sm.Connect(); err != nil {
		if previousID != "" {
			if selErr := sm.store.Select(previousID); selErr != nil {
				core.Log.Warnf("supervisor", "switch config: restore previous selection %q: %v", previousID, selErr)
			}
		}
		return fmt.Errorf("switch config: connect: %w", err)
	}
	return nil
}

// resolveServerIP resolves host and returns its first IPv4 address (§4.7
// step 4). host is passed through to the tunnel client untouched; this
// resolution only serves the physical-path route pin in step 11.
func resolveServerIP(host string) (netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return netip.Addr{}, &core.DNSResolutionFailedError{Host: host}
	}
	for _, ip := range ips {
		if v4 := ip.IP.To4(); v4 != nil {
			if addr, ok := netip.AddrFromSlice(v4); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, &core.DNSResolutionFailedError{Host: host}
}

// waitForPort polls 127.0.0.1:port every 200ms (§5) until a TCP connection
// succeeds or timeout elapses.
func waitForPort(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return &core.SocksPortTimeoutError{Port: port}
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// configInvalid adapts a config package validation error (which only
// exposes Messages() to avoid an import cycle) into core.ConfigInvalidError.
func configInvalid(err error) error {
	if me, ok := err.(interface{ Messages() []string }); ok {
		return &core.ConfigInvalidError{Messages: me.Messages()}
	}
	return &core.ConfigInvalidError{Messages: []string{err.Error()}}
}
