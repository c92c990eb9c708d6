//go:build windows

package supervisor

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osbinding"
	"pingtunnel-vpn/internal/osbinding/fake"
	"pingtunnel-vpn/internal/procsup"
	"pingtunnel-vpn/internal/traffic"
)

func newTestMachine(t *testing.T) (*StateMachine, *fake.Bindings, *config.Store) {
	t.Helper()
	bus := core.NewEventBus()
	bindings := fake.New()
	store := config.NewStore(t.TempDir(), bus)
	if err := store.Load(); err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	jr := journal.New(t.TempDir())
	procs := procsup.New(t.TempDir())
	sm := New(bus, bindings, store, jr, procs, t.TempDir())
	t.Cleanup(sm.Close)
	return sm, bindings, store
}

func TestConnectIllegalFromConnecting(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	sm.state = core.StateConnecting
	err := sm.Connect()
	var already *core.AlreadyInStateError
	if !errors.As(err, &already) {
		t.Fatalf("Connect() from Connecting = %v, want *AlreadyInStateError", err)
	}
}

func TestDisconnectIllegalFromDisconnecting(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	sm.state = core.StateDisconnecting
	err := sm.Disconnect(nil)
	var already *core.AlreadyInStateError
	if !errors.As(err, &already) {
		t.Fatalf("Disconnect() from Disconnecting = %v, want *AlreadyInStateError", err)
	}
}

func TestConnectFailsFastWhenNotElevated(t *testing.T) {
	sm, bindings, store := newTestMachine(t)
	bindings.Elevated = false
	if _, err := store.Add("test", config.VpnConfiguration{ServerAddress: "203.0.113.10", LocalSocksPort: 1080}); err != nil {
		t.Fatalf("store.Add: %v", err)
	}

	err := sm.Connect()
	var notElevated *core.NotElevatedError
	if !errors.As(err, &notElevated) {
		t.Fatalf("Connect() = %v, want *NotElevatedError", err)
	}
	if got := sm.State(); got != core.StateError {
		t.Fatalf("state = %v, want Error", got)
	}
}

func TestConnectFailsWithNoSelectedConfig(t *testing.T) {
	sm, bindings, _ := newTestMachine(t)
	bindings.Elevated = true

	err := sm.Connect()
	var invalid *core.ConfigInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Connect() = %v, want *ConfigInvalidError", err)
	}
}

func TestSwitchConfigRestoresPreviousSelectionOnFailure(t *testing.T) {
	sm, bindings, store := newTestMachine(t)
	bindings.Elevated = false // guarantees Connect() fails at step 3

	first, err := store.Add("first", config.VpnConfiguration{ServerAddress: "203.0.113.10", LocalSocksPort: 1080})
	if err != nil {
		t.Fatalf("store.Add first: %v", err)
	}
	second, err := store.Add("second", config.VpnConfiguration{ServerAddress: "203.0.113.20", LocalSocksPort: 1081})
	if err != nil {
		t.Fatalf("store.Add second: %v", err)
	}
	if err := store.Select(first.ID); err != nil {
		t.Fatalf("store.Select: %v", err)
	}

	if err := sm.SwitchConfig(second.ID); err == nil {
		t.Fatalf("SwitchConfig: expected failure (not elevated)")
	}

	sel, ok := store.Selected()
	if !ok || sel.ID != first.ID {
		t.Fatalf("selected = %+v, want restored to %q", sel, first.ID)
	}
}

func TestRunCleanupRestoresJournaledDNSAndRoutes(t *testing.T) {
	sm, bindings, _ := newTestMachine(t)

	bindings.Interfaces["eth"] = osbinding.Interface{Description: "Ethernet", Index: 7}
	bindings.InterfaceDNS[7] = []netip.Addr{netip.MustParseAddr("127.0.0.1")}

	gw := netip.MustParseAddr("192.168.1.1")
	dest := netip.MustParseAddr("198.51.100.1")
	bindings.Routes = append(bindings.Routes, fake.FakeRoute{Dest: dest, PrefixLen: 32, Gateway: gw, IfaceIdx: 3})

	name, _ := bindings.AddBlockOutboundUDP(netip.MustParsePrefix("198.18.0.0/24"))

	if err := sm.journal.Save(journal.State{
		IsConnected:                   true,
		OriginalDefaultGateway:        gw.String(),
		OriginalDefaultInterfaceIndex: 3,
		OriginalDNSSettings:           map[string][]string{"Ethernet": {"8.8.8.8"}},
		AddedRoutes: []journal.RouteEntry{
			{Destination: dest.String(), PrefixLength: 32, Gateway: gw.String(), InterfaceIndex: 3},
		},
	}); err != nil {
		t.Fatalf("journal.Save: %v", err)
	}

	sm.runCleanup()

	if got := bindings.InterfaceDNS[7]; len(got) != 1 || got[0].String() != "8.8.8.8" {
		t.Fatalf("InterfaceDNS[7] = %v, want restored to [8.8.8.8]", got)
	}
	if len(bindings.Routes) != 0 {
		t.Fatalf("Routes = %v, want empty after cleanup", bindings.Routes)
	}
	if _, ok := bindings.Rules[name]; ok {
		t.Fatalf("rule %q still present after cleanup", name)
	}
	if needs, _ := sm.journal.NeedsRecovery(); needs {
		t.Fatalf("journal still needs recovery after cleanup")
	}
}

func TestOnTrafficSamplePublishesStatsWithLatency(t *testing.T) {
	sm, _, _ := newTestMachine(t)

	var got core.StatsChangedPayload
	done := make(chan struct{})
	sm.bus.Subscribe(core.EventStatsChanged, func(e core.Event) {
		got = e.Payload.(core.StatsChangedPayload)
		close(done)
	})

	sm.onTrafficSample(traffic.Sample{TunRxBytesTotal: 100})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EventStatsChanged")
	}

	if got.Stats.TunRxBytesTotal != 100 {
		t.Fatalf("TunRxBytesTotal = %d, want 100", got.Stats.TunRxBytesTotal)
	}
}

func TestOnRequestErrorTransitionsToErrorNotDisconnected(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	sm.mu.Lock()
	sm.state = core.StateConnected
	sm.mu.Unlock()

	done := make(chan core.ConnectionState, 1)
	sm.bus.Subscribe(core.EventStateChanged, func(e core.Event) {
		p := e.Payload.(core.StateChangedPayload)
		if p.To == core.StateError || p.To == core.StateDisconnected {
			done <- p.To
		}
	})

	sm.onRequestError("consecutive high-latency restart budget exhausted")

	select {
	case got := <-done:
		if got != core.StateError {
			t.Fatalf("terminal state = %v, want StateError", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal state transition")
	}
}

func TestOnRequestDisconnectTransitionsToDisconnectedNotError(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	sm.mu.Lock()
	sm.state = core.StateConnected
	sm.mu.Unlock()

	done := make(chan core.ConnectionState, 1)
	sm.bus.Subscribe(core.EventStateChanged, func(e core.Event) {
		p := e.Payload.(core.StateChangedPayload)
		if p.To == core.StateError || p.To == core.StateDisconnected {
			done <- p.To
		}
	})

	sm.onRequestDisconnect("health check failed and no restart budget remains")

	select {
	case got := <-done:
		if got != core.StateDisconnected {
			t.Fatalf("terminal state = %v, want StateDisconnected", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal state transition")
	}
}

func TestWaitForPortSucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if err := waitForPort(port, 2*time.Second); err != nil {
		t.Fatalf("waitForPort: %v", err)
	}
}

func TestWaitForPortTimesOutWhenNothingListens(t *testing.T) {
	err := waitForPort(1, 300*time.Millisecond)
	var timeout *core.SocksPortTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("waitForPort = %v, want *SocksPortTimeoutError", err)
	}
}

func TestResolveServerIPAcceptsLiteralAddress(t *testing.T) {
	addr, err := resolveServerIP("203.0.113.5")
	if err != nil {
		t.Fatalf("resolveServerIP: %v", err)
	}
	if addr.String() != "203.0.113.5" {
		t.Fatalf("addr = %s, want 203.0.113.5", addr)
	}
}

func TestFastRestartNoopWhenNotConnected(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	sm.fastRestart() // state is Disconnected; must return without panicking
	if sm.State() != core.StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", sm.State())
	}
}
