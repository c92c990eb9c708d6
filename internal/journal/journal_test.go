//go:build windows

package journal

import (
	"net/netip"
	"testing"
	"time"

	"pingtunnel-vpn/internal/osbinding"
	"pingtunnel-vpn/internal/osbinding/fake"
)

func TestNeedsRecoveryFalseWhenAbsent(t *testing.T) {
	j := New(t.TempDir())
	needs, err := j.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if needs {
		t.Fatalf("expected false when journal file is absent")
	}
}

func TestSaveThenNeedsRecovery(t *testing.T) {
	j := New(t.TempDir())
	st := State{IsConnected: true, Timestamp: time.Now(), OriginalDefaultGateway: "192.168.1.1"}
	if err := j.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	needs, err := j.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if !needs {
		t.Fatalf("expected true after saving a connected state")
	}
}

func TestSaveDisconnectedDoesNotNeedRecovery(t *testing.T) {
	j := New(t.TempDir())
	if err := j.Save(State{IsConnected: false}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	needs, err := j.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if needs {
		t.Fatalf("expected false when isConnected is false")
	}
}

func TestAppendRouteAccumulates(t *testing.T) {
	j := New(t.TempDir())
	if err := j.Save(State{IsConnected: true, OriginalDNSSettings: map[string][]string{}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r1 := RouteEntry{Destination: "10.0.0.0", PrefixLength: 8, Gateway: "198.18.0.1", InterfaceIndex: 5, Metric: 1}
	r2 := RouteEntry{Destination: "0.0.0.0", PrefixLength: 1, Gateway: "198.18.0.1", InterfaceIndex: 5, Metric: 1}
	if err := j.AppendRoute(r1); err != nil {
		t.Fatalf("AppendRoute 1: %v", err)
	}
	if err := j.AppendRoute(r2); err != nil {
		t.Fatalf("AppendRoute 2: %v", err)
	}
	st, err := j.readLocked()
	if err != nil {
		t.Fatalf("readLocked: %v", err)
	}
	if len(st.AddedRoutes) != 2 {
		t.Fatalf("expected 2 accumulated routes, got %d", len(st.AddedRoutes))
	}
}

func TestClearRemovesFile(t *testing.T) {
	j := New(t.TempDir())
	if err := j.Save(State{IsConnected: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := j.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	needs, err := j.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery after clear: %v", err)
	}
	if needs {
		t.Fatalf("expected no recovery needed after clear")
	}
}

func TestClearOnAbsentFileIsNotAnError(t *testing.T) {
	j := New(t.TempDir())
	if err := j.Clear(); err != nil {
		t.Fatalf("Clear on absent file should be a no-op: %v", err)
	}
}

func TestRecoverReversesRoutesAndDNSThenClears(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)

	bindings := fake.New()
	bindings.Interfaces["Ethernet"] = osbinding.Interface{Name: "Ethernet", Description: "Ethernet", Index: 9}
	bindings.InterfaceDNS[9] = []netip.Addr{netip.MustParseAddr("10.0.0.53")} // pre-existing DNS at time of recovery

	route := RouteEntry{Destination: "0.0.0.0", PrefixLength: 1, Gateway: "198.18.0.1", InterfaceIndex: 7, Metric: 1}
	st := State{
		IsConnected:            true,
		Timestamp:              time.Now(),
		OriginalDefaultGateway: "192.168.1.1",
		AddedRoutes:            []RouteEntry{route},
		OriginalDNSSettings: map[string][]string{
			"Ethernet": {"1.1.1.1", "8.8.8.8"},
		},
	}
	if err := j.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Install the route the journal will undo.
	dest := netip.MustParseAddr(route.Destination)
	gw := netip.MustParseAddr(route.Gateway)
	if err := bindings.AddRoute(dest, uint8(route.PrefixLength), gw, route.InterfaceIndex, route.Metric); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	if err := j.Recover(bindings, bindings, bindings, bindings, "orphan-prefix"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if len(bindings.Routes) != 0 {
		t.Fatalf("expected route to be reversed, got %v", bindings.Routes)
	}
	got := bindings.InterfaceDNS[9]
	if len(got) != 2 || got[0].String() != "1.1.1.1" || got[1].String() != "8.8.8.8" {
		t.Fatalf("expected DNS restored to saved servers, got %v", got)
	}

	needs, err := j.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if needs {
		t.Fatalf("journal should be cleared after recovery")
	}
}

func TestRecoverResetsToDHCPWhenSavedListEmpty(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)

	bindings := fake.New()
	bindings.Interfaces["Wi-Fi"] = osbinding.Interface{Name: "Wi-Fi", Description: "Wi-Fi", Index: 4}
	bindings.InterfaceDNS[4] = []netip.Addr{netip.MustParseAddr("9.9.9.9")}

	st := State{
		IsConnected: true,
		OriginalDNSSettings: map[string][]string{
			"Wi-Fi": {},
		},
	}
	if err := j.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := j.Recover(bindings, bindings, bindings, bindings, "orphan-prefix"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, stillSet := bindings.InterfaceDNS[4]; stillSet {
		t.Fatalf("expected DNS reset to DHCP (entry removed), got %v", bindings.InterfaceDNS[4])
	}
}

func TestRecoverIsNoOpWhenJournalAbsent(t *testing.T) {
	j := New(t.TempDir())
	bindings := fake.New()
	if err := j.Recover(bindings, bindings, bindings, bindings, "prefix"); err != nil {
		t.Fatalf("Recover on absent journal should succeed: %v", err)
	}
}
