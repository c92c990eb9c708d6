//go:build windows

package procsup

import (
	"testing"
	"time"

	"pingtunnel-vpn/internal/osbinding/fake"
)

// cmdExe is used as a stand-in executable: it exists on every Windows host
// and lets tests exercise the real spawn/capture/exit path without shipping
// the actual helper binaries.
const cmdExe = `C:\Windows\System32\cmd.exe`

func newTestSupervisor() *Supervisor {
	s := New(`C:\Program Files\PingTunnelVPN`)
	s.exeOverride = map[ProcessName]string{
		PingtunnelClient: cmdExe,
		Tun2Socks:        cmdExe,
	}
	return s
}

func drainUntil(t *testing.T, events <-chan ProcessEvent, kind EventKind, timeout time.Duration) ProcessEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestStartTunnelClientCapturesLines(t *testing.T) {
	s := newTestSupervisor()
	argv := []string{"/c", "echo", "pong from 10.0.0.1 42ms"}
	if err := s.start(PingtunnelClient, argv, argv); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev := drainUntil(t, s.Events(), LineReceived, 5*time.Second)
	if ev.Name != PingtunnelClient {
		t.Fatalf("line event name = %v, want %v", ev.Name, PingtunnelClient)
	}

	drainUntil(t, s.Events(), Exited, 5*time.Second)
	if s.IsAlive(PingtunnelClient) {
		t.Fatalf("process should no longer be tracked as alive after exit")
	}
}

func TestStartRejectsDoubleStart(t *testing.T) {
	s := newTestSupervisor()
	argv := []string{"/c", "ping", "-n", "3", "127.0.0.1"}
	if err := s.start(Tun2Socks, argv, argv); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.StopAll()

	if err := s.start(Tun2Socks, argv, argv); err == nil {
		t.Fatalf("expected error starting an already-running process")
	}
}

func TestStopAllStopsRouterBeforeClient(t *testing.T) {
	s := newTestSupervisor()
	long := []string{"/c", "ping", "-n", "20", "127.0.0.1"}
	if err := s.start(PingtunnelClient, long, long); err != nil {
		t.Fatalf("start client: %v", err)
	}
	if err := s.start(Tun2Socks, long, long); err != nil {
		t.Fatalf("start router: %v", err)
	}

	if err := s.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if s.IsAlive(PingtunnelClient) || s.IsAlive(Tun2Socks) {
		t.Fatalf("both processes should be stopped")
	}
}

func TestCleanOrphansKillsMatchingPIDs(t *testing.T) {
	s := New(`C:\Program Files\PingTunnelVPN`)
	pc := fake.New()
	pc.OrphanPIDs = []uint32{111, 222}

	if err := s.CleanOrphans(pc); err != nil {
		t.Fatalf("CleanOrphans: %v", err)
	}
	if len(pc.Killed) != 2 {
		t.Fatalf("expected 2 kills, got %v", pc.Killed)
	}
}
