//go:build windows

package health

import (
	"net"
	"sync/atomic"
	"testing"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/procsup"
)

func testSettings() config.GlobalSettings {
	s := config.DefaultGlobalSettings()
	s.LatencyThresholdMs = 1000
	s.HighLatencyCountThresh = 3
	s.RestartCooldownSeconds = 0
	s.MaxAutoRestarts = 3
	return s
}

func TestIngestLineParsesMillisecondPong(t *testing.T) {
	m := New(testSettings(), 0, nil, nil, nil, nil)
	m.ingestLine("pong from 10.0.0.1 42ms")
	if got := m.CurrentLatencyMs(); got != 42 {
		t.Fatalf("latency = %v, want 42", got)
	}
}

func TestIngestLineParsesSecondsPongAndConverts(t *testing.T) {
	m := New(testSettings(), 0, nil, nil, nil, nil)
	m.ingestLine("pong from 10.0.0.1 1.5s")
	if got := m.CurrentLatencyMs(); got != 1500 {
		t.Fatalf("latency = %v, want 1500", got)
	}
}

func TestIngestLineIgnoresUnrelatedLines(t *testing.T) {
	m := New(testSettings(), 0, nil, nil, nil, nil)
	m.ingestLine("some unrelated log output")
	if got := m.CurrentLatencyMs(); got != 0 {
		t.Fatalf("latency = %v, want 0", got)
	}
}

func TestHighLatencyCountIncrementsAboveHalfThresholdAndResetsBelow(t *testing.T) {
	m := New(testSettings(), 0, nil, nil, nil, nil)
	m.ingestLine("pong from 10.0.0.1 600ms") // >= 0.5x threshold (500)
	m.mu.Lock()
	c1 := m.highLatencyCount
	m.mu.Unlock()
	if c1 != 1 {
		t.Fatalf("highLatencyCount = %d, want 1", c1)
	}

	m.ingestLine("pong from 10.0.0.1 50ms") // well below 0.5x threshold
	m.mu.Lock()
	c2 := m.highLatencyCount
	m.mu.Unlock()
	if c2 != 0 {
		t.Fatalf("highLatencyCount = %d, want 0 after a low sample", c2)
	}
}

func TestHandleProcessEventOnlyIngestsPingtunnelClientLines(t *testing.T) {
	m := New(testSettings(), 0, nil, nil, nil, nil)
	m.HandleProcessEvent(procsup.ProcessEvent{Kind: procsup.LineReceived, Name: procsup.Tun2Socks, Line: "pong from 1.2.3.4 900ms"})
	if got := m.CurrentLatencyMs(); got != 0 {
		t.Fatalf("expected tun2socks lines to be ignored, got latency %v", got)
	}

	m.HandleProcessEvent(procsup.ProcessEvent{Kind: procsup.LineReceived, Name: procsup.PingtunnelClient, Line: "pong from 1.2.3.4 900ms"})
	if got := m.CurrentLatencyMs(); got != 900 {
		t.Fatalf("latency = %v, want 900", got)
	}
}

func TestEscalateRequestsFastRestartWithinBudget(t *testing.T) {
	var restarts, disconnects atomic.Int32
	m := New(testSettings(), 0, nil, func() { restarts.Add(1) }, func(string) { disconnects.Add(1) }, nil)

	m.escalate(m.onRequestDisconnect, "reason")
	if restarts.Load() != 1 || disconnects.Load() != 0 {
		t.Fatalf("restarts=%d disconnects=%d, want 1/0", restarts.Load(), disconnects.Load())
	}
}

func TestEscalateDisconnectsWhenBudgetExhausted(t *testing.T) {
	var restarts, disconnects atomic.Int32
	settings := testSettings()
	settings.MaxAutoRestarts = 1
	m := New(settings, 0, nil, func() { restarts.Add(1) }, func(string) { disconnects.Add(1) }, nil)

	m.escalate(m.onRequestDisconnect, "reason") // consumes the one allowed restart
	m.escalate(m.onRequestDisconnect, "reason") // budget exhausted -> disconnect

	if restarts.Load() != 1 {
		t.Fatalf("restarts = %d, want 1", restarts.Load())
	}
	if disconnects.Load() != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects.Load())
	}
}

func TestEscalateRespectsCooldown(t *testing.T) {
	var restarts, disconnects atomic.Int32
	settings := testSettings()
	settings.MaxAutoRestarts = 0 // unlimited
	settings.RestartCooldownSeconds = 3600
	m := New(settings, 0, nil, func() { restarts.Add(1) }, func(string) { disconnects.Add(1) }, nil)

	m.escalate(m.onRequestDisconnect, "reason")
	m.escalate(m.onRequestDisconnect, "reason") // within cooldown window -> disconnect despite unlimited restarts

	if restarts.Load() != 1 {
		t.Fatalf("restarts = %d, want 1", restarts.Load())
	}
	if disconnects.Load() != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects.Load())
	}
}

func TestEscalateErrorPathIsDistinctFromDisconnectPath(t *testing.T) {
	var disconnects, errs atomic.Int32
	settings := testSettings()
	settings.MaxAutoRestarts = 1
	m := New(settings, 0, nil, func() {}, func(string) { disconnects.Add(1) }, func(string) { errs.Add(1) })

	m.escalate(m.onRequestDisconnect, "reason") // consumes the one allowed restart
	m.escalate(m.onRequestError, "reason")       // budget exhausted -> the error path, not disconnect

	if disconnects.Load() != 0 {
		t.Fatalf("disconnects = %d, want 0 (error path must not also fire disconnect)", disconnects.Load())
	}
	if errs.Load() != 1 {
		t.Fatalf("errs = %d, want 1", errs.Load())
	}
}

func TestResetRestartBudgetClearsCounters(t *testing.T) {
	var restarts atomic.Int32
	settings := testSettings()
	settings.MaxAutoRestarts = 1
	m := New(settings, 0, nil, func() { restarts.Add(1) }, nil, nil)

	m.escalate(m.onRequestDisconnect, "reason")
	m.ResetRestartBudget()
	m.escalate(m.onRequestDisconnect, "reason")

	if restarts.Load() != 2 {
		t.Fatalf("restarts = %d, want 2 after budget reset", restarts.Load())
	}
}

func TestCheckOnceSkippedWhileRestarting(t *testing.T) {
	var disconnects atomic.Int32
	m := New(testSettings(), 1, nil, nil, func(string) { disconnects.Add(1) }, nil)
	m.SetRestarting(true)
	m.checkOnce()
	if disconnects.Load() != 0 {
		t.Fatal("expected checkOnce to be a no-op while restarting")
	}
}

func TestCheckOnceEscalatesWhenSocksPortUnreachable(t *testing.T) {
	var restarts atomic.Int32
	m := New(testSettings(), 1, nil, func() { restarts.Add(1) }, nil, nil) // port 1 should refuse locally
	m.checkOnce()
	if restarts.Load() != 1 {
		t.Fatalf("restarts = %d, want 1 when SOCKS port is unreachable", restarts.Load())
	}
}

func TestCheckOnceEscalatesStep4ViaErrorPathNotDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	var disconnects, errs atomic.Int32
	settings := testSettings()
	settings.MaxAutoRestarts = 1
	settings.HighLatencyCountThresh = 1
	m := New(settings, port, nil, nil, func(string) { disconnects.Add(1) }, func(string) { errs.Add(1) })
	m.highLatencyCount = settings.HighLatencyCountThresh
	m.restartCount = settings.MaxAutoRestarts

	m.checkOnce()

	if disconnects.Load() != 0 {
		t.Fatalf("disconnects = %d, want 0 for a step-4 escalation", disconnects.Load())
	}
	if errs.Load() != 1 {
		t.Fatalf("errs = %d, want 1 for a step-4 escalation", errs.Load())
	}
}

func TestProbeSocksPortSucceedsAgainstALiveListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	m := New(testSettings(), port, nil, nil, nil, nil)
	if !m.probeSocksPort() {
		t.Fatal("expected probe to succeed against a live listener")
	}
}
