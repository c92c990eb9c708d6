//go:build windows

// Package health implements the Health Monitor (C5): a 5-second
// liveness/latency loop that escalates to a fast restart or a full
// disconnect when the tunnel looks unhealthy (spec.md §4.5).
package health

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/procsup"
)

const (
	tickInterval = 5 * time.Second
	probeTimeout = 2 * time.Second
)

// pongLine matches "pong from <ipv4> <value><ms|s>" lines emitted by
// pingtunnel-client.
var pongLine = regexp.MustCompile(`pong from \S+ ([0-9]+(?:\.[0-9]+)?)(ms|s)`)

// Monitor runs the §4.5 liveness loop. It owns the restart budget and
// decides, on each unhealthy signal, whether to request a fast restart or
// command a disconnect.
type Monitor struct {
	mu sync.Mutex

	thresholdMs      float64
	highLatencyThresh int
	cooldown         time.Duration
	maxAutoRestarts  int
	socksPort        int

	supervisor *procsup.Supervisor

	onRequestFastRestart func()
	onRequestDisconnect  func(reason string)
	onRequestError       func(reason string)

	restarting       bool
	currentLatencyMs float64
	highLatencyCount int
	restartCount     int
	lastRestartAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. socksPort is the local SOCKS5 port to probe.
// onRequestFastRestart/onRequestDisconnect/onRequestError are invoked by the
// monitor's own goroutine; callers must not block inside them for long.
// onRequestDisconnect is the terminal path for steps 2/3 (helper dead, SOCKS
// unreachable); onRequestError is the distinct terminal path for step 4
// (consecutive-high-latency budget exhaustion), which must land in
// core.StateError rather than core.StateDisconnected (§4.5, §8 scenario 5).
func New(settings config.GlobalSettings, socksPort int, supervisor *procsup.Supervisor, onRequestFastRestart func(), onRequestDisconnect func(reason string), onRequestError func(reason string)) *Monitor {
	return &Monitor{
		thresholdMs:          float64(settings.LatencyThresholdMs),
		highLatencyThresh:    settings.HighLatencyCountThresh,
		cooldown:             time.Duration(settings.RestartCooldownSeconds) * time.Second,
		maxAutoRestarts:      settings.MaxAutoRestarts,
		socksPort:            socksPort,
		supervisor:           supervisor,
		onRequestFastRestart: onRequestFastRestart,
		onRequestDisconnect:  onRequestDisconnect,
		onRequestError:       onRequestError,
	}
}

// Start begins the periodic check loop. Call ResetRestartBudget first if
// this is a fresh connection.
func (m *Monitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.loop()
	core.Log.Infof("health", "health monitor started (interval=%s, latencyThreshold=%.0fms)", tickInterval, m.thresholdMs)
}

// Stop cancels the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// SetRestarting toggles the flag that causes check iterations to be
// skipped while a fast restart is in progress (§4.5 step 1).
func (m *Monitor) SetRestarting(restarting bool) {
	m.mu.Lock()
	m.restarting = restarting
	if !restarting {
		m.currentLatencyMs = 0
		m.highLatencyCount = 0
	}
	m.mu.Unlock()
}

// ResetRestartBudget clears the restart counter and cooldown clock; called
// by the Connection State Machine during a connect sequence, right after it
// constructs the Monitor and before Start.
func (m *Monitor) ResetRestartBudget() {
	m.mu.Lock()
	m.restartCount = 0
	m.lastRestartAt = time.Time{}
	m.mu.Unlock()
}

// CurrentLatencyMs returns the most recently observed latency sample.
func (m *Monitor) CurrentLatencyMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLatencyMs
}

// HighLatencyCount returns the current consecutive-high-latency count, the
// source for ConnectionStats.ConsecutiveHighLatency (§3).
func (m *Monitor) HighLatencyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highLatencyCount
}

// HandleProcessEvent feeds one Process Supervisor event into the latency
// ingestion pipeline. The Supervisor's event channel has a single reader
// (the Connection State Machine), which forwards LineReceived events for
// pingtunnel-client here rather than the Monitor reading the channel
// itself (§4.2's one-way-channel design).
func (m *Monitor) HandleProcessEvent(ev procsup.ProcessEvent) {
	if ev.Kind != procsup.LineReceived || ev.Name != procsup.PingtunnelClient {
		return
	}
	m.ingestLine(ev.Line)
}

// ingestLine parses a captured pingtunnel-client line for a "pong from ..."
// latency sample and updates the high-latency counter per §4.5.
func (m *Monitor) ingestLine(line string) {
	match := pongLine.FindStringSubmatch(line)
	if match == nil {
		return
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return
	}
	latencyMs := value
	if match[2] == "s" {
		latencyMs = value * 1000
	}

	m.mu.Lock()
	m.currentLatencyMs = latencyMs
	switch {
	case latencyMs >= m.thresholdMs:
		core.Log.Warnf("health", "latency %.0fms exceeds threshold %.0fms", latencyMs, m.thresholdMs)
		m.highLatencyCount++
	case latencyMs >= 0.5*m.thresholdMs:
		m.highLatencyCount++
	default:
		m.highLatencyCount = 0
	}
	m.mu.Unlock()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

// checkOnce runs the four ordered §4.5 checks for a single tick.
func (m *Monitor) checkOnce() {
	m.mu.Lock()
	restarting := m.restarting
	m.mu.Unlock()
	if restarting {
		return // step 1
	}

	if m.supervisor != nil {
		if !m.supervisor.IsAlive(procsup.PingtunnelClient) || !m.supervisor.IsAlive(procsup.Tun2Socks) {
			core.Log.Warnf("health", "helper process not alive")
			m.escalate(m.onRequestDisconnect, "health check failed and no restart budget remains")
			return // step 2
		}
	}

	if !m.probeSocksPort() {
		core.Log.Warnf("health", "SOCKS5 port %d unreachable", m.socksPort)
		m.escalate(m.onRequestDisconnect, "health check failed and no restart budget remains")
		return // step 3
	}

	m.mu.Lock()
	highCount := m.highLatencyCount
	thresh := m.highLatencyThresh
	m.mu.Unlock()
	if thresh > 0 && highCount >= thresh {
		core.Log.Warnf("health", "consecutive high-latency count %d reached threshold %d", highCount, thresh)
		m.escalate(m.onRequestError, "consecutive high-latency restart budget exhausted") // step 4
	}
}

func (m *Monitor) probeSocksPort() bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(m.socksPort)), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// escalate requests a fast restart if the budget allows it, otherwise invokes
// the given terminal callback with reason (§4.5's restart budget rule).
// Callers pass onRequestDisconnect for steps 2/3 or onRequestError for step
// 4 so the two terminal outcomes land in different ConnectionStates.
func (m *Monitor) escalate(onTerminal func(reason string), reason string) {
	if m.tryConsumeRestartBudget() {
		if m.onRequestFastRestart != nil {
			m.onRequestFastRestart()
		}
		return
	}
	if onTerminal != nil {
		onTerminal(reason)
	}
}

// tryConsumeRestartBudget checks and, if permitted, records a restart
// attempt per §4.5: "permitted only if (a) maxAutoRestarts == 0 OR the
// current count is below it, AND (b) at least restartCooldownSeconds have
// elapsed since the previous restart."
func (m *Monitor) tryConsumeRestartBudget() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxAutoRestarts != 0 && m.restartCount >= m.maxAutoRestarts {
		return false
	}
	if !m.lastRestartAt.IsZero() && time.Since(m.lastRestartAt) < m.cooldown {
		return false
	}
	m.restartCount++
	m.lastRestartAt = time.Now()
	return true
}
