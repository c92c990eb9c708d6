//go:build windows

package crash

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/supervisor"
)

// disconnectHardCap bounds the emergency Disconnect; the process force-exits
// if cleanup has not finished by then (§4.9: "if the cleanup deadlocks,
// force-exit anyway").
const disconnectHardCap = 5 * time.Second

// Handler is the §4.9 emergency-shutdown trap: panics recovered by Guard
// and GuardAsync funnel through TriggerEmergencyShutdown exactly once. There
// is no UI dispatcher to hook (see Guard), and a panic in a goroutine not
// started through Guard is not trapped.
type Handler struct {
	sm       *supervisor.StateMachine
	fired    atomic.Bool
	exitFunc func(code int) // test seam, defaults to os.Exit
}

// NewHandler creates a Handler bound to the Connection State Machine whose
// Disconnect sequence runs during emergency shutdown.
func NewHandler(sm *supervisor.StateMachine) *Handler {
	return &Handler{sm: sm, exitFunc: os.Exit}
}

// Guard runs fn in the current goroutine and recovers any panic, routing it
// to TriggerEmergencyShutdown instead of letting the runtime crash the
// process silently. Only work run through Guard or GuardAsync is covered:
// the daemon's main loop runs under Guard, while the goroutines started
// inside the supervisor, procsup, health, traffic and dnsforwarder packages
// use bare `go` statements and their panics are not recovered here. There
// is no UI dispatcher in a daemon without a window (§2).
func (h *Handler) Guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.TriggerEmergencyShutdown(fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack()))
		}
	}()
	fn()
}

// GuardAsync starts fn on a new goroutine wrapped by Guard. Use for
// fire-and-forget background work whose outcome nothing else observes —
// the Go analogue of an "unobserved task exception" (§4.9).
func (h *Handler) GuardAsync(name string, fn func()) {
	go h.Guard(name, fn)
}

// TriggerEmergencyShutdown flips the one-shot flag, writes cause to a crash
// log, runs Disconnect with a hard cap, and exits with code 1. Safe to call
// from multiple goroutines; only the first call has any effect (§4.9: "when
// first triggered").
func (h *Handler) TriggerEmergencyShutdown(cause error) {
	if !h.fired.CompareAndSwap(false, true) {
		return
	}

	core.Log.Errorf("crash", "emergency shutdown: %v", cause)
	writeCrashLog(cause)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if h.sm != nil {
			if err := h.sm.Disconnect(cause); err != nil {
				core.Log.Errorf("crash", "emergency disconnect: %v", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(disconnectHardCap):
		core.Log.Errorf("crash", "emergency disconnect did not finish within %s, forcing exit", disconnectHardCap)
	}

	h.exitFunc(1)
}

// writeCrashLog writes cause to a new crash-<timestamp>.log file in the same
// logs/ directory the ordinary logger writes to (core.Logger's
// openLogFile convention), best-effort only — a failure here must never
// block the shutdown it is trying to record.
func writeCrashLog(cause error) {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	logsDir := filepath.Join(filepath.Dir(exe), "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return
	}
	name := fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05"))
	f, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\n%s\n", time.Now().Format(time.RFC3339), cause.Error())
}
