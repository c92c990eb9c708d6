//go:build windows

package crash

import (
	"errors"
	"testing"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osbinding/fake"
	"pingtunnel-vpn/internal/procsup"
	"pingtunnel-vpn/internal/supervisor"
)

func newTestHandler(t *testing.T) (*Handler, chan int) {
	t.Helper()
	bus := core.NewEventBus()
	bindings := fake.New()
	store := config.NewStore(t.TempDir(), bus)
	if err := store.Load(); err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	jr := journal.New(t.TempDir())
	procs := procsup.New(t.TempDir())
	sm := supervisor.New(bus, bindings, store, jr, procs, t.TempDir())
	t.Cleanup(sm.Close)

	h := NewHandler(sm)
	exitCodes := make(chan int, 1)
	h.exitFunc = func(code int) { exitCodes <- code }
	return h, exitCodes
}

func TestTriggerEmergencyShutdownExitsOnce(t *testing.T) {
	h, exitCodes := newTestHandler(t)

	h.TriggerEmergencyShutdown(errors.New("boom"))
	h.TriggerEmergencyShutdown(errors.New("second call must be ignored"))

	select {
	case code := <-exitCodes:
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	select {
	case <-exitCodes:
		t.Fatal("exitFunc called a second time")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGuardRecoversPanicAndTriggersShutdown(t *testing.T) {
	h, exitCodes := newTestHandler(t)

	h.Guard("test", func() {
		panic("it broke")
	})

	select {
	case code := <-exitCodes:
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit after recovered panic")
	}
}

func TestGuardAsyncRecoversPanicFromGoroutine(t *testing.T) {
	h, exitCodes := newTestHandler(t)

	h.GuardAsync("async-test", func() {
		panic("async failure")
	})

	select {
	case code := <-exitCodes:
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit after recovered async panic")
	}
}

func TestGuardDoesNotTriggerShutdownWhenFnSucceeds(t *testing.T) {
	h, exitCodes := newTestHandler(t)

	ran := false
	h.Guard("ok", func() { ran = true })

	if !ran {
		t.Fatal("fn did not run")
	}
	select {
	case <-exitCodes:
		t.Fatal("exitFunc called despite no panic")
	case <-time.After(50 * time.Millisecond):
	}
}
