//go:build windows

package crash

import (
	"testing"

	"pingtunnel-vpn/internal/osbinding/fake"
)

func TestEnsureElevatedNoopWhenAlreadyElevated(t *testing.T) {
	bindings := fake.New()
	bindings.Elevated = true

	if EnsureElevated(bindings, nil) {
		t.Fatal("EnsureElevated = true, want false when already elevated")
	}
	if len(bindings.RelaunchCalls) != 0 {
		t.Fatalf("RelaunchCalls = %v, want none", bindings.RelaunchCalls)
	}
}

func TestEnsureElevatedRelaunchesAndReleasesMutex(t *testing.T) {
	bindings := fake.New()
	bindings.Elevated = false

	si, ok, err := Acquire()
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	if !EnsureElevated(bindings, si) {
		t.Fatal("EnsureElevated = false, want true when not elevated")
	}
	if len(bindings.RelaunchCalls) != 1 {
		t.Fatalf("RelaunchCalls = %v, want exactly one", bindings.RelaunchCalls)
	}

	// The mutex must have been released so a newly elevated process could
	// reacquire it.
	si2, ok2, err := Acquire()
	if err != nil {
		t.Fatalf("reacquire after EnsureElevated: %v", err)
	}
	if !ok2 {
		t.Fatal("reacquire after EnsureElevated: ok = false, want true")
	}
	si2.Release()
}
