//go:build windows

package crash

import "testing"

func TestAcquireThenSecondAcquireFails(t *testing.T) {
	si, ok, err := Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire: ok = false, want true")
	}
	defer si.Release()

	_, ok2, err := Acquire()
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if ok2 {
		t.Fatal("second Acquire: ok = true, want false while first instance still holds the mutex")
	}
}

func TestReleaseThenReacquireSucceeds(t *testing.T) {
	si, ok, err := Acquire()
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	si.Release()

	si2, ok2, err := Acquire()
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !ok2 {
		t.Fatal("reacquire after Release: ok = false, want true")
	}
	si2.Release()
}

func TestFindAndRaiseExistingReturnsFalseWhenNoMatchingWindow(t *testing.T) {
	if FindAndRaiseExisting("definitely-not-a-real-process-name.exe") {
		t.Fatal("expected no matching window to be found")
	}
}
