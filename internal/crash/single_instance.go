//go:build windows

// Package crash implements the Crash Handler (C9): single-instance
// enforcement, the elevation gate, and emergency shutdown on an untrapped
// panic or unobserved background-task failure (spec.md §4.9).
package crash

import (
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
)

// mutexName is the named system-wide mutex unique to this product.
const mutexName = "Global\\PingTunnelVPN_SingleInstance"

// windowTitleSubstring is matched against visible top-level window titles
// to find an already-running instance's window. This repository has no
// window of its own (the UI is a separate, out-of-scope binary per §2), so
// FindAndRaiseExisting only ever locates that companion UI process if one
// happens to be running under the same product name.
const windowTitleSubstring = "PingTunnelVPN"

var (
	user32                       = windows.NewLazySystemDLL("user32.dll")
	procEnumWindows              = user32.NewProc("EnumWindows")
	procIsWindowVisible          = user32.NewProc("IsWindowVisible")
	procGetWindowTextLengthW     = user32.NewProc("GetWindowTextLengthW")
	procGetWindowTextW           = user32.NewProc("GetWindowTextW")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
	procSetForegroundWindow      = user32.NewProc("SetForegroundWindow")
	procShowWindow               = user32.NewProc("ShowWindow")
)

const swRestore = 9

// SingleInstance owns the named mutex that enforces "exactly one running
// instance" for the product (§4.9).
type SingleInstance struct {
	handle windows.Handle
}

// Acquire tries to create the product's named mutex. ok is true if this
// process is the first instance and now owns the mutex (release it via
// Release when relaunching elevated). If ok is false, another instance
// already holds it and the caller should locate and raise it, then exit.
func Acquire() (si *SingleInstance, ok bool, err error) {
	name, err := windows.UTF16PtrFromString(mutexName)
	if err != nil {
		return nil, false, fmt.Errorf("crash: mutex name: %w", err)
	}
	h, err := windows.CreateMutex(nil, false, name)
	if err == windows.ERROR_ALREADY_EXISTS {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("crash: create mutex: %w", err)
	}
	return &SingleInstance{handle: h}, true, nil
}

// Release closes the mutex handle, giving up ownership. Called before a
// self-relaunch under elevation so the new elevated process can acquire it.
func (si *SingleInstance) Release() {
	if si == nil || si.handle == 0 {
		return
	}
	windows.CloseHandle(si.handle)
	si.handle = 0
}

// FindAndRaiseExisting locates a visible top-level window whose title
// contains windowTitleSubstring and belongs to a process named exeName,
// then brings it to the foreground. Reports whether one was found (§4.9:
// "locate the existing window (by process image name and window title
// substring) and bring it forward").
func FindAndRaiseExisting(exeName string) bool {
	exeNameLower := strings.ToLower(exeName)
	var found bool

	cb := windows.NewCallback(func(hwnd, lParam uintptr) uintptr {
		vis, _, _ := procIsWindowVisible.Call(hwnd)
		if vis == 0 {
			return 1
		}
		tLen, _, _ := procGetWindowTextLengthW.Call(hwnd)
		if tLen == 0 {
			return 1
		}
		buf := make([]uint16, tLen+1)
		procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
		title := windows.UTF16ToString(buf)
		if !strings.Contains(title, windowTitleSubstring) {
			return 1
		}

		var pid uint32
		procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
		if pid == 0 || !strings.EqualFold(filepath.Base(processImagePath(pid)), exeNameLower) {
			return 1
		}

		procShowWindow.Call(hwnd, swRestore)
		procSetForegroundWindow.Call(hwnd)
		found = true
		return 0 // stop enumerating
	})

	procEnumWindows.Call(cb, 0)
	return found
}

func processImagePath(pid uint32) string {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(h)

	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return ""
	}
	return filepath.Clean(windows.UTF16ToString(buf[:size]))
}

// EnsureSingleInstance runs the full §4.9 single-instance check: acquire
// the mutex, or if another instance holds it, try to raise its window and
// report that the caller should exit cleanly (exit 0, not an error).
func EnsureSingleInstance(exeName string) (si *SingleInstance, shouldExit bool) {
	si, ok, err := Acquire()
	if err != nil {
		core.Log.Warnf("crash", "single-instance mutex: %v, proceeding anyway", err)
		return nil, false
	}
	if ok {
		return si, false
	}

	core.Log.Infof("crash", "another instance is already running")
	if !FindAndRaiseExisting(exeName) {
		core.Log.Warnf("crash", "could not locate the existing instance's window")
	}
	return nil, true
}
