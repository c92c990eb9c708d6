//go:build windows

package windows

import (
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// Elevation implements osbinding.Elevation via the process token and
// ShellExecute's "runas" verb, the same relaunch mechanism the desktop
// shell uses to elevate the supervisor binary.
type Elevation struct{}

// NewElevation creates a ready-to-use Elevation.
func NewElevation() *Elevation { return &Elevation{} }

// IsElevated reports whether the current process token has administrator
// privileges.
func (e *Elevation) IsElevated() bool {
	token := windows.GetCurrentProcessToken()
	return token.IsElevated()
}

// RelaunchElevated starts exe with args via a UAC elevation prompt and
// returns once Windows has accepted (or rejected) the prompt; it does not
// wait for the new process to exit.
func (e *Elevation) RelaunchElevated(exe string, args []string) error {
	verb, err := windows.UTF16PtrFromString("runas")
	if err != nil {
		return err
	}
	file, err := windows.UTF16PtrFromString(exe)
	if err != nil {
		return err
	}
	cwd, err := windows.UTF16PtrFromString(filepath.Dir(exe))
	if err != nil {
		return err
	}
	var params *uint16
	if len(args) > 0 {
		params, err = windows.UTF16PtrFromString(strings.Join(args, " "))
		if err != nil {
			return err
		}
	}
	return windows.ShellExecute(0, verb, file, params, cwd, windows.SW_HIDE)
}
