//go:build windows

package crash

import (
	"os"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osbinding"
)

// EnsureElevated implements the §4.9 elevation gate: if the current
// process is not elevated, it releases si (so the relaunched, elevated
// process can acquire the single-instance mutex), relaunches self with
// the "runas" verb, and reports that the caller must exit regardless of
// whether the relaunch itself succeeded.
func EnsureElevated(elev osbinding.Elevation, si *SingleInstance) (shouldExit bool) {
	if elev.IsElevated() {
		return false
	}

	core.Log.Infof("crash", "not elevated, relaunching with administrator rights")
	si.Release()

	exe, err := os.Executable()
	if err != nil {
		core.Log.Errorf("crash", "resolve own executable path: %v", err)
		return true
	}
	if err := elev.RelaunchElevated(exe, os.Args[1:]); err != nil {
		core.Log.Errorf("crash", "relaunch elevated: %v", err)
	}
	return true
}
