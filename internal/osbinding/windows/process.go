//go:build windows

package windows

import (
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ProcessControl implements osbinding.ProcessControl over
// CreateToolhelp32Snapshot, the same enumeration surface the pack's process
// lister uses.
type ProcessControl struct{}

// NewProcessControl creates a ready-to-use ProcessControl.
func NewProcessControl() *ProcessControl { return &ProcessControl{} }

// FindOrphans returns PIDs of running processes whose image path has the
// given prefix (case-insensitive).
func (p *ProcessControl) FindOrphans(exePathPrefix string) ([]uint32, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var pe windows.ProcessEntry32
	pe.Size = uint32(unsafe.Sizeof(pe))

	if err := windows.Process32First(snapshot, &pe); err != nil {
		return nil, err
	}

	prefixLower := strings.ToLower(filepath.Clean(exePathPrefix))
	var pids []uint32

	for {
		if path := processImagePath(pe.ProcessID); path != "" {
			if strings.HasPrefix(strings.ToLower(filepath.Clean(path)), prefixLower) {
				pids = append(pids, pe.ProcessID)
			}
		}
		if err := windows.Process32Next(snapshot, &pe); err != nil {
			break
		}
	}

	return pids, nil
}

// Kill terminates the process with the given PID.
func (p *ProcessControl) Kill(pid uint32) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
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
