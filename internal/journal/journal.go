//go:build windows

// Package journal implements the Recovery Journal (C3): a single atomic
// JSON file recording enough state to undo a session's OS mutations after
// a crash (§4.3).
package journal

import (
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osbinding"
)

const fileName = "state.json"

// RouteEntry records one route added during the current session (§6).
type RouteEntry struct {
	Destination    string `json:"destination"`
	PrefixLength   int    `json:"prefixLength"`
	Gateway        string `json:"gateway"`
	InterfaceIndex uint32 `json:"interfaceIndex"`
	Metric         uint32 `json:"metric"`
}

// State is the on-disk layout of state.json (§4.3/§6).
type State struct {
	IsConnected                   bool                `json:"isConnected"`
	Timestamp                     time.Time           `json:"timestamp"`
	OriginalDefaultGateway        string              `json:"originalDefaultGateway"`
	OriginalDefaultInterfaceIndex uint32              `json:"originalDefaultInterfaceIndex"`
	OriginalDNSSettings           map[string][]string `json:"originalDnsSettings"`
	AddedRoutes                   []RouteEntry        `json:"addedRoutes"`
}

// Journal persists State at <dir>/state.json, written atomically
// (write-temp-then-rename) so a crash mid-write never leaves a corrupt file.
type Journal struct {
	mu   sync.Mutex
	path string
}

// New creates a Journal rooted at dir (the per-user data directory shared
// with the Configuration Store).
func New(dir string) *Journal {
	return &Journal{path: filepath.Join(dir, fileName)}
}

// NeedsRecovery reports whether the journal file exists and its connected
// flag is true (§4.3).
func (j *Journal) NeedsRecovery() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, err := j.readLocked()
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, nil
	}
	return st.IsConnected, nil
}

// Load reads the current journal state, or the zero State if no journal
// file exists. Used by the Connection State Machine's disconnect sequence
// to recover the original gateway/DNS/route records without going through
// the crash-recovery Recover path.
func (j *Journal) Load() (State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, err := j.readLocked()
	if err != nil {
		return State{}, err
	}
	if st == nil {
		return State{}, nil
	}
	return *st, nil
}

// Save serializes state and atomically replaces the journal file. Per
// §4.3's ordering rule, Save must be called BEFORE the mutation it
// describes is applied to the OS.
func (j *Journal) Save(state State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeLocked(state)
}

// AppendRoute reads the current journal, appends entry to AddedRoutes, and
// saves the result.
func (j *Journal) AppendRoute(entry RouteEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, err := j.readLocked()
	if err != nil {
		return err
	}
	if st == nil {
		st = &State{IsConnected: true, Timestamp: time.Now(), OriginalDNSSettings: map[string][]string{}}
	}
	st.AddedRoutes = append(st.AddedRoutes, entry)
	return j.writeLocked(*st)
}

// Clear deletes the journal file. Per §4.3's ordering rule, Clear must only
// be called AFTER every mutation it described has been reversed.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := os.Remove(j.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (j *Journal) readLocked() (*State, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (j *Journal) writeLocked(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

// Recover reads the journal (if present) and reverses everything it
// describes: deletes every recorded route, restores every recorded
// adapter's DNS, kills orphaned helper processes, then clears the
// journal (§4.3). Each sub-operation is best-effort — a single failure is
// logged and does not block the rest of the undo.
func (j *Journal) Recover(router osbinding.Router, dns osbinding.DNSConfigurator, inv osbinding.InterfaceInventory, pc osbinding.ProcessControl, orphanPrefix string) error {
	j.mu.Lock()
	st, err := j.readLocked()
	j.mu.Unlock()
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}

	for _, r := range st.AddedRoutes {
		dest, err := netip.ParseAddr(r.Destination)
		if err != nil {
			core.Log.Warnf("journal", "recover: skip malformed route destination %q: %v", r.Destination, err)
			continue
		}
		gw, err := netip.ParseAddr(r.Gateway)
		if err != nil {
			core.Log.Warnf("journal", "recover: skip malformed route gateway %q: %v", r.Gateway, err)
			continue
		}
		if err := router.DeleteRoute(dest, uint8(r.PrefixLength), gw); err != nil {
			core.Log.Warnf("journal", "recover: delete_route %s/%d via %s: %v", r.Destination, r.PrefixLength, r.Gateway, err)
		}
	}

	for description, servers := range st.OriginalDNSSettings {
		iface, err := inv.ByDescription(description)
		if err != nil {
			core.Log.Warnf("journal", "recover: adapter %q not found, skipping DNS restore: %v", description, err)
			continue
		}
		if len(servers) == 0 {
			if err := dns.RestoreInterfaceDNS(iface.Index); err != nil {
				core.Log.Warnf("journal", "recover: reset dns to dhcp for %q: %v", description, err)
			}
			continue
		}
		addrs := make([]netip.Addr, 0, len(servers))
		for _, s := range servers {
			a, err := netip.ParseAddr(s)
			if err != nil {
				core.Log.Warnf("journal", "recover: skip malformed dns server %q for %q: %v", s, description, err)
				continue
			}
			addrs = append(addrs, a)
		}
		if err := dns.SetInterfaceDNS(iface.Index, addrs); err != nil {
			core.Log.Warnf("journal", "recover: restore dns for %q: %v", description, err)
		}
	}

	if pc != nil && orphanPrefix != "" {
		pids, err := pc.FindOrphans(orphanPrefix)
		if err != nil {
			core.Log.Warnf("journal", "recover: find orphans: %v", err)
		}
		for _, pid := range pids {
			if err := pc.Kill(pid); err != nil {
				core.Log.Warnf("journal", "recover: kill orphan pid=%d: %v", pid, err)
			}
		}
	}

	if err := j.Clear(); err != nil {
		core.Log.Warnf("journal", "recover: clear journal: %v", err)
		return err
	}
	return nil
}
