//go:build windows

package windows

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osbinding"
)

const adapterPollInterval = 250 * time.Millisecond

// Inventory implements osbinding.InterfaceInventory over GetAdaptersAddresses
// and GetIfEntry2, the same pair of iphlpapi calls the rest of the pack uses
// for interface discovery and per-interface byte counters.
type Inventory struct{}

// NewInventory creates a ready-to-use Inventory.
func NewInventory() *Inventory { return &Inventory{} }

// FindByNamePattern polls every adapterPollInterval for up to timeout for an
// adapter whose friendly name or description contains pattern.
func (iv *Inventory) FindByNamePattern(pattern string, timeout time.Duration) (osbinding.Interface, error) {
	deadline := time.Now().Add(timeout)
	for {
		ifaces, err := enumerateAdapters()
		if err == nil {
			for _, a := range ifaces {
				if strings.Contains(strings.ToLower(a.iface.Name), strings.ToLower(pattern)) ||
					strings.Contains(strings.ToLower(a.iface.Description), strings.ToLower(pattern)) {
					return a.iface, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return osbinding.Interface{}, &core.TunInterfaceMissingError{NamePattern: pattern}
		}
		time.Sleep(adapterPollInterval)
	}
}

// ByLUID looks up interface metadata for a known LUID.
func (iv *Inventory) ByLUID(luid uint64) (osbinding.Interface, error) {
	ifaces, err := enumerateAdapters()
	if err != nil {
		return osbinding.Interface{}, err
	}
	for _, a := range ifaces {
		if a.iface.LUID == luid {
			return a.iface, nil
		}
	}
	return osbinding.Interface{}, fmt.Errorf("osbinding: no interface with luid 0x%x", luid)
}

// ByDescription looks up interface metadata by driver description, the key
// the Recovery Journal records DNS snapshots under.
func (iv *Inventory) ByDescription(description string) (osbinding.Interface, error) {
	ifaces, err := enumerateAdapters()
	if err != nil {
		return osbinding.Interface{}, err
	}
	for _, a := range ifaces {
		if a.iface.Description == description {
			return a.iface, nil
		}
	}
	return osbinding.Interface{}, fmt.Errorf("osbinding: no interface with description %q", description)
}

// ListActive returns every enumerated adapter that is not a loopback and
// is operationally up (§4.1: "enumerate active (non-loopback, operational)
// adapters").
func (iv *Inventory) ListActive() ([]osbinding.Interface, error) {
	ifaces, err := enumerateAdapters()
	if err != nil {
		return nil, err
	}
	var out []osbinding.Interface
	for _, a := range ifaces {
		if a.operStatusUp && !a.isLoopback {
			out = append(out, a.iface)
		}
	}
	return out, nil
}

// Counters returns the interface's current byte counters via GetIfEntry2.
func (iv *Inventory) Counters(luid uint64) (uint64, uint64, error) {
	var row mibIfRow2
	*(*uint64)(unsafe.Pointer(&row.data[ifRowLUID])) = luid

	ret, _, _ := procGetIfEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if ret != 0 {
		return 0, 0, &core.OsError{Op: "GetIfEntry2", Code: uintptr(ret)}
	}
	rx := *(*uint64)(unsafe.Pointer(&row.data[ifRowInOctets]))
	tx := *(*uint64)(unsafe.Pointer(&row.data[ifRowOutOctets]))
	return rx, tx, nil
}

// adapterRecord carries the raw OperStatus/IfType bits alongside the public
// osbinding.Interface, so ListActive can filter without re-walking the
// adapter table.
type adapterRecord struct {
	iface        osbinding.Interface
	operStatusUp bool
	isLoopback   bool
}

func enumerateAdapters() ([]adapterRecord, error) {
	var size uint32 = 15000
	var buf []byte
	for attempt := 0; attempt < 3; attempt++ {
		buf = make([]byte, size)
		aa := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0]))
		err := windows.GetAdaptersAddresses(windows.AF_INET, 0, 0, aa, &size)
		if err == nil {
			break
		}
		if err == windows.ERROR_BUFFER_OVERFLOW {
			continue
		}
		return nil, fmt.Errorf("GetAdaptersAddresses: %w", err)
	}

	var out []adapterRecord
	for aa := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0])); aa != nil; aa = aa.Next {
		name := windows.UTF16PtrToString(aa.FriendlyName)
		iface := osbinding.Interface{
			Name:        name,
			Description: windows.UTF16PtrToString(aa.Description),
			LUID:        aa.Luid,
			Index:       aa.IfIndex,
			IsTun:       aa.IfType == windows.IF_TYPE_PPP || strings.Contains(strings.ToLower(name), "tun") || strings.Contains(strings.ToLower(name), "wintun"),
		}
		for ua := aa.FirstUnicastAddress; ua != nil; ua = ua.Next {
			if ip := ua.Address.IP(); ip != nil {
				if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
					iface.Addrs = append(iface.Addrs, addr)
				}
			}
		}
		for da := aa.FirstDnsServerAddress; da != nil; da = da.Next {
			if ip := da.Address.IP(); ip != nil {
				if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
					iface.DNSServers = append(iface.DNSServers, addr)
				}
			}
		}
		out = append(out, adapterRecord{
			iface:        iface,
			operStatusUp: aa.OperStatus == windows.IfOperStatusUp,
			isLoopback:   aa.IfType == windows.IF_TYPE_SOFTWARE_LOOPBACK,
		})
	}
	return out, nil
}

var procGetIfEntry2 = modIPHlpAPI.NewProc("GetIfEntry2")

// mibIfRow2 mirrors MIB_IF_ROW2 (1352 bytes on x64). Only the fields we use
// are named below; everything else is read as opaque padding.
//
// Relevant offsets (x64):
//
//	0:    NET_LUID  InterfaceLuid      (8)
//	1208: ULONG64   InOctets           (8)
//	1280: ULONG64   OutOctets          (8)
type mibIfRow2 struct {
	data [1352]byte
}

const (
	ifRowLUID      = 0
	ifRowInOctets  = 1208
	ifRowOutOctets = 1280
)
