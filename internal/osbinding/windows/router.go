//go:build windows

// Package windows is the production OS Bindings implementation (C1),
// talking directly to iphlpapi.dll, WFP and process/adapter Win32 APIs.
package windows

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
)

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procInitializeIpForwardEntry = modIPHlpAPI.NewProc("InitializeIpForwardEntry")
	procCreateIpForwardEntry2    = modIPHlpAPI.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2    = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
	procGetIpForwardTable2       = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procFreeMibTable             = modIPHlpAPI.NewProc("FreeMibTable")

	procInitializeUnicastIpAddressEntry = modIPHlpAPI.NewProc("InitializeUnicastIpAddressEntry")
	procCreateUnicastIpAddressEntry     = modIPHlpAPI.NewProc("CreateUnicastIpAddressEntry")
	procGetIpInterfaceEntry             = modIPHlpAPI.NewProc("GetIpInterfaceEntry")
	procSetIpInterfaceEntry             = modIPHlpAPI.NewProc("SetIpInterfaceEntry")
)

// errObjectAlreadyExists is ERROR_OBJECT_ALREADY_EXISTS, returned by
// CreateIpForwardEntry2/CreateUnicastIpAddressEntry when the entry is
// already present; treated as success to keep every Add* call idempotent.
const errObjectAlreadyExists = 0x1392

// mibIPForwardRow2 mirrors MIB_IPFORWARD_ROW2 (104 bytes on x64); fields are
// poked at known byte offsets rather than declared as Go struct fields
// because the Windows layout mixes SOCKADDR_INET unions with padding that
// doesn't map cleanly onto Go alignment rules.
type mibIPForwardRow2 struct {
	data [104]byte
}

// Field offsets within MIB_IPFORWARD_ROW2 (x64).
const (
	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr       = 16
	fwdDestPrefixLen  = 40
	fwdNextHopFamily  = 44
	fwdNextHopAddr    = 48
	fwdMetric         = 84
	fwdProtocol       = 88
	fwdOrigin         = 100
)

// Router implements osbinding.Router over iphlpapi.dll.
type Router struct{}

// NewRouter creates a ready-to-use Router.
func NewRouter() *Router { return &Router{} }

// FindDefaultRoute returns the gateway and interface index of the 0.0.0.0/0
// route with the lowest metric.
func (r *Router) FindDefaultRoute() (netip.Addr, uint32, error) {
	rows, free, err := getForwardTable()
	if err != nil {
		return netip.Addr{}, 0, err
	}
	defer free()

	var (
		found    bool
		bestGw   netip.Addr
		bestIdx  uint32
		bestMetr uint32
	)
	for _, row := range rows {
		if row.family() != windows.AF_INET {
			continue
		}
		if row.destAddr() != [4]byte{} || row.destPrefixLen() != 0 {
			continue
		}
		metric := row.metric()
		if !found || metric < bestMetr {
			found = true
			bestMetr = metric
			bestIdx = row.ifIndex()
			bestGw = netip.AddrFrom4(row.nextHopAddr())
		}
	}
	if !found {
		return netip.Addr{}, 0, &core.DefaultGatewayUnknownError{}
	}
	return bestGw, bestIdx, nil
}

// AddRoute installs dest/prefixLen via gateway on ifaceIndex. Adding an
// already-present route is a no-op success.
func (r *Router) AddRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr, ifaceIndex uint32, metric uint32) error {
	var row mibIPForwardRow2
	procInitializeIpForwardEntry.Call(uintptr(unsafe.Pointer(&row)))

	*(*uint32)(unsafe.Pointer(&row.data[fwdInterfaceIndex])) = ifaceIndex

	*(*uint16)(unsafe.Pointer(&row.data[fwdDestFamily])) = windows.AF_INET
	dst4 := dest.As4()
	copy(row.data[fwdDestAddr:fwdDestAddr+4], dst4[:])
	row.data[fwdDestPrefixLen] = prefixLen

	*(*uint16)(unsafe.Pointer(&row.data[fwdNextHopFamily])) = windows.AF_INET
	if gateway.IsValid() {
		gw4 := gateway.As4()
		copy(row.data[fwdNextHopAddr:fwdNextHopAddr+4], gw4[:])
	}

	*(*uint32)(unsafe.Pointer(&row.data[fwdMetric])) = metric
	*(*int32)(unsafe.Pointer(&row.data[fwdProtocol])) = 3 // MIB_IPPROTO_NETMGMT
	*(*int32)(unsafe.Pointer(&row.data[fwdOrigin])) = 1    // NlroManual

	ret, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if ret != 0 && ret != errObjectAlreadyExists {
		return &core.OsError{Op: "CreateIpForwardEntry2", Code: uintptr(ret)}
	}
	core.Log.Debugf("osbinding", "route added: %s/%d via %s ifidx=%d metric=%d", dest, prefixLen, gateway, ifaceIndex, metric)
	return nil
}

// DeleteRoute removes the route matching dest/prefixLen/gateway. Deleting an
// absent route is a no-op success.
func (r *Router) DeleteRoute(dest netip.Addr, prefixLen uint8, gateway netip.Addr) error {
	rows, free, err := getForwardTable()
	if err != nil {
		return err
	}
	defer free()

	dst4 := dest.As4()
	var gw4 [4]byte
	if gateway.IsValid() {
		gw4 = gateway.As4()
	}

	for _, row := range rows {
		if row.family() != windows.AF_INET {
			continue
		}
		if row.destAddr() != dst4 || row.destPrefixLen() != prefixLen {
			continue
		}
		if gateway.IsValid() && row.nextHopAddr() != gw4 {
			continue
		}
		ret, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(row.raw)))
		if ret != 0 {
			return &core.OsError{Op: "DeleteIpForwardEntry2", Code: uintptr(ret)}
		}
		core.Log.Debugf("osbinding", "route deleted: %s/%d via %s", dest, prefixLen, gateway)
		return nil
	}
	return nil // absent: idempotent success
}

// SetInterfaceMetric disables automatic metric assignment on ifaceIndex and
// fixes its metric.
func (r *Router) SetInterfaceMetric(ifaceIndex uint32, metric uint32) error {
	var row mibIPInterfaceRow
	*(*uint16)(unsafe.Pointer(&row.data[ipIfFamily])) = windows.AF_INET
	*(*uint32)(unsafe.Pointer(&row.data[ipIfIndex])) = ifaceIndex

	if ret, _, _ := procGetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row))); ret != 0 {
		return &core.OsError{Op: "GetIpInterfaceEntry", Code: uintptr(ret)}
	}

	row.data[ipIfUseAutometric] = 0
	*(*uint32)(unsafe.Pointer(&row.data[ipIfMetric])) = metric

	if ret, _, _ := procSetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row))); ret != 0 {
		return &core.OsError{Op: "SetIpInterfaceEntry", Code: uintptr(ret)}
	}
	core.Log.Debugf("osbinding", "interface %d metric set to %d", ifaceIndex, metric)
	return nil
}

// SetInterfaceAddress configures ifaceIndex's IPv4 address without defining
// a default gateway on it. Adding an already-present address is a no-op
// success.
func (r *Router) SetInterfaceAddress(ifaceIndex uint32, addr netip.Addr, prefixLen uint8) error {
	var row mibUnicastIPAddressRow
	procInitializeUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&row)))

	*(*uint16)(unsafe.Pointer(&row.data[unicastAddrFamily])) = windows.AF_INET
	ip4 := addr.As4()
	copy(row.data[unicastAddr:unicastAddr+4], ip4[:])

	*(*uint32)(unsafe.Pointer(&row.data[unicastInterfaceIndex])) = ifaceIndex
	*(*int32)(unsafe.Pointer(&row.data[unicastPrefixOrigin])) = 1 // Manual
	*(*int32)(unsafe.Pointer(&row.data[unicastSuffixOrigin])) = 1 // Manual
	row.data[unicastOnLinkPrefixLen] = prefixLen
	*(*int32)(unsafe.Pointer(&row.data[unicastDadState])) = 4 // Preferred

	ret, _, _ := procCreateUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&row)))
	if ret != 0 && ret != errObjectAlreadyExists {
		return &core.OsError{Op: "CreateUnicastIpAddressEntry", Code: uintptr(ret)}
	}
	core.Log.Debugf("osbinding", "interface %d address set to %s/%d", ifaceIndex, addr, prefixLen)
	return nil
}

// forwardRow is a read-only view into one row of a fetched
// MIB_IPFORWARD_TABLE2, used by FindDefaultRoute/DeleteRoute to scan
// without duplicating the offset arithmetic inline.
type forwardRow struct{ raw *mibIPForwardRow2 }

func (r forwardRow) family() uint16 {
	return *(*uint16)(unsafe.Pointer(&r.raw.data[fwdDestFamily]))
}
func (r forwardRow) destAddr() [4]byte {
	return *(*[4]byte)(unsafe.Pointer(&r.raw.data[fwdDestAddr]))
}
func (r forwardRow) destPrefixLen() uint8 { return r.raw.data[fwdDestPrefixLen] }
func (r forwardRow) nextHopAddr() [4]byte {
	return *(*[4]byte)(unsafe.Pointer(&r.raw.data[fwdNextHopAddr]))
}
func (r forwardRow) ifIndex() uint32 {
	return *(*uint32)(unsafe.Pointer(&r.raw.data[fwdInterfaceIndex]))
}
func (r forwardRow) metric() uint32 { return *(*uint32)(unsafe.Pointer(&r.raw.data[fwdMetric])) }

// getForwardTable fetches the current IPv4 forwarding table. The returned
// free func must be called once the caller is done reading rows.
func getForwardTable() ([]forwardRow, func(), error) {
	var table unsafe.Pointer
	ret, _, _ := procGetIpForwardTable2.Call(uintptr(windows.AF_INET), uintptr(unsafe.Pointer(&table)))
	if ret != 0 {
		return nil, func() {}, fmt.Errorf("GetIpForwardTable2: 0x%x", ret)
	}
	free := func() { procFreeMibTable.Call(uintptr(table)) }

	numEntries := *(*uint32)(table)
	headerSize := unsafe.Sizeof(uint64(0))
	const rowSize = uintptr(104)

	rows := make([]forwardRow, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		ptr := (*mibIPForwardRow2)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(i)*rowSize))
		rows = append(rows, forwardRow{raw: ptr})
	}
	return rows, free, nil
}

// mibUnicastIPAddressRow mirrors MIB_UNICASTIPADDRESS_ROW (80 bytes on x64).
type mibUnicastIPAddressRow struct {
	data [80]byte
}

const (
	unicastAddrFamily     = 0  // si_family (AF_INET = 2)
	unicastAddr           = 4  // sin_addr offset within SOCKADDR_INET
	unicastInterfaceIndex = 40 // IF_INDEX
	unicastPrefixOrigin   = 44 // NL_PREFIX_ORIGIN
	unicastSuffixOrigin   = 48 // NL_SUFFIX_ORIGIN
	unicastOnLinkPrefixLen = 60 // UINT8 (after ValidLifetime@52 + PreferredLifetime@56)
	unicastDadState        = 64 // NL_DAD_STATE
)

// mibIPInterfaceRow mirrors MIB_IPINTERFACE_ROW. 256-byte buffer for
// forward-compatibility with fields this binding doesn't touch.
type mibIPInterfaceRow struct {
	data [256]byte
}

const (
	ipIfFamily        = 0
	ipIfIndex         = 16
	ipIfUseAutometric = 44  // BOOLEAN
	ipIfMetric        = 148 // ULONG
)
