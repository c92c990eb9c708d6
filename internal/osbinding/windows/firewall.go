//go:build windows

package windows

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/tailscale/wf"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osbinding"
)

var (
	firewallProviderID = wf.ProviderID{
		Data1: 0x50696e67, // "Ping"
		Data2: 0x0001,
		Data3: 0x0001,
		Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	}
	firewallSublayerID = wf.SublayerID{
		Data1: 0x50696e67,
		Data2: 0x0002,
		Data3: 0x0002,
		Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	}
)

// rulePrefix identifies every rule this product owns (§4.1/§6): any WFP
// filter whose name begins with it may be removed on cleanup, by this
// process or a fresh one after a crash.
const rulePrefix = osbinding.FirewallRulePrefix

const registryFileName = "firewall-rules.json"

// ipProtoUDP is the IPPROTO_UDP value WFP's FWPM_CONDITION_IP_PROTOCOL uses.
const ipProtoUDP = 17

// Firewall implements osbinding.Firewall over a persistent (non-dynamic) WFP
// session. Unlike a dynamic session, rules outlive the process: a crash
// leaves them on the system, and the next run finds them again through the
// registry file below rather than through Windows tearing them down for us.
type Firewall struct {
	dataDir string

	mu       sync.Mutex
	session  *wf.Session
	registry map[string]wf.RuleID // rule name -> WFP rule id, persisted to disk
}

// NewFirewall creates an unopened Firewall whose rule-name registry is kept
// under dataDir. Call Open before use.
func NewFirewall(dataDir string) *Firewall {
	return &Firewall{dataDir: dataDir, registry: make(map[string]wf.RuleID)}
}

func (f *Firewall) registryPath() string { return filepath.Join(f.dataDir, registryFileName) }

// Open creates the WFP provider and sublayer (tolerating ALREADY_EXISTS from
// a prior run) and loads the rule-name registry left on disk.
func (f *Firewall) Open() error {
	sess, err := wf.New(&wf.Options{
		Name:        "Pingtunnel VPN Supervisor",
		Description: "Blocks UDP traffic from leaking outside the tunnel",
		Dynamic:     false,
	})
	if err != nil {
		return fmt.Errorf("open wfp session: %w", err)
	}

	if err := sess.AddProvider(&wf.Provider{
		ID:          firewallProviderID,
		Name:        "Pingtunnel VPN Supervisor",
		Description: "Pingtunnel VPN Supervisor WFP Provider",
	}); err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		sess.Close()
		return fmt.Errorf("add provider: %w", err)
	}

	if err := sess.AddSublayer(&wf.Sublayer{
		ID:       firewallSublayerID,
		Name:     "Pingtunnel VPN Supervisor Rules",
		Provider: firewallProviderID,
		Weight:   0x0F,
	}); err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		sess.Close()
		return fmt.Errorf("add sublayer: %w", err)
	}

	f.mu.Lock()
	f.session = sess
	f.mu.Unlock()

	if err := f.loadRegistry(); err != nil {
		core.Log.Warnf("osbinding", "firewall rule registry unreadable, starting empty: %v", err)
	}

	core.Log.Infof("osbinding", "wfp session opened (persistent), %d owned rule(s) on record", len(f.registry))
	return nil
}

// AddBlockOutboundUDP blocks outbound UDP whose local address falls within
// localSubnet. Weight is lower than any allow rule so an explicit allow
// carved out of the block still wins.
func (f *Firewall) AddBlockOutboundUDP(localSubnet netip.Prefix) (string, error) {
	name := rulePrefix + "block_" + slugifyPrefix(localSubnet)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.registry[name]; exists {
		return name, nil
	}

	id := newRuleID()
	if err := f.session.AddRule(&wf.Rule{
		ID:       id,
		Name:     name,
		Layer:    wf.LayerALEAuthConnectV4,
		Sublayer: firewallSublayerID,
		Weight:   1000,
		Conditions: []*wf.Match{
			{Field: wf.FieldIPProtocol, Op: wf.MatchTypeEqual, Value: uint8(ipProtoUDP)},
			{Field: wf.FieldIPLocalAddress, Op: wf.MatchTypeEqual, Value: localSubnet},
		},
		Action: wf.ActionBlock,
	}); err != nil {
		return "", fmt.Errorf("add block-outbound-udp rule: %w", err)
	}

	f.registry[name] = id
	if err := f.saveRegistryLocked(); err != nil {
		core.Log.Warnf("osbinding", "firewall registry save failed: %v", err)
	}
	core.Log.Infof("osbinding", "firewall: blocking outbound udp from %s (%s)", localSubnet, name)
	return name, nil
}

// AddAllowOutboundUDP permits outbound UDP to remoteIP, carved out of a
// broader block so UDP DNS queries to the loopback DNS Forwarder still get
// through.
func (f *Firewall) AddAllowOutboundUDP(remoteIP netip.Addr) (string, error) {
	name := rulePrefix + "allow_" + slugifyAddr(remoteIP)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.registry[name]; exists {
		return name, nil
	}

	id := newRuleID()
	if err := f.session.AddRule(&wf.Rule{
		ID:       id,
		Name:     name,
		Layer:    wf.LayerALEAuthConnectV4,
		Sublayer: firewallSublayerID,
		Weight:   2000,
		Conditions: []*wf.Match{
			{Field: wf.FieldIPProtocol, Op: wf.MatchTypeEqual, Value: uint8(ipProtoUDP)},
			{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqual, Value: remoteIP},
		},
		Action: wf.ActionPermit,
	}); err != nil {
		return "", fmt.Errorf("add allow-outbound-udp rule: %w", err)
	}

	f.registry[name] = id
	if err := f.saveRegistryLocked(); err != nil {
		core.Log.Warnf("osbinding", "firewall registry save failed: %v", err)
	}
	core.Log.Infof("osbinding", "firewall: allowing outbound udp to %s (%s)", remoteIP, name)
	return name, nil
}

// RemoveRule deletes the named rule. Unknown names are not an error.
func (f *Firewall) RemoveRule(name string) error {
	f.mu.Lock()
	id, exists := f.registry[name]
	if !exists {
		f.mu.Unlock()
		return nil
	}
	delete(f.registry, name)
	err := f.saveRegistryLocked()
	sess := f.session
	f.mu.Unlock()

	if sess != nil {
		if delErr := sess.DeleteRule(id); delErr != nil {
			core.Log.Warnf("osbinding", "delete wfp rule %s: %v", name, delErr)
		}
	}
	if err != nil {
		return fmt.Errorf("firewall: save registry after removing %s: %w", name, err)
	}
	core.Log.Infof("osbinding", "firewall: removed rule %s", name)
	return nil
}

// ListRulesWithPrefix returns the names of every rule this Firewall (across
// process lifetimes, via the on-disk registry) has recorded whose name
// starts with prefix.
func (f *Firewall) ListRulesWithPrefix(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.registry {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Close tears down the session handle. Rules persist on the system until
// explicitly removed via RemoveRule — a non-dynamic session does not clean
// them up for us.
func (f *Firewall) Close() error {
	f.mu.Lock()
	sess := f.session
	f.session = nil
	f.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := sess.Close()
	core.Log.Infof("osbinding", "wfp session closed")
	return err
}

func newRuleID() wf.RuleID {
	guid, err := windows.GenerateGUID()
	if err != nil {
		return wf.RuleID{Data1: 0x50696e00, Data2: 0x0001, Data3: 0x0001, Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}}
	}
	return wf.RuleID(guid)
}

func slugifyPrefix(p netip.Prefix) string {
	return strings.NewReplacer(".", "_", "/", "-", ":", "_").Replace(p.String())
}

func slugifyAddr(a netip.Addr) string {
	return strings.NewReplacer(".", "_", ":", "_").Replace(a.String())
}

// registryFile is the on-disk layout of firewall-rules.json: a flat list of
// name/id pairs rather than a map, so key ordering in the file is stable.
type registryFile struct {
	Rules []registryEntry `json:"rules"`
}

type registryEntry struct {
	Name string    `json:"name"`
	ID   wf.RuleID `json:"id"`
}

func (f *Firewall) loadRegistry() error {
	data, err := os.ReadFile(f.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return err
	}
	f.mu.Lock()
	for _, e := range rf.Rules {
		f.registry[e.Name] = e.ID
	}
	f.mu.Unlock()
	return nil
}

// saveRegistryLocked persists the registry via write-temp-then-rename.
// Caller must hold f.mu.
func (f *Firewall) saveRegistryLocked() error {
	rf := registryFile{}
	for name, id := range f.registry {
		rf.Rules = append(rf.Rules, registryEntry{Name: name, ID: id})
	}
	data, err := json.MarshalIndent(&rf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dataDir, 0755); err != nil {
		return err
	}
	tmp := f.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.registryPath())
}
