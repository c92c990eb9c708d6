//go:build windows

// Package config implements the Configuration Store (C8): persistence and
// change notification for per-server VPN configuration and global tunables.
package config

import (
	"fmt"
	"time"
)

// VpnConfiguration holds the per-server settings a user edits (§3).
// Never mutated by the Supervisor during a session — read as a snapshot
// at connect time.
type VpnConfiguration struct {
	ServerAddress  string `json:"serverAddress"`
	ServerKey      string `json:"serverKey"`
	LocalSocksPort int    `json:"localSocksPort"`
}

// Validate enforces the §3 invariant: port in [1,65535], host non-empty.
func (c VpnConfiguration) Validate() error {
	var msgs []string
	if c.ServerAddress == "" {
		msgs = append(msgs, "server host must not be empty")
	}
	if c.LocalSocksPort < 1 || c.LocalSocksPort > 65535 {
		msgs = append(msgs, fmt.Sprintf("localSocksPort %d out of range [1,65535]", c.LocalSocksPort))
	}
	if len(msgs) > 0 {
		return &validationError{msgs}
	}
	return nil
}

type validationError struct{ messages []string }

func (e *validationError) Error() string { return fmt.Sprintf("invalid configuration: %v", e.messages) }

func (e *validationError) Messages() []string { return e.messages }

// ServerRecord is one entry in configs.json: a named, timestamped,
// identified VpnConfiguration.
type ServerRecord struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	CreatedAt     time.Time        `json:"createdAt"`
	LastModified  time.Time        `json:"lastModified"`
	Configuration VpnConfiguration `json:"configuration"`
}

// configsFile is the on-disk layout of configs.json (§6).
type configsFile struct {
	Configs         []ServerRecord `json:"configs"`
	SelectedConfigID *string       `json:"selectedConfigId"`
}

// DNSMode selects whether the DNS Forwarder runs (§3).
type DNSMode string

const (
	DNSModeTunnel DNSMode = "tunnel"
	DNSModeSystem DNSMode = "system"
)

// EncryptionMode selects the ICMP tunnel client's cipher (§3).
type EncryptionMode string

const (
	EncryptionNone     EncryptionMode = "none"
	EncryptionAES128   EncryptionMode = "aes128"
	EncryptionAES256   EncryptionMode = "aes256"
	EncryptionChaCha20 EncryptionMode = "chacha20"
)

// GlobalSettings holds the enumerated global tunables (§3). One instance exists.
type GlobalSettings struct {
	MTU                    int            `json:"mtu"`
	DNSMode                DNSMode        `json:"dnsMode"`
	DNSServers             []string       `json:"dnsServers"`
	BypassSubnets          []string       `json:"bypassSubnets"`
	EncryptionMode         EncryptionMode `json:"encryptionMode"`
	EncryptionKey          string         `json:"encryptionKey"`
	LatencyThresholdMs     int            `json:"latencyThresholdMs"`
	HighLatencyCountThresh int            `json:"highLatencyCountThreshold"`
	RestartCooldownSeconds int            `json:"restartCooldownSeconds"`
	MaxAutoRestarts        int            `json:"maxAutoRestarts"`
}

// DefaultGlobalSettings returns the §3 defaults.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		MTU:                    1420,
		DNSMode:                DNSModeTunnel,
		DNSServers:             []string{"1.1.1.1", "8.8.8.8"},
		BypassSubnets:          nil,
		EncryptionMode:         EncryptionNone,
		LatencyThresholdMs:     1000,
		HighLatencyCountThresh: 5,
		RestartCooldownSeconds: 30,
		MaxAutoRestarts:        3,
	}
}

// Validate enforces the §3 range constraints that matter for correctness.
func (g GlobalSettings) Validate() error {
	var msgs []string
	if g.MTU < 576 || g.MTU > 9000 {
		msgs = append(msgs, fmt.Sprintf("mtu %d out of range [576,9000]", g.MTU))
	}
	if g.DNSMode != DNSModeTunnel && g.DNSMode != DNSModeSystem {
		msgs = append(msgs, fmt.Sprintf("unknown dnsMode %q", g.DNSMode))
	}
	switch g.EncryptionMode {
	case EncryptionNone, EncryptionAES128, EncryptionAES256, EncryptionChaCha20:
	default:
		msgs = append(msgs, fmt.Sprintf("unknown encryptionMode %q", g.EncryptionMode))
	}
	if len(msgs) > 0 {
		return &validationError{msgs}
	}
	return nil
}
