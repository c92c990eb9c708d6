//go:build windows

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pingtunnel-vpn/internal/core"
)

const (
	configsFileName        = "configs.json"
	globalSettingsFileName = "global-settings.json"
)

// ErrNoSelection is returned by Export when no server record is selected.
var ErrNoSelection = errors.New("config: no server selected")

// ConfigChangedPayload is core.EventConfigChanged's payload (§4.8:
// "configuration_changed(VpnConfiguration)"). Configuration is the affected
// record's snapshot (for a delete, the deleted record's) — zero-valued only
// for a global settings change. Settings is always the current
// GlobalSettings snapshot. Consumers must treat both as read-only.
type ConfigChangedPayload struct {
	Configuration VpnConfiguration
	Settings      GlobalSettings
}

// SelectedChangedPayload is core.EventSelectedChanged's payload (§4.8:
// "selected_changed(Option<ServerConfig>)"). Selected is nil when no record
// is selected. Consumers must treat it as a read-only snapshot.
type SelectedChangedPayload struct {
	Selected *ServerRecord
}

// Store persists ServerRecords and GlobalSettings under a directory and
// publishes EventConfigChanged / EventSelectedChanged on every mutation
// (§4.8). All reads return copies; callers never see internal state.
type Store struct {
	mu       sync.RWMutex
	dir      string
	bus      *core.EventBus
	configs  []ServerRecord
	selected *string
	global   GlobalSettings
}

// NewStore creates a store rooted at dir. Call Load before use.
func NewStore(dir string, bus *core.EventBus) *Store {
	return &Store{dir: dir, bus: bus, global: DefaultGlobalSettings()}
}

func (s *Store) configsPath() string { return filepath.Join(s.dir, configsFileName) }
func (s *Store) globalPath() string  { return filepath.Join(s.dir, globalSettingsFileName) }

// Load reads both configs.json and global-settings.json from disk, creating
// defaults for whichever file is missing.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("config: create dir %s: %w", s.dir, err)
	}

	cf, err := readJSON[configsFile](s.configsPath())
	if err != nil {
		return fmt.Errorf("config: read %s: %w", configsFileName, err)
	}
	if cf == nil {
		cf = &configsFile{}
		if err := writeJSONAtomic(s.configsPath(), cf); err != nil {
			return fmt.Errorf("config: create default %s: %w", configsFileName, err)
		}
	}

	gs, err := readJSON[GlobalSettings](s.globalPath())
	if err != nil {
		return fmt.Errorf("config: read %s: %w", globalSettingsFileName, err)
	}
	if gs == nil {
		def := DefaultGlobalSettings()
		gs = &def
		if err := writeJSONAtomic(s.globalPath(), gs); err != nil {
			return fmt.Errorf("config: create default %s: %w", globalSettingsFileName, err)
		}
	}

	s.mu.Lock()
	s.configs = cf.Configs
	s.selected = cf.SelectedConfigID
	s.global = *gs
	s.mu.Unlock()

	core.Log.Infof("config", "loaded %d server configs from %s", len(cf.Configs), s.dir)
	return nil
}

// List returns a copy of all server records.
func (s *Store) List() []ServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerRecord, len(s.configs))
	copy(out, s.configs)
	return out
}

// Get returns the record with the given id, or false if not found.
func (s *Store) Get(id string) (ServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.configs {
		if r.ID == id {
			return r, true
		}
	}
	return ServerRecord{}, false
}

// Selected returns the currently selected record, or false if none is selected.
func (s *Store) Selected() (ServerRecord, bool) {
	s.mu.RLock()
	id := s.selected
	s.mu.RUnlock()
	if id == nil {
		return ServerRecord{}, false
	}
	return s.Get(*id)
}

// GlobalSettings returns a copy of the current global settings.
func (s *Store) GlobalSettings() GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.global
	g.DNSServers = slices.Clone(g.DNSServers)
	g.BypassSubnets = slices.Clone(g.BypassSubnets)
	return g
}

// Add validates and appends a new server record, assigning it a fresh ID.
// The name is deduplicated against existing records by appending " (N)",
// and the new record is auto-selected if no record is currently selected.
func (s *Store) Add(name string, cfg VpnConfiguration) (ServerRecord, error) {
	if err := cfg.Validate(); err != nil {
		return ServerRecord{}, err
	}

	now := time.Now()
	rec := ServerRecord{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		LastModified:  now,
		Configuration: cfg,
	}

	s.mu.Lock()
	rec.Name = dedupeName(s.configs, name)
	s.configs = append(s.configs, rec)
	becameSelected := s.selected == nil
	if becameSelected {
		id := rec.ID
		s.selected = &id
	}
	err := s.persistConfigsLocked()
	settings := s.global
	s.mu.Unlock()
	if err != nil {
		return ServerRecord{}, err
	}

	s.publish(core.EventConfigChanged, ConfigChangedPayload{Configuration: rec.Configuration, Settings: settings})
	if becameSelected {
		s.publish(core.EventSelectedChanged, SelectedChangedPayload{Selected: &rec})
	}
	return rec, nil
}

// dedupeName returns name unchanged if no existing record has it, otherwise
// appends " (N)" for the smallest N that is unique.
func dedupeName(recs []ServerRecord, name string) string {
	taken := make(map[string]bool, len(recs))
	for _, r := range recs {
		taken[r.Name] = true
	}
	if !taken[name] {
		return name
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", name, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

// Update applies mutate to the record with the given id and persists the result.
func (s *Store) Update(id string, mutate func(*VpnConfiguration)) error {
	s.mu.Lock()
	idx := indexOf(s.configs, id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("config: record %q not found", id)
	}
	updated := s.configs[idx].Configuration
	mutate(&updated)
	if err := updated.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.configs[idx].Configuration = updated
	s.configs[idx].LastModified = time.Now()
	err := s.persistConfigsLocked()
	settings := s.global
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publish(core.EventConfigChanged, ConfigChangedPayload{Configuration: updated, Settings: settings})
	return nil
}

// Delete removes the record with the given id. If it was the selected
// record, the first remaining record (if any) becomes selected instead.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	idx := indexOf(s.configs, id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("config: record %q not found", id)
	}
	deleted := s.configs[idx]
	s.configs = append(s.configs[:idx], s.configs[idx+1:]...)
	selectionChanged := s.selected != nil && *s.selected == id
	var newSelected *ServerRecord
	if selectionChanged {
		if len(s.configs) > 0 {
			next := s.configs[0].ID
			s.selected = &next
			rec := s.configs[0]
			newSelected = &rec
		} else {
			s.selected = nil
		}
	}
	err := s.persistConfigsLocked()
	settings := s.global
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publish(core.EventConfigChanged, ConfigChangedPayload{Configuration: deleted.Configuration, Settings: settings})
	if selectionChanged {
		s.publish(core.EventSelectedChanged, SelectedChangedPayload{Selected: newSelected})
	}
	return nil
}

// Select marks id as the active server configuration.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	idx := indexOf(s.configs, id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("config: record %q not found", id)
	}
	idCopy := id
	s.selected = &idCopy
	rec := s.configs[idx]
	err := s.persistConfigsLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publish(core.EventSelectedChanged, SelectedChangedPayload{Selected: &rec})
	return nil
}

// UpdateGlobalSettings validates and persists new global settings.
func (s *Store) UpdateGlobalSettings(gs GlobalSettings) error {
	if err := gs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.global = gs
	err := writeJSONAtomic(s.globalPath(), &s.global)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("config: write %s: %w", globalSettingsFileName, err)
	}

	s.publish(core.EventConfigChanged, ConfigChangedPayload{Settings: gs})
	return nil
}

// ResetGlobalSettings restores global settings to their defaults.
func (s *Store) ResetGlobalSettings() error {
	return s.UpdateGlobalSettings(DefaultGlobalSettings())
}

// Export writes the currently selected record's configuration to path, or
// ErrNoSelection if nothing is selected.
func (s *Store) Export(path string) error {
	s.mu.RLock()
	rec, ok := func() (ServerRecord, bool) {
		if s.selected == nil {
			return ServerRecord{}, false
		}
		idx := indexOf(s.configs, *s.selected)
		if idx < 0 {
			return ServerRecord{}, false
		}
		return s.configs[idx], true
	}()
	s.mu.RUnlock()
	if !ok {
		return ErrNoSelection
	}
	return writeJSONAtomic(path, &rec.Configuration)
}

// Import reads a single VpnConfiguration from path and inserts it as a new
// record named after the file's base name (without extension).
func (s *Store) Import(path string) (ServerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerRecord{}, fmt.Errorf("config: read import file: %w", err)
	}
	var cfg VpnConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ServerRecord{}, fmt.Errorf("config: parse import file: %w", err)
	}

	stem := filepath.Base(path)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	return s.Add(stem, cfg)
}

func (s *Store) persistConfigsLocked() error {
	cf := configsFile{Configs: s.configs, SelectedConfigID: s.selected}
	return writeJSONAtomic(s.configsPath(), &cf)
}

func (s *Store) publish(t core.EventType, payload any) {
	if s.bus != nil {
		s.bus.Publish(core.Event{Type: t, Payload: payload})
	}
}

func indexOf(recs []ServerRecord, id string) int {
	for i, r := range recs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// readJSON reads and decodes a JSON file. Returns (nil, nil) if the file
// does not exist.
func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// writeJSONAtomic marshals v and writes it to path via write-temp-then-rename,
// matching the Recovery Journal's durability convention (§4.3) so partial
// writes from a crash never corrupt the configuration store.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
