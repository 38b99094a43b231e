package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestEntry is one configuration revision plus the table files known at
// that point. Tables maps a file name to the highest WAL sequence number
// whose edits it covers.
type ManifestEntry struct {
	Timestamp int64             `json:"timestamp"`
	Version   int               `json:"version"`
	Config    *Config           `json:"config"`
	Tables    map[string]uint64 `json:"tables,omitempty"`
}

// Manifest is the persisted history of configuration revisions. The last
// entry is current; earlier entries are kept for diagnosis.
type Manifest struct {
	DBPath     string
	Entries    []ManifestEntry
	Current    *ManifestEntry
	LastUpdate time.Time
	mu         sync.RWMutex
}

// NewManifest creates a new manifest for the given database path
func NewManifest(dbPath string, config *Config) (*Manifest, error) {
	if config == nil {
		config = NewDefaultConfig(dbPath)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    config,
	}

	m := &Manifest{
		DBPath:     dbPath,
		Entries:    []ManifestEntry{entry},
		LastUpdate: time.Now(),
	}
	// Current must alias the slice element, not the local copy, or
	// AddTable updates would miss the persisted entries.
	m.Current = &m.Entries[0]

	return m, nil
}

// LoadManifest loads an existing manifest from the database directory
func LoadManifest(dbPath string) (*Manifest, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	file, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in manifest", ErrInvalidManifest)
	}

	current := &entries[len(entries)-1]
	if current.Config == nil {
		return nil, fmt.Errorf("%w: current entry has no config", ErrInvalidManifest)
	}
	if err := current.Config.Validate(); err != nil {
		return nil, err
	}

	m := &Manifest{
		DBPath:     dbPath,
		Entries:    entries,
		Current:    current,
		LastUpdate: time.Now(),
	}

	return m, nil
}

// Save persists the manifest to disk via a temp file and atomic rename
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Current.Config.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(m.DBPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(m.DBPath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(m.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	m.LastUpdate = time.Now()
	return nil
}

// UpdateConfig appends a new configuration revision
func (m *Manifest) UpdateConfig(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deep-copy the current config through JSON so the old revision stays
	// untouched.
	currentJSON, err := json.Marshal(m.Current.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal current config: %w", err)
	}

	var newConfig Config
	if err := json.Unmarshal(currentJSON, &newConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fn(&newConfig)

	if err := newConfig.Validate(); err != nil {
		return err
	}

	// Copy the table registry so AddTable on the new revision leaves the
	// superseded entry as it was.
	var tables map[string]uint64
	if len(m.Current.Tables) > 0 {
		tables = make(map[string]uint64, len(m.Current.Tables))
		for k, v := range m.Current.Tables {
			tables[k] = v
		}
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    &newConfig,
		Tables:    tables,
	}

	m.Entries = append(m.Entries, entry)
	m.Current = &m.Entries[len(m.Entries)-1]

	return nil
}

// AddTable registers a finished table file and the highest WAL sequence
// number it covers
func (m *Manifest) AddTable(name string, maxSeq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Current.Tables == nil {
		m.Current.Tables = make(map[string]uint64)
	}

	m.Current.Tables[name] = maxSeq
}

// RemoveTable removes a table file from the registry
func (m *Manifest) RemoveTable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Current.Tables == nil {
		return
	}

	delete(m.Current.Tables, name)
}

// GetConfig returns the current configuration
func (m *Manifest) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Current.Config
}

// GetTables returns a copy of the table registry
func (m *Manifest) GetTables() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tables := make(map[string]uint64, len(m.Current.Tables))
	for k, v := range m.Current.Tables {
		tables[k] = v
	}

	return tables
}

// MinFlushedSeq returns the smallest covered sequence number across all
// registered tables, or 0 when none are registered. Archived WAL segments
// at or below this bound are safe to prune.
func (m *Manifest) MinFlushedSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var min uint64
	first := true
	for _, seq := range m.Current.Tables {
		if first || seq < min {
			min = seq
			first = false
		}
	}
	return min
}
