// Package config defines the engine configuration and its persisted manifest.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1

	// CurrentWALDirName holds segments still owned by an appender.
	CurrentWALDirName = "wals"
	// ArchivedWALDirName holds rolled, immutable segments.
	ArchivedWALDirName = "old.wals"
	// TableDirName holds finished table files.
	TableDirName = "tables"
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// SyncMode controls when the WAL pushes buffered bytes to stable storage.
type SyncMode int

const (
	// SyncNone never syncs on append; data loss window is the whole buffer
	SyncNone SyncMode = iota
	// SyncBatch syncs when the unsynced byte count passes WALSyncBytes
	SyncBatch
	// SyncImmediate syncs every append before returning
	SyncImmediate
)

// String returns the configuration name of the sync mode
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("sync_mode(%d)", int(m))
	}
}

// Config carries every tunable of the storage core. Field access from
// multiple goroutines goes through Update/snapshot helpers.
type Config struct {
	Version int `json:"version"`

	// WAL configuration
	WALDir            string   `json:"wal_dir"`
	WALArchiveDir     string   `json:"wal_archive_dir"`
	WALSyncMode       SyncMode `json:"wal_sync_mode"`
	WALSyncBytes      int64    `json:"wal_sync_bytes"`
	WALMaxSegmentSize int64    `json:"wal_max_segment_size"`
	WALRetainSegments int      `json:"wal_retain_segments"`
	WALRetainAgeSecs  int64    `json:"wal_retain_age_secs"`

	// Block cache configuration
	CacheCapacityBytes int64  `json:"cache_capacity_bytes"`
	CacheOnWriteMode   string `json:"cache_on_write_mode"`

	// Table file configuration
	TableDir             string `json:"table_dir"`
	TableBlockSize       int    `json:"table_block_size"`
	TableIndexChunkSize  int    `json:"table_index_chunk_size"`
	TableBloomBlockSize  int    `json:"table_bloom_block_size"`
	TableRestartInterval int    `json:"table_restart_interval"`
	TableCompression     string `json:"table_compression"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values rooted
// at dbPath
func NewDefaultConfig(dbPath string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		// WAL defaults
		WALDir:            filepath.Join(dbPath, CurrentWALDirName),
		WALArchiveDir:     filepath.Join(dbPath, ArchivedWALDirName),
		WALSyncMode:       SyncBatch,
		WALSyncBytes:      1024 * 1024,      // 1MB
		WALMaxSegmentSize: 64 * 1024 * 1024, // 64MB
		WALRetainSegments: 8,
		WALRetainAgeSecs:  24 * 60 * 60,

		// Cache defaults: cache-on-write disabled until a mode is chosen
		CacheCapacityBytes: 256 * 1024 * 1024, // 256MB
		CacheOnWriteMode:   "",

		// Table defaults
		TableDir:             filepath.Join(dbPath, TableDirName),
		TableBlockSize:       16 * 1024,  // 16KB
		TableIndexChunkSize:  4 * 1024,   // 4KB
		TableBloomBlockSize:  128 * 1024, // 128KB
		TableRestartInterval: 16,
		TableCompression:     "none",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.WALDir == "" {
		return fmt.Errorf("%w: WAL directory not specified", ErrInvalidConfig)
	}

	if c.WALArchiveDir == "" {
		return fmt.Errorf("%w: WAL archive directory not specified", ErrInvalidConfig)
	}

	if c.WALSyncMode < SyncNone || c.WALSyncMode > SyncImmediate {
		return fmt.Errorf("%w: unknown WAL sync mode %d", ErrInvalidConfig, c.WALSyncMode)
	}

	if c.WALSyncMode == SyncBatch && c.WALSyncBytes <= 0 {
		return fmt.Errorf("%w: WAL sync bytes must be positive in batch mode", ErrInvalidConfig)
	}

	if c.WALMaxSegmentSize <= 0 {
		return fmt.Errorf("%w: WAL max segment size must be positive", ErrInvalidConfig)
	}

	if c.CacheCapacityBytes < 0 {
		return fmt.Errorf("%w: cache capacity must not be negative", ErrInvalidConfig)
	}

	switch c.CacheOnWriteMode {
	case "", "data", "bloom", "index":
	default:
		return fmt.Errorf("%w: unknown cache-on-write mode %q", ErrInvalidConfig, c.CacheOnWriteMode)
	}

	if c.TableDir == "" {
		return fmt.Errorf("%w: table directory not specified", ErrInvalidConfig)
	}

	if c.TableBlockSize <= 0 {
		return fmt.Errorf("%w: table block size must be positive", ErrInvalidConfig)
	}

	if c.TableIndexChunkSize <= 0 {
		return fmt.Errorf("%w: table index chunk size must be positive", ErrInvalidConfig)
	}

	if c.TableBloomBlockSize <= 0 {
		return fmt.Errorf("%w: table bloom block size must be positive", ErrInvalidConfig)
	}

	if c.TableRestartInterval <= 0 {
		return fmt.Errorf("%w: table restart interval must be positive", ErrInvalidConfig)
	}

	switch c.TableCompression {
	case "", "none", "snappy", "zstd", "lz4":
	default:
		return fmt.Errorf("%w: unknown table compression %q", ErrInvalidConfig, c.TableCompression)
	}

	return nil
}

// LoadConfigFromManifest loads just the configuration portion from the
// manifest file
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	m, err := LoadManifest(dbPath)
	if err != nil {
		return nil, err
	}
	return m.GetConfig(), nil
}

// SaveManifest saves the configuration as a fresh single-entry manifest
func (c *Config) SaveManifest(dbPath string) error {
	m, err := NewManifest(dbPath, c)
	if err != nil {
		return err
	}
	return m.Save()
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
