package config

import (
	"os"
	"testing"
)

func TestNewManifest(t *testing.T) {
	dbPath := "/tmp/testdb"
	cfg := NewDefaultConfig(dbPath)

	manifest, err := NewManifest(dbPath, cfg)
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	if manifest.DBPath != dbPath {
		t.Errorf("expected DBPath %s, got %s", dbPath, manifest.DBPath)
	}

	if len(manifest.Entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(manifest.Entries))
	}

	if manifest.Current == nil {
		t.Error("current entry is nil")
	} else if manifest.Current.Config != cfg {
		t.Error("current config does not match the provided config")
	}
}

func TestManifestUpdateConfig(t *testing.T) {
	dbPath := "/tmp/testdb"
	cfg := NewDefaultConfig(dbPath)

	manifest, err := NewManifest(dbPath, cfg)
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	err = manifest.UpdateConfig(func(c *Config) {
		c.CacheCapacityBytes = 64 * 1024 * 1024
		c.WALRetainSegments = 4
	})
	if err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	if len(manifest.Entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(manifest.Entries))
	}

	current := manifest.GetConfig()
	if current.CacheCapacityBytes != 64*1024*1024 {
		t.Errorf("expected cache capacity %d, got %d", 64*1024*1024, current.CacheCapacityBytes)
	}
	if current.WALRetainSegments != 4 {
		t.Errorf("expected retain segments %d, got %d", 4, current.WALRetainSegments)
	}

	// A rejected update must not add an entry.
	err = manifest.UpdateConfig(func(c *Config) {
		c.TableBlockSize = -1
	})
	if err == nil {
		t.Fatal("expected invalid update to fail")
	}
	if len(manifest.Entries) != 2 {
		t.Errorf("rejected update changed entry count to %d", len(manifest.Entries))
	}
}

func TestManifestTableTracking(t *testing.T) {
	dbPath := "/tmp/testdb"
	cfg := NewDefaultConfig(dbPath)

	manifest, err := NewManifest(dbPath, cfg)
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	manifest.AddTable("tables/000001.qt", 100)
	manifest.AddTable("tables/000002.qt", 250)

	tables := manifest.GetTables()
	if len(tables) != 2 {
		t.Errorf("expected 2 tables, got %d", len(tables))
	}

	if tables["tables/000001.qt"] != 100 {
		t.Errorf("expected covered sequence 100, got %d", tables["tables/000001.qt"])
	}

	if tables["tables/000002.qt"] != 250 {
		t.Errorf("expected covered sequence 250, got %d", tables["tables/000002.qt"])
	}

	if min := manifest.MinFlushedSeq(); min != 100 {
		t.Errorf("expected min flushed seq 100, got %d", min)
	}

	manifest.RemoveTable("tables/000001.qt")

	tables = manifest.GetTables()
	if len(tables) != 1 {
		t.Errorf("expected 1 table, got %d", len(tables))
	}

	if _, exists := tables["tables/000001.qt"]; exists {
		t.Error("table should have been removed")
	}

	if min := manifest.MinFlushedSeq(); min != 250 {
		t.Errorf("expected min flushed seq 250, got %d", min)
	}
}

func TestManifestSaveLoadFreshTables(t *testing.T) {
	tempDir := t.TempDir()
	manifest, err := NewManifest(tempDir, NewDefaultConfig(tempDir))
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	// Tables registered on a fresh manifest, with no config revision in
	// between, must survive the save.
	manifest.AddTable("tables/000001.qt", 7)
	if err := manifest.Save(); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	loaded, err := LoadManifest(tempDir)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}
	if got := loaded.GetTables()["tables/000001.qt"]; got != 7 {
		t.Errorf("expected covered sequence 7, got %d", got)
	}
}

func TestManifestRevisionTablesIsolated(t *testing.T) {
	dbPath := "/tmp/testdb"
	manifest, err := NewManifest(dbPath, NewDefaultConfig(dbPath))
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	manifest.AddTable("tables/000001.qt", 1)
	if err := manifest.UpdateConfig(func(c *Config) { c.WALRetainSegments = 2 }); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}
	manifest.AddTable("tables/000002.qt", 2)

	if got := len(manifest.Entries[0].Tables); got != 1 {
		t.Errorf("superseded revision gained tables: %d", got)
	}
	if got := len(manifest.Entries[1].Tables); got != 2 {
		t.Errorf("expected 2 tables on the current revision, got %d", got)
	}
}

func TestManifestSaveLoad(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "manifest_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cfg := NewDefaultConfig(tempDir)
	manifest, err := NewManifest(tempDir, cfg)
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	err = manifest.UpdateConfig(func(c *Config) {
		c.CacheCapacityBytes = 64 * 1024 * 1024
	})
	if err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	manifest.AddTable("tables/000001.qt", 42)

	if err := manifest.Save(); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	loadedManifest, err := LoadManifest(tempDir)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}

	if len(loadedManifest.Entries) != len(manifest.Entries) {
		t.Errorf("expected %d entries, got %d", len(manifest.Entries), len(loadedManifest.Entries))
	}

	loadedConfig := loadedManifest.GetConfig()
	if loadedConfig.CacheCapacityBytes != 64*1024*1024 {
		t.Errorf("expected cache capacity %d, got %d", 64*1024*1024, loadedConfig.CacheCapacityBytes)
	}

	loadedTables := loadedManifest.GetTables()
	if len(loadedTables) != 1 {
		t.Errorf("expected 1 table, got %d", len(loadedTables))
	}

	if loadedTables["tables/000001.qt"] != 42 {
		t.Errorf("expected covered sequence 42, got %d", loadedTables["tables/000001.qt"])
	}
}
