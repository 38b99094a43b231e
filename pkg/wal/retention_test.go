package wal

import (
	"testing"
	"time"

	"github.com/quarrydb/quarry/pkg/config"
)

// buildRolledWAL appends enough entries through a small segment limit
// to leave several archived segments behind. The WAL stays open.
func buildRolledWAL(t *testing.T) (*WAL, *config.Config) {
	t.Helper()
	cfg := newTestConfig(t.TempDir())
	cfg.WALMaxSegmentSize = 2048
	w, err := NewWAL(cfg, cfg.WALDir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	for i := 0; i < 200; i++ {
		if _, err := w.Append([]byte("region-0001"), []byte("users"), makeEdit(i), int64(i), false); err != nil {
			t.Fatalf("Failed to append entry %d: %v", i, err)
		}
	}

	archived, err := FindSegmentFiles(cfg.WALArchiveDir)
	if err != nil {
		t.Fatalf("Failed to list archive: %v", err)
	}
	if len(archived) < 4 {
		t.Fatalf("Expected at least 4 archived segments, got %d", len(archived))
	}
	return w, cfg
}

func TestRetentionNoPolicies(t *testing.T) {
	w, cfg := buildRolledWAL(t)
	defer w.Close()

	before, _ := FindSegmentFiles(cfg.WALArchiveDir)
	deleted, err := w.ManageRetention(RetentionConfig{})
	if err != nil {
		t.Fatalf("Retention failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected no deletions without policies, got %d", deleted)
	}
	after, _ := FindSegmentFiles(cfg.WALArchiveDir)
	if len(after) != len(before) {
		t.Errorf("Archive changed without policies: %d -> %d", len(before), len(after))
	}
}

func TestRetentionMaxSegmentCount(t *testing.T) {
	w, cfg := buildRolledWAL(t)
	defer w.Close()

	before, _ := FindSegmentFiles(cfg.WALArchiveDir)
	deleted, err := w.ManageRetention(RetentionConfig{MaxSegmentCount: 2})
	if err != nil {
		t.Fatalf("Retention failed: %v", err)
	}
	if deleted != len(before)-2 {
		t.Errorf("Expected %d deletions, got %d", len(before)-2, deleted)
	}

	after, err := FindSegmentFiles(cfg.WALArchiveDir)
	if err != nil {
		t.Fatalf("Failed to list archive: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("Expected 2 surviving segments, got %d", len(after))
	}
	// The newest archived segments survive.
	if after[0] != before[len(before)-2] || after[1] != before[len(before)-1] {
		t.Errorf("Wrong survivors: %v", after)
	}
}

func TestRetentionMinSequenceKeep(t *testing.T) {
	w, cfg := buildRolledWAL(t)
	defer w.Close()

	before, _ := FindSegmentFiles(cfg.WALArchiveDir)

	// Sequences grow across archived segments, so the third segment's
	// lowest sequence makes exactly the first two deletable.
	keep, _, err := segmentSequenceBounds(before[2])
	if err != nil {
		t.Fatalf("Failed to read sequence bounds: %v", err)
	}

	deleted, err := w.ManageRetention(RetentionConfig{MinSequenceKeep: keep})
	if err != nil {
		t.Fatalf("Retention failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deletions below sequence %d, got %d", keep, deleted)
	}

	after, _ := FindSegmentFiles(cfg.WALArchiveDir)
	for _, path := range after {
		_, maxSeq, err := segmentSequenceBounds(path)
		if err != nil {
			t.Fatalf("Failed to read bounds of survivor %s: %v", path, err)
		}
		if maxSeq < keep {
			t.Errorf("Survivor %s holds only pre-keep sequences (max %d < %d)", path, maxSeq, keep)
		}
	}
}

func TestRetentionMaxAge(t *testing.T) {
	w, cfg := buildRolledWAL(t)
	defer w.Close()

	before, _ := FindSegmentFiles(cfg.WALArchiveDir)
	deleted, err := w.ManageRetention(RetentionConfig{MaxAge: time.Nanosecond})
	if err != nil {
		t.Fatalf("Retention failed: %v", err)
	}
	if deleted != len(before) {
		t.Errorf("Expected all %d archived segments deleted, got %d", len(before), deleted)
	}

	after, _ := FindSegmentFiles(cfg.WALArchiveDir)
	if len(after) != 0 {
		t.Errorf("Expected empty archive, got %d segments", len(after))
	}
}

func TestRetentionNeverTouchesActiveSegment(t *testing.T) {
	w, cfg := buildRolledWAL(t)
	defer w.Close()

	if _, err := w.ManageRetention(RetentionConfig{MaxSegmentCount: 1, MaxAge: time.Nanosecond}); err != nil {
		t.Fatalf("Retention failed: %v", err)
	}

	current, err := FindSegmentFiles(cfg.WALDir)
	if err != nil {
		t.Fatalf("Failed to list current segments: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("Active segment is gone: %v", current)
	}

	// The WAL keeps appending after aggressive pruning.
	if _, err := w.Append([]byte("region-0001"), []byte("users"), makeEdit(999), 999, true); err != nil {
		t.Fatalf("Failed to append after retention: %v", err)
	}
}
