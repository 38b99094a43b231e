package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// RetentionConfig defines the pruning policy for archived segments.
// The active segment is never a candidate; only segments already rolled
// into the archive directory are pruned. A zero field disables that
// policy.
type RetentionConfig struct {
	// MaxSegmentCount bounds how many archived segments to retain
	MaxSegmentCount int

	// MaxAge bounds how old an archived segment may grow
	MaxAge time.Duration

	// MinSequenceKeep protects entries still needed for replay: a
	// segment is deletable only when every sequence number in it is
	// below this value
	MinSequenceKeep uint64
}

// SegmentInfo stores information about an archived segment for
// retention decisions.
type SegmentInfo struct {
	Path      string
	Size      int64
	CreatedAt time.Time
	MinSeq    uint64
	MaxSeq    uint64
}

// ManageRetention applies the retention policy to archived segments.
// Returns the number of segments deleted.
func (w *WAL) ManageRetention(policy RetentionConfig) (int, error) {
	if atomic.LoadInt32(&w.status) == statusClosed {
		return 0, ErrWALClosed
	}

	files, err := FindSegmentFiles(w.archiveDir)
	if err != nil {
		return 0, fmt.Errorf("failed to find archived segments: %w", err)
	}
	if len(files) == 0 {
		return 0, nil
	}

	var infos []SegmentInfo
	now := time.Now()

	for _, path := range files {
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}

		minSeq, maxSeq, err := segmentSequenceBounds(path)
		if err != nil {
			// Unknown bounds: never delete on sequence grounds.
			minSeq = 0
			maxSeq = ^uint64(0)
		}

		infos = append(infos, SegmentInfo{
			Path:      path,
			Size:      stat.Size(),
			CreatedAt: segmentCreationTime(path, stat),
			MinSeq:    minSeq,
			MaxSeq:    maxSeq,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})

	toDelete := make(map[string]bool)

	if policy.MaxSegmentCount > 0 && len(infos) > policy.MaxSegmentCount {
		for _, info := range infos[:len(infos)-policy.MaxSegmentCount] {
			toDelete[info.Path] = true
		}
	}

	if policy.MaxAge > 0 {
		for _, info := range infos {
			if now.Sub(info.CreatedAt) > policy.MaxAge {
				toDelete[info.Path] = true
			}
		}
	}

	if policy.MinSequenceKeep > 0 {
		for _, info := range infos {
			if info.MaxSeq < policy.MinSequenceKeep {
				toDelete[info.Path] = true
			}
		}
	}

	deleted := 0
	for _, info := range infos {
		if !toDelete[info.Path] {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			w.logger.Warn("failed to delete archived segment %s: %v", info.Path, err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		w.logger.Info("retention deleted %d archived segments from %s", deleted, w.archiveDir)
	}
	return deleted, nil
}

// segmentCreationTime derives when a segment was created. Segment names
// are zero-padded creation timestamps in nanoseconds; the file's mtime
// is the fallback for names that do not parse.
func segmentCreationTime(path string, stat os.FileInfo) time.Time {
	base := strings.TrimSuffix(filepath.Base(path), SegmentSuffix)
	timestamp, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return stat.ModTime()
	}
	return time.Unix(0, timestamp)
}

// segmentSequenceBounds scans a segment for its minimum and maximum
// sequence numbers.
func segmentSequenceBounds(path string) (uint64, uint64, error) {
	reader, err := OpenSegmentReader(path)
	if err != nil {
		return 0, 0, err
	}
	defer reader.Close()

	minSeq := ^uint64(0)
	maxSeq := uint64(0)

	for {
		entry, err := reader.Next()
		if err != nil {
			break
		}
		if entry.SequenceNumber < minSeq {
			minSeq = entry.SequenceNumber
		}
		if entry.SequenceNumber > maxSeq {
			maxSeq = entry.SequenceNumber
		}
	}

	if minSeq == ^uint64(0) {
		return 0, 0, fmt.Errorf("no valid entries in segment %s", path)
	}
	return minSeq, maxSeq, nil
}
