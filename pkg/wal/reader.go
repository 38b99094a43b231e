package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/quarrydb/quarry/pkg/config"
)

// SegmentReader reads entries from one WAL segment, forward only. It
// reassembles fragmented entries and verifies every record's CRC. A
// truncated tail, the normal residue of a crash mid-append, reads as a
// clean end of segment.
type SegmentReader struct {
	file      *os.File
	reader    *bufio.Reader
	path      string
	fragments [][]byte
}

// OpenSegmentReader creates a reader over the segment at path.
func OpenSegmentReader(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}

	return &SegmentReader{
		file:      file,
		reader:    bufio.NewReaderSize(file, segmentBufferSize),
		path:      path,
		fragments: make([][]byte, 0),
	}, nil
}

// Next returns the next entry in the segment, or io.EOF at the end.
// A record cut off by a crash reads as io.EOF, not an error; callers
// that expected more entries detect the loss by count. Corruption
// before the tail surfaces as ErrCRCMismatch or ErrInvalidRecord.
func (r *SegmentReader) Next() (*LogEntry, error) {
	for {
		recordType, data, err := r.readRecord()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// A partial header, a partial payload, or an unfinished
				// fragment run all mean the writer died mid-append.
				return nil, io.EOF
			}
			return nil, err
		}

		switch recordType {
		case RecordTypeFull:
			if len(r.fragments) > 0 {
				return nil, fmt.Errorf("%w: full record inside fragment run in %s", ErrInvalidRecord, r.path)
			}
			return DecodeLogEntry(data)

		case RecordTypeFirst:
			if len(r.fragments) > 0 {
				return nil, fmt.Errorf("%w: first record inside fragment run in %s", ErrInvalidRecord, r.path)
			}
			r.fragments = append(r.fragments, data)

		case RecordTypeMiddle:
			if len(r.fragments) == 0 {
				return nil, fmt.Errorf("%w: middle record without first in %s", ErrInvalidRecord, r.path)
			}
			r.fragments = append(r.fragments, data)

		case RecordTypeLast:
			if len(r.fragments) == 0 {
				return nil, fmt.Errorf("%w: last record without first in %s", ErrInvalidRecord, r.path)
			}
			r.fragments = append(r.fragments, data)
			return r.assembleFragments()

		default:
			return nil, fmt.Errorf("%w: unknown record type %d in %s", ErrInvalidRecord, recordType, r.path)
		}
	}
}

// readRecord reads one physical record. io.EOF means a clean boundary;
// io.ErrUnexpectedEOF means the record was cut off.
func (r *SegmentReader) readRecord() (uint8, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.reader, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	crc := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint16(header[4:6])
	recordType := header[6]

	if recordType < RecordTypeFull || recordType > RecordTypeLast {
		return 0, nil, fmt.Errorf("%w: record type %d in %s", ErrInvalidRecord, recordType, r.path)
	}
	if int(length) > MaxRecordSize {
		return 0, nil, fmt.Errorf("%w: record length %d exceeds %d in %s", ErrInvalidRecord, length, MaxRecordSize, r.path)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.reader, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	if computed := crc32.ChecksumIEEE(data); computed != crc {
		return 0, nil, fmt.Errorf("%w: expected %d, got %d in %s", ErrCRCMismatch, crc, computed, r.path)
	}
	return recordType, data, nil
}

// assembleFragments joins a completed fragment run into one entry.
func (r *SegmentReader) assembleFragments() (*LogEntry, error) {
	totalSize := 0
	for _, frag := range r.fragments {
		totalSize += len(frag)
	}

	combined := make([]byte, 0, totalSize)
	for _, frag := range r.fragments {
		combined = append(combined, frag...)
	}
	r.fragments = r.fragments[:0]

	return DecodeLogEntry(combined)
}

// Path returns the segment file this reader was opened on.
func (r *SegmentReader) Path() string {
	return r.path
}

// Close closes the underlying file.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// FindSegmentFiles returns the WAL segment files in dir, sorted by
// filename. Segment names are creation timestamps, so filename order is
// creation order.
func FindSegmentFiles(dir string) ([]string, error) {
	pattern := filepath.Join(dir, "*"+SegmentSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob segment files: %w", err)
	}

	sort.Strings(matches)
	return matches, nil
}

// EntryHandler processes entries during a replay pass.
type EntryHandler func(*LogEntry) error

// ReplaySegment replays one segment through handler, stopping at the
// first handler error. Returns the number of entries handled.
func ReplaySegment(path string, handler EntryHandler) (int64, error) {
	reader, err := OpenSegmentReader(path)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	var count int64
	for {
		entry, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, fmt.Errorf("failed to read entry from %s: %w", path, err)
		}
		if err := handler(entry); err != nil {
			return count, fmt.Errorf("failed to handle entry %d: %w", entry.SequenceNumber, err)
		}
		count++
	}
}

// ReplayDir replays every segment under the WAL directory and its
// sibling archive directory in creation order, archived segments first.
func ReplayDir(dir string, handler EntryHandler) (int64, error) {
	segments, err := collectSegments(dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, path := range segments {
		count, err := ReplaySegment(path, handler)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// collectSegments lists the archived then active segments for dir.
// Rolled segments move to the sibling archive directory and are older
// than everything still in dir, so this order is creation order.
func collectSegments(dir string) ([]string, error) {
	archiveDir := filepath.Join(filepath.Dir(dir), config.ArchivedWALDirName)

	var segments []string
	if _, err := os.Stat(archiveDir); err == nil {
		archived, err := FindSegmentFiles(archiveDir)
		if err != nil {
			return nil, err
		}
		segments = append(segments, archived...)
	}

	current, err := FindSegmentFiles(dir)
	if err != nil {
		return nil, err
	}
	return append(segments, current...), nil
}
