// Package wal implements the write-ahead log: an append-only sequence of
// CRC-framed records across rolling segment files. One WAL instance owns
// one region-log stream; sequence numbers are assigned and entries hit
// the segment in the same mutex-guarded critical section, so assignment
// order always matches physical byte order.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydb/quarry/pkg/codec"
	"github.com/quarrydb/quarry/pkg/common/log"
	"github.com/quarrydb/quarry/pkg/config"
	"github.com/quarrydb/quarry/pkg/kv"
)

const (
	// Record types
	RecordTypeFull   = 1
	RecordTypeFirst  = 2
	RecordTypeMiddle = 3
	RecordTypeLast   = 4

	// Header layout
	// - CRC (4 bytes)
	// - Length (2 bytes)
	// - Type (1 byte)
	HeaderSize = 7

	// Maximum size of a record payload; larger entries are fragmented
	MaxRecordSize = 32 * 1024 // 32KB

	// Default segment size before a roll
	DefaultSegmentSize = 64 * 1024 * 1024 // 64MB

	// SegmentSuffix is the file extension of WAL segments
	SegmentSuffix = ".wal"

	segmentBufferSize = 64 * 1024
)

var (
	ErrWALClosed      = errors.New("WAL is closed")
	ErrWALRotating    = errors.New("WAL is rotating")
	ErrInvalidRecord  = errors.New("invalid WAL record")
	ErrCRCMismatch    = errors.New("WAL record CRC mismatch")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// LogEntry is one durable unit in the log: an edit bound to its region
// stream, stamped with the sequence number that orders replay.
type LogEntry struct {
	RegionID       []byte
	TableName      []byte
	SequenceNumber uint64
	WriteTime      int64 // unix milliseconds
	ClusterID      uuid.UUID
	Edit           *kv.Edit
}

// entryFixedSize is the serialized size of a LogEntry minus its
// variable-length fields: regionLen(2) + tableLen(2) + seq(8) +
// writeTime(8) + clusterID(16) + editLen(4).
const entryFixedSize = 40

// EncodeLogEntry serializes an entry for the record layer. The edit must
// be non-nil.
func EncodeLogEntry(e *LogEntry) ([]byte, error) {
	if e.Edit == nil {
		return nil, fmt.Errorf("%w: nil edit", ErrInvalidRecord)
	}
	if len(e.RegionID) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: region id too long (%d bytes)", ErrInvalidRecord, len(e.RegionID))
	}
	if len(e.TableName) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: table name too long (%d bytes)", ErrInvalidRecord, len(e.TableName))
	}

	editData := codec.EncodeEdit(e.Edit)
	buf := make([]byte, entryFixedSize+len(e.RegionID)+len(e.TableName)+len(editData))
	offset := 0

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(e.RegionID)))
	offset += 2
	copy(buf[offset:], e.RegionID)
	offset += len(e.RegionID)

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(e.TableName)))
	offset += 2
	copy(buf[offset:], e.TableName)
	offset += len(e.TableName)

	binary.LittleEndian.PutUint64(buf[offset:], e.SequenceNumber)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(e.WriteTime))
	offset += 8
	copy(buf[offset:], e.ClusterID[:])
	offset += 16

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(editData)))
	offset += 4
	copy(buf[offset:], editData)

	return buf, nil
}

// DecodeLogEntry parses an entry payload produced by EncodeLogEntry.
func DecodeLogEntry(data []byte) (*LogEntry, error) {
	if len(data) < entryFixedSize {
		return nil, fmt.Errorf("%w: entry too small (%d bytes)", ErrInvalidRecord, len(data))
	}
	offset := 0

	regionLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if offset+regionLen+2 > len(data) {
		return nil, fmt.Errorf("%w: region id length %d overruns entry", ErrInvalidRecord, regionLen)
	}
	regionID := make([]byte, regionLen)
	copy(regionID, data[offset:offset+regionLen])
	offset += regionLen

	tableLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if offset+tableLen+36 > len(data) {
		return nil, fmt.Errorf("%w: table name length %d overruns entry", ErrInvalidRecord, tableLen)
	}
	tableName := make([]byte, tableLen)
	copy(tableName, data[offset:offset+tableLen])
	offset += tableLen

	seq := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	writeTime := int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8

	var clusterID uuid.UUID
	copy(clusterID[:], data[offset:offset+16])
	offset += 16

	editLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if offset+editLen != len(data) {
		return nil, fmt.Errorf("%w: edit length %d does not match entry size", ErrInvalidRecord, editLen)
	}
	edit, err := codec.DecodeEdit(data[offset : offset+editLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	return &LogEntry{
		RegionID:       regionID,
		TableName:      tableName,
		SequenceNumber: seq,
		WriteTime:      writeTime,
		ClusterID:      clusterID,
		Edit:           edit,
	}, nil
}

// Sequencer hands out entry sequence numbers. The WAL calls it with the
// write mutex held, so implementations need no locking of their own.
// Next consumes a number even if the append that requested it later
// fails; gaps in the log are harmless, duplicates are not. Numbers must
// be positive: zero is the durability floor of a fresh WAL.
type Sequencer interface {
	// Next returns the next sequence number, consuming it.
	Next() uint64
	// Current returns the last assigned number, or start-1 if none.
	Current() uint64
}

type monotonicSequencer struct {
	next uint64
}

// NewSequencer returns a Sequencer whose first Next returns start.
func NewSequencer(start uint64) Sequencer {
	return &monotonicSequencer{next: start}
}

func (s *monotonicSequencer) Next() uint64 {
	seq := s.next
	s.next++
	return seq
}

func (s *monotonicSequencer) Current() uint64 {
	return s.next - 1
}

// WAL status constants
const (
	statusActive int32 = iota
	statusRotating
	statusClosed
)

// WAL is the appender for one region-log stream. A single mutex covers
// sequence assignment and the buffered write; durable appends share
// fsyncs through a group-commit barrier on syncCond.
type WAL struct {
	cfg        *config.Config
	dir        string
	archiveDir string
	seq        Sequencer
	clusterID  uuid.UUID
	logger     log.Logger
	metrics    WALMetrics
	archiver   *Archiver

	mu       sync.Mutex
	syncCond *sync.Cond
	file     *os.File
	writer   *bufio.Writer
	path     string
	status   int32

	written   int64  // bytes buffered to the active segment
	synced    int64  // bytes of the active segment covered by fsync
	persisted uint64 // highest sequence number known durable
	syncing   bool   // a leader currently holds the fsync
	syncErr   error  // sticky: a failed sync leaves buffered bytes unaccounted
	entries   uint64 // entries written to the active segment
	lastSync  time.Time

	observers   map[string]SegmentObserver
	observersMu sync.RWMutex
}

// WALOptions customizes the optional collaborators of a WAL.
type WALOptions struct {
	// Sequencer assigns sequence numbers; defaults to a counter starting at 1
	Sequencer Sequencer
	// ClusterID is stamped into every entry; defaults to a random id
	ClusterID uuid.UUID
	// Logger defaults to the package default logger
	Logger log.Logger
	// Metrics defaults to a no-op implementation
	Metrics WALMetrics
	// Archiver, when set, mirrors rolled segments to remote storage
	Archiver *Archiver
}

// NewWAL creates a write-ahead log writing to a fresh segment in dir.
func NewWAL(cfg *config.Config, dir string) (*WAL, error) {
	return NewWALWithOptions(cfg, dir, WALOptions{})
}

// NewWALWithOptions creates a write-ahead log with explicit collaborators.
func NewWALWithOptions(cfg *config.Config, dir string, opts WALOptions) (*WAL, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	archiveDir := cfg.WALArchiveDir
	if archiveDir == "" {
		archiveDir = filepath.Join(filepath.Dir(dir), config.ArchivedWALDirName)
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	file, path, err := createSegmentFile(dir)
	if err != nil {
		return nil, err
	}

	if opts.Sequencer == nil {
		opts.Sequencer = NewSequencer(1)
	}
	if opts.ClusterID == (uuid.UUID{}) {
		opts.ClusterID = uuid.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger().WithField("component", "wal")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopWALMetrics()
	}

	w := &WAL{
		cfg:        cfg,
		dir:        dir,
		archiveDir: archiveDir,
		seq:        opts.Sequencer,
		clusterID:  opts.ClusterID,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		archiver:   opts.Archiver,
		file:       file,
		writer:     bufio.NewWriterSize(file, segmentBufferSize),
		path:       path,
		status:     statusActive,
		lastSync:   time.Now(),
		observers:  make(map[string]SegmentObserver),
	}
	w.syncCond = sync.NewCond(&w.mu)
	return w, nil
}

// createSegmentFile opens a fresh, exclusively created segment named by
// a monotonic creation timestamp.
func createSegmentFile(dir string) (*os.File, string, error) {
	filename := fmt.Sprintf("%020d%s", time.Now().UnixNano(), SegmentSuffix)
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create segment file: %w", err)
	}
	return file, path, nil
}

// Append writes one edit to the active segment and returns its sequence
// number. With durable=true the call does not return until the entry is
// covered by fsync; concurrent durable appenders share one fsync. With
// durable=false the entry is buffered and the call returns immediately:
// everything buffered since the last sync barrier is lost if the process
// dies before the next one.
func (w *WAL) Append(regionID, tableName []byte, edit *kv.Edit, writeTime int64, durable bool) (uint64, error) {
	if edit == nil {
		return 0, fmt.Errorf("%w: nil edit", ErrInvalidRecord)
	}
	start := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	switch atomic.LoadInt32(&w.status) {
	case statusClosed:
		return 0, ErrWALClosed
	case statusRotating:
		return 0, ErrWALRotating
	}
	if w.syncErr != nil {
		return 0, w.syncErr
	}

	seq := w.seq.Next()
	entry := &LogEntry{
		RegionID:       regionID,
		TableName:      tableName,
		SequenceNumber: seq,
		WriteTime:      writeTime,
		ClusterID:      w.clusterID,
		Edit:           edit,
	}
	payload, err := EncodeLogEntry(entry)
	if err != nil {
		return 0, err
	}

	fragmented, err := w.writeEntryLocked(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to append entry %d to %s: %w", seq, w.path, err)
	}
	w.entries++
	w.notifyEntryWritten(entry)

	if err := w.applySyncPolicyLocked(seq, durable); err != nil {
		return 0, err
	}

	if w.written >= w.maxSegmentSize() {
		if err := w.rollLocked(); err != nil {
			return seq, fmt.Errorf("failed to roll segment after entry %d: %w", seq, err)
		}
	}

	w.metrics.RecordAppend(context.Background(), time.Since(start), int64(len(payload)), fragmented, durable)
	return seq, nil
}

// writeEntryLocked frames the payload into one full record or a
// first/middle/last fragment run. No entry ever straddles segments: the
// roll check runs between appends, never between fragments.
func (w *WAL) writeEntryLocked(payload []byte) (bool, error) {
	if len(payload) <= MaxRecordSize {
		return false, w.writeRecordLocked(RecordTypeFull, payload)
	}

	if err := w.writeRecordLocked(RecordTypeFirst, payload[:MaxRecordSize]); err != nil {
		return true, err
	}
	rest := payload[MaxRecordSize:]
	for len(rest) > MaxRecordSize {
		if err := w.writeRecordLocked(RecordTypeMiddle, rest[:MaxRecordSize]); err != nil {
			return true, err
		}
		rest = rest[MaxRecordSize:]
	}
	return true, w.writeRecordLocked(RecordTypeLast, rest)
}

// writeRecordLocked writes one CRC-framed record to the buffer.
func (w *WAL) writeRecordLocked(recordType uint8, data []byte) error {
	if len(data) > MaxRecordSize {
		return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(data), MaxRecordSize)
	}

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(data)))
	header[6] = recordType

	if _, err := w.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}

	w.written += int64(HeaderSize + len(data))
	return nil
}

// applySyncPolicyLocked runs the durability barrier the append requires:
// always for durable appends and SyncImmediate, on the byte threshold
// for SyncBatch, never for SyncNone.
func (w *WAL) applySyncPolicyLocked(seq uint64, durable bool) error {
	if durable || w.cfg.WALSyncMode == config.SyncImmediate {
		return w.waitDurableLocked(seq, durable)
	}
	if w.cfg.WALSyncMode == config.SyncBatch && w.written-w.synced >= w.cfg.WALSyncBytes {
		return w.waitDurableLocked(seq, false)
	}
	return nil
}

// waitDurableLocked blocks until the persisted sequence covers seq. The
// first waiter becomes the sync leader: it flushes the buffer, releases
// the mutex for the fsync so other appenders keep buffering, then wakes
// every waiter. Waiters whose sequence the barrier covers return; the
// rest elect the next leader.
func (w *WAL) waitDurableLocked(seq uint64, forced bool) error {
	for w.persisted < seq {
		if w.syncErr != nil {
			return w.syncErr
		}
		if atomic.LoadInt32(&w.status) == statusClosed {
			return ErrWALClosed
		}
		if w.syncing {
			w.syncCond.Wait()
			continue
		}

		w.syncing = true
		start := time.Now()
		if err := w.writer.Flush(); err != nil {
			w.syncErr = fmt.Errorf("failed to flush segment %s: %w", w.path, err)
			w.syncing = false
			w.syncCond.Broadcast()
			return w.syncErr
		}

		// Everything assigned before the flush is in the OS buffer now,
		// so this fsync covers it all.
		target := w.seq.Current()
		flushed := w.written
		file := w.file

		w.mu.Unlock()
		err := file.Sync()
		w.mu.Lock()

		w.syncing = false
		if err != nil {
			w.syncErr = fmt.Errorf("failed to sync segment %s: %w", w.path, err)
			w.syncCond.Broadcast()
			return w.syncErr
		}

		if target > w.persisted {
			w.persisted = target
		}
		if flushed > w.synced {
			w.synced = flushed
		}
		w.lastSync = time.Now()
		w.syncCond.Broadcast()
		w.notifySynced(w.persisted)
		w.metrics.RecordSync(context.Background(), time.Since(start), w.cfg.WALSyncMode.String(), forced)
	}
	return nil
}

// Sync forces a durability barrier covering every entry appended so far.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch atomic.LoadInt32(&w.status) {
	case statusClosed:
		return ErrWALClosed
	case statusRotating:
		return ErrWALRotating
	}
	return w.waitDurableLocked(w.seq.Current(), true)
}

func (w *WAL) maxSegmentSize() int64 {
	if w.cfg.WALMaxSegmentSize > 0 {
		return w.cfg.WALMaxSegmentSize
	}
	return DefaultSegmentSize
}

// rollLocked closes out the active segment and starts a fresh one. The
// old segment is flushed, fsynced, and renamed into the archive
// directory; the rename is the atomicity point for consumers.
func (w *WAL) rollLocked() error {
	// An in-flight group commit holds the file; wait it out.
	for w.syncing {
		w.syncCond.Wait()
	}
	if atomic.LoadInt32(&w.status) == statusClosed {
		return ErrWALClosed
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment before roll: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment before roll: %w", err)
	}

	// Open the replacement before touching the old segment so a failure
	// here leaves the WAL writing where it was.
	newFile, newPath, err := createSegmentFile(w.dir)
	if err != nil {
		return err
	}

	archivedPath := filepath.Join(w.archiveDir, filepath.Base(w.path))
	if err := os.Rename(w.path, archivedPath); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to archive segment %s: %w", w.path, err)
	}

	oldFile := w.file
	oldSize := w.written
	oldEntries := w.entries

	w.file = newFile
	w.writer = bufio.NewWriterSize(newFile, segmentBufferSize)
	w.path = newPath
	w.written = 0
	w.synced = 0
	w.entries = 0

	// The pre-roll fsync covered every assigned entry.
	if current := w.seq.Current(); current > w.persisted {
		w.persisted = current
	}
	w.syncCond.Broadcast()

	if err := oldFile.Close(); err != nil {
		w.logger.Warn("failed to close rolled segment %s: %v", archivedPath, err)
	}

	w.logger.Info("rolled segment %s (%d bytes, %d entries), now writing %s",
		archivedPath, oldSize, oldEntries, newPath)
	w.notifyRolled(archivedPath, newPath)
	w.metrics.RecordRoll(context.Background(), oldSize, filepath.Base(newPath))

	if w.archiver != nil {
		w.archiver.Enqueue(archivedPath)
	}
	return nil
}

// Roll forces a segment roll regardless of the active segment's size.
func (w *WAL) Roll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch atomic.LoadInt32(&w.status) {
	case statusClosed:
		return ErrWALClosed
	case statusRotating:
		return ErrWALRotating
	}
	return w.rollLocked()
}

// ActiveSegment returns the path of the segment currently being written.
func (w *WAL) ActiveSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// PersistedSeq returns the highest sequence number known durable.
func (w *WAL) PersistedSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.persisted
}

// Close flushes and fsyncs the active segment and releases the file
// handle. In-flight appends complete first; appends arriving after
// Close fail with ErrWALClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if atomic.LoadInt32(&w.status) == statusClosed {
		return nil
	}
	for w.syncing {
		w.syncCond.Wait()
	}
	atomic.StoreInt32(&w.status, statusRotating)

	var firstErr error
	if err := w.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("failed to flush segment during close: %w", err)
	}
	if firstErr == nil {
		if err := w.file.Sync(); err != nil {
			firstErr = fmt.Errorf("failed to sync segment during close: %w", err)
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close segment: %w", err)
	}

	atomic.StoreInt32(&w.status, statusClosed)
	if firstErr == nil {
		if current := w.seq.Current(); current > w.persisted {
			w.persisted = current
		}
		w.notifySynced(w.persisted)
	}
	w.syncCond.Broadcast()
	return firstErr
}

// RegisterObserver adds an observer to be notified of WAL activity.
// Callbacks run on the appending goroutine with the WAL mutex held, so
// observers must not call back into the WAL.
func (w *WAL) RegisterObserver(id string, observer SegmentObserver) {
	if observer == nil {
		return
	}

	w.observersMu.Lock()
	defer w.observersMu.Unlock()

	w.observers[id] = observer
}

// UnregisterObserver removes an observer.
func (w *WAL) UnregisterObserver(id string) {
	w.observersMu.Lock()
	defer w.observersMu.Unlock()

	delete(w.observers, id)
}

func (w *WAL) notifyEntryWritten(entry *LogEntry) {
	w.observersMu.RLock()
	defer w.observersMu.RUnlock()

	for _, observer := range w.observers {
		observer.OnEntryWritten(entry)
	}
}

func (w *WAL) notifySynced(upToSeq uint64) {
	w.observersMu.RLock()
	defer w.observersMu.RUnlock()

	for _, observer := range w.observers {
		observer.OnSync(upToSeq)
	}
}

func (w *WAL) notifyRolled(archivedPath, activePath string) {
	w.observersMu.RLock()
	defer w.observersMu.RUnlock()

	for _, observer := range w.observers {
		observer.OnRoll(archivedPath, activePath)
	}
}
