package wal

// SegmentObserver is the interface for components that track WAL
// activity, such as replication shippers or archival pipelines.
// Implementations register with the WAL and receive callbacks as the
// log advances.
type SegmentObserver interface {
	// OnEntryWritten is called when an entry lands in the WAL buffer.
	// The entry may not be durable yet: it has been written but not
	// necessarily synced.
	OnEntryWritten(entry *LogEntry)

	// OnSync is called after an fsync completes. upToSeq is the highest
	// sequence number covered by the sync.
	OnSync(upToSeq uint64)

	// OnRoll is called after the active segment is archived and a fresh
	// one takes over. archivedPath is the segment's new location in the
	// archive directory; activePath is the segment now being written.
	OnRoll(archivedPath, activePath string)
}
