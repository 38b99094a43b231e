package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/quarrydb/quarry/pkg/cache"
	"github.com/quarrydb/quarry/pkg/compress"
	"github.com/quarrydb/quarry/pkg/config"
	"github.com/quarrydb/quarry/pkg/kv"
	"github.com/quarrydb/quarry/pkg/stats"
	"github.com/quarrydb/quarry/pkg/table"
	"github.com/quarrydb/quarry/pkg/table/block"
	"github.com/quarrydb/quarry/pkg/wal"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem("open"),
	readline.PcItem("verify"),
	readline.PcItem("segments"),
	readline.PcItem("entries"),
	readline.PcItem("table"),
	readline.PcItem("blocks"),
	readline.PcItem("get"),
	readline.PcItem("cache",
		readline.PcItem("stats"),
	),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

const helpText = `
Quarry inspector - examine write-ahead logs and table files.

Usage:
  quarry [options] [data_path]  - Start with an optional data directory

Commands:
  open PATH               - Open a data directory (the parent of wals/ and old.wals/)
  verify [expected]       - Check sequence ordering across every segment; with a
                            count, also check the total number of entries
  segments                - List archived and active segments
  entries SEGMENT [N]     - Print the first N entries of a segment (default 10)
  table FILE              - Summarize a table file
  blocks FILE             - List the physical blocks of a table file
  get FILE ROW [CF QUAL]  - Read a row (or one column) from a table file
  cache stats             - Show block cache counters
  stats                   - Show inspector statistics
  help                    - Show this help message
  exit                    - Exit the program
`

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Quarry inspector - examine write-ahead logs and table files\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: quarry [options] [data_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor the list of interactive commands, start quarry and type help\n")
	}

	cacheCapacity := flag.Int64("cache-capacity", 0, "Block cache capacity in bytes (0 uses the default)")
	flag.Parse()

	var dbPath string
	if flag.NArg() > 0 {
		dbPath = flag.Arg(0)
	}

	runInteractive(dbPath, *cacheCapacity)
}

// runInteractive starts the interactive CLI mode
func runInteractive(dbPath string, cacheCapacity int64) {
	fmt.Println("Quarry inspector")
	fmt.Println("Enter help for usage hints.")

	if cacheCapacity <= 0 {
		cacheCapacity = config.NewDefaultConfig("").CacheCapacityBytes
	}
	blockCache, err := cache.New(cache.Options{CapacityBytes: cacheCapacity})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating block cache: %s\n", err)
		os.Exit(1)
	}
	coord := cache.NewCoordinator(blockCache, cache.ModeNone)
	collector := stats.NewAtomicCollector()

	var cfg *config.Config
	if dbPath != "" {
		cfg, err = openDataDir(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening data directory: %s\n", err)
			dbPath = ""
		} else {
			fmt.Printf("Data directory opened at %s\n", dbPath)
		}
	}

	// Setup readline with history support
	historyFile := filepath.Join(os.TempDir(), ".quarry_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "quarry> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		// Update prompt based on current state
		if dbPath != "" {
			rl.SetPrompt(fmt.Sprintf("quarry:%s> ", dbPath))
		} else {
			rl.SetPrompt("quarry> ")
		}

		// Read command
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		// Line is already trimmed by readline
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		switch cmd {
		case "help":
			fmt.Print(helpText)

		case "exit", "quit":
			fmt.Println("Goodbye!")
			return

		case "open":
			if len(parts) < 2 {
				fmt.Println("Error: Missing path argument")
				continue
			}

			opened, err := openDataDir(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening data directory: %s\n", err)
				continue
			}
			cfg = opened
			dbPath = parts[1]
			fmt.Printf("Data directory opened at %s\n", dbPath)

		case "verify":
			if cfg == nil {
				fmt.Println("Error: No data directory open")
				continue
			}

			expected := int64(-1)
			if len(parts) >= 2 {
				n, err := strconv.ParseInt(parts[1], 10, 64)
				if err != nil {
					fmt.Println("Error: expected count must be an integer")
					continue
				}
				expected = n
			}

			startTime := time.Now()
			res, err := wal.Verify(cfg.WALDir, expected)
			collector.TrackOperationWithLatency(stats.OpVerify, uint64(time.Since(startTime).Nanoseconds()))
			if err != nil {
				collector.TrackError("verify_failed")
				fmt.Fprintf(os.Stderr, "Verification failed: %s\n", err)
				continue
			}
			if res.Entries == 0 {
				fmt.Printf("OK: no entries in %d segments\n", res.Segments)
			} else {
				fmt.Printf("OK: %d entries across %d segments (seq %d..%d) in %.2f ms\n",
					res.Entries, res.Segments, res.FirstSeq, res.LastSeq,
					float64(res.Elapsed.Microseconds())/1000.0)
			}

		case "segments":
			if cfg == nil {
				fmt.Println("Error: No data directory open")
				continue
			}

			archived, err := wal.FindSegmentFiles(cfg.WALArchiveDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing archived segments: %s\n", err)
				continue
			}
			current, err := wal.FindSegmentFiles(cfg.WALDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing segments: %s\n", err)
				continue
			}

			if len(archived)+len(current) == 0 {
				fmt.Println("No segments found")
				continue
			}
			for _, p := range archived {
				printSegment("archived", p)
			}
			for _, p := range current {
				printSegment("active", p)
			}
			fmt.Printf("%d segments (%d archived, %d active)\n",
				len(archived)+len(current), len(archived), len(current))

		case "entries":
			if len(parts) < 2 {
				fmt.Println("Error: Missing segment argument")
				continue
			}

			limit := 10
			if len(parts) >= 3 {
				n, err := strconv.Atoi(parts[2])
				if err != nil || n < 1 {
					fmt.Println("Error: entry limit must be a positive integer")
					continue
				}
				limit = n
			}

			path, err := resolvePath(parts[1], segmentDirs(cfg)...)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}

			startTime := time.Now()
			if err := printEntries(path, limit); err != nil {
				collector.TrackError("segment_read_failed")
				fmt.Fprintf(os.Stderr, "Error reading segment: %s\n", err)
				continue
			}
			collector.TrackOperationWithLatency(stats.OpReplay, uint64(time.Since(startTime).Nanoseconds()))

		case "table":
			if len(parts) < 2 {
				fmt.Println("Error: Missing file argument")
				continue
			}

			path, err := resolvePath(parts[1], tableDirs(cfg)...)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}

			startTime := time.Now()
			if err := printTable(path, coord); err != nil {
				collector.TrackError("table_read_failed")
				fmt.Fprintf(os.Stderr, "Error reading table: %s\n", err)
				continue
			}
			collector.TrackOperationWithLatency(stats.OpBlockRead, uint64(time.Since(startTime).Nanoseconds()))

		case "blocks":
			if len(parts) < 2 {
				fmt.Println("Error: Missing file argument")
				continue
			}

			path, err := resolvePath(parts[1], tableDirs(cfg)...)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}

			startTime := time.Now()
			if err := printBlocks(path); err != nil {
				collector.TrackError("table_read_failed")
				fmt.Fprintf(os.Stderr, "Error reading blocks: %s\n", err)
				continue
			}
			collector.TrackOperationWithLatency(stats.OpBlockRead, uint64(time.Since(startTime).Nanoseconds()))

		case "get":
			if len(parts) < 3 || len(parts) == 4 {
				fmt.Println("Error: usage: get FILE ROW [FAMILY QUALIFIER]")
				continue
			}

			path, err := resolvePath(parts[1], tableDirs(cfg)...)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}

			startTime := time.Now()
			if err := printGet(path, parts, coord); err != nil {
				collector.TrackError("table_read_failed")
				fmt.Fprintf(os.Stderr, "Error reading table: %s\n", err)
				continue
			}
			collector.TrackOperationWithLatency(stats.OpBlockRead, uint64(time.Since(startTime).Nanoseconds()))

		case "cache":
			if len(parts) < 2 || strings.ToLower(parts[1]) != "stats" {
				fmt.Println("Error: usage: cache stats")
				continue
			}
			printCacheStats(blockCache)

		case "stats":
			printStats(collector)

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

// openDataDir validates a data directory and builds its configuration.
func openDataDir(path string) (*config.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	return config.NewDefaultConfig(path), nil
}

// segmentDirs returns the directories segment names are resolved against.
func segmentDirs(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	return []string{cfg.WALDir, cfg.WALArchiveDir}
}

// tableDirs returns the directories table file names are resolved against.
func tableDirs(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	return []string{cfg.TableDir}
}

// resolvePath returns candidate if it names an existing file, otherwise
// tries it relative to each of the given directories.
func resolvePath(candidate string, dirs ...string) (string, error) {
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, candidate)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no such file: %s", candidate)
}

// printSegment prints one segment listing line.
func printSegment(state, path string) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	fmt.Printf("  %-8s  %12d  %s  %s\n",
		state, size, segmentCreated(path).Format(time.RFC3339), path)
}

// segmentCreated derives a segment's creation time from its name, falling
// back to the file modification time.
func segmentCreated(path string) time.Time {
	base := strings.TrimSuffix(filepath.Base(path), wal.SegmentSuffix)
	if nanos, err := strconv.ParseInt(base, 10, 64); err == nil {
		return time.Unix(0, nanos)
	}
	if info, err := os.Stat(path); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

// printEntries prints up to limit entries of one segment.
func printEntries(path string, limit int) error {
	reader, err := wal.OpenSegmentReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	shown := 0
	for shown < limit {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		fmt.Printf("  seq=%-8d region=%-16s table=%-12s cells=%-4d time=%s\n",
			entry.SequenceNumber, entry.RegionID, entry.TableName,
			entry.Edit.NumCells(),
			time.UnixMilli(entry.WriteTime).Format(time.RFC3339))
		shown++
	}

	if shown == limit {
		fmt.Printf("(showing first %d entries)\n", shown)
	} else {
		fmt.Printf("%d entries\n", shown)
	}
	return nil
}

// printTable summarizes one table file from its trailer.
func printTable(path string, coord *cache.Coordinator) error {
	r, err := table.OpenReaderWithOptions(path, table.ReaderOptions{Cache: coord})
	if err != nil {
		return err
	}
	defer r.Close()

	t := r.Trailer()
	fmt.Printf("Table %s:\n", path)
	fmt.Printf("  Format Version: %d\n", t.Version)
	fmt.Printf("  Created: %s\n", time.Unix(0, t.Timestamp).Format(time.RFC3339))
	fmt.Printf("  Entries: %d\n", r.NumEntries())
	fmt.Printf("  Data Blocks: %d\n", r.NumDataBlocks())
	fmt.Printf("  Index Levels: %d\n", r.IndexLevels())
	fmt.Printf("  Root Index: offset=%d size=%d\n", t.RootIndex.Offset, t.RootIndex.Size)
	if r.HasBloomFilter() {
		fmt.Printf("  Bloom Index: offset=%d size=%d\n", t.BloomIndex.Offset, t.BloomIndex.Size)
	} else {
		fmt.Printf("  Bloom Filter: none\n")
	}
	return nil
}

// printBlocks walks the physical blocks of a table file in file order.
// Each block is a fixed-size header followed by its on-disk payload; the
// walk stops where the trailer begins.
func printBlocks(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	end := info.Size() - int64(table.TrailerSize)
	if end < 0 {
		return fmt.Errorf("file too small to be a valid table: %d bytes", info.Size())
	}

	fmt.Printf("  %10s  %-18s  %10s  %12s  %s\n",
		"OFFSET", "TYPE", "ON-DISK", "UNCOMPRESSED", "CODEC")

	counts := make(map[block.Category]int)
	header := make([]byte, block.HeaderSize)
	offset := int64(0)
	for offset < end {
		if _, err := f.ReadAt(header, offset); err != nil {
			return fmt.Errorf("block header at offset %d: %w", offset, err)
		}
		h, err := block.DecodeHeader(header)
		if err != nil {
			return fmt.Errorf("block header at offset %d: %w", offset, err)
		}

		fmt.Printf("  %10d  %-18s  %10d  %12d  %s\n",
			offset, h.Type, h.OnDiskSize, h.UncompressedSize,
			compress.CodecType(h.Codec))
		counts[h.Type.Category()]++
		offset += int64(block.HeaderSize) + int64(h.OnDiskSize)
	}
	fmt.Printf("  %10d  %-18s  %10d\n", end, block.TypeTrailer, table.TrailerSize)

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("%d blocks (%d data, %d index, %d bloom, %d meta)\n",
		total, counts[block.CategoryData], counts[block.CategoryIndex],
		counts[block.CategoryBloom], counts[block.CategoryMeta])
	return nil
}

// printGet reads a row or a single column through the block cache.
func printGet(path string, parts []string, coord *cache.Coordinator) error {
	r, err := table.OpenReaderWithOptions(path, table.ReaderOptions{Cache: coord})
	if err != nil {
		return err
	}
	defer r.Close()

	row := []byte(parts[2])
	if len(parts) >= 5 {
		cell, err := r.Get(row, []byte(parts[3]), []byte(parts[4]))
		if err == table.ErrNotFound {
			fmt.Println("Not found")
			return nil
		}
		if err != nil {
			return err
		}
		printCell(cell)
		fmt.Println("1 cell found")
		return nil
	}

	cells, err := r.GetRow(row)
	if err == table.ErrNotFound {
		fmt.Println("Not found")
		return nil
	}
	if err != nil {
		return err
	}
	for _, cell := range cells {
		printCell(cell)
	}
	fmt.Printf("%d cells found\n", len(cells))
	return nil
}

// printCell prints one cell listing line.
func printCell(cell *kv.Cell) {
	fmt.Printf("  %s/%s:%s ts=%d type=%s value=%q\n",
		cell.Row, cell.Family, cell.Qualifier, cell.Timestamp, cell.Type, cell.Value)
}

// printCacheStats prints the block cache counters.
func printCacheStats(blockCache *cache.BlockCache) {
	s := blockCache.Stats()
	fmt.Println("Block Cache:")
	fmt.Printf("  Capacity: %d bytes\n", blockCache.Capacity())
	fmt.Printf("  Used: %d bytes in %d blocks\n", s.SizeBytes, s.Blocks)
	fmt.Printf("  Hits: %d\n", s.Hits)
	fmt.Printf("  Misses: %d\n", s.Misses)
	if lookups := s.Hits + s.Misses; lookups > 0 {
		fmt.Printf("  Hit Rate: %.1f%%\n", float64(s.Hits)*100.0/float64(lookups))
	}
	fmt.Printf("  Evictions: %d\n", s.Evictions)
}

// printStats prints the inspector's own operation counters.
func printStats(collector *stats.AtomicCollector) {
	all := collector.GetStats()

	// Helper function to safely get a uint64 value with default
	getUint64 := func(m map[string]interface{}, key string, defaultVal uint64) uint64 {
		if val, ok := m[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case int:
				return uint64(v)
			case float64:
				return uint64(v)
			default:
				return defaultVal
			}
		}
		return defaultVal
	}

	fmt.Println("📊 Operations:")
	fmt.Printf("  • Verifies: %d\n", getUint64(all, "verify_ops", 0))
	fmt.Printf("  • Segment Reads: %d\n", getUint64(all, "replay_ops", 0))
	fmt.Printf("  • Table Reads: %d\n", getUint64(all, "block_read_ops", 0))

	latencyRows := [][2]string{
		{"Verify", "verify_latency"},
		{"Segment Read", "replay_latency"},
		{"Table Read", "block_read_latency"},
	}
	printedHeader := false
	for _, row := range latencyRows {
		latency, ok := all[row[1]].(map[string]interface{})
		if !ok {
			continue
		}
		avgNs, ok := latency["avg_ns"].(uint64)
		if !ok {
			continue
		}
		if !printedHeader {
			fmt.Println("\n⚡ Latency:")
			printedHeader = true
		}
		fmt.Printf("  • %s avg: %.2f ms\n", row[0], float64(avgNs)/1000000.0)
	}

	if errorsMap, ok := all["errors"].(map[string]uint64); ok && len(errorsMap) > 0 {
		fmt.Println("\n⚠️ Errors:")
		for errType, count := range errorsMap {
			displayKey := strings.Replace(errType, "_", " ", -1)
			fmt.Printf("  • %s: %d\n", displayKey, count)
		}
	}
}
