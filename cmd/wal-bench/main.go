package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrydb/quarry/pkg/config"
	"github.com/quarrydb/quarry/pkg/kv"
	"github.com/quarrydb/quarry/pkg/stats"
	"github.com/quarrydb/quarry/pkg/wal"
)

var (
	// Command line flags
	dataPath    = flag.String("path", "", "Directory to store benchmark data (temp dir when empty)")
	threads     = flag.Int("threads", 1, "Number of concurrent appender goroutines")
	iterations  = flag.Int("iterations", 10000, "Appends performed by each goroutine")
	families    = flag.Int("families", 1, "Column families per edit")
	qualifiers  = flag.Int("qualifiers", 1, "Qualifiers per family")
	keySize     = flag.Int("keysize", 16, "Row key size in bytes")
	valueSize   = flag.Int("valuesize", 512, "Value size in bytes")
	noSync      = flag.Bool("nosync", false, "Skip the durability barrier on every append")
	verifyLog   = flag.Bool("verify", false, "Verify sequence ordering and entry count after the run")
	cleanup     = flag.Bool("cleanup", true, "Remove benchmark data when done")
	segmentSize = flag.Int64("segment-size", 0, "Segment roll threshold in bytes (0 uses the default)")
	cpuProfile  = flag.String("cpuprofile", "", "Write CPU profile to file")
	memProfile  = flag.String("memprofile", "", "Write memory profile to file")
	resultsFile = flag.String("results", "", "File to write results to (in addition to stdout)")
)

func main() {
	flag.Parse()

	if *threads < 1 || *iterations < 1 {
		fmt.Fprintf(os.Stderr, "threads and iterations must be positive\n")
		os.Exit(1)
	}
	if *families < 1 || *qualifiers < 1 {
		fmt.Fprintf(os.Stderr, "families and qualifiers must be positive\n")
		os.Exit(1)
	}

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	dir := *dataPath
	if dir == "" {
		tmp, err := os.MkdirTemp("", "wal-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create temp directory: %v\n", err)
			os.Exit(1)
		}
		dir = tmp
	} else {
		// Remove any existing benchmark data before starting
		if _, err := os.Stat(dir); err == nil {
			fmt.Println("Cleaning previous benchmark data...")
			if err := os.RemoveAll(dir); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
			}
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create benchmark directory: %v\n", err)
			os.Exit(1)
		}
	}

	cfg := config.NewDefaultConfig(dir)
	if *noSync {
		cfg.WALSyncMode = config.SyncNone
	}
	if *segmentSize > 0 {
		cfg.WALMaxSegmentSize = *segmentSize
	}

	w, err := wal.NewWAL(cfg, cfg.WALDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open WAL: %v\n", err)
		os.Exit(1)
	}

	// Prepare result output
	var results []string
	results = append(results, fmt.Sprintf("WAL Benchmark Report (%s)", time.Now().Format(time.RFC3339)))
	results = append(results, fmt.Sprintf("Threads: %d, Iterations: %d, Families: %d, Qualifiers: %d, Key Size: %d bytes, Value Size: %d bytes, Mode: %s",
		*threads, *iterations, *families, *qualifiers, *keySize, *valueSize, appendMode()))

	collector := stats.NewAtomicCollector()
	result, err := runAppendBenchmark(w, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		w.Close()
		os.Exit(1)
	}

	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close WAL: %v\n", err)
		os.Exit(1)
	}
	results = append(results, result)
	results = append(results, segmentSummary(cfg))

	if *verifyLog {
		fmt.Println("Verifying log...")
		expected := int64(*threads) * int64(*iterations)
		vres, err := wal.Verify(cfg.WALDir, expected)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			fmt.Fprintf(os.Stderr, "Benchmark data kept at %s\n", dir)
			os.Exit(1)
		}
		vresult := fmt.Sprintf("\nVerification Results:")
		vresult += fmt.Sprintf("\n  Segments: %d", vres.Segments)
		vresult += fmt.Sprintf("\n  Entries: %d", vres.Entries)
		vresult += fmt.Sprintf("\n  Sequence Range: %d..%d", vres.FirstSeq, vres.LastSeq)
		vresult += fmt.Sprintf("\n  Time: %.2f seconds", vres.Elapsed.Seconds())
		results = append(results, vresult)
	}

	// Print results
	for _, r := range results {
		fmt.Println(r)
	}

	// Write results to file if requested
	if *resultsFile != "" {
		err := os.WriteFile(*resultsFile, []byte(strings.Join(results, "\n")), 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	// Write memory profile if requested
	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC() // Run GC before taking memory profile
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}

	if *cleanup {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to remove benchmark data: %v\n", err)
		}
	} else {
		fmt.Printf("Benchmark data kept at %s\n", dir)
	}
}

// appendMode returns a string describing the append durability mode
func appendMode() string {
	if *noSync {
		return "NoSync"
	}
	return "Durable"
}

// runAppendBenchmark drives threads goroutines appending iterations edits
// each and reports aggregate throughput.
func runAppendBenchmark(w *wal.WAL, collector *stats.AtomicCollector) (string, error) {
	fmt.Printf("Running Append Benchmark (%d threads x %d iterations)...\n", *threads, *iterations)

	familyNames := make([][]byte, *families)
	for i := range familyNames {
		familyNames[i] = []byte(fmt.Sprintf("cf%d", i))
	}
	qualifierNames := make([][]byte, *qualifiers)
	for i := range qualifierNames {
		qualifierNames[i] = []byte(fmt.Sprintf("q%d", i))
	}

	tableName := []byte("wal-bench")
	cellsPerEdit := *families * *qualifiers
	cellBytes := uint64(cellsPerEdit * *valueSize)
	durable := !*noSync

	g, _ := errgroup.WithContext(context.Background())
	start := time.Now()

	for t := 0; t < *threads; t++ {
		t := t
		g.Go(func() error {
			regionID := []byte(fmt.Sprintf("region-%04d", t))
			value := make([]byte, *valueSize)
			for i := range value {
				value[i] = byte(i % 256)
			}

			for i := 0; i < *iterations; i++ {
				row := makeRow(t, i)
				ts := time.Now().UnixMilli()
				edit := kv.NewEdit()
				for _, family := range familyNames {
					for _, qualifier := range qualifierNames {
						edit.Add(kv.NewPut(row, family, qualifier, ts, value))
					}
				}

				opStart := time.Now()
				if _, err := w.Append(regionID, tableName, edit, ts, durable); err != nil {
					return fmt.Errorf("append failed on worker %d iteration %d: %w", t, i, err)
				}
				collector.TrackOperationWithLatency(stats.OpAppend, uint64(time.Since(opStart).Nanoseconds()))
				collector.TrackBytes(true, cellBytes)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	elapsed := time.Since(start)

	totalOps := *threads * *iterations
	opsPerSecond := float64(totalOps) / elapsed.Seconds()
	dataMB := float64(collector.GetStats()["total_bytes_written"].(uint64)) / (1024 * 1024)
	mbPerSecond := dataMB / elapsed.Seconds()

	result := fmt.Sprintf("\nAppend Benchmark Results:")
	result += fmt.Sprintf("\n  Entries: %d", totalOps)
	result += fmt.Sprintf("\n  Cells: %d", totalOps*cellsPerEdit)
	result += fmt.Sprintf("\n  Data Written: %.2f MB", dataMB)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec (%.2f MB/sec)", opsPerSecond, mbPerSecond)
	result += latencySummary(collector)
	return result, nil
}

// makeRow builds a row key of the configured size, unique per worker and
// iteration.
func makeRow(worker, iteration int) []byte {
	row := make([]byte, *keySize)
	seed := fmt.Sprintf("%04d%012d", worker, iteration)
	copy(row, seed)
	for i := len(seed); i < len(row); i++ {
		row[i] = byte('a' + i%26)
	}
	return row
}

// latencySummary formats the collector's append latency line, or an empty
// string when nothing was recorded.
func latencySummary(collector *stats.AtomicCollector) string {
	lat, ok := collector.GetStats()[string(stats.OpAppend)+"_latency"].(map[string]interface{})
	if !ok {
		return ""
	}

	line := ""
	if avg, ok := lat["avg_ns"].(uint64); ok {
		line += fmt.Sprintf("\n  Latency: %.3f µs/op avg", float64(avg)/1000.0)
	}
	if min, ok := lat["min_ns"].(uint64); ok {
		line += fmt.Sprintf(", %.3f µs min", float64(min)/1000.0)
	}
	if max, ok := lat["max_ns"].(uint64); ok {
		line += fmt.Sprintf(", %.3f µs max", float64(max)/1000.0)
	}
	return line
}

// segmentSummary counts the segments the run produced.
func segmentSummary(cfg *config.Config) string {
	current, err := wal.FindSegmentFiles(cfg.WALDir)
	if err != nil {
		return fmt.Sprintf("\nSegments: unknown (%v)", err)
	}
	archived, err := wal.FindSegmentFiles(cfg.WALArchiveDir)
	if err != nil {
		return fmt.Sprintf("\nSegments: unknown (%v)", err)
	}
	return fmt.Sprintf("\nSegments: %d active, %d archived", len(current), len(archived))
}
