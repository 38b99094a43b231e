package wal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/quarrydb/quarry/pkg/common/log"
	"github.com/quarrydb/quarry/pkg/compress"
	"github.com/quarrydb/quarry/pkg/telemetry"
)

func attrComponentArchive() attribute.KeyValue {
	return attribute.String(telemetry.AttrComponent, telemetry.ComponentArchive)
}

// ObjectStore is the slice of the S3 API the archiver needs.
// *minio.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// ArchiverOptions configures segment mirroring to object storage.
type ArchiverOptions struct {
	// Store is the destination, usually a *minio.Client
	Store ObjectStore
	// Bucket is the destination bucket; it must already exist
	Bucket string
	// Prefix is prepended to every object key
	Prefix string
	// UploadBytesPerSec throttles uploads; zero means unthrottled
	UploadBytesPerSec int64
	// Compression stream-compresses segments before upload; the codec
	// shows up as an object key suffix (.sz, .zst, .lz4)
	Compression compress.CodecType
	// QueueDepth bounds the pending-upload queue; defaults to 64
	QueueDepth int
	// Logger defaults to the package default logger
	Logger log.Logger
	// Telemetry records upload metrics when set
	Telemetry telemetry.Telemetry
}

// Archiver mirrors rolled segments into an S3-compatible object store.
// Mirroring is best effort and fully asynchronous: the WAL hands rolled
// segments to a bounded queue and a background worker uploads them.
// A full queue drops the upload rather than stall appends; the local
// archived copy is the durable one either way.
type Archiver struct {
	store   ObjectStore
	bucket  string
	prefix  string
	codec   compress.CodecType
	limiter *rate.Limiter
	logger  log.Logger
	tel     telemetry.Telemetry

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewArchiver creates an archiver and starts its upload worker.
func NewArchiver(opts ArchiverOptions) (*Archiver, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("archiver requires an object store")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archiver requires a bucket")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger().WithField("component", "wal-archiver")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNoop()
	}

	if !opts.Compression.Valid() {
		return nil, fmt.Errorf("invalid archive compression codec %v", opts.Compression)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		store:  opts.Store,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		codec:  opts.Compression,
		logger: opts.Logger,
		tel:    opts.Telemetry,
		queue:  make(chan string, opts.QueueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.UploadBytesPerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.UploadBytesPerSec), int(opts.UploadBytesPerSec))
	}

	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Enqueue submits a rolled segment for upload. It never blocks: when
// the queue is full the segment is skipped and logged.
func (a *Archiver) Enqueue(archivedPath string) {
	select {
	case a.queue <- archivedPath:
	default:
		a.logger.Warn("archive queue full, skipping upload of %s", archivedPath)
	}
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case segmentPath := <-a.queue:
			if err := a.upload(a.ctx, segmentPath); err != nil {
				if a.ctx.Err() != nil {
					return
				}
				a.logger.Error("failed to upload segment %s: %v", segmentPath, err)
			}
		}
	}
}

// upload mirrors one segment. Already mirrored segments are skipped,
// by size match when stored raw and by key when stored compressed, so
// retries after a restart are cheap.
func (a *Archiver) upload(ctx context.Context, segmentPath string) error {
	file, err := os.Open(segmentPath)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment: %w", err)
	}

	key := a.objectKey(segmentPath)
	if info, serr := a.store.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{}); serr == nil {
		// Rolled segments are immutable, so size equality is enough for a
		// raw mirror. Compressed mirrors have no local size to compare;
		// the codec suffix on the key makes existence alone conclusive.
		if a.codec != compress.None || info.Size == stat.Size() {
			return nil
		}
	}

	var reader io.Reader = file
	objectSize := stat.Size()
	if a.codec != compress.None {
		pr, pw := io.Pipe()
		defer pr.Close()
		go a.compressInto(pw, file)
		reader = pr
		objectSize = -1
	}
	if a.limiter != nil {
		reader = &throttledReader{r: reader, limiter: a.limiter, ctx: ctx}
	}

	start := time.Now()
	if _, err := a.store.PutObject(ctx, a.bucket, key, reader, objectSize, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		a.tel.RecordCounter(ctx, "quarry.wal.archive.errors", 1,
			attrComponentArchive())
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}

	a.tel.RecordCounter(ctx, "quarry.wal.archive.bytes", stat.Size(),
		attrComponentArchive())
	a.tel.RecordHistogram(ctx, "quarry.wal.archive.upload.duration", time.Since(start).Seconds(),
		attrComponentArchive())
	a.logger.Info("mirrored segment %s to %s/%s (%d bytes)", segmentPath, a.bucket, key, stat.Size())
	return nil
}

// Backfill enqueues every segment already present in dir, oldest
// first. Run it after a restart to catch segments the previous process
// rolled but never finished uploading; segments mirrored earlier are
// recognized by the size check and skipped. Returns how many segments
// were queued before the queue filled up.
func (a *Archiver) Backfill(dir string) (int, error) {
	files, err := FindSegmentFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list segments for backfill: %w", err)
	}

	queued := 0
	for _, segmentPath := range files {
		select {
		case a.queue <- segmentPath:
			queued++
		default:
			a.logger.Warn("archive queue full, backfill stopped after %d of %d segments", queued, len(files))
			return queued, nil
		}
	}
	return queued, nil
}

// Remove deletes a mirrored segment from the object store. Removing a
// segment that was never mirrored is not an error.
func (a *Archiver) Remove(ctx context.Context, segmentPath string) error {
	key := a.objectKey(segmentPath)
	err := a.store.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil
		}
		return fmt.Errorf("failed to remove object %s: %w", key, err)
	}
	return nil
}

// Close stops the upload worker. Queued segments not yet uploaded stay
// on local disk; a Backfill on the next start mirrors them.
func (a *Archiver) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.wg.Wait()
	})
	return nil
}

// compressInto streams file through the configured codec into pw. The
// pipe reader sees the writer's close error, so a failed compression
// fails the upload rather than storing a short object.
func (a *Archiver) compressInto(pw *io.PipeWriter, file io.Reader) {
	zw, err := compress.NewStreamWriter(pw, a.codec)
	if err != nil {
		pw.CloseWithError(err)
		return
	}
	if _, err := io.Copy(zw, file); err != nil {
		zw.Close()
		pw.CloseWithError(err)
		return
	}
	pw.CloseWithError(zw.Close())
}

func (a *Archiver) objectKey(segmentPath string) string {
	name := filepath.Base(segmentPath)
	switch a.codec {
	case compress.Snappy:
		name += ".sz"
	case compress.Zstd:
		name += ".zst"
	case compress.LZ4:
		name += ".lz4"
	}
	return path.Join(a.prefix, name)
}

// throttledReader paces reads through a rate limiter so uploads stay
// under the configured bandwidth.
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		// WaitN caps n at the burst size, so large reads pay in chunks.
		remaining := n
		for remaining > 0 {
			chunk := remaining
			if burst := t.limiter.Burst(); chunk > burst {
				chunk = burst
			}
			if werr := t.limiter.WaitN(t.ctx, chunk); werr != nil {
				return n, werr
			}
			remaining -= chunk
		}
	}
	return n, err
}
