// Package ingest runs the drain worker that moves scans from the admission
// queue into durable storage.
//
// Exactly one worker goroutine consumes the queue. It writes the blob first,
// then the metadata row; only a scan whose metadata insert committed is
// reported as stored. When the insert fails the just-written blob is removed
// again, so a blob file on disk always has a matching metadata row.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/pointsink/pointsink/config"
	"github.com/pointsink/pointsink/internal/blob"
	errs "github.com/pointsink/pointsink/internal/errors"
	"github.com/pointsink/pointsink/internal/logging"
	"github.com/pointsink/pointsink/internal/queue"
	"github.com/pointsink/pointsink/internal/types"
)

// BlobWriter persists the scan payload and reports where it landed. Remove
// undoes a write whose metadata insert did not commit.
type BlobWriter interface {
	Write(scan *types.Scan) (blob.WriteResult, error)
	Remove(path string) error
}

// MetadataWriter records a stored scan transactionally.
type MetadataWriter interface {
	InsertScan(ctx context.Context, md *types.ScanMetadata) error
}

// Result reports the outcome of draining one scan. It feeds ack routing:
// Stored is true only when both the blob write and the metadata insert
// succeeded.
type Result struct {
	ScanID     string
	SessionID  string
	DeviceID   string
	ReceivedMs int64
	Stored     bool
	Err        error
	Duration   time.Duration
}

// Config holds drain worker options.
type Config struct {
	// IdleSleep is how long the worker sleeps when the queue is empty.
	IdleSleep time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleSleep: config.DefaultDrainIdleSleep,
	}
}

// Service is the drain worker.
type Service struct {
	config Config
	log    *slog.Logger

	queue *queue.Queue
	blobs BlobWriter
	meta  MetadataWriter

	// onResult is invoked on the worker goroutine for every drained scan.
	onResult func(Result)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Statistics
	processed atomic.Int64
	stored    atomic.Int64
	failures  atomic.Int64

	sketchMu sync.Mutex
	sketch   *ddsketch.DDSketch
}

// New creates a drain service. onResult may be nil.
func New(cfg Config, q *queue.Queue, blobs BlobWriter, meta MetadataWriter, onResult func(Result)) (*Service, error) {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = config.DefaultDrainIdleSleep
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("create latency sketch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:   cfg,
		log:      logging.Component("ingest"),
		queue:    q,
		blobs:    blobs,
		meta:     meta,
		onResult: onResult,
		ctx:      ctx,
		cancel:   cancel,
		sketch:   sketch,
	}, nil
}

// Start launches the single drain worker.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ingest service already running")
	}

	s.wg.Add(1)
	go s.worker()

	s.log.Info("drain worker started", "idle_sleep", s.config.IdleSleep)
	return nil
}

// Stop shuts the worker down. Everything still queued is drained through the
// normal path before Stop returns; an accepted scan is never abandoned by a
// graceful shutdown.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	s.log.Info("drain worker stopped",
		"processed", s.processed.Load(),
		"stored", s.stored.Load(),
		"failures", s.failures.Load())
	return nil
}

// worker is the single consumer of the queue. One scan is fully persisted
// before the next is dequeued, so storage writes are strictly serialized.
func (s *Service) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.drainRemaining()
			return
		default:
		}

		entry, ok := s.queue.Dequeue()
		if !ok {
			select {
			case <-s.ctx.Done():
				s.drainRemaining()
				return
			case <-time.After(s.config.IdleSleep):
			}
			continue
		}

		s.process(entry)
	}
}

// drainRemaining empties the queue during shutdown.
func (s *Service) drainRemaining() {
	entries := s.queue.Drain()
	for _, entry := range entries {
		s.process(entry)
	}
	if len(entries) > 0 {
		s.log.Info("drained remaining scans on shutdown", "count", len(entries))
	}
}

// process persists one scan. Failures are counted and reported, never
// retried; the scan is lost and the worker moves on.
func (s *Service) process(entry queue.Entry) {
	scan := entry.Scan
	start := time.Now()

	res := Result{
		ScanID:     scan.ScanID,
		SessionID:  scan.SessionID,
		DeviceID:   scan.DeviceID,
		ReceivedMs: time.Now().UnixMilli(),
	}

	wr, err := s.blobs.Write(scan)
	if err != nil {
		res.Err = err
		s.failures.Add(1)
		s.log.Error("blob write failed", "scan_id", scan.ScanID, "error", err)
	} else {
		md := &types.ScanMetadata{
			ScanID:      scan.ScanID,
			SessionID:   scan.SessionID,
			DeviceID:    scan.DeviceID,
			TimestampMs: scan.TimestampMs,
			BlobPath:    wr.Path,
			SizeBytes:   wr.SizeBytes,
			PointCount:  scan.PointCount(),
			CreatedAtMs: time.Now().UnixMilli(),
		}
		// Background context: a shutdown drain must still complete its
		// inserts.
		if err := s.meta.InsertScan(context.Background(), md); err != nil {
			res.Err = err
			s.failures.Add(1)
			s.log.Error("metadata insert failed",
				"scan_id", scan.ScanID, "blob_path", wr.Path, "error", err)
			// Without a row the blob is unreachable; remove it. A duplicate
			// is the exception: the path belongs to the already-stored
			// original scan.
			if !errs.Is(err, errs.ErrDuplicateScan) {
				if rmErr := s.blobs.Remove(wr.Path); rmErr != nil {
					s.log.Warn("orphan blob cleanup failed",
						"blob_path", wr.Path, "error", rmErr)
				}
			}
		} else {
			res.Stored = true
			s.stored.Add(1)
		}
	}

	s.processed.Add(1)
	res.Duration = time.Since(start)
	s.observeDuration(res.Duration)

	if s.onResult != nil {
		s.onResult(res)
	}
}

func (s *Service) observeDuration(d time.Duration) {
	s.sketchMu.Lock()
	defer s.sketchMu.Unlock()
	// Sketch accepts only positive values.
	ms := float64(d.Microseconds()) / 1000.0
	if ms <= 0 {
		ms = 0.001
	}
	s.sketch.Add(ms)
}

// Stats returns drain statistics including processing latency percentiles
// in milliseconds.
func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		Running:   s.running.Load(),
		Processed: s.processed.Load(),
		Stored:    s.stored.Load(),
		Failures:  s.failures.Load(),
	}

	s.sketchMu.Lock()
	defer s.sketchMu.Unlock()
	if s.sketch.GetCount() > 0 {
		if v, err := s.sketch.GetValueAtQuantile(0.5); err == nil {
			st.P50Ms = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.9); err == nil {
			st.P90Ms = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.99); err == nil {
			st.P99Ms = v
		}
	}
	return st
}

// ServiceStats holds drain worker statistics.
type ServiceStats struct {
	Running   bool    `json:"running"`
	Processed int64   `json:"processed"`
	Stored    int64   `json:"stored"`
	Failures  int64   `json:"failures"`
	P50Ms     float64 `json:"p50Ms"`
	P90Ms     float64 `json:"p90Ms"`
	P99Ms     float64 `json:"p99Ms"`
}
