// Package retention removes scans older than the configured maximum age.
//
// Each sweep computes cutoff = now - maxAge, removes the blob files of every
// scan captured before the cutoff, then deletes their metadata rows. Session
// rows are never touched.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pointsink/pointsink/config"
	"github.com/pointsink/pointsink/internal/logging"
	"github.com/pointsink/pointsink/internal/types"
)

// MetadataSource lists and deletes old scan metadata.
type MetadataSource interface {
	GetScansByTimeRange(ctx context.Context, startMs, endMs int64) ([]types.ScanMetadata, error)
	DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error)
}

// BlobRemover deletes blob files by root-relative path.
type BlobRemover interface {
	Remove(path string) error
}

// Config holds sweeper options.
type Config struct {
	// MaxAge is how long scans are kept.
	MaxAge time.Duration

	// Interval is how often the sweeper runs.
	Interval time.Duration

	// DryRun reports what would be removed without removing anything.
	DryRun bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:   config.DefaultRetentionMaxAge,
		Interval: config.DefaultSweepInterval,
	}
}

// Result describes one sweep.
type Result struct {
	CutoffMs     int64         `json:"cutoffMs"`
	RowsDeleted  int64         `json:"rowsDeleted"`
	BlobsRemoved int64         `json:"blobsRemoved"`
	BytesFreed   int64         `json:"bytesFreed"`
	BlobErrors   int64         `json:"blobErrors"`
	Duration     time.Duration `json:"duration"`
	DryRun       bool          `json:"dryRun"`
}

// Sweeper runs the retention loop.
type Sweeper struct {
	config Config
	log    *slog.Logger
	meta   MetadataSource
	blobs  BlobRemover

	mu         sync.Mutex
	lastResult Result
	lastRun    time.Time
	sweeps     int64
}

// New creates a sweeper.
func New(cfg Config, meta MetadataSource, blobs BlobRemover) *Sweeper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = config.DefaultRetentionMaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultSweepInterval
	}
	return &Sweeper{
		config: cfg,
		log:    logging.Component("retention"),
		meta:   meta,
		blobs:  blobs,
	}
}

// Run sweeps on the configured interval until ctx is canceled. One sweep
// runs immediately on start.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.log.Error("initial sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single retention pass: blobs first, then metadata rows, so a
// crash mid-sweep leaves deletable rows rather than orphan blobs.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	cutoff := start.Add(-s.config.MaxAge).UnixMilli()

	res := Result{CutoffMs: cutoff, DryRun: s.config.DryRun}

	expired, err := s.meta.GetScansByTimeRange(ctx, 0, cutoff)
	if err != nil {
		return res, fmt.Errorf("list expired scans: %w", err)
	}

	if s.config.DryRun {
		res.RowsDeleted = int64(len(expired))
		for _, md := range expired {
			res.BytesFreed += md.SizeBytes
		}
		res.Duration = time.Since(start)
		s.record(res)
		return res, nil
	}

	for _, md := range expired {
		if err := s.blobs.Remove(md.BlobPath); err != nil {
			res.BlobErrors++
			s.log.Warn("blob removal failed", "path", md.BlobPath, "error", err)
			continue
		}
		res.BlobsRemoved++
		res.BytesFreed += md.SizeBytes
	}

	deleted, err := s.meta.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("delete expired rows: %w", err)
	}
	res.RowsDeleted = deleted
	res.Duration = time.Since(start)

	if res.RowsDeleted > 0 || res.BlobErrors > 0 {
		s.log.Info("sweep complete",
			"rows_deleted", res.RowsDeleted,
			"blobs_removed", res.BlobsRemoved,
			"bytes_freed", res.BytesFreed,
			"blob_errors", res.BlobErrors,
			"duration", res.Duration)
	}

	s.record(res)
	return res, nil
}

func (s *Sweeper) record(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = res
	s.lastRun = time.Now()
	s.sweeps++
}

// Stats returns sweeper statistics.
func (s *Sweeper) Stats() SweeperStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SweeperStats{
		Sweeps:     s.sweeps,
		LastRun:    s.lastRun,
		LastResult: s.lastResult,
	}
}

// SweeperStats holds sweeper statistics.
type SweeperStats struct {
	Sweeps     int64     `json:"sweeps"`
	LastRun    time.Time `json:"lastRun"`
	LastResult Result    `json:"lastResult"`
}
