// Package config provides configuration defaults and utilities
// for the pointsink application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default server listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:8090"

	// DefaultMaxFrameBytes limits the size of a single inbound scan frame.
	// Dense captures run large; 100 MiB covers any reasonable scan.
	// Override via config: server.max_frame_bytes
	DefaultMaxFrameBytes = 100 * 1024 * 1024

	// DefaultCompressionThreshold is the frame size in bytes above which the
	// transport applies per-message compression.
	// Override via config: server.compression_threshold
	DefaultCompressionThreshold = 1024
)

// =============================================================================
// Connection Defaults
// =============================================================================

const (
	// DefaultSendBufferSize is the capacity of the per-connection send channel.
	// Larger values allow more acks to be queued for slow clients.
	// Override via config: server.send_buffer_size
	DefaultSendBufferSize = 256

	// DefaultWriteTimeout is how long a single outbound frame write may take
	// before the connection is considered dead.
	// Override via config: server.write_timeout
	DefaultWriteTimeout = 5 * time.Second
)

// =============================================================================
// Queue Defaults
// =============================================================================

const (
	// PerPointBytes is the estimated in-memory cost of one point.
	// The same estimate is applied at admission and at release so the
	// queue's running byte total cannot drift.
	PerPointBytes = 20

	// FixedOverheadBytes is the estimated per-scan overhead independent of
	// point count (identifiers, metadata map, bookkeeping).
	FixedOverheadBytes = 1000

	// BackpressureRatio is the fill ratio at or above which the queue emits
	// an informational backpressure event. It does not reject anything.
	BackpressureRatio = 0.75

	// DefaultQueueMaxCount is the default bound on queued scans.
	// Override via config: queue.max_count
	DefaultQueueMaxCount = 1000

	// DefaultQueueMaxBytes is the default bound on estimated queued bytes.
	// Override via config: queue.max_bytes
	DefaultQueueMaxBytes = 512 * 1024 * 1024
)

// =============================================================================
// Drain Defaults
// =============================================================================

const (
	// DefaultDrainIdleSleep is how long the drain worker sleeps when the
	// queue is empty before checking again.
	// Override via config: ingest.idle_sleep
	DefaultDrainIdleSleep = 10 * time.Millisecond
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultRetentionMaxAge is how long scans are kept before the sweeper
	// removes their metadata rows and blob files.
	// Override via config: retention.max_age
	DefaultRetentionMaxAge = 30 * 24 * time.Hour

	// DefaultSweepInterval is how often the retention sweeper runs.
	// Override via config: retention.sweep_interval
	DefaultSweepInterval = time.Hour
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for blobs and the metastore.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/pointsink"

	// BlobExtension is the file extension for persisted scan blobs.
	BlobExtension = ".scan"
)
