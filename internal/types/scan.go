// Package types defines the core data structures shared across pointsink.
package types

import (
	"time"

	"github.com/pointsink/pointsink/config"
)

// Point is a single sample in a scan's point cloud. Intensity is optional;
// when present it must lie in [0, 1].
type Point struct {
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Z         float64  `json:"z"`
	Intensity *float64 `json:"intensity,omitempty"`
}

// Scan is one capture uploaded by a device. A scan is immutable once it has
// been decoded from the wire; every stage downstream of the decoder shares
// the same instance.
type Scan struct {
	ScanID      string            `json:"scanId"`
	SessionID   string            `json:"sessionId"`
	DeviceID    string            `json:"deviceId"`
	TimestampMs int64             `json:"timestampMs"`
	Points      []Point           `json:"points"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PointCount returns the number of points in the scan.
func (s *Scan) PointCount() int {
	return len(s.Points)
}

// EstimatedBytes is the admission-control cost estimate for holding the scan
// in memory. The queue captures this value at admission and releases the
// identical value at dequeue.
func (s *Scan) EstimatedBytes() int64 {
	return int64(len(s.Points))*config.PerPointBytes + config.FixedOverheadBytes
}

// Time returns the capture timestamp as a time.Time in UTC.
func (s *Scan) Time() time.Time {
	return time.UnixMilli(s.TimestampMs).UTC()
}

// ScanMetadata is the persisted index record for one stored scan. It is the
// source of truth for read APIs and for retention.
type ScanMetadata struct {
	ScanID      string `json:"scanId"`
	SessionID   string `json:"sessionId"`
	DeviceID    string `json:"deviceId"`
	TimestampMs int64  `json:"timestampMs"`
	BlobPath    string `json:"blobPath"`
	SizeBytes   int64  `json:"sizeBytes"`
	PointCount  int    `json:"pointCount"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// SessionAggregate is the rolled-up view of one capture session, maintained
// transactionally alongside scan inserts.
type SessionAggregate struct {
	SessionID      string `json:"sessionId"`
	DeviceID       string `json:"deviceId"`
	StartTimeMs    int64  `json:"startTimeMs"`
	EndTimeMs      int64  `json:"endTimeMs"`
	ScanCount      int64  `json:"scanCount"`
	TotalPoints    int64  `json:"totalPoints"`
	TotalSizeBytes int64  `json:"totalSizeBytes"`
}
