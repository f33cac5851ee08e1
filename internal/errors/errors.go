// Package errors provides the consolidated error taxonomy for pointsink.
//
// Per-scan failures (decode, validation, queue overflow, storage write) are
// non-fatal: they are reported to the producer or counted, and the service
// keeps running. Only process-level faults (bind failure, metastore open
// failure) terminate the daemon.
package errors

import (
	"errors"
	"fmt"
)

// Re-export stdlib helpers so callers only import this package.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

// Authentication errors, in check order.
var (
	ErrMissingAPIKey   = errors.New("missing api key")
	ErrInvalidAPIKey   = errors.New("invalid api key")
	ErrMissingDeviceID = errors.New("missing device id")
)

// Wire errors.
var (
	// ErrDecode marks a frame that could not be parsed as a scan.
	ErrDecode = errors.New("malformed scan frame")

	// ErrFrameType marks a non-binary frame where a scan was expected.
	ErrFrameType = errors.New("binary frame required")
)

// Validation errors. Each corresponds to one rejection reason reported in
// logs and drop counters.
var (
	ErrMissingField   = errors.New("missing required field")
	ErrEmptyPoints    = errors.New("scan contains no points")
	ErrInvalidPoint   = errors.New("invalid point")
	ErrBadTimestamp   = errors.New("invalid timestamp")
	ErrDeviceMismatch = errors.New("scan device id does not match connection")
)

// Queue errors.
var (
	// ErrQueueMemory marks a scan rejected because admitting it would
	// exceed the queue's byte bound.
	ErrQueueMemory = errors.New("queue byte limit exceeded")

	// ErrQueueCount marks a scan rejected because the queue holds the
	// maximum number of scans.
	ErrQueueCount = errors.New("queue count limit exceeded")
)

// Storage errors.
var (
	ErrDuplicateScan   = errors.New("duplicate scan id")
	ErrScanNotFound    = errors.New("scan not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("store is closed")
)

// IsAuthError reports whether err is any authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingAPIKey) ||
		errors.Is(err, ErrInvalidAPIKey) ||
		errors.Is(err, ErrMissingDeviceID)
}

// IsValidationError reports whether err is any scan validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrEmptyPoints) ||
		errors.Is(err, ErrInvalidPoint) ||
		errors.Is(err, ErrBadTimestamp) ||
		errors.Is(err, ErrDeviceMismatch)
}

// IsOverflow reports whether err is a queue capacity rejection.
func IsOverflow(err error) bool {
	return errors.Is(err, ErrQueueMemory) || errors.Is(err, ErrQueueCount)
}

// ValidationReason returns the short machine reason for a validation error,
// used in logs and drop counters.
func ValidationReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrEmptyPoints):
		return "empty_points"
	case errors.Is(err, ErrInvalidPoint):
		return "invalid_point"
	case errors.Is(err, ErrBadTimestamp):
		return "bad_timestamp"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	default:
		return "unknown"
	}
}

// AuthReason returns the short machine reason for an authentication error,
// surfaced in the HTTP 401 body before the websocket upgrade.
func AuthReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingAPIKey):
		return "missing_api_key"
	case errors.Is(err, ErrInvalidAPIKey):
		return "invalid_api_key"
	case errors.Is(err, ErrMissingDeviceID):
		return "missing_device_id"
	default:
		return "unknown"
	}
}

// Wrapf wraps err with a formatted prefix, preserving the sentinel chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
